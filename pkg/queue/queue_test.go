package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/dbsentry/pkg/config"
	"github.com/stackwatch/dbsentry/pkg/policy"
)

func TestBackupJobRoundtrip(t *testing.T) {
	job := NewBackupJob("db-1", []policy.Tier{policy.TierDaily, policy.TierWeekly}, TriggeredByScheduler)

	msg, err := job.Marshal()
	require.NoError(t, err)
	assert.Equal(t, job.JobID, msg.UUID)
	assert.Equal(t, "db-1", msg.Metadata.Get("database_id"))

	decoded, err := UnmarshalJob(msg)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, decoded.JobID)
	assert.Equal(t, job.DatabaseID, decoded.DatabaseID)
	assert.Equal(t, []policy.Tier{policy.TierDaily, policy.TierWeekly}, decoded.Tiers)
	assert.Equal(t, TriggeredByScheduler, decoded.TriggeredBy)
}

func TestUnmarshalJobRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "not json at all"},
		{"missing job id", `{"database_id":"db-1","tiers":["daily"]}`},
		{"missing database id", `{"job_id":"j-1","tiers":["daily"]}`},
		{"empty tier set", `{"job_id":"j-1","database_id":"db-1","tiers":[]}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalJob(message.NewMessage("test", []byte(tc.payload)))
			assert.Error(t, err)
		})
	}
}

func TestAttemptsMetadata(t *testing.T) {
	msg := message.NewMessage("test", nil)
	assert.Equal(t, 0, Attempts(msg))

	SetAttempts(msg, 3)
	assert.Equal(t, 3, Attempts(msg))
}

func TestChannelBrokerRoundtrip(t *testing.T) {
	broker, err := NewBroker(config.QueueConfig{Driver: DriverChannel, JobsTopic: "backup.jobs"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := broker.Subscriber.Subscribe(ctx, "backup.jobs")
	require.NoError(t, err)

	pub := NewJobPublisher(broker.Publisher, "backup.jobs")
	job := NewBackupJob("db-42", []policy.Tier{policy.TierHourly}, TriggeredByManual)
	require.NoError(t, pub.PublishJob(job))

	select {
	case msg := <-messages:
		decoded, err := UnmarshalJob(msg)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, decoded.JobID)
		assert.Equal(t, "db-42", decoded.DatabaseID)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestRequeueIncrementsAttempts(t *testing.T) {
	broker, err := NewBroker(config.QueueConfig{Driver: DriverChannel, JobsTopic: "backup.jobs"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := broker.Subscriber.Subscribe(ctx, "backup.jobs")
	require.NoError(t, err)

	pub := NewJobPublisher(broker.Publisher, "backup.jobs")
	job := NewBackupJob("db-7", []policy.Tier{policy.TierDaily}, TriggeredByScheduler)
	require.NoError(t, pub.PublishJob(job))

	first := <-messages
	first.Ack()
	assert.Equal(t, 0, Attempts(first))

	require.NoError(t, pub.Requeue(first))

	select {
	case second := <-messages:
		assert.Equal(t, 1, Attempts(second))
		decoded, err := UnmarshalJob(second)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, decoded.JobID, "requeue must preserve job identity")
		second.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for requeued message")
	}
}

func TestNewBrokerRejectsUnknownDriver(t *testing.T) {
	_, err := NewBroker(config.QueueConfig{Driver: "kafka"}, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestPublishAfterCloseFails(t *testing.T) {
	broker, err := NewBroker(config.QueueConfig{Driver: DriverChannel}, watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	pub := NewJobPublisher(broker.Publisher, "backup.jobs")
	pub.Close()

	job := NewBackupJob("db-1", []policy.Tier{policy.TierDaily}, TriggeredByScheduler)
	assert.Error(t, pub.PublishJob(job))
}
