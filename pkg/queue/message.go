// Package queue carries BackupJob messages between the scheduler and the
// worker pool over a durable at-least-once transport.
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/stackwatch/dbsentry/pkg/policy"
)

// Trigger sources for a backup job.
const (
	TriggeredByScheduler = "scheduler"
	TriggeredByManual    = "manual"
)

// attemptsKey is the message metadata key tracking delivery attempts for
// lease-contention requeues.
const attemptsKey = "attempts"

// BackupJob is the queue message. A job carries the full set of tiers due in
// the tick that produced it; the dump runs once and the artifact is credited
// to every tier.
type BackupJob struct {
	JobID       string        `json:"job_id"`
	DatabaseID  string        `json:"database_id"`
	Tiers       []policy.Tier `json:"tiers"`
	TriggeredBy string        `json:"triggered_by"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
}

// NewBackupJob builds a job for a database and its due tiers.
func NewBackupJob(databaseID string, tiers []policy.Tier, triggeredBy string) *BackupJob {
	return &BackupJob{
		JobID:       uuid.New().String(),
		DatabaseID:  databaseID,
		Tiers:       tiers,
		TriggeredBy: triggeredBy,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Marshal encodes the job as a watermill message. The message UUID doubles
// as the broker-level deduplication id.
func (j *BackupJob) Marshal() (*message.Message, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup job: %w", err)
	}

	msg := message.NewMessage(j.JobID, payload)
	msg.Metadata.Set("database_id", j.DatabaseID)
	msg.Metadata.Set("triggered_by", j.TriggeredBy)
	return msg, nil
}

// UnmarshalJob decodes a queue message back into a BackupJob.
func UnmarshalJob(msg *message.Message) (*BackupJob, error) {
	var job BackupJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup job: %w", err)
	}
	if job.JobID == "" || job.DatabaseID == "" {
		return nil, fmt.Errorf("backup job message missing job_id or database_id")
	}
	if len(job.Tiers) == 0 {
		return nil, fmt.Errorf("backup job %s carries no tiers", job.JobID)
	}
	return &job, nil
}

// Attempts reads the delivery-attempt counter from message metadata.
func Attempts(msg *message.Message) int {
	n, err := strconv.Atoi(msg.Metadata.Get(attemptsKey))
	if err != nil {
		return 0
	}
	return n
}

// SetAttempts writes the delivery-attempt counter into message metadata.
func SetAttempts(msg *message.Message, attempts int) {
	msg.Metadata.Set(attemptsKey, strconv.Itoa(attempts))
}
