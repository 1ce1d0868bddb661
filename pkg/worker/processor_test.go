package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stackwatch/dbsentry/pkg/config"
	"github.com/stackwatch/dbsentry/pkg/events"
	"github.com/stackwatch/dbsentry/pkg/policy"
	"github.com/stackwatch/dbsentry/pkg/queue"
	"github.com/stackwatch/dbsentry/pkg/storage"
	"github.com/stackwatch/dbsentry/pkg/store"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return db, mock
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	p := NewProcessor(nil, nil, nil, nil, nil, nil, nil, nil, nil, Config{})

	msg := message.NewMessage("bad", []byte("not a job"))
	// Must ack and return without touching any dependency.
	p.handleMessage(context.Background(), msg)

	select {
	case <-msg.Acked():
	default:
		t.Fatal("malformed message was not acked")
	}
}

func TestRequeueDropsStuckJobAndEmitsEvent(t *testing.T) {
	broker, err := queue.NewBroker(config.QueueConfig{Driver: queue.DriverChannel}, watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobMessages, err := broker.Subscriber.Subscribe(ctx, "backup.jobs")
	require.NoError(t, err)
	eventMessages, err := broker.Subscriber.Subscribe(ctx, "backup.events")
	require.NoError(t, err)

	publisher := queue.NewJobPublisher(broker.Publisher, "backup.jobs")
	sink := events.NewSink(broker.Publisher, "backup.events")

	p := NewProcessor(nil, publisher, nil, nil, nil, nil, nil, nil, sink, Config{
		MaxDeliveryAttempts: 3,
	})

	job := queue.NewBackupJob("db-1", []policy.Tier{policy.TierDaily}, queue.TriggeredByScheduler)
	msg, err := job.Marshal()
	require.NoError(t, err)
	queue.SetAttempts(msg, 2)

	// Third attempt reaches the bound: dropped, stuck event emitted.
	p.requeue(msg, job)

	select {
	case em := <-eventMessages:
		var event events.Event
		require.NoError(t, json.Unmarshal(em.Payload, &event))
		assert.Equal(t, events.KindJobStuck, event.Kind)
		assert.Equal(t, "db-1", event.DatabaseID)
		assert.Equal(t, job.JobID, event.JobID)
		em.Ack()
	case <-ctx.Done():
		t.Fatal("expected a stuck-job event")
	}

	select {
	case <-jobMessages:
		t.Fatal("stuck job must not be republished")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRequeueRepublishesBelowBound(t *testing.T) {
	broker, err := queue.NewBroker(config.QueueConfig{Driver: queue.DriverChannel}, watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobMessages, err := broker.Subscriber.Subscribe(ctx, "backup.jobs")
	require.NoError(t, err)

	publisher := queue.NewJobPublisher(broker.Publisher, "backup.jobs")

	p := NewProcessor(nil, publisher, nil, nil, nil, nil, nil, nil, nil, Config{
		MaxDeliveryAttempts: 5,
	})

	job := queue.NewBackupJob("db-1", []policy.Tier{policy.TierDaily}, queue.TriggeredByScheduler)
	msg, err := job.Marshal()
	require.NoError(t, err)

	p.requeue(msg, job)

	select {
	case rm := <-jobMessages:
		assert.Equal(t, 1, queue.Attempts(rm))
		decoded, err := queue.UnmarshalJob(rm)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, decoded.JobID)
		rm.Ack()
	case <-ctx.Done():
		t.Fatal("expected the job to be requeued")
	}
}

func TestHandleMessageLeaseIsScopedPerJob(t *testing.T) {
	broker, err := queue.NewBroker(config.QueueConfig{Driver: queue.DriverChannel}, watermill.NopLogger{})
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	jobMessages, err := broker.Subscriber.Subscribe(ctx, "backup.jobs")
	require.NoError(t, err)

	publisher := queue.NewJobPublisher(broker.Publisher, "backup.jobs")

	db, mock := newMockDB(t)
	p := NewProcessor(nil, publisher, store.NewResultRepository(db), nil,
		store.NewLeaseRepository(db), nil, nil, nil, nil, Config{
			MaxDeliveryAttempts: 5,
			LeaseTTL:            5 * time.Minute,
		})

	job := queue.NewBackupJob("db-1", []policy.Tier{policy.TierDaily}, queue.TriggeredByScheduler)
	msg, err := job.Marshal()
	require.NoError(t, err)

	// No result recorded for this job yet.
	mock.ExpectQuery("SELECT \\* FROM `backup_results`").
		WithArgs(job.JobID, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// The database lease is live under this worker's base identity. Lease
	// ownership is scoped per job, so this delivery must not ride along on
	// the existing claim; it gets requeued instead.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"key", "owner", "expires_at"}).
			AddRow("backup/db-1", p.owner, time.Now().Add(4*time.Minute)))
	mock.ExpectCommit()

	p.handleMessage(ctx, msg)

	select {
	case rm := <-jobMessages:
		assert.Equal(t, 1, queue.Attempts(rm))
		decoded, err := queue.UnmarshalJob(rm)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, decoded.JobID)
		rm.Ack()
	case <-ctx.Done():
		t.Fatal("expected the contended job to be requeued")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverOrphansSkipsRecentResults(t *testing.T) {
	db, mock := newMockDB(t)
	results := store.NewResultRepository(db)

	p := NewProcessor(nil, nil, results, nil, nil, nil, nil, nil, nil, Config{
		DumpTimeout: 2 * time.Hour,
	})

	// One in-progress result created just now: inside the dump timeout, so
	// the sweep must leave it alone.
	resultRows := sqlmock.NewRows([]string{"id", "job_id", "database_id", "status", "created_at"}).
		AddRow("result-1", "job-1", "db-1", "in_progress", time.Now())

	mock.ExpectQuery("SELECT \\* FROM `backup_results`").
		WillReturnRows(resultRows)
	mock.ExpectQuery("SELECT \\* FROM `result_tiers`").
		WillReturnRows(sqlmock.NewRows([]string{"result_id", "tier"}).AddRow("result-1", "daily"))

	require.NoError(t, p.RecoverOrphans())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverOrphansRecordsFinishedUpload(t *testing.T) {
	db, mock := newMockDB(t)
	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	p := NewProcessor(nil, nil, store.NewResultRepository(db), store.NewDatabaseRepository(db),
		store.NewLeaseRepository(db), nil, nil, objects, nil, Config{
			DumpTimeout:   2 * time.Hour,
			StoragePrefix: "backups",
		})

	// The crash happened after the upload finished but before the result was
	// marked completed: the artifact sits at its derived key.
	key := storage.ArtifactKey("backups", "db-1", "job-1", true)
	_, err = objects.Upload(context.Background(), key, strings.NewReader("-- dump --"))
	require.NoError(t, err)

	stale := time.Now().Add(-3 * time.Hour)
	mock.ExpectQuery("SELECT \\* FROM `backup_results`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "database_id", "status", "created_at"}).
			AddRow("result-1", "job-1", "db-1", "in_progress", stale))
	mock.ExpectQuery("SELECT \\* FROM `result_tiers`").
		WillReturnRows(sqlmock.NewRows([]string{"result_id", "tier"}).AddRow("result-1", "daily"))

	// Nobody holds the database lease anymore.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectExec("INSERT INTO `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT \\* FROM `databases`").
		WithArgs("db-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "engine_id", "name", "compression"}).
			AddRow("db-1", "engine-1", "appdb", true))
	mock.ExpectQuery("SELECT \\* FROM `engines`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("engine-1"))

	// The finished artifact is recorded, not discarded.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `backup_results`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.RecoverOrphans())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverOrphansFailsResultWhenArtifactMissing(t *testing.T) {
	db, mock := newMockDB(t)
	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	p := NewProcessor(nil, nil, store.NewResultRepository(db), store.NewDatabaseRepository(db),
		store.NewLeaseRepository(db), nil, nil, objects, nil, Config{
			DumpTimeout:   2 * time.Hour,
			StoragePrefix: "backups",
		})

	stale := time.Now().Add(-3 * time.Hour)
	mock.ExpectQuery("SELECT \\* FROM `backup_results`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_id", "database_id", "status", "created_at"}).
			AddRow("result-1", "job-1", "db-1", "in_progress", stale))
	mock.ExpectQuery("SELECT \\* FROM `result_tiers`").
		WillReturnRows(sqlmock.NewRows([]string{"result_id", "tier"}).AddRow("result-1", "daily"))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectExec("INSERT INTO `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT \\* FROM `databases`").
		WithArgs("db-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "engine_id", "name", "compression"}).
			AddRow("db-1", "engine-1", "appdb", true))
	mock.ExpectQuery("SELECT \\* FROM `engines`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("engine-1"))

	// No artifact under the derived key: the dump never finished.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `backup_results`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.RecoverOrphans())
	assert.NoError(t, mock.ExpectationsWereMet())
}
