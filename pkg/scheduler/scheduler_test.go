package scheduler

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stackwatch/dbsentry/pkg/config"
	"github.com/stackwatch/dbsentry/pkg/queue"
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

func newTestScheduler(t *testing.T, db *gorm.DB) *Scheduler {
	t.Helper()

	broker, err := queue.NewBroker(config.QueueConfig{Driver: queue.DriverChannel}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { broker.Close() })

	publisher := queue.NewJobPublisher(broker.Publisher, "backup.jobs")

	return NewScheduler(
		store.NewDatabaseRepository(db),
		store.NewPolicyRepository(db),
		store.NewScheduleRepository(db),
		store.NewLeaseRepository(db),
		publisher,
		nil,
		time.Minute, 3*time.Minute,
	)
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	db, mock := newMockDB(t)
	s := newTestScheduler(t, db)

	// Leader lease held by another scheduler and still live: this tick must
	// do nothing beyond the lease check.
	leaseRows := sqlmock.NewRows([]string{"key", "owner", "expires_at"}).
		AddRow("scheduler/leader", "scheduler-other", time.Now().Add(2*time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("scheduler/leader", 1).
		WillReturnRows(leaseRows)
	mock.ExpectCommit()

	s.Tick(time.Now())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTickEvaluatesWhenLeader(t *testing.T) {
	db, mock := newMockDB(t)
	s := newTestScheduler(t, db)

	// No leader yet: take the lease, then list databases (none enrolled).
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("scheduler/leader", 1).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectExec("INSERT INTO `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT \\* FROM `databases`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "policy_id", "enabled"}))

	s.Tick(time.Now())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerManualUnknownDatabase(t *testing.T) {
	db, mock := newMockDB(t)
	s := newTestScheduler(t, db)

	mock.ExpectQuery("SELECT \\* FROM `databases`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.TriggerManual("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestTriggerManualRequiresPolicy(t *testing.T) {
	db, mock := newMockDB(t)
	s := newTestScheduler(t, db)

	dbRows := sqlmock.NewRows([]string{"id", "engine_id", "name", "policy_id", "enabled"}).
		AddRow("db-1", "engine-1", "appdb", "", true)
	mock.ExpectQuery("SELECT \\* FROM `databases`").
		WillReturnRows(dbRows)
	mock.ExpectQuery("SELECT \\* FROM `engines`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("engine-1"))

	_, err := s.TriggerManual("db-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backup policy")
}

func TestPublishBackoffDoubles(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, publishBackoff(1))
	assert.Equal(t, time.Second, publishBackoff(2))
	assert.Equal(t, 2*time.Second, publishBackoff(3))
}
