package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestLeaseAcquireCreatesWhenAbsent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLeaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"key"}))
	mock.ExpectExec("INSERT INTO `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acquired, err := repo.Acquire("backup/db-1", "worker-a", 5*time.Minute)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseAcquireContendedByLiveHolder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLeaseRepository(db)

	rows := sqlmock.NewRows([]string{"key", "owner", "expires_at"}).
		AddRow("backup/db-1", "worker-b", time.Now().Add(3*time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(rows)
	mock.ExpectCommit()

	acquired, err := repo.Acquire("backup/db-1", "worker-a", 5*time.Minute)
	assert.NoError(t, err)
	assert.False(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseAcquireTakesOverExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLeaseRepository(db)

	expired := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"key", "owner", "expires_at"}).
		AddRow("backup/db-1", "worker-dead", expired)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE `leases`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acquired, err := repo.Acquire("backup/db-1", "worker-a", 5*time.Minute)
	assert.NoError(t, err)
	assert.True(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseAcquireLosesTakeoverRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLeaseRepository(db)

	expired := time.Now().Add(-time.Minute)
	rows := sqlmock.NewRows([]string{"key", "owner", "expires_at"}).
		AddRow("backup/db-1", "worker-dead", expired)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `leases`").
		WithArgs("backup/db-1", 1).
		WillReturnRows(rows)
	// Conditional takeover matched nothing: another worker got there first.
	mock.ExpectExec("UPDATE `leases`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	acquired, err := repo.Acquire("backup/db-1", "worker-a", 5*time.Minute)
	assert.NoError(t, err)
	assert.False(t, acquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseRenewFailsWhenLost(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLeaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `leases`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	renewed, err := repo.Renew("backup/db-1", "worker-a", 5*time.Minute)
	assert.NoError(t, err)
	assert.False(t, renewed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaseReleaseIsOwnerScoped(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewLeaseRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `leases`").
		WithArgs("backup/db-1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// Lease already taken over by someone else: release is a no-op.
	err := repo.Release("backup/db-1", "worker-a")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleMarkFiredConditionalUpdate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScheduleRepository(db)

	prev := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	next := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `schedule_marks`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	won, err := repo.MarkFired("db-1", "daily", prev, next)
	assert.NoError(t, err)
	assert.True(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleMarkFiredLosesRace(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScheduleRepository(db)

	prev := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	next := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)

	// Stored fired_at no longer matches prev: another scheduler advanced it.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `schedule_marks`").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	won, err := repo.MarkFired("db-1", "daily", prev, next)
	assert.NoError(t, err)
	assert.False(t, won)
	assert.NoError(t, mock.ExpectationsWereMet())
}
