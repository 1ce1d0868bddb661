// Package alerts tracks consecutive backup failures per database. A database
// whose streak reaches the configured threshold is surfaced as alerting; any
// success resets the streak.
package alerts

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/stackwatch/dbsentry/pkg/metrics"
	"github.com/stackwatch/dbsentry/pkg/store"
)

// Tracker persists failure streaks in the configuration store.
type Tracker struct {
	db        *gorm.DB
	threshold int
}

// NewTracker creates a failure tracker with the alerting threshold.
func NewTracker(db *gorm.DB, threshold int) *Tracker {
	return &Tracker{db: db, threshold: threshold}
}

// Threshold returns the configured alerting threshold.
func (t *Tracker) Threshold() int {
	return t.threshold
}

// RecordFailure increments the streak for a database and returns the new
// count. Crossing the threshold is logged once per crossing, not once per
// failure.
func (t *Tracker) RecordFailure(databaseID, errorMessage string) (int, error) {
	now := time.Now()
	var count int

	err := t.db.Transaction(func(tx *gorm.DB) error {
		var state store.AlertState
		err := tx.Where("database_id = ?", databaseID).First(&state).Error

		switch {
		case err == gorm.ErrRecordNotFound:
			state = store.AlertState{
				DatabaseID:          databaseID,
				ConsecutiveFailures: 1,
				LastFailureAt:       &now,
				LastError:           errorMessage,
			}
			if err := tx.Create(&state).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			state.ConsecutiveFailures++
			state.LastFailureAt = &now
			state.LastError = errorMessage
			if err := tx.Save(&state).Error; err != nil {
				return err
			}
		}

		count = state.ConsecutiveFailures
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ConsecutiveFailures.WithLabelValues(databaseID).Set(float64(count))
	if count == t.threshold {
		log.Printf("ALERT: database %s has failed %d consecutive backups", databaseID, count)
	}
	return count, nil
}

// RecordSuccess resets the streak for a database. A database with no streak
// is a no-op.
func (t *Tracker) RecordSuccess(databaseID string) error {
	err := t.db.Where("database_id = ?", databaseID).Delete(&store.AlertState{}).Error
	if err != nil {
		return err
	}
	metrics.ConsecutiveFailures.WithLabelValues(databaseID).Set(0)
	return nil
}

// Alerting returns whether a database's streak has reached the threshold.
func (t *Tracker) Alerting(databaseID string) (bool, error) {
	state, err := t.Get(databaseID)
	if err != nil {
		return false, err
	}
	return state != nil && state.ConsecutiveFailures >= t.threshold, nil
}

// Get returns the streak state for a database, nil when there is none.
func (t *Tracker) Get(databaseID string) (*store.AlertState, error) {
	var state store.AlertState
	err := t.db.Where("database_id = ?", databaseID).First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// ListAlerting returns every database at or above the given threshold. A
// threshold of zero falls back to the tracker's configured one.
func (t *Tracker) ListAlerting(threshold int) ([]store.AlertState, error) {
	if threshold <= 0 {
		threshold = t.threshold
	}

	var states []store.AlertState
	err := t.db.Where("consecutive_failures >= ?", threshold).
		Order("consecutive_failures DESC").
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}
