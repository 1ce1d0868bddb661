package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stackwatch/dbsentry/pkg/policy"
)

// ResultRepository owns BackupResult lifecycle persistence. Only the job
// processor transitions results; retention only deletes them.
type ResultRepository struct {
	db *gorm.DB
}

// NewResultRepository creates a new result repository.
func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// CreateResult records a new pending result for a dequeued job, crediting it
// to every tier in the job's tier set.
func (r *ResultRepository) CreateResult(jobID, databaseID, triggeredBy string, tiers []policy.Tier) (*BackupResult, error) {
	result := &BackupResult{
		ID:          uuid.New().String(),
		JobID:       jobID,
		DatabaseID:  databaseID,
		Status:      StatusPending,
		TriggeredBy: triggeredBy,
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(result).Error; err != nil {
			return err
		}
		for _, tier := range tiers {
			if err := tx.Create(&ResultTier{ResultID: result.ID, Tier: string(tier)}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, tier := range tiers {
		result.Tiers = append(result.Tiers, ResultTier{ResultID: result.ID, Tier: string(tier)})
	}
	return result, nil
}

// GetResultByJobID returns the result for a job, or nil when none exists.
// Used to no-op on queue redelivery of an already-processed job.
func (r *ResultRepository) GetResultByJobID(jobID string) (*BackupResult, error) {
	var result BackupResult
	err := r.db.Preload("Tiers").Where("job_id = ?", jobID).First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// MarkInProgress transitions a pending result to in_progress. The WHERE
// clause enforces the state machine: a result already past pending is left
// untouched and the transition is rejected.
func (r *ResultRepository) MarkInProgress(id string, startedAt time.Time) error {
	result := r.db.Model(&BackupResult{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusInProgress,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("result %s: invalid transition to in_progress", id)
	}
	return nil
}

// MarkCompleted transitions an in_progress result to completed with the
// artifact details. Terminal states are never overwritten.
func (r *ResultRepository) MarkCompleted(id, artifactName string, size int64, completedAt time.Time) error {
	result := r.db.Model(&BackupResult{}).
		Where("id = ? AND status = ?", id, StatusInProgress).
		Updates(map[string]interface{}{
			"status":        StatusCompleted,
			"artifact_name": artifactName,
			"artifact_size": size,
			"completed_at":  completedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("result %s: invalid transition to completed", id)
	}
	return nil
}

// MarkFailed transitions an in_progress result to failed with a truncated
// error message.
func (r *ResultRepository) MarkFailed(id, errorMessage string, completedAt time.Time) error {
	result := r.db.Model(&BackupResult{}).
		Where("id = ? AND status = ?", id, StatusInProgress).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"error_message": truncateError(errorMessage),
			"completed_at":  completedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("result %s: invalid transition to failed", id)
	}
	return nil
}

// MarkCancelled transitions a pending or in_progress result to cancelled.
func (r *ResultRepository) MarkCancelled(id string, completedAt time.Time) error {
	result := r.db.Model(&BackupResult{}).
		Where("id = ? AND status IN ?", id, []ResultStatus{StatusPending, StatusInProgress}).
		Updates(map[string]interface{}{
			"status":       StatusCancelled,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("result %s: invalid transition to cancelled", id)
	}
	return nil
}

// ListCompletedForTier returns completed results credited to a tier for one
// database, newest first. This is the retention evaluator's input ordering.
func (r *ResultRepository) ListCompletedForTier(databaseID string, tier policy.Tier) ([]BackupResult, error) {
	var results []BackupResult
	err := r.db.Preload("Tiers").
		Joins("JOIN result_tiers ON result_tiers.result_id = backup_results.id").
		Where("backup_results.database_id = ? AND result_tiers.tier = ? AND backup_results.status = ?",
			databaseID, string(tier), StatusCompleted).
		Order("backup_results.completed_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ListCompletedForDatabase returns all completed results for a database with
// tier rows preloaded, newest first.
func (r *ResultRepository) ListCompletedForDatabase(databaseID string) ([]BackupResult, error) {
	var results []BackupResult
	err := r.db.Preload("Tiers").
		Where("database_id = ? AND status = ?", databaseID, StatusCompleted).
		Order("completed_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ListNonTerminal returns results still pending or in progress, oldest first.
// The recovery pass walks these after a crash.
func (r *ResultRepository) ListNonTerminal() ([]BackupResult, error) {
	var results []BackupResult
	err := r.db.Preload("Tiers").
		Where("status IN ?", []ResultStatus{StatusPending, StatusInProgress}).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ListFiltered returns results filtered by database, tier, and status for
// the API surface, newest first.
func (r *ResultRepository) ListFiltered(databaseID, tier, status string) ([]BackupResult, error) {
	query := r.db.Preload("Tiers")

	if tier != "" {
		query = query.Joins("JOIN result_tiers ON result_tiers.result_id = backup_results.id").
			Where("result_tiers.tier = ?", tier)
	}
	if databaseID != "" {
		query = query.Where("backup_results.database_id = ?", databaseID)
	}
	if status != "" {
		query = query.Where("backup_results.status = ?", status)
	}

	var results []BackupResult
	if err := query.Order("backup_results.created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// GetResultByID loads one result with its tier rows.
func (r *ResultRepository) GetResultByID(id string) (*BackupResult, error) {
	var result BackupResult
	err := r.db.Preload("Tiers").Where("id = ?", id).First(&result).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// DeleteResult removes a result record and its tier rows. Retention calls
// this after the artifact itself is gone.
func (r *ResultRepository) DeleteResult(id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("result_id = ?", id).Delete(&ResultTier{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&BackupResult{}).Error
	})
}

// maxErrorLength bounds stored error messages; dump tools can be chatty.
const maxErrorLength = 2000

func truncateError(msg string) string {
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength] + "... (truncated)"
	}
	return msg
}
