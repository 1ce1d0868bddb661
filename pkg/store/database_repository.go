package store

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stackwatch/dbsentry/pkg/config"
	"github.com/stackwatch/dbsentry/pkg/policy"
)

// DatabaseRepository handles persistence for engines and their databases.
type DatabaseRepository struct {
	db *gorm.DB
}

// NewDatabaseRepository creates a new database repository.
func NewDatabaseRepository(db *gorm.DB) *DatabaseRepository {
	return &DatabaseRepository{db: db}
}

// GetEnabledDatabases returns every enabled database with its engine loaded.
func (r *DatabaseRepository) GetEnabledDatabases() ([]Database, error) {
	var rows []Database
	err := r.db.Preload("Engine").Where("enabled = ?", true).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetDatabaseByID loads one database with its engine.
func (r *DatabaseRepository) GetDatabaseByID(id string) (*Database, error) {
	var row Database
	err := r.db.Preload("Engine").Where("id = ?", id).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// GetAllDatabases returns every database with its engine loaded.
func (r *DatabaseRepository) GetAllDatabases() ([]Database, error) {
	var rows []Database
	if err := r.db.Preload("Engine").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AssignPolicy attaches a policy to a database after checking usability:
// a policy with zero enabled tiers would never fire.
func (r *DatabaseRepository) AssignPolicy(databaseID string, p *policy.BackupPolicy) error {
	if err := p.Usable(); err != nil {
		return fmt.Errorf("policy not assignable: %w", err)
	}

	result := r.db.Model(&Database{}).Where("id = ?", databaseID).Update("policy_id", p.ID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("database %s not found", databaseID)
	}
	return nil
}

// SetEnabled flips the enabled flag for a database.
func (r *DatabaseRepository) SetEnabled(databaseID string, enabled bool) error {
	result := r.db.Model(&Database{}).Where("id = ?", databaseID).Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("database %s not found", databaseID)
	}
	return nil
}

// SyncEngines upserts the engines defined in the config file, keyed by name.
func (r *DatabaseRepository) SyncEngines(engines []config.EngineConfig) error {
	for _, e := range engines {
		var existing Engine
		err := r.db.Where("name = ?", e.Name).First(&existing).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			row := Engine{
				ID:       uuid.New().String(),
				Name:     e.Name,
				Type:     e.Type,
				Host:     e.Host,
				Port:     e.Port,
				Username: e.Username,
				Password: e.Password,
			}
			if err := r.db.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create engine %s: %w", e.Name, err)
			}
			log.Printf("Registered engine %s (%s at %s:%d)", e.Name, e.Type, e.Host, e.Port)
		case err != nil:
			return err
		default:
			existing.Type = e.Type
			existing.Host = e.Host
			existing.Port = e.Port
			existing.Username = e.Username
			existing.Password = e.Password
			if err := r.db.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to update engine %s: %w", e.Name, err)
			}
		}
	}
	return nil
}

// ScheduleRepository owns the last-fired bookkeeping per (database, tier).
// Only the scheduler writes here.
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// GetMarks returns the last fired instant per tier for a database. Tiers
// that never fired are absent from the map.
func (r *ScheduleRepository) GetMarks(databaseID string) (map[policy.Tier]time.Time, error) {
	var rows []ScheduleMark
	if err := r.db.Where("database_id = ?", databaseID).Find(&rows).Error; err != nil {
		return nil, err
	}

	marks := make(map[policy.Tier]time.Time, len(rows))
	for _, row := range rows {
		marks[policy.Tier(row.Tier)] = row.FiredAt
	}
	return marks, nil
}

// MarkFired records firedAt for a (database, tier) with a conditional write:
// the update only lands when the stored instant still matches prev, so a
// failed-over scheduler cannot double-fire the same boundary. Returns false
// when another scheduler won the race.
func (r *ScheduleRepository) MarkFired(databaseID string, tier policy.Tier, prev, firedAt time.Time) (bool, error) {
	if prev.IsZero() {
		// First fire for this (database, tier). Primary-key conflict means
		// another scheduler created the mark concurrently.
		mark := ScheduleMark{DatabaseID: databaseID, Tier: string(tier), FiredAt: firedAt}
		err := r.db.Create(&mark).Error
		if err != nil {
			var count int64
			if cErr := r.db.Model(&ScheduleMark{}).
				Where("database_id = ? AND tier = ?", databaseID, string(tier)).
				Count(&count).Error; cErr == nil && count > 0 {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	result := r.db.Model(&ScheduleMark{}).
		Where("database_id = ? AND tier = ? AND fired_at = ?", databaseID, string(tier), prev).
		Update("fired_at", firedAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
