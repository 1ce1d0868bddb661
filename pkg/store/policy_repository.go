package store

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stackwatch/dbsentry/pkg/policy"
)

// PolicyRepository handles persistence for backup policies.
type PolicyRepository struct {
	db *gorm.DB
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *gorm.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// GetPolicyByID loads a policy and its tier rows.
func (r *PolicyRepository) GetPolicyByID(id string) (*policy.BackupPolicy, error) {
	var row Policy
	err := r.db.Preload("Tiers").Where("id = ?", id).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	return toDomainPolicy(&row), nil
}

// GetAllPolicies loads every policy with tier rows.
func (r *PolicyRepository) GetAllPolicies() ([]*policy.BackupPolicy, error) {
	var rows []Policy
	if err := r.db.Preload("Tiers").Find(&rows).Error; err != nil {
		return nil, err
	}

	policies := make([]*policy.BackupPolicy, 0, len(rows))
	for i := range rows {
		policies = append(policies, toDomainPolicy(&rows[i]))
	}
	return policies, nil
}

// SavePolicy validates and upserts a policy with its tier rows.
func (r *PolicyRepository) SavePolicy(p *policy.BackupPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	row := Policy{
		ID:     p.ID,
		Name:   p.Name,
		System: p.System,
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("policy_id = ?", p.ID).Delete(&PolicyTier{}).Error; err != nil {
			return err
		}

		for tier, cfg := range p.Tiers {
			tierRow := PolicyTier{
				PolicyID:      p.ID,
				Tier:          string(tier),
				Enabled:       cfg.Enabled,
				KeepCount:     cfg.KeepCount,
				IntervalHours: cfg.IntervalHours,
				TimeOfDay:     cfg.Time,
				DayOfWeek:     cfg.DayOfWeek,
				DayOfMonth:    cfg.DayOfMonth,
				Month:         cfg.Month,
			}
			if err := tx.Create(&tierRow).Error; err != nil {
				return err
			}
		}

		return nil
	})
}

// DeletePolicy removes a policy. System policies cannot be deleted, and a
// policy still referenced by a database cannot be deleted.
func (r *PolicyRepository) DeletePolicy(id string) error {
	var row Policy
	if err := r.db.Where("id = ?", id).First(&row).Error; err != nil {
		return err
	}
	if row.System {
		return fmt.Errorf("policy %s is a system policy and cannot be deleted", row.Name)
	}

	var refs int64
	if err := r.db.Model(&Database{}).Where("policy_id = ?", id).Count(&refs).Error; err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("policy %s is assigned to %d databases", row.Name, refs)
	}

	return r.db.Where("id = ?", id).Delete(&Policy{}).Error
}

// EnsureSystemPolicy creates the built-in default policy when missing.
func (r *PolicyRepository) EnsureSystemPolicy() error {
	var count int64
	if err := r.db.Model(&Policy{}).Where("`system` = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	def := &policy.BackupPolicy{
		ID:     uuid.New().String(),
		Name:   "standard",
		System: true,
		Tiers: map[policy.Tier]policy.TierConfig{
			policy.TierHourly:  {Enabled: false, KeepCount: 24, IntervalHours: 6},
			policy.TierDaily:   {Enabled: true, KeepCount: 7, Time: "02:00"},
			policy.TierWeekly:  {Enabled: true, KeepCount: 4, Time: "02:00", DayOfWeek: 0},
			policy.TierMonthly: {Enabled: true, KeepCount: 12, Time: "03:00", DayOfMonth: 1},
			policy.TierYearly:  {Enabled: false, KeepCount: 3, Time: "03:00", DayOfMonth: 1, Month: 1},
		},
	}

	return r.SavePolicy(def)
}

// KeepCount returns the keep count for one tier of a stored policy.
func (r *PolicyRepository) KeepCount(policyID string, tier policy.Tier) (int, error) {
	var row PolicyTier
	err := r.db.Where("policy_id = ? AND tier = ?", policyID, string(tier)).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, fmt.Errorf("policy %s has no tier %s", policyID, tier)
		}
		return 0, err
	}
	return row.KeepCount, nil
}

func toDomainPolicy(row *Policy) *policy.BackupPolicy {
	p := &policy.BackupPolicy{
		ID:     row.ID,
		Name:   row.Name,
		System: row.System,
		Tiers:  make(map[policy.Tier]policy.TierConfig, len(row.Tiers)),
	}
	for _, t := range row.Tiers {
		p.Tiers[policy.Tier(t.Tier)] = policy.TierConfig{
			Enabled:       t.Enabled,
			KeepCount:     t.KeepCount,
			IntervalHours: t.IntervalHours,
			Time:          t.TimeOfDay,
			DayOfWeek:     t.DayOfWeek,
			DayOfMonth:    t.DayOfMonth,
			Month:         t.Month,
		}
	}
	return p
}
