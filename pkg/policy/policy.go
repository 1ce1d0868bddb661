// Package policy defines backup policies, their five scheduling tiers, and
// the due-time computation the scheduler relies on.
package policy

import (
	"fmt"
	"strconv"
)

// Tier identifies one of the five scheduling/retention buckets.
type Tier string

const (
	// TierHourly fires on an interval of whole hours.
	TierHourly Tier = "hourly"
	// TierDaily fires once per day at a fixed time.
	TierDaily Tier = "daily"
	// TierWeekly fires once per week on a fixed weekday.
	TierWeekly Tier = "weekly"
	// TierMonthly fires once per month on a fixed day of month.
	TierMonthly Tier = "monthly"
	// TierYearly fires once per year on a fixed month and day.
	TierYearly Tier = "yearly"
)

// AllTiers lists every tier in coarseness order, finest first.
func AllTiers() []Tier {
	return []Tier{TierHourly, TierDaily, TierWeekly, TierMonthly, TierYearly}
}

// ValidTier reports whether name is one of the five known tiers.
func ValidTier(name string) bool {
	switch Tier(name) {
	case TierHourly, TierDaily, TierWeekly, TierMonthly, TierYearly:
		return true
	}
	return false
}

// validHourlyIntervals are the only accepted hourly intervals. Each divides
// 24, so boundaries align with local midnight.
var validHourlyIntervals = map[int]bool{1: true, 2: true, 3: true, 4: true, 6: true, 8: true, 12: true}

// TierConfig describes when a single tier fires and how many artifacts it
// retains. KeepCount == 0 means no cap is enforced; that is distinct from the
// tier being disabled.
type TierConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	KeepCount int  `yaml:"keepCount" json:"keepCount"`

	// Hourly tiers only.
	IntervalHours int `yaml:"intervalHours,omitempty" json:"intervalHours,omitempty"`

	// Time-of-day tiers only, "HH:MM" in the scheduler's local time.
	Time string `yaml:"time,omitempty" json:"time,omitempty"`
	// Weekly only, 0=Sunday .. 6=Saturday.
	DayOfWeek int `yaml:"dayOfWeek,omitempty" json:"dayOfWeek,omitempty"`
	// Monthly and yearly only, 1..28 to avoid month-length ambiguity.
	DayOfMonth int `yaml:"dayOfMonth,omitempty" json:"dayOfMonth,omitempty"`
	// Yearly only, 1..12.
	Month int `yaml:"month,omitempty" json:"month,omitempty"`
}

// BackupPolicy groups the five tier configurations under a named policy.
// System policies are built in and cannot be deleted.
type BackupPolicy struct {
	ID     string              `yaml:"id" json:"id"`
	Name   string              `yaml:"name" json:"name"`
	System bool                `yaml:"system" json:"system"`
	Tiers  map[Tier]TierConfig `yaml:"tiers" json:"tiers"`
}

// Validate checks every configured tier's descriptor. It does not require any
// tier to be enabled; that is checked at assignment time via Usable, since a
// policy may be edited independently of its consumers.
func (p *BackupPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}

	for tier, cfg := range p.Tiers {
		if !ValidTier(string(tier)) {
			return fmt.Errorf("policy %s: unknown tier %q", p.Name, tier)
		}
		if err := validateTierConfig(tier, cfg); err != nil {
			return fmt.Errorf("policy %s: %w", p.Name, err)
		}
	}

	return nil
}

func validateTierConfig(tier Tier, cfg TierConfig) error {
	if cfg.KeepCount < 0 {
		return fmt.Errorf("tier %s: keep count must not be negative", tier)
	}

	if !cfg.Enabled {
		return nil
	}

	switch tier {
	case TierHourly:
		if !validHourlyIntervals[cfg.IntervalHours] {
			return fmt.Errorf("tier hourly: interval %d hours is not one of 1,2,3,4,6,8,12", cfg.IntervalHours)
		}
	case TierDaily:
		if _, _, err := parseTimeOfDay(cfg.Time); err != nil {
			return fmt.Errorf("tier daily: %w", err)
		}
	case TierWeekly:
		if _, _, err := parseTimeOfDay(cfg.Time); err != nil {
			return fmt.Errorf("tier weekly: %w", err)
		}
		if cfg.DayOfWeek < 0 || cfg.DayOfWeek > 6 {
			return fmt.Errorf("tier weekly: day of week %d out of range 0-6", cfg.DayOfWeek)
		}
	case TierMonthly:
		if _, _, err := parseTimeOfDay(cfg.Time); err != nil {
			return fmt.Errorf("tier monthly: %w", err)
		}
		if cfg.DayOfMonth < 1 || cfg.DayOfMonth > 28 {
			return fmt.Errorf("tier monthly: day of month %d out of range 1-28", cfg.DayOfMonth)
		}
	case TierYearly:
		if _, _, err := parseTimeOfDay(cfg.Time); err != nil {
			return fmt.Errorf("tier yearly: %w", err)
		}
		if cfg.DayOfMonth < 1 || cfg.DayOfMonth > 28 {
			return fmt.Errorf("tier yearly: day of month %d out of range 1-28", cfg.DayOfMonth)
		}
		if cfg.Month < 1 || cfg.Month > 12 {
			return fmt.Errorf("tier yearly: month %d out of range 1-12", cfg.Month)
		}
	}

	return nil
}

// EnabledTiers returns the tiers that are enabled, in coarseness order.
func (p *BackupPolicy) EnabledTiers() []Tier {
	var tiers []Tier
	for _, tier := range AllTiers() {
		if cfg, ok := p.Tiers[tier]; ok && cfg.Enabled {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// Usable reports whether the policy can be assigned to a database. A policy
// with zero enabled tiers would never fire and is rejected at assignment.
func (p *BackupPolicy) Usable() error {
	if len(p.EnabledTiers()) == 0 {
		return fmt.Errorf("policy %s has no enabled tiers", p.Name)
	}
	return p.Validate()
}

// parseTimeOfDay parses "HH:MM" into hour and minute.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("time %q is not in HH:MM format", s)
	}

	hour, errH := strconv.Atoi(s[:2])
	minute, errM := strconv.Atoi(s[3:])
	if errH != nil || errM != nil {
		return 0, 0, fmt.Errorf("time %q is not in HH:MM format", s)
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q is out of range", s)
	}

	return hour, minute, nil
}
