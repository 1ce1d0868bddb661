package policy

import (
	"time"
)

// DefaultTick is the scheduler granularity the due-time window is sized for.
// It must not exceed the smallest configurable interval (one hour).
const DefaultTick = time.Minute

// IsDue reports whether the tier is due at now, given the last instant it
// fired. A tier is due when now falls within one tick window after the tier's
// boundary instant and lastFired predates that boundary, so a tick shorter
// than the window or one that straddles a boundary cannot double-fire.
// Missed boundaries are skipped, not backfilled.
func IsDue(tier Tier, cfg TierConfig, now, lastFired time.Time, tick time.Duration) bool {
	if !cfg.Enabled {
		return false
	}
	if tick <= 0 {
		tick = DefaultTick
	}

	due, ok := dueInstant(tier, cfg, now)
	if !ok {
		return false
	}

	if now.Before(due) || now.Sub(due) >= tick {
		return false
	}

	return lastFired.Before(due)
}

// DueInstant returns the tier's boundary instant for the period now falls
// in. The scheduler marks this instant, not now, as the fired time so two
// ticks inside the same window agree on what fired.
func DueInstant(tier Tier, cfg TierConfig, now time.Time) (time.Time, bool) {
	return dueInstant(tier, cfg, now)
}

// dueInstant computes the tier's boundary instant for the day (or hour) that
// now falls in. ok is false when the day predicate does not match, e.g. a
// weekly tier on the wrong weekday.
func dueInstant(tier Tier, cfg TierConfig, now time.Time) (time.Time, bool) {
	switch tier {
	case TierHourly:
		if cfg.IntervalHours <= 0 {
			return time.Time{}, false
		}
		boundary := now.Truncate(time.Hour)
		if boundary.Hour()%cfg.IntervalHours != 0 {
			return time.Time{}, false
		}
		return boundary, true

	case TierDaily:
		return timeOfDayInstant(cfg, now)

	case TierWeekly:
		if int(now.Weekday()) != cfg.DayOfWeek {
			return time.Time{}, false
		}
		return timeOfDayInstant(cfg, now)

	case TierMonthly:
		if now.Day() != cfg.DayOfMonth {
			return time.Time{}, false
		}
		return timeOfDayInstant(cfg, now)

	case TierYearly:
		if int(now.Month()) != cfg.Month || now.Day() != cfg.DayOfMonth {
			return time.Time{}, false
		}
		return timeOfDayInstant(cfg, now)
	}

	return time.Time{}, false
}

func timeOfDayInstant(cfg TierConfig, now time.Time) (time.Time, bool) {
	hour, minute, err := parseTimeOfDay(cfg.Time)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), true
}

// DueTiers evaluates all five tiers against now and returns those
// simultaneously due. Multiple tiers due at once (a daily and weekly boundary
// coinciding, say) is expected; the caller coalesces them into one job.
// The result is deterministic for frozen inputs.
func DueTiers(p *BackupPolicy, now time.Time, lastFired map[Tier]time.Time, tick time.Duration) []Tier {
	var due []Tier
	for _, tier := range AllTiers() {
		cfg, ok := p.Tiers[tier]
		if !ok {
			continue
		}
		if IsDue(tier, cfg, now, lastFired[tier], tick) {
			due = append(due, tier)
		}
	}
	return due
}
