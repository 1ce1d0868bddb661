package policy

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02 15:04:05", value)
	if err != nil {
		t.Fatalf("bad test time %q: %v", value, err)
	}
	return parsed
}

func TestIsDue_Hourly(t *testing.T) {
	cfg := TierConfig{Enabled: true, IntervalHours: 6}

	tests := []struct {
		name      string
		now       string
		lastFired string
		want      bool
	}{
		{"on boundary", "2025-03-10 06:00:30", "2025-03-10 00:00:10", true},
		{"minute after boundary", "2025-03-10 06:01:00", "2025-03-10 00:00:10", false},
		{"wrong hour", "2025-03-10 07:00:30", "2025-03-10 00:00:10", false},
		{"already fired this boundary", "2025-03-10 06:00:45", "2025-03-10 06:00:05", false},
		{"never fired", "2025-03-10 12:00:00", "0001-01-01 00:00:00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsDue(TierHourly, cfg, mustTime(t, tt.now), mustTime(t, tt.lastFired), time.Minute)
			if got != tt.want {
				t.Errorf("IsDue(hourly) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDue_Daily(t *testing.T) {
	cfg := TierConfig{Enabled: true, Time: "02:00"}

	tests := []struct {
		name      string
		now       string
		lastFired string
		want      bool
	}{
		{"exactly due", "2025-03-10 02:00:00", "2025-03-09 02:00:00", true},
		{"within window", "2025-03-10 02:00:59", "2025-03-09 02:00:00", true},
		{"window passed", "2025-03-10 02:01:00", "2025-03-09 02:00:00", false},
		{"before due time", "2025-03-10 01:59:59", "2025-03-09 02:00:00", false},
		{"already fired today", "2025-03-10 02:00:30", "2025-03-10 02:00:01", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsDue(TierDaily, cfg, mustTime(t, tt.now), mustTime(t, tt.lastFired), time.Minute)
			if got != tt.want {
				t.Errorf("IsDue(daily) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsDue_Weekly(t *testing.T) {
	// 2025-03-09 is a Sunday.
	cfg := TierConfig{Enabled: true, Time: "02:00", DayOfWeek: 0}

	if !IsDue(TierWeekly, cfg, mustTime(t, "2025-03-09 02:00:15"), time.Time{}, time.Minute) {
		t.Error("expected weekly tier due on Sunday 02:00")
	}
	if IsDue(TierWeekly, cfg, mustTime(t, "2025-03-10 02:00:15"), time.Time{}, time.Minute) {
		t.Error("weekly tier fired on Monday")
	}
}

func TestIsDue_MonthlyAndYearly(t *testing.T) {
	monthly := TierConfig{Enabled: true, Time: "04:30", DayOfMonth: 15}
	yearly := TierConfig{Enabled: true, Time: "04:30", DayOfMonth: 15, Month: 3}

	now := mustTime(t, "2025-03-15 04:30:10")

	if !IsDue(TierMonthly, monthly, now, time.Time{}, time.Minute) {
		t.Error("expected monthly tier due on the 15th")
	}
	if !IsDue(TierYearly, yearly, now, time.Time{}, time.Minute) {
		t.Error("expected yearly tier due on March 15th")
	}
	if IsDue(TierYearly, yearly, mustTime(t, "2025-04-15 04:30:10"), time.Time{}, time.Minute) {
		t.Error("yearly tier fired in the wrong month")
	}
}

func TestIsDue_DisabledTierNeverFires(t *testing.T) {
	cfg := TierConfig{Enabled: false, Time: "02:00"}
	if IsDue(TierDaily, cfg, mustTime(t, "2025-03-10 02:00:00"), time.Time{}, time.Minute) {
		t.Error("disabled tier reported due")
	}
}

func TestDueTiers_CoincidingBoundaries(t *testing.T) {
	// Daily 02:00 and weekly Sunday 02:00 coincide on Sunday.
	p := &BackupPolicy{
		Name: "standard",
		Tiers: map[Tier]TierConfig{
			TierDaily:  {Enabled: true, KeepCount: 7, Time: "02:00"},
			TierWeekly: {Enabled: true, KeepCount: 4, Time: "02:00", DayOfWeek: 0},
		},
	}

	now := mustTime(t, "2025-03-09 02:00:20") // Sunday
	due := DueTiers(p, now, map[Tier]time.Time{}, time.Minute)

	if len(due) != 2 || due[0] != TierDaily || due[1] != TierWeekly {
		t.Fatalf("DueTiers = %v, want [daily weekly]", due)
	}

	// Deterministic for frozen inputs.
	again := DueTiers(p, now, map[Tier]time.Time{}, time.Minute)
	if len(again) != len(due) {
		t.Errorf("DueTiers not deterministic: %v then %v", due, again)
	}
}

func TestDueTiers_NoDoubleFireForSameBoundary(t *testing.T) {
	p := &BackupPolicy{
		Name: "daily-only",
		Tiers: map[Tier]TierConfig{
			TierDaily: {Enabled: true, Time: "02:00"},
		},
	}

	t1 := mustTime(t, "2025-03-10 02:00:05")
	t2 := mustTime(t, "2025-03-10 02:00:40")

	lastFired := map[Tier]time.Time{}
	first := DueTiers(p, t1, lastFired, time.Minute)
	if len(first) != 1 {
		t.Fatalf("first evaluation: got %v, want [daily]", first)
	}

	// The scheduler records the fire instant before enqueueing.
	lastFired[TierDaily] = t1

	second := DueTiers(p, t2, lastFired, time.Minute)
	if len(second) != 0 {
		t.Errorf("second evaluation in the same window fired again: %v", second)
	}
}
