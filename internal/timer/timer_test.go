package timer

import (
	"testing"
	"time"

	"timrs/internal/models"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func timerStartedAgo(d time.Duration, unit models.TimeUnit, resetAmount int64) models.Timer {
	t := New("test", unit, resetAmount, testNow.Add(-d))
	return t
}

func TestUnitMillis(t *testing.T) {
	tests := []struct {
		unit models.TimeUnit
		want int64
	}{
		{models.UnitSeconds, 1000},
		{models.UnitMinutes, 60000},
		{models.UnitHours, 3600000},
		{models.UnitDays, 86400000},
		{models.UnitWeeks, 604800000},
		{models.UnitMonths, 2592000000},
		{"fortnights", 0},
	}
	for _, tt := range tests {
		if got := UnitMillis(tt.unit); got != tt.want {
			t.Errorf("UnitMillis(%s) = %d, want %d", tt.unit, got, tt.want)
		}
	}
}

func TestElapsed(t *testing.T) {
	start := testNow.Add(-90 * time.Minute).UnixMilli()

	if got := Elapsed(start, models.UnitMinutes, testNow); got != 90 {
		t.Errorf("Expected 90 minutes, got %d", got)
	}
	if got := Elapsed(start, models.UnitHours, testNow); got != 1 {
		t.Errorf("Expected 1 hour (floored), got %d", got)
	}
	if got := Elapsed(start, models.UnitDays, testNow); got != 0 {
		t.Errorf("Expected 0 days, got %d", got)
	}
}

func TestElapsedIsPure(t *testing.T) {
	start := testNow.Add(-49 * time.Hour).UnixMilli()
	first := Elapsed(start, models.UnitDays, testNow)
	for i := 0; i < 5; i++ {
		if got := Elapsed(start, models.UnitDays, testNow); got != first {
			t.Fatalf("Elapsed changed between calls: %d then %d", first, got)
		}
	}
}

func TestElapsedMonotonic(t *testing.T) {
	start := testNow.UnixMilli()
	var prev int64
	for step := 0; step < 200; step++ {
		now := testNow.Add(time.Duration(step) * 7 * time.Hour)
		got := Elapsed(start, models.UnitDays, now)
		if got < prev {
			t.Fatalf("Elapsed decreased at step %d: %d < %d", step, got, prev)
		}
		prev = got
	}
}

func TestElapsedFutureStartIsZero(t *testing.T) {
	future := testNow.Add(72 * time.Hour).UnixMilli()
	for _, unit := range models.TimeUnits() {
		if got := Elapsed(future, unit, testNow); got != 0 {
			t.Errorf("Expected 0 for future start in %s, got %d", unit, got)
		}
	}
}

func TestMonthsUseThirtyDays(t *testing.T) {
	start := testNow.Add(-59 * 24 * time.Hour).UnixMilli()
	if got := Elapsed(start, models.UnitMonths, testNow); got != 1 {
		t.Errorf("Expected 1 month for 59 days, got %d", got)
	}
	start = testNow.Add(-60 * 24 * time.Hour).UnixMilli()
	if got := Elapsed(start, models.UnitMonths, testNow); got != 2 {
		t.Errorf("Expected 2 months for 60 days, got %d", got)
	}
}

func TestCurrentStreakFallsBackToStartDate(t *testing.T) {
	tm := timerStartedAgo(5*24*time.Hour, models.UnitDays, 1)
	tm.LastResetDate = 0
	if got := CurrentStreak(tm, testNow); got != 5 {
		t.Errorf("Expected streak 5 from start date, got %d", got)
	}

	tm.LastResetDate = testNow.Add(-2 * 24 * time.Hour).UnixMilli()
	if got := CurrentStreak(tm, testNow); got != 2 {
		t.Errorf("Expected streak 2 from last reset, got %d", got)
	}
}

func TestNew(t *testing.T) {
	tm := New("No sugar", models.UnitDays, 2, testNow)
	if tm.ID == "" {
		t.Error("Expected ID to be set")
	}
	if tm.StartDate != testNow.UnixMilli() || tm.LastResetDate != tm.StartDate {
		t.Error("Expected start and last reset date at now")
	}
	if tm.ResetCount != 0 || tm.BestStreak != 0 || tm.CurrentValue != 0 {
		t.Error("Expected zero counters")
	}

	other := New("No sugar", models.UnitDays, 2, testNow)
	if other.ID == tm.ID {
		t.Error("Expected unique IDs")
	}
}

func TestFullReset(t *testing.T) {
	tm := timerStartedAgo(10*24*time.Hour, models.UnitDays, 3)
	tm.BestStreak = 4
	tm.ResetCount = 2
	tm.LastResetDate = testNow.Add(-6 * 24 * time.Hour).UnixMilli()
	lastReset := tm.LastResetDate

	got := FullReset(tm, testNow)

	if got.StartDate != testNow.UnixMilli() {
		t.Error("Expected start date to move to now")
	}
	if got.CurrentValue != 0 || got.CurrentStreak != 0 {
		t.Error("Expected value and streak to be zero")
	}
	if got.ResetCount != 2 {
		t.Errorf("Expected reset count unchanged at 2, got %d", got.ResetCount)
	}
	if got.BestStreak != 4 {
		t.Errorf("Expected best streak unchanged at 4, got %d", got.BestStreak)
	}
	if got.LastResetDate != lastReset {
		t.Error("Expected last reset date unchanged")
	}
}

func TestSoftResetScenarioA(t *testing.T) {
	tm := timerStartedAgo(10*24*time.Hour, models.UnitDays, 3)

	got, record := SoftReset(tm, testNow)

	if v := CurrentValue(got, testNow); v != 7 {
		t.Errorf("Expected value 7 after reset, got %d", v)
	}
	if got.CurrentValue != 7 {
		t.Errorf("Expected cached value 7, got %d", got.CurrentValue)
	}
	if got.ResetCount != 1 {
		t.Errorf("Expected reset count 1, got %d", got.ResetCount)
	}
	if record == nil {
		t.Fatal("Expected a record break")
	}
	if record.OldRecord != 0 || record.NewRecord != 10 || record.Improvement != 10 {
		t.Errorf("Unexpected record %+v", record)
	}
	if record.IsGlobalRecord {
		t.Error("Expected a timer-level record")
	}
	if got.BestStreak != 10 {
		t.Errorf("Expected best streak 10, got %d", got.BestStreak)
	}
	if got.LastResetDate != testNow.UnixMilli() || got.CurrentStreak != 0 {
		t.Error("Expected streak restarted at now")
	}
}

func TestSoftResetScenarioB(t *testing.T) {
	tm := timerStartedAgo(10*24*time.Hour, models.UnitDays, 15)

	got, _ := SoftReset(tm, testNow)

	if got.CurrentValue != 0 {
		t.Errorf("Expected value 0, got %d", got.CurrentValue)
	}
	if got.StartDate != testNow.UnixMilli() {
		t.Error("Expected start date at now")
	}
	if got.ResetCount != 1 {
		t.Errorf("Expected reset count 1, got %d", got.ResetCount)
	}
}

func TestSoftResetNeverNegative(t *testing.T) {
	for _, unit := range models.TimeUnits() {
		for elapsed := int64(0); elapsed < 12; elapsed++ {
			for amount := elapsed; amount < elapsed+4; amount++ {
				if amount < 1 {
					continue
				}
				start := testNow.UnixMilli() - elapsed*UnitMillis(unit)
				tm := models.Timer{ID: "t", StartDate: start, TimeUnit: unit, CustomResetAmount: amount, LastResetDate: start}
				got, _ := SoftReset(tm, testNow)
				if got.CurrentValue != 0 || CurrentValue(got, testNow) != 0 {
					t.Fatalf("%s elapsed=%d amount=%d: expected 0, got %d", unit, elapsed, amount, got.CurrentValue)
				}
			}
		}
	}
}

func TestSoftResetConservesValue(t *testing.T) {
	for _, unit := range models.TimeUnits() {
		for elapsed := int64(2); elapsed < 20; elapsed++ {
			for amount := int64(1); amount < elapsed; amount++ {
				// Land partway into a unit to exercise the floor.
				start := testNow.UnixMilli() - elapsed*UnitMillis(unit) - UnitMillis(unit)/3
				tm := models.Timer{ID: "t", StartDate: start, TimeUnit: unit, CustomResetAmount: amount, LastResetDate: start}
				got, _ := SoftReset(tm, testNow)
				want := elapsed - amount
				if v := CurrentValue(got, testNow); v < want-1 || v > want {
					t.Fatalf("%s elapsed=%d amount=%d: expected ~%d, got %d", unit, elapsed, amount, want, v)
				}
				if got.CurrentValue != want {
					t.Fatalf("%s: cached value %d, want %d", unit, got.CurrentValue, want)
				}
			}
		}
	}
}

func TestSoftResetRecordStrictness(t *testing.T) {
	tm := timerStartedAgo(5*24*time.Hour, models.UnitDays, 1)
	tm.BestStreak = 5

	_, record := SoftReset(tm, testNow)
	if record != nil {
		t.Errorf("Expected no record when streak equals best, got %+v", record)
	}

	tm.BestStreak = 4
	got, record := SoftReset(tm, testNow)
	if record == nil {
		t.Fatal("Expected a record when streak is best+1")
	}
	if record.OldRecord != 4 || record.NewRecord != 5 {
		t.Errorf("Expected 4 -> 5, got %d -> %d", record.OldRecord, record.NewRecord)
	}
	if got.BestStreak != 5 {
		t.Errorf("Expected best 5, got %d", got.BestStreak)
	}
}

func TestBestStreakNeverDecreases(t *testing.T) {
	tm := timerStartedAgo(30*time.Second, models.UnitSeconds, 2)
	now := testNow
	var best int64
	for i := 0; i < 50; i++ {
		now = now.Add(time.Duration(i%7+1) * time.Second)
		if i%3 == 0 {
			tm = FullReset(tm, now)
		} else {
			tm, _ = SoftReset(tm, now)
		}
		if tm.BestStreak < best {
			t.Fatalf("Best streak decreased at step %d: %d < %d", i, tm.BestStreak, best)
		}
		best = tm.BestStreak
	}
}

func TestResetCountPerBranch(t *testing.T) {
	partial := timerStartedAgo(10*time.Hour, models.UnitHours, 2)
	collapse := timerStartedAgo(1*time.Hour, models.UnitHours, 2)

	if got, _ := SoftReset(partial, testNow); got.ResetCount != 1 {
		t.Errorf("Partial branch: expected 1, got %d", got.ResetCount)
	}
	if got, _ := SoftReset(collapse, testNow); got.ResetCount != 1 {
		t.Errorf("Collapse branch: expected 1, got %d", got.ResetCount)
	}
	if got := FullReset(partial, testNow); got.ResetCount != 0 {
		t.Errorf("Full reset: expected 0, got %d", got.ResetCount)
	}
}

func TestRefresh(t *testing.T) {
	tm := timerStartedAgo(3*time.Hour, models.UnitHours, 1)
	tm.BestStreak = 2

	got, inProgress := Refresh(tm, testNow)
	if got.CurrentValue != 3 || got.CurrentStreak != 3 {
		t.Errorf("Expected value and streak 3, got %d/%d", got.CurrentValue, got.CurrentStreak)
	}
	if !inProgress {
		t.Error("Expected a record in progress")
	}
	if got.BestStreak != 2 {
		t.Error("Refresh must not raise the stored best")
	}
	if got.LastCalculated != testNow.UnixMilli() {
		t.Error("Expected LastCalculated at now")
	}
}

func TestValueAfterReset(t *testing.T) {
	if got := ValueAfterReset(10, 3); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
	if got := ValueAfterReset(10, 15); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}
}
