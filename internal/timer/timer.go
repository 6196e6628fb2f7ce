// Package timer holds the pure arithmetic behind timers: elapsed units,
// streaks, full and soft resets, and the global streak bookkeeping.
// Nothing here performs I/O; every function takes "now" explicitly.
package timer

import (
	"time"

	"github.com/google/uuid"

	"timrs/internal/models"
)

// Unit lengths in milliseconds. Months are a fixed 30 days, not calendar aware.
const (
	SecondMillis int64 = 1000
	MinuteMillis       = 60 * SecondMillis
	HourMillis         = 60 * MinuteMillis
	DayMillis          = 24 * HourMillis
	WeekMillis         = 7 * DayMillis
	MonthMillis        = 30 * DayMillis
)

// UnitMillis returns the length of one unit, or 0 for an unknown unit.
func UnitMillis(unit models.TimeUnit) int64 {
	switch unit {
	case models.UnitSeconds:
		return SecondMillis
	case models.UnitMinutes:
		return MinuteMillis
	case models.UnitHours:
		return HourMillis
	case models.UnitDays:
		return DayMillis
	case models.UnitWeeks:
		return WeekMillis
	case models.UnitMonths:
		return MonthMillis
	default:
		return 0
	}
}

// Elapsed returns the whole units between from and now. A future from
// yields 0, as does an unknown unit.
func Elapsed(from int64, unit models.TimeUnit, now time.Time) int64 {
	size := UnitMillis(unit)
	if size == 0 {
		return 0
	}
	delta := now.UnixMilli() - from
	if delta <= 0 {
		return 0
	}
	return delta / size
}

// CurrentValue is the elapsed units since the timer's start date.
func CurrentValue(t models.Timer, now time.Time) int64 {
	return Elapsed(t.StartDate, t.TimeUnit, now)
}

// CurrentStreak is the elapsed units since the last reset, falling back to
// the start date when the timer was never reset.
func CurrentStreak(t models.Timer, now time.Time) int64 {
	ref := t.LastResetDate
	if ref == 0 {
		ref = t.StartDate
	}
	return Elapsed(ref, t.TimeUnit, now)
}

// New builds a fresh timer starting at now.
func New(name string, unit models.TimeUnit, resetAmount int64, now time.Time) models.Timer {
	ms := now.UnixMilli()
	return models.Timer{
		ID:                uuid.New().String(),
		Name:              name,
		StartDate:         ms,
		TimeUnit:          unit,
		CustomResetAmount: resetAmount,
		LastCalculated:    ms,
		LastResetDate:     ms,
	}
}

// Refresh recomputes the cached CurrentValue and CurrentStreak. The second
// result reports whether the live streak is beyond the stored best; the best
// itself is left for SoftReset to raise so the eventual RecordBreak keeps
// the correct old record.
func Refresh(t models.Timer, now time.Time) (models.Timer, bool) {
	t.CurrentValue = CurrentValue(t, now)
	t.CurrentStreak = CurrentStreak(t, now)
	t.LastCalculated = now.UnixMilli()
	return t, t.CurrentStreak > t.BestStreak
}

// FullReset restarts the timer at now. Best streak, reset count and last
// reset date are untouched: a full reset is a do-over, not a logged reset.
func FullReset(t models.Timer, now time.Time) models.Timer {
	ms := now.UnixMilli()
	t.StartDate = ms
	t.CurrentValue = 0
	t.CurrentStreak = 0
	t.LastCalculated = ms
	return t
}

// SoftReset deducts CustomResetAmount units from the timer, preserving any
// progress beyond it. When the amount covers the whole elapsed value the
// timer restarts at now instead, so the value never goes negative. A
// RecordBreak is returned only when the streak strictly beats the best.
func SoftReset(t models.Timer, now time.Time) (models.Timer, *models.RecordBreak) {
	ms := now.UnixMilli()
	streak := CurrentStreak(t, now)
	value := CurrentValue(t, now)

	var record *models.RecordBreak
	if streak > t.BestStreak {
		record = &models.RecordBreak{
			ID:             uuid.New().String(),
			TimerID:        t.ID,
			Timestamp:      ms,
			OldRecord:      t.BestStreak,
			NewRecord:      streak,
			Improvement:    streak - t.BestStreak,
			IsGlobalRecord: false,
		}
		t.BestStreak = streak
	}

	if t.CustomResetAmount >= value {
		t.StartDate = ms
		t.CurrentValue = 0
	} else {
		t.StartDate += t.CustomResetAmount * UnitMillis(t.TimeUnit)
		t.CurrentValue = value - t.CustomResetAmount
	}

	t.CurrentStreak = 0
	t.ResetCount++
	t.LastResetDate = ms
	t.LastCalculated = ms
	return t, record
}

// ValueAfterReset is the value a soft reset of amount leaves behind.
func ValueAfterReset(value, amount int64) int64 {
	if amount >= value {
		return 0
	}
	return value - amount
}
