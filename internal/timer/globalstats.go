package timer

import (
	"time"

	"timrs/internal/models"
)

// InitialStats returns zeroed global stats anchored at now.
func InitialStats(now time.Time) models.GlobalStats {
	ms := now.UnixMilli()
	return models.GlobalStats{
		LastResetDate: ms,
		LastCheckDate: ms,
	}
}

// UpdateGlobalStreak advances the day streak by the whole days since the
// last check.
func UpdateGlobalStreak(s models.GlobalStats, now time.Time) models.GlobalStats {
	ms := now.UnixMilli()
	days := Elapsed(s.LastCheckDate, models.UnitDays, now)
	if days >= 1 {
		s.CurrentStreak += days
		if s.CurrentStreak > s.BestStreak {
			s.BestStreak = s.CurrentStreak
		}
	}
	s.LastCheckDate = ms
	return s
}

// HandleReset applies a soft reset to the global counters.
func HandleReset(s models.GlobalStats, now time.Time) models.GlobalStats {
	ms := now.UnixMilli()
	if s.CurrentStreak > s.BestStreak {
		s.BestStreak = s.CurrentStreak
	}
	s.CurrentStreak = 0
	s.TotalResets++
	s.LastResetDate = ms
	s.LastCheckDate = ms
	return s
}

// TotalResets sums the soft reset counts of all timers.
func TotalResets(timers []models.Timer) int64 {
	var total int64
	for _, t := range timers {
		total += t.ResetCount
	}
	return total
}

// GlobalStreak is the whole days since the last reset of any timer.
func GlobalStreak(s models.GlobalStats, now time.Time) int64 {
	return Elapsed(s.LastResetDate, models.UnitDays, now)
}

// SyncWithTimers resynchronizes the reset total with the timers and the
// current streak with the last reset date.
func SyncWithTimers(s models.GlobalStats, timers []models.Timer, now time.Time) models.GlobalStats {
	s.TotalResets = TotalResets(timers)
	s.CurrentStreak = GlobalStreak(s, now)
	return s
}

// StatsChanged reports whether the fields worth persisting differ.
func StatsChanged(a, b models.GlobalStats) bool {
	return a.CurrentStreak != b.CurrentStreak ||
		a.BestStreak != b.BestStreak ||
		a.TotalResets != b.TotalResets
}
