package models

import (
	"time"

	"github.com/goccy/go-json"
)

// TimeUnit is the granularity a Timer counts in.
type TimeUnit string

const (
	UnitSeconds TimeUnit = "seconds"
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
	UnitMonths  TimeUnit = "months"
)

// TimeUnits lists every supported unit, smallest first.
func TimeUnits() []TimeUnit {
	return []TimeUnit{UnitSeconds, UnitMinutes, UnitHours, UnitDays, UnitWeeks, UnitMonths}
}

// Valid reports whether u is a known unit.
func (u TimeUnit) Valid() bool {
	switch u {
	case UnitSeconds, UnitMinutes, UnitHours, UnitDays, UnitWeeks, UnitMonths:
		return true
	}
	return false
}

// Timer is a tracked habit or challenge counting elapsed units since StartDate.
// All timestamps are Unix milliseconds so the persisted and remote documents
// keep the same shape the mobile client writes.
type Timer struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	StartDate         int64    `json:"startDate"`
	TimeUnit          TimeUnit `json:"timeUnit"`
	CustomResetAmount int64    `json:"customResetAmount"` // units deducted by a soft reset, >= 1
	CurrentValue      int64    `json:"currentValue"`      // cache, recomputed from StartDate
	LastCalculated    int64    `json:"lastCalculated"`
	CurrentStreak     int64    `json:"currentStreak"` // cache, recomputed from LastResetDate
	BestStreak        int64    `json:"bestStreak"`
	ResetCount        int64    `json:"resetCount"` // soft resets only
	LastResetDate     int64    `json:"lastResetDate"`
}

// DeletedTimer is a Timer moved into the bounded deletion history.
type DeletedTimer struct {
	Timer
	DeletedAt  int64 `json:"deletedAt"`
	FinalValue int64 `json:"finalValue"`
}

// ResetLog records one soft reset with the user's annotation.
type ResetLog struct {
	ID               string `json:"id"`
	TimerID          string `json:"timerId"`
	Timestamp        int64  `json:"timestamp"`
	AmountReduced    int64  `json:"amountReduced"`
	Reason           string `json:"reason"`
	Mood             int    `json:"mood"` // 1-5
	ValueBeforeReset int64  `json:"valueBeforeReset"`
	ValueAfterReset  int64  `json:"valueAfterReset"`
}

// RecordBreak is emitted when a streak beats the stored personal best.
type RecordBreak struct {
	ID             string `json:"id"`
	TimerID        string `json:"timerId"`
	Timestamp      int64  `json:"timestamp"`
	OldRecord      int64  `json:"oldRecord"`
	NewRecord      int64  `json:"newRecord"`
	Improvement    int64  `json:"improvement"`
	IsGlobalRecord bool   `json:"isGlobalRecord"`
	Context        string `json:"context,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// BugReportStatus tracks whether a bug report reached the remote store.
type BugReportStatus string

const (
	BugReportPending BugReportStatus = "pending"
	BugReportSynced  BugReportStatus = "synced"
)

// BugReport is a user-submitted problem description, kept locally and
// mirrored to the bugReports collection.
type BugReport struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Timestamp   int64           `json:"timestamp"`
	AppVersion  string          `json:"appVersion"`
	DeviceInfo  string          `json:"deviceInfo"`
	Status      BugReportStatus `json:"status"`
}

// GlobalStats aggregates streak bookkeeping across all timers.
// It is reconciled opportunistically and never treated as authoritative.
type GlobalStats struct {
	CurrentStreak int64 `json:"currentStreak"` // days without a reset
	BestStreak    int64 `json:"bestStreak"`
	TotalResets   int64 `json:"totalResets"`
	LastResetDate int64 `json:"lastResetDate"`
	LastCheckDate int64 `json:"lastCheckDate"`
}

// Operation is the kind of mutation a sync item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Collection names a remote document collection under the user namespace.
type Collection string

const (
	CollectionTimers        Collection = "timers"
	CollectionGlobalStats   Collection = "globalStats"
	CollectionDeletedTimers Collection = "deletedTimers"
	CollectionResetLogs     Collection = "resetLogs"
	CollectionRecordBreaks  Collection = "recordBreaks"
	CollectionBugReports    Collection = "bugReports"
)

// Collections lists every remote collection.
func Collections() []Collection {
	return []Collection{
		CollectionTimers,
		CollectionGlobalStats,
		CollectionDeletedTimers,
		CollectionResetLogs,
		CollectionRecordBreaks,
		CollectionBugReports,
	}
}

// GlobalStatsDocID is the singleton document id of the globalStats collection.
const GlobalStatsDocID = "stats"

// SyncQueueItem is one replayable mutation intent bound for the remote store.
type SyncQueueItem struct {
	ID         string          `json:"id"`
	Type       Operation       `json:"type"`
	Collection Collection      `json:"collection"`
	Data       json.RawMessage `json:"data"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
}

// SyncStatus is the aggregate state reported to sync listeners.
type SyncStatus string

const (
	SyncOffline SyncStatus = "offline"
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// TimerForm holds the user-editable fields of a Timer.
type TimerForm struct {
	Name              string   `json:"name" validate:"required,min=1,max=50"`
	TimeUnit          TimeUnit `json:"timeUnit" validate:"required,oneof=seconds minutes hours days weeks months"`
	CustomResetAmount int64    `json:"customResetAmount" validate:"min=1,max=1000000"`
}

// ResetInput annotates a soft reset. Amount, when non-zero, overrides the
// timer's CustomResetAmount for this reset and becomes the new default.
type ResetInput struct {
	Amount int64  `json:"amount" validate:"omitempty,min=1,max=1000000"`
	Reason string `json:"reason" validate:"required,min=1,max=500"`
	Mood   int    `json:"mood" validate:"min=1,max=5"`
}

// BugReportForm is what a client submits to file a bug report.
type BugReportForm struct {
	Description string `json:"description" validate:"required,min=1,max=2000"`
	AppVersion  string `json:"appVersion" validate:"max=50"`
	DeviceInfo  string `json:"deviceInfo" validate:"max=200"`
}

// Limits on the bounded local collections.
const (
	MaxTimers        = 100
	MaxResetLogs     = 200
	MaxDeletedTimers = 50
	MaxRecordBreaks  = 100
	MaxBugReports    = 50
)

// Millis converts t to the Unix millisecond representation used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
