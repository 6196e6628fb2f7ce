package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"timrs/internal/apperr"
	"timrs/internal/logging"
	"timrs/internal/metrics"
	"timrs/internal/models"
	"timrs/internal/timer"
)

// Keys under which each collection is persisted.
const (
	KeyTimers        = "@timrs_timers"
	KeyGlobalStats   = "@timrs_global_stats"
	KeyDeletedTimers = "@timrs_deleted_timers"
	KeyResetLogs     = "@timrs_reset_logs"
	KeyRecordBreaks  = "@timrs_record_breaks"
	KeyBugReports    = "@timrs_bug_reports"
	KeySyncQueue     = "@timrs_sync_queue"
	KeyLastSync      = "@timrs_last_sync"
)

var entityKeys = []string{KeyTimers, KeyGlobalStats, KeyDeletedTimers, KeyResetLogs, KeyRecordBreaks, KeyBugReports}

var (
	ErrTimerNotFound     = errors.New("timer not found")
	ErrTooManyTimers     = fmt.Errorf("you can have at most %d timers", models.MaxTimers)
	ErrDeletedNotFound   = errors.New("deleted timer not found")
	ErrBugReportNotFound = errors.New("bug report not found")
)

// Change describes one document-level mutation made through the Store.
type Change struct {
	Type       models.Operation
	Collection models.Collection
	DocID      string
	Data       json.RawMessage
}

// Store is the typed repository over a KV. Every read-modify-write of an
// entity collection runs under mu, and write hooks are called before mu is
// released so they observe changes in the order they were stored. Hooks
// must not call entity methods; the sync queue and last sync time have their
// own lock so a hook may persist the queue.
type Store struct {
	kv  KV
	now func() time.Time

	mu     sync.Mutex
	syncMu sync.Mutex

	hooksMu  sync.RWMutex
	hooks    map[int]func(Change)
	nextHook int
}

// New opens the configured backend.
func New(cfg Config) (*Store, error) {
	backend, err := NewDataBackend(cfg)
	if err != nil {
		return nil, err
	}

	kv, err := backend.Open()
	if err != nil {
		return nil, err
	}

	logging.Info().Str("component", "store").Str("backend", backend.Description()).Msg("local store opened")

	return NewWithKV(kv), nil
}

// NewWithKV wraps an already opened KV.
func NewWithKV(kv KV) *Store {
	return &Store{
		kv:    kv,
		now:   time.Now,
		hooks: make(map[int]func(Change)),
	}
}

func (s *Store) Close() error {
	return s.kv.Close()
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// OnWrite registers fn to be called on every hooked write, while the write
// still holds the store lock. The returned func unregisters it.
func (s *Store) OnWrite(fn func(Change)) func() {
	s.hooksMu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.hooksMu.Unlock()

	return func() {
		s.hooksMu.Lock()
		delete(s.hooks, id)
		s.hooksMu.Unlock()
	}
}

func (s *Store) emit(changes ...Change) {
	s.hooksMu.RLock()
	fns := make([]func(Change), 0, len(s.hooks))
	for _, fn := range s.hooks {
		fns = append(fns, fn)
	}
	s.hooksMu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

func change(op models.Operation, coll models.Collection, id string, doc any) Change {
	data, err := json.Marshal(doc)
	if err != nil {
		logging.Error().Err(err).Str("collection", string(coll)).Msg("failed to encode change")
	}
	return Change{Type: op, Collection: coll, DocID: id, Data: data}
}

func (s *Store) read(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.NewStorage("read "+key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, apperr.NewStorage("decode "+key, err)
	}
	return true, nil
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return apperr.NewStorage("encode "+key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		metrics.StoreWriteErrors.WithLabelValues(key).Inc()
		return apperr.NewStorage("write "+key, err)
	}
	return nil
}

// Timers

// Timers loads all live timers, migrating rows written before lastResetDate
// existed.
func (s *Store) Timers(ctx context.Context) ([]models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTimers(ctx)
}

func (s *Store) loadTimers(ctx context.Context) ([]models.Timer, error) {
	var timers []models.Timer
	if _, err := s.read(ctx, KeyTimers, &timers); err != nil {
		return nil, err
	}

	migrated := false
	now := s.now().UnixMilli()
	for i := range timers {
		t := &timers[i]
		if t.LastResetDate == 0 {
			t.LastResetDate = t.StartDate
			if t.LastResetDate == 0 {
				t.LastResetDate = now
			}
			migrated = true
		}
		if t.CustomResetAmount < 1 {
			t.CustomResetAmount = 1
			migrated = true
		}
	}
	if migrated {
		if err := s.write(ctx, KeyTimers, timers); err != nil {
			return nil, err
		}
		logging.Info().Str("component", "store").Int("timers", len(timers)).Msg("migrated legacy timers")
	}
	if timers == nil {
		timers = []models.Timer{}
	}
	return timers, nil
}

// Timer returns one timer by id.
func (s *Store) Timer(ctx context.Context, id string) (models.Timer, error) {
	timers, err := s.Timers(ctx)
	if err != nil {
		return models.Timer{}, err
	}
	for _, t := range timers {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Timer{}, apperr.NewNotFound("timer "+id, ErrTimerNotFound)
}

// AddTimer appends t. At most models.MaxTimers may exist.
func (s *Store) AddTimer(ctx context.Context, t models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers, err := s.loadTimers(ctx)
	if err != nil {
		return err
	}
	if len(timers) >= models.MaxTimers {
		return apperr.NewValidation("add timer", ErrTooManyTimers)
	}
	if err := s.write(ctx, KeyTimers, append(timers, t)); err != nil {
		return err
	}

	s.emit(change(models.OpCreate, models.CollectionTimers, t.ID, t))
	return nil
}

// UpdateTimer replaces the timer with t.ID.
func (s *Store) UpdateTimer(ctx context.Context, t models.Timer) error {
	_, err := s.ModifyTimer(ctx, t.ID, func(models.Timer) (models.Timer, error) {
		return t, nil
	})
	return err
}

// ModifyTimer loads the timer with id, applies fn and stores the result in
// one step under the store lock. An error from fn aborts without writing.
func (s *Store) ModifyTimer(ctx context.Context, id string, fn func(models.Timer) (models.Timer, error)) (models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers, err := s.loadTimers(ctx)
	if err != nil {
		return models.Timer{}, err
	}
	idx := indexTimer(timers, id)
	if idx < 0 {
		return models.Timer{}, apperr.NewNotFound("timer "+id, ErrTimerNotFound)
	}
	t, err := fn(timers[idx])
	if err != nil {
		return models.Timer{}, err
	}
	t.ID = id
	timers[idx] = t
	if err := s.write(ctx, KeyTimers, timers); err != nil {
		return models.Timer{}, err
	}

	s.emit(change(models.OpUpdate, models.CollectionTimers, id, t))
	return t, nil
}

// DeleteTimer moves a timer into the deletion history. If the live list
// cannot be written the history is put back, so the timer ends up in
// exactly one of the two.
func (s *Store) DeleteTimer(ctx context.Context, id string) (models.DeletedTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers, err := s.loadTimers(ctx)
	if err != nil {
		return models.DeletedTimer{}, err
	}
	idx := indexTimer(timers, id)
	if idx < 0 {
		return models.DeletedTimer{}, apperr.NewNotFound("delete timer "+id, ErrTimerNotFound)
	}

	now := s.now()
	victim := timers[idx]
	deleted := models.DeletedTimer{
		Timer:      victim,
		DeletedAt:  now.UnixMilli(),
		FinalValue: timer.CurrentValue(victim, now),
	}

	var history []models.DeletedTimer
	if _, err := s.read(ctx, KeyDeletedTimers, &history); err != nil {
		return models.DeletedTimer{}, err
	}
	if err := s.write(ctx, KeyDeletedTimers, prepend(history, deleted, models.MaxDeletedTimers)); err != nil {
		return models.DeletedTimer{}, err
	}

	timers = append(timers[:idx], timers[idx+1:]...)
	if err := s.write(ctx, KeyTimers, timers); err != nil {
		return models.DeletedTimer{}, s.rollback(ctx, KeyDeletedTimers, history, err)
	}

	s.emit(
		change(models.OpCreate, models.CollectionDeletedTimers, id, deleted),
		change(models.OpDelete, models.CollectionTimers, id, victim),
	)
	return deleted, nil
}

func indexTimer(timers []models.Timer, id string) int {
	for i, t := range timers {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// rollback writes previous back to key after a later write of the same
// operation failed with cause.
func (s *Store) rollback(ctx context.Context, key string, previous any, cause error) error {
	if err := s.write(ctx, key, previous); err != nil {
		logging.Error().Str("component", "store").Str("key", key).Err(err).Msg("rollback failed")
		return errors.Join(cause, err)
	}
	return cause
}

// prepend puts v first and truncates to limit, newest first.
func prepend[T any](list []T, v T, limit int) []T {
	out := make([]T, 0, len(list)+1)
	out = append(out, v)
	out = append(out, list...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Deleted timers

// DeletedTimers returns the deletion history, most recent first.
func (s *Store) DeletedTimers(ctx context.Context) ([]models.DeletedTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := []models.DeletedTimer{}
	if _, err := s.read(ctx, KeyDeletedTimers, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// RestoreTimer moves a deleted timer back into the live list. If the
// history cannot be written the live list is put back.
func (s *Store) RestoreTimer(ctx context.Context, id string) (models.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var history []models.DeletedTimer
	if _, err := s.read(ctx, KeyDeletedTimers, &history); err != nil {
		return models.Timer{}, err
	}
	idx := -1
	for i, d := range history {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.Timer{}, apperr.NewNotFound("restore timer "+id, ErrDeletedNotFound)
	}

	timers, err := s.loadTimers(ctx)
	if err != nil {
		return models.Timer{}, err
	}
	if len(timers) >= models.MaxTimers {
		return models.Timer{}, apperr.NewValidation("restore timer", ErrTooManyTimers)
	}

	restored := history[idx].Timer
	if err := s.write(ctx, KeyTimers, append(timers, restored)); err != nil {
		return models.Timer{}, err
	}
	history = append(history[:idx], history[idx+1:]...)
	if err := s.write(ctx, KeyDeletedTimers, history); err != nil {
		return models.Timer{}, s.rollback(ctx, KeyTimers, timers, err)
	}

	s.emit(
		change(models.OpDelete, models.CollectionDeletedTimers, id, map[string]string{"id": id}),
		change(models.OpCreate, models.CollectionTimers, id, restored),
	)
	return restored, nil
}

// PurgeDeletedTimer removes a timer from the deletion history for good.
func (s *Store) PurgeDeletedTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var history []models.DeletedTimer
	if _, err := s.read(ctx, KeyDeletedTimers, &history); err != nil {
		return err
	}
	kept := history[:0]
	found := false
	for _, d := range history {
		if d.ID == id {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return apperr.NewNotFound("purge timer "+id, ErrDeletedNotFound)
	}
	if err := s.write(ctx, KeyDeletedTimers, kept); err != nil {
		return err
	}

	s.emit(change(models.OpDelete, models.CollectionDeletedTimers, id, map[string]string{"id": id}))
	return nil
}

// Global stats

// GlobalStats returns the stored stats and whether any were stored.
func (s *Store) GlobalStats(ctx context.Context) (models.GlobalStats, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats models.GlobalStats
	ok, err := s.read(ctx, KeyGlobalStats, &stats)
	return stats, ok, err
}

// SaveGlobalStats persists stats.
func (s *Store) SaveGlobalStats(ctx context.Context, stats models.GlobalStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(ctx, KeyGlobalStats, stats); err != nil {
		return err
	}

	s.emit(change(models.OpUpdate, models.CollectionGlobalStats, models.GlobalStatsDocID, stats))
	return nil
}

// Reset logs

// ResetLogs returns all reset logs, newest first.
func (s *Store) ResetLogs(ctx context.Context) ([]models.ResetLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := []models.ResetLog{}
	if _, err := s.read(ctx, KeyResetLogs, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) ResetLogsByTimer(ctx context.Context, timerID string) ([]models.ResetLog, error) {
	logs, err := s.ResetLogs(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.ResetLog{}
	for _, l := range logs {
		if l.TimerID == timerID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *Store) CountResetsByTimer(ctx context.Context, timerID string) (int, error) {
	logs, err := s.ResetLogsByTimer(ctx, timerID)
	if err != nil {
		return 0, err
	}
	return len(logs), nil
}

// SaveResetLog prepends l, keeping at most models.MaxResetLogs.
func (s *Store) SaveResetLog(ctx context.Context, l models.ResetLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var logs []models.ResetLog
	if _, err := s.read(ctx, KeyResetLogs, &logs); err != nil {
		return err
	}
	if err := s.write(ctx, KeyResetLogs, prepend(logs, l, models.MaxResetLogs)); err != nil {
		return err
	}

	s.emit(change(models.OpCreate, models.CollectionResetLogs, l.ID, l))
	return nil
}

// Record breaks

// RecordBreaks returns all record breaks, newest first.
func (s *Store) RecordBreaks(ctx context.Context) ([]models.RecordBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := []models.RecordBreak{}
	if _, err := s.read(ctx, KeyRecordBreaks, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) RecordBreaksByTimer(ctx context.Context, timerID string) ([]models.RecordBreak, error) {
	return s.filterRecords(ctx, func(r models.RecordBreak) bool { return r.TimerID == timerID })
}

func (s *Store) GlobalRecordBreaks(ctx context.Context) ([]models.RecordBreak, error) {
	return s.filterRecords(ctx, func(r models.RecordBreak) bool { return r.IsGlobalRecord })
}

func (s *Store) filterRecords(ctx context.Context, keep func(models.RecordBreak) bool) ([]models.RecordBreak, error) {
	records, err := s.RecordBreaks(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.RecordBreak{}
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SaveRecordBreak prepends r, keeping at most models.MaxRecordBreaks.
func (s *Store) SaveRecordBreak(ctx context.Context, r models.RecordBreak) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []models.RecordBreak
	if _, err := s.read(ctx, KeyRecordBreaks, &records); err != nil {
		return err
	}
	if err := s.write(ctx, KeyRecordBreaks, prepend(records, r, models.MaxRecordBreaks)); err != nil {
		return err
	}

	s.emit(change(models.OpCreate, models.CollectionRecordBreaks, r.ID, r))
	return nil
}

// Bug reports

// BugReports returns the stored bug reports, newest first.
func (s *Store) BugReports(ctx context.Context) ([]models.BugReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := []models.BugReport{}
	if _, err := s.read(ctx, KeyBugReports, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// SaveBugReport prepends r, keeping at most models.MaxBugReports.
func (s *Store) SaveBugReport(ctx context.Context, r models.BugReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reports []models.BugReport
	if _, err := s.read(ctx, KeyBugReports, &reports); err != nil {
		return err
	}
	if err := s.write(ctx, KeyBugReports, prepend(reports, r, models.MaxBugReports)); err != nil {
		return err
	}

	s.emit(change(models.OpCreate, models.CollectionBugReports, r.ID, r))
	return nil
}

func (s *Store) DeleteBugReport(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reports []models.BugReport
	if _, err := s.read(ctx, KeyBugReports, &reports); err != nil {
		return err
	}
	kept := reports[:0]
	for _, r := range reports {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(reports) {
		return apperr.NewNotFound("bug report "+id, ErrBugReportNotFound)
	}
	if err := s.write(ctx, KeyBugReports, kept); err != nil {
		return err
	}

	s.emit(change(models.OpDelete, models.CollectionBugReports, id, map[string]string{"id": id}))
	return nil
}

// SetBugReportStatus records delivery state locally. It is not mirrored,
// and an unknown id is ignored since the report may have been deleted
// while its delivery was in flight.
func (s *Store) SetBugReportStatus(ctx context.Context, id string, status models.BugReportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reports []models.BugReport
	if _, err := s.read(ctx, KeyBugReports, &reports); err != nil {
		return err
	}
	for i := range reports {
		if reports[i].ID == id {
			if reports[i].Status == status {
				return nil
			}
			reports[i].Status = status
			return s.write(ctx, KeyBugReports, reports)
		}
	}
	return nil
}

// Pull targets. These overwrite without notifying hooks so that data fetched
// from the remote is not queued to be pushed back.

func (s *Store) ReplaceTimers(ctx context.Context, timers []models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, KeyTimers, timers)
}

func (s *Store) ReplaceGlobalStats(ctx context.Context, stats models.GlobalStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, KeyGlobalStats, stats)
}

func (s *Store) ReplaceDeletedTimers(ctx context.Context, history []models.DeletedTimer) error {
	if len(history) > models.MaxDeletedTimers {
		history = history[:models.MaxDeletedTimers]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, KeyDeletedTimers, history)
}

// Sync bookkeeping

// LoadSyncQueue returns the persisted queue in order.
func (s *Store) LoadSyncQueue(ctx context.Context) ([]models.SyncQueueItem, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	var items []models.SyncQueueItem
	if _, err := s.read(ctx, KeySyncQueue, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SaveSyncQueue persists the whole queue in one write.
func (s *Store) SaveSyncQueue(ctx context.Context, items []models.SyncQueueItem) error {
	if items == nil {
		items = []models.SyncQueueItem{}
	}
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.write(ctx, KeySyncQueue, items)
}

// LastSyncTime returns the Unix ms of the last successful sync, 0 if none.
func (s *Store) LastSyncTime(ctx context.Context) (int64, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	var ms int64
	_, err := s.read(ctx, KeyLastSync, &ms)
	return ms, err
}

func (s *Store) SetLastSyncTime(ctx context.Context, ms int64) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.write(ctx, KeyLastSync, ms)
}

// Clear removes every entity collection. The sync queue is left alone.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, key := range entityKeys {
		if err := s.kv.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.NewStorage("clear", err)
	}
	return nil
}
