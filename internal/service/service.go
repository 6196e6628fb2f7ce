// Package service implements the user-facing timer operations on top of the
// local store. Every method returns once the local write is durable; remote
// mirroring happens behind the store's write hook.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"timrs/internal/apperr"
	"timrs/internal/logging"
	"timrs/internal/models"
	"timrs/internal/store"
	"timrs/internal/timer"
	"timrs/internal/validation"
)

// Remote is the sync surface a full wipe needs.
type Remote interface {
	WipeRemote(ctx context.Context) error
	ClearQueue(ctx context.Context) error
}

// Options tunes a Service.
type Options struct {
	Clock        func() time.Time
	TickInterval time.Duration
	TickDebounce time.Duration
}

type Service struct {
	store  *store.Store
	remote Remote
	now    func() time.Time
	opts   Options
	log    zerolog.Logger

	// mu serializes the global stats bookkeeping of soft resets and ticks.
	mu            sync.Mutex
	lastTickWrite time.Time
}

// New builds a Service. remote may be nil, in which case WipeAll only
// clears local data.
func New(st *store.Store, remote Remote, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.TickDebounce < 0 {
		opts.TickDebounce = 0
	}
	return &Service{
		store:  st,
		remote: remote,
		now:    opts.Clock,
		opts:   opts,
		log:    logging.With("service"),
	}
}

// TimerView is a timer with its cached values refreshed to now.
type TimerView struct {
	models.Timer
	// RecordInProgress is set while the live streak is beyond the best one.
	RecordInProgress bool `json:"recordInProgress"`
}

// TimerDetails adds the number of logged soft resets still in the history.
type TimerDetails struct {
	TimerView
	LoggedResets int `json:"loggedResets"`
}

func (s *Service) view(t models.Timer) TimerView {
	t, record := timer.Refresh(t, s.now())
	return TimerView{Timer: t, RecordInProgress: record}
}

// Timers returns every live timer refreshed.
func (s *Service) Timers(ctx context.Context) ([]TimerView, error) {
	timers, err := s.store.Timers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TimerView, len(timers))
	for i, t := range timers {
		views[i] = s.view(t)
	}
	return views, nil
}

// Timer returns one refreshed timer with its reset history count.
func (s *Service) Timer(ctx context.Context, id string) (TimerDetails, error) {
	t, err := s.store.Timer(ctx, id)
	if err != nil {
		return TimerDetails{}, err
	}
	n, err := s.store.CountResetsByTimer(ctx, id)
	if err != nil {
		return TimerDetails{}, err
	}
	return TimerDetails{TimerView: s.view(t), LoggedResets: n}, nil
}

// CreateTimer validates form and adds a new timer starting now.
func (s *Service) CreateTimer(ctx context.Context, form models.TimerForm) (models.Timer, error) {
	form, err := validation.TimerForm(form)
	if err != nil {
		return models.Timer{}, err
	}

	t := timer.New(form.Name, form.TimeUnit, form.CustomResetAmount, s.now())
	if err := s.store.AddTimer(ctx, t); err != nil {
		return models.Timer{}, err
	}

	s.log.Info().Str("timer", t.ID).Str("unit", string(t.TimeUnit)).Msg("timer created")
	return t, nil
}

// EditTimer changes name, unit and reset amount. Progress is kept.
func (s *Service) EditTimer(ctx context.Context, id string, form models.TimerForm) (TimerView, error) {
	form, err := validation.TimerForm(form)
	if err != nil {
		return TimerView{}, err
	}

	var record bool
	t, err := s.store.ModifyTimer(ctx, id, func(t models.Timer) (models.Timer, error) {
		t.Name = form.Name
		t.TimeUnit = form.TimeUnit
		t.CustomResetAmount = form.CustomResetAmount
		t, record = timer.Refresh(t, s.now())
		return t, nil
	})
	if err != nil {
		return TimerView{}, err
	}
	return TimerView{Timer: t, RecordInProgress: record}, nil
}

// DeleteTimer moves a timer into the deletion history.
func (s *Service) DeleteTimer(ctx context.Context, id string) (models.DeletedTimer, error) {
	deleted, err := s.store.DeleteTimer(ctx, id)
	if err != nil {
		return models.DeletedTimer{}, err
	}
	s.log.Info().Str("timer", id).Int64("final_value", deleted.FinalValue).Msg("timer deleted")
	return deleted, nil
}

func (s *Service) DeletedTimers(ctx context.Context) ([]models.DeletedTimer, error) {
	return s.store.DeletedTimers(ctx)
}

// RestoreTimer brings a deleted timer back with its progress intact.
func (s *Service) RestoreTimer(ctx context.Context, id string) (TimerView, error) {
	t, err := s.store.RestoreTimer(ctx, id)
	if err != nil {
		return TimerView{}, err
	}
	return s.view(t), nil
}

func (s *Service) PurgeDeletedTimer(ctx context.Context, id string) error {
	return s.store.PurgeDeletedTimer(ctx, id)
}

// ResetResult is everything a soft reset wrote.
type ResetResult struct {
	Timer  models.Timer        `json:"timer"`
	Log    models.ResetLog     `json:"log"`
	Record *models.RecordBreak `json:"record,omitempty"`
	Stats  models.GlobalStats  `json:"stats"`
}

// SoftReset deducts the reset amount from a timer and records the reset.
// A non-zero in.Amount replaces the timer's reset amount first.
//
// The timer update is the primary write. Failures persisting the log,
// record or global stats after it are returned too, but the timer stays
// reset. Soft resets run one at a time so each one moves the reset count
// and the global stats by exactly one.
func (s *Service) SoftReset(ctx context.Context, id string, in models.ResetInput) (ResetResult, error) {
	in, err := validation.ResetInput(in)
	if err != nil {
		return ResetResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		t      models.Timer
		value  int64
		record *models.RecordBreak
		now    = s.now()
	)
	reset, err := s.store.ModifyTimer(ctx, id, func(cur models.Timer) (models.Timer, error) {
		if in.Amount > 0 {
			cur.CustomResetAmount = in.Amount
		}
		t = cur
		value = timer.CurrentValue(cur, now)
		var next models.Timer
		next, record = timer.SoftReset(cur, now)
		return next, nil
	})
	if err != nil {
		return ResetResult{}, err
	}

	res := ResetResult{
		Timer:  reset,
		Record: record,
		Log: models.ResetLog{
			ID:               uuid.New().String(),
			TimerID:          t.ID,
			Timestamp:        now.UnixMilli(),
			AmountReduced:    t.CustomResetAmount,
			Reason:           in.Reason,
			Mood:             in.Mood,
			ValueBeforeReset: value,
			ValueAfterReset:  timer.ValueAfterReset(value, t.CustomResetAmount),
		},
	}

	if err := s.store.SaveResetLog(ctx, res.Log); err != nil {
		return res, fmt.Errorf("save reset log: %w", err)
	}
	if record != nil {
		record.Reason = in.Reason
		if err := s.store.SaveRecordBreak(ctx, *record); err != nil {
			return res, fmt.Errorf("save record break: %w", err)
		}
		s.log.Info().Str("timer", t.ID).Int64("old", record.OldRecord).Int64("new", record.NewRecord).Msg("personal best broken")
	}

	stats, err := s.loadStats(ctx, now)
	if err != nil {
		return res, err
	}
	res.Stats = timer.HandleReset(stats, now)
	if err := s.store.SaveGlobalStats(ctx, res.Stats); err != nil {
		return res, fmt.Errorf("save global stats: %w", err)
	}

	s.log.Info().Str("timer", t.ID).Int64("amount", t.CustomResetAmount).
		Int64("before", value).Int64("after", res.Log.ValueAfterReset).Msg("timer reset")
	return res, nil
}

// FullReset restarts a timer at now without logging a reset.
func (s *Service) FullReset(ctx context.Context, id string) (models.Timer, error) {
	now := s.now()
	return s.store.ModifyTimer(ctx, id, func(t models.Timer) (models.Timer, error) {
		return timer.FullReset(t, now), nil
	})
}

// SubmitBugReport stores a bug report locally; it reaches the remote store
// through the sync queue.
func (s *Service) SubmitBugReport(ctx context.Context, form models.BugReportForm) (models.BugReport, error) {
	form, err := validation.BugReportForm(form)
	if err != nil {
		return models.BugReport{}, err
	}

	r := models.BugReport{
		ID:          uuid.New().String(),
		Description: form.Description,
		Timestamp:   s.now().UnixMilli(),
		AppVersion:  form.AppVersion,
		DeviceInfo:  form.DeviceInfo,
		Status:      models.BugReportPending,
	}
	if err := s.store.SaveBugReport(ctx, r); err != nil {
		return models.BugReport{}, err
	}
	s.log.Info().Str("report", r.ID).Msg("bug report saved")
	return r, nil
}

func (s *Service) BugReports(ctx context.Context) ([]models.BugReport, error) {
	return s.store.BugReports(ctx)
}

func (s *Service) DeleteBugReport(ctx context.Context, id string) error {
	return s.store.DeleteBugReport(ctx, id)
}

// ResetLogs returns reset logs newest first, for one timer when timerID is
// set.
func (s *Service) ResetLogs(ctx context.Context, timerID string) ([]models.ResetLog, error) {
	if timerID != "" {
		return s.store.ResetLogsByTimer(ctx, timerID)
	}
	return s.store.ResetLogs(ctx)
}

// RecordBreaks returns record breaks newest first, for one timer when
// timerID is set, or only global ones when globalOnly is.
func (s *Service) RecordBreaks(ctx context.Context, timerID string, globalOnly bool) ([]models.RecordBreak, error) {
	switch {
	case globalOnly:
		return s.store.GlobalRecordBreaks(ctx)
	case timerID != "":
		return s.store.RecordBreaksByTimer(ctx, timerID)
	default:
		return s.store.RecordBreaks(ctx)
	}
}

// Stats returns the global stats reconciled against the timers, without
// persisting them.
func (s *Service) Stats(ctx context.Context) (models.GlobalStats, error) {
	now := s.now()
	stats, err := s.loadStats(ctx, now)
	if err != nil {
		return models.GlobalStats{}, err
	}
	timers, err := s.store.Timers(ctx)
	if err != nil {
		return models.GlobalStats{}, err
	}
	return timer.SyncWithTimers(timer.UpdateGlobalStreak(stats, now), timers, now), nil
}

func (s *Service) loadStats(ctx context.Context, now time.Time) (models.GlobalStats, error) {
	stats, ok, err := s.store.GlobalStats(ctx)
	if err != nil {
		return models.GlobalStats{}, err
	}
	if !ok {
		return timer.InitialStats(now), nil
	}
	return stats, nil
}

// Tick reconciles the global stats and persists them when a counter changed
// and the last tick write is older than the debounce. It reports whether it
// wrote.
func (s *Service) Tick(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored, ok, err := s.store.GlobalStats(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		stored = timer.InitialStats(now)
	}
	timers, err := s.store.Timers(ctx)
	if err != nil {
		return false, err
	}

	next := timer.SyncWithTimers(timer.UpdateGlobalStreak(stored, now), timers, now)
	if ok && !timer.StatsChanged(stored, next) {
		return false, nil
	}
	if !s.lastTickWrite.IsZero() && now.Sub(s.lastTickWrite) < s.opts.TickDebounce {
		return false, nil
	}

	if err := s.store.SaveGlobalStats(ctx, next); err != nil {
		return false, err
	}
	s.lastTickWrite = now
	s.log.Debug().Int64("streak", next.CurrentStreak).Int64("best", next.BestStreak).
		Int64("total_resets", next.TotalResets).Msg("global stats updated")
	return true, nil
}

// Serve runs Tick every TickInterval until ctx is done.
func (s *Service) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("tick failed")
			}
		}
	}
}

func (s *Service) String() string { return "timer-ticker" }

// WipeReport describes a full wipe. Warning is set when the remote copy
// could not be deleted.
type WipeReport struct {
	RemoteWiped bool   `json:"remoteWiped"`
	Warning     string `json:"warning,omitempty"`
}

// WipeAll deletes the remote copy, every local collection and the sync
// queue. A remote failure is reported as a warning and does not stop the
// local wipe.
func (s *Service) WipeAll(ctx context.Context) (WipeReport, error) {
	var report WipeReport

	if s.remote != nil {
		if err := s.remote.WipeRemote(ctx); err != nil {
			report.Warning = "Remote data could not be deleted: " + apperr.UserMessage(err)
			s.log.Warn().Err(err).Msg("remote wipe failed, continuing with local data")
		} else {
			report.RemoteWiped = true
		}
	}

	if err := s.store.Clear(ctx); err != nil {
		return report, err
	}
	if s.remote != nil {
		if err := s.remote.ClearQueue(ctx); err != nil {
			return report, err
		}
	}

	s.mu.Lock()
	s.lastTickWrite = time.Time{}
	s.mu.Unlock()

	s.log.Warn().Bool("remote_wiped", report.RemoteWiped).Msg("all data wiped")
	return report, nil
}
