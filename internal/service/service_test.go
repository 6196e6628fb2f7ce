package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"timrs/internal/apperr"
	"timrs/internal/models"
	"timrs/internal/store"
	"timrs/internal/timer"
	"timrs/internal/validation"
)

var testStart = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRemote struct {
	wipeErr  error
	wiped    bool
	cleared  bool
	clearErr error
}

func (f *fakeRemote) WipeRemote(context.Context) error {
	if f.wipeErr != nil {
		return f.wipeErr
	}
	f.wiped = true
	return nil
}

func (f *fakeRemote) ClearQueue(context.Context) error {
	f.cleared = true
	return f.clearErr
}

func setupService(t *testing.T, debounce time.Duration) (*Service, *store.Store, *clock) {
	t.Helper()

	clk := &clock{now: testStart}
	st, err := store.New(store.Config{Backend: store.BackendSQLite, SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	st.SetClock(clk.Now)
	t.Cleanup(func() { st.Close() })

	svc := New(st, nil, Options{Clock: clk.Now, TickDebounce: debounce})
	return svc, st, clk
}

func daysForm(name string, amount int64) models.TimerForm {
	return models.TimerForm{Name: name, TimeUnit: models.UnitDays, CustomResetAmount: amount}
}

func TestCreateTimer(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()

	created, err := svc.CreateTimer(ctx, daysForm("  No sugar  ", 1))
	if err != nil {
		t.Fatalf("CreateTimer failed: %v", err)
	}
	if created.Name != "No sugar" {
		t.Errorf("Expected trimmed name, got %q", created.Name)
	}
	if created.StartDate != testStart.UnixMilli() || created.LastResetDate != testStart.UnixMilli() {
		t.Error("Expected the timer to start now")
	}

	timers, _ := svc.Timers(ctx)
	if len(timers) != 1 || timers[0].ID != created.ID {
		t.Errorf("Expected the created timer, got %+v", timers)
	}
}

func TestCreateTimerValidation(t *testing.T) {
	svc, _, _ := setupService(t, 0)

	tests := []struct {
		name  string
		form  models.TimerForm
		field string
	}{
		{"blank name", daysForm("   ", 1), "name"},
		{"long name", daysForm("012345678901234567890123456789012345678901234567890", 1), "name"},
		{"bad unit", models.TimerForm{Name: "x", TimeUnit: "years", CustomResetAmount: 1}, "timeUnit"},
		{"zero amount", daysForm("x", 0), "customResetAmount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTimer(context.Background(), tt.form)
			if !apperr.Is(err, apperr.Validation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			fields := validation.Fields(err)
			if len(fields) == 0 || fields[0].Field != tt.field {
				t.Errorf("Expected error on %s, got %+v", tt.field, fields)
			}
		})
	}
}

func TestTimersAreRefreshed(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))
	clk.Advance(3 * 24 * time.Hour)

	got, err := svc.Timer(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentValue != 3 || got.CurrentStreak != 3 {
		t.Errorf("Expected value and streak 3, got %d and %d", got.CurrentValue, got.CurrentStreak)
	}

	if _, err := svc.Timer(ctx, "missing"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestEditTimer(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))
	clk.Advance(2 * time.Hour)

	edited, err := svc.EditTimer(ctx, created.ID, models.TimerForm{Name: "Walk", TimeUnit: models.UnitHours, CustomResetAmount: 5})
	if err != nil {
		t.Fatalf("EditTimer failed: %v", err)
	}
	if edited.Name != "Walk" || edited.TimeUnit != models.UnitHours || edited.CustomResetAmount != 5 {
		t.Errorf("Expected edited fields, got %+v", edited)
	}
	if edited.StartDate != created.StartDate || edited.CurrentValue != 2 {
		t.Errorf("Expected progress kept, got start %d value %d", edited.StartDate, edited.CurrentValue)
	}
}

func TestSoftResetScenario(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 3))
	clk.Advance(10 * 24 * time.Hour)

	res, err := svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "  slipped  ", Mood: 2})
	if err != nil {
		t.Fatalf("SoftReset failed: %v", err)
	}

	if res.Timer.CurrentValue != 7 || res.Timer.ResetCount != 1 || res.Timer.BestStreak != 10 {
		t.Errorf("Expected value 7, count 1, best 10; got %+v", res.Timer)
	}
	if res.Log.ValueBeforeReset != 10 || res.Log.ValueAfterReset != 7 || res.Log.AmountReduced != 3 {
		t.Errorf("Unexpected log %+v", res.Log)
	}
	if res.Log.Reason != "slipped" {
		t.Errorf("Expected trimmed reason, got %q", res.Log.Reason)
	}
	if res.Record == nil || res.Record.OldRecord != 0 || res.Record.NewRecord != 10 {
		t.Errorf("Expected record 0 -> 10, got %+v", res.Record)
	}
	if res.Stats.TotalResets != 1 || res.Stats.CurrentStreak != 0 {
		t.Errorf("Expected global reset applied, got %+v", res.Stats)
	}

	logs, _ := svc.ResetLogs(ctx, created.ID)
	if len(logs) != 1 {
		t.Errorf("Expected 1 reset log, got %d", len(logs))
	}
	records, _ := svc.RecordBreaks(ctx, created.ID, false)
	if len(records) != 1 {
		t.Errorf("Expected 1 record break, got %d", len(records))
	}
	global, _ := svc.RecordBreaks(ctx, "", true)
	if len(global) != 0 {
		t.Errorf("Expected no global records, got %d", len(global))
	}
}

func TestConcurrentSoftResets(t *testing.T) {
	clk := &clock{now: testStart}
	st, err := store.New(store.Config{
		Backend:    store.BackendSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "timrs.db"),
	})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	st.SetClock(clk.Now)
	t.Cleanup(func() { st.Close() })

	svc := New(st, nil, Options{Clock: clk.Now})
	ctx := context.Background()

	created, err := svc.CreateTimer(ctx, daysForm("Run", 1))
	if err != nil {
		t.Fatalf("CreateTimer failed: %v", err)
	}
	clk.Advance(30 * 24 * time.Hour)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.SoftReset(ctx, created.ID, models.ResetInput{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SoftReset failed: %v", err)
	}

	got, err := svc.Timer(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ResetCount != n {
		t.Errorf("Expected reset count %d, got %d", n, got.ResetCount)
	}
	if got.LoggedResets != n {
		t.Errorf("Expected %d logged resets, got %d", n, got.LoggedResets)
	}
	if got.CurrentValue != 30-n {
		t.Errorf("Expected value %d, got %d", 30-n, got.CurrentValue)
	}

	stats, ok, err := st.GlobalStats(ctx)
	if err != nil || !ok {
		t.Fatalf("Expected stored global stats, got ok=%t err=%v", ok, err)
	}
	if stats.TotalResets != n {
		t.Errorf("Expected %d stored total resets, got %d", n, stats.TotalResets)
	}
}

func TestTimerDetails(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))

	got, err := svc.Timer(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RecordInProgress || got.LoggedResets != 0 {
		t.Errorf("Expected a fresh timer with nothing logged, got %+v", got)
	}

	clk.Advance(2 * 24 * time.Hour)
	views, _ := svc.Timers(ctx)
	if len(views) != 1 || !views[0].RecordInProgress {
		t.Errorf("Expected a record in progress beyond best streak 0, got %+v", views)
	}

	if _, err := svc.SoftReset(ctx, created.ID, models.ResetInput{}); err != nil {
		t.Fatalf("SoftReset failed: %v", err)
	}
	got, err = svc.Timer(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RecordInProgress {
		t.Error("Expected no record in progress right after a reset")
	}
	if got.LoggedResets != 1 {
		t.Errorf("Expected 1 logged reset, got %d", got.LoggedResets)
	}

	edited, err := svc.EditTimer(ctx, created.ID, daysForm("Walk", 1))
	if err != nil {
		t.Fatalf("EditTimer failed: %v", err)
	}
	if edited.RecordInProgress {
		t.Error("Expected the edit to report no record in progress")
	}
}

func TestBugReports(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()

	if _, err := svc.SubmitBugReport(ctx, models.BugReportForm{Description: "   "}); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if _, err := svc.SubmitBugReport(ctx, models.BugReportForm{Description: strings.Repeat("x", 2001)}); !apperr.Is(err, apperr.Validation) {
		t.Fatalf("Expected validation error for a long description, got %v", err)
	}

	r, err := svc.SubmitBugReport(ctx, models.BugReportForm{Description: "  crashes on reset ", AppVersion: "1.2.0"})
	if err != nil {
		t.Fatalf("SubmitBugReport failed: %v", err)
	}
	if r.ID == "" || r.Description != "crashes on reset" || r.Status != models.BugReportPending {
		t.Errorf("Unexpected report %+v", r)
	}
	if r.Timestamp != testStart.UnixMilli() {
		t.Errorf("Expected timestamp now, got %d", r.Timestamp)
	}

	reports, _ := svc.BugReports(ctx)
	if len(reports) != 1 || reports[0].ID != r.ID {
		t.Errorf("Expected the submitted report, got %+v", reports)
	}

	if err := svc.DeleteBugReport(ctx, r.ID); err != nil {
		t.Fatalf("DeleteBugReport failed: %v", err)
	}
	if err := svc.DeleteBugReport(ctx, r.ID); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestSoftResetAmountOverride(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 3))
	clk.Advance(10 * 24 * time.Hour)

	res, err := svc.SoftReset(ctx, created.ID, models.ResetInput{Amount: 15, Reason: "bad week", Mood: 1})
	if err != nil {
		t.Fatalf("SoftReset failed: %v", err)
	}
	if res.Timer.CurrentValue != 0 || res.Timer.StartDate != clk.Now().UnixMilli() {
		t.Errorf("Expected collapse to a restart, got %+v", res.Timer)
	}
	if res.Timer.CustomResetAmount != 15 {
		t.Errorf("Expected the override to persist, got %d", res.Timer.CustomResetAmount)
	}
	if res.Log.ValueAfterReset != 0 {
		t.Errorf("Expected value after reset 0, got %d", res.Log.ValueAfterReset)
	}
}

func TestSoftResetNoRecordOnTie(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))
	clk.Advance(4 * 24 * time.Hour)
	if _, err := svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "first", Mood: 3}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(4 * 24 * time.Hour)
	res, err := svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "second", Mood: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record != nil {
		t.Errorf("Expected no record when matching the best, got %+v", res.Record)
	}
	if res.Timer.BestStreak != 4 || res.Timer.ResetCount != 2 {
		t.Errorf("Expected best 4 and count 2, got %+v", res.Timer)
	}
}

func TestSoftResetValidation(t *testing.T) {
	svc, _, _ := setupService(t, 0)
	ctx := context.Background()
	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))

	if _, err := svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "", Mood: 3}); !apperr.Is(err, apperr.Validation) {
		t.Errorf("Expected validation error for missing reason, got %v", err)
	}
	if _, err := svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "x", Mood: 9}); !apperr.Is(err, apperr.Validation) {
		t.Errorf("Expected validation error for mood, got %v", err)
	}
	if _, err := svc.SoftReset(ctx, "missing", models.ResetInput{Reason: "x", Mood: 3}); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestFullReset(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))
	clk.Advance(5 * 24 * time.Hour)

	got, err := svc.FullReset(ctx, created.ID)
	if err != nil {
		t.Fatalf("FullReset failed: %v", err)
	}
	if got.StartDate != clk.Now().UnixMilli() || got.ResetCount != 0 || got.LastResetDate != created.LastResetDate {
		t.Errorf("Expected a restart without bookkeeping, got %+v", got)
	}
	logs, _ := svc.ResetLogs(ctx, "")
	if len(logs) != 0 {
		t.Errorf("Expected no reset log for a full reset, got %d", len(logs))
	}
}

func TestDeleteRestorePurge(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	a, _ := svc.CreateTimer(ctx, daysForm("A", 1))
	b, _ := svc.CreateTimer(ctx, daysForm("B", 1))
	clk.Advance(2 * 24 * time.Hour)

	deleted, err := svc.DeleteTimer(ctx, a.ID)
	if err != nil {
		t.Fatalf("DeleteTimer failed: %v", err)
	}
	if deleted.FinalValue != 2 {
		t.Errorf("Expected final value 2, got %d", deleted.FinalValue)
	}
	svc.DeleteTimer(ctx, b.ID)

	restored, err := svc.RestoreTimer(ctx, a.ID)
	if err != nil {
		t.Fatalf("RestoreTimer failed: %v", err)
	}
	if restored.StartDate != a.StartDate || restored.CurrentValue != 2 {
		t.Errorf("Expected progress kept on restore, got %+v", restored)
	}

	if err := svc.PurgeDeletedTimer(ctx, b.ID); err != nil {
		t.Fatalf("PurgeDeletedTimer failed: %v", err)
	}
	history, _ := svc.DeletedTimers(ctx)
	if len(history) != 0 {
		t.Errorf("Expected empty history, got %d", len(history))
	}
	if err := svc.PurgeDeletedTimer(ctx, b.ID); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Expected not found on second purge, got %v", err)
	}
}

func TestTickDebounce(t *testing.T) {
	svc, st, clk := setupService(t, 5*time.Second)
	ctx := context.Background()

	wrote, err := svc.Tick(ctx)
	if err != nil || !wrote {
		t.Fatalf("Expected first tick to persist initial stats, got %v, %v", wrote, err)
	}

	wrote, _ = svc.Tick(ctx)
	if wrote {
		t.Error("Expected no write without a change")
	}

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))
	clk.Advance(24 * time.Hour)
	svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "x", Mood: 3})

	// Two days later the streak moved; the debounce has long passed.
	clk.Advance(2 * 24 * time.Hour)
	wrote, _ = svc.Tick(ctx)
	if !wrote {
		t.Fatal("Expected a write after the streak changed")
	}
	stats, _, _ := st.GlobalStats(ctx)
	if stats.CurrentStreak != 2 || stats.TotalResets != 1 {
		t.Errorf("Expected streak 2 and 1 reset, got %+v", stats)
	}

	// A day later within the debounce window after the last write.
	clk.Advance(24*time.Hour - 6*time.Second)
	svc.Tick(ctx)
	clk.Advance(6 * time.Second)
	wrote, _ = svc.Tick(ctx)
	if !wrote {
		t.Error("Expected a write once the day rolled over")
	}
	clk.Advance(24 * time.Hour)
	svc.lastTickWrite = clk.Now().Add(-time.Second)
	wrote, _ = svc.Tick(ctx)
	if wrote {
		t.Error("Expected the debounce to hold back a write")
	}
}

func TestStats(t *testing.T) {
	svc, _, clk := setupService(t, 0)
	ctx := context.Background()

	created, _ := svc.CreateTimer(ctx, daysForm("Run", 1))
	clk.Advance(24 * time.Hour)
	svc.SoftReset(ctx, created.ID, models.ResetInput{Reason: "x", Mood: 3})
	clk.Advance(3 * 24 * time.Hour)

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CurrentStreak != 3 || stats.TotalResets != 1 {
		t.Errorf("Expected streak 3 and 1 reset, got %+v", stats)
	}
	if got := timer.GlobalStreak(stats, clk.Now()); got != 3 {
		t.Errorf("Expected global streak 3, got %d", got)
	}
}

func TestWipeAll(t *testing.T) {
	svc, st, _ := setupService(t, 0)
	ctx := context.Background()
	remote := &fakeRemote{}
	svc.remote = remote

	svc.CreateTimer(ctx, daysForm("Run", 1))

	report, err := svc.WipeAll(ctx)
	if err != nil {
		t.Fatalf("WipeAll failed: %v", err)
	}
	if !report.RemoteWiped || report.Warning != "" {
		t.Errorf("Unexpected report %+v", report)
	}
	if !remote.cleared {
		t.Error("Expected the sync queue to be cleared")
	}
	timers, _ := st.Timers(ctx)
	if len(timers) != 0 {
		t.Errorf("Expected no timers, got %d", len(timers))
	}
}

func TestWipeAllRemoteFailureIsWarning(t *testing.T) {
	svc, st, _ := setupService(t, 0)
	ctx := context.Background()
	remote := &fakeRemote{wipeErr: apperr.NewRemote("wipe remote", errors.New("403"))}
	svc.remote = remote

	svc.CreateTimer(ctx, daysForm("Run", 1))

	report, err := svc.WipeAll(ctx)
	if err != nil {
		t.Fatalf("Expected the local wipe to proceed, got %v", err)
	}
	if report.RemoteWiped || report.Warning == "" {
		t.Errorf("Expected a warning, got %+v", report)
	}
	timers, _ := st.Timers(ctx)
	if len(timers) != 0 {
		t.Errorf("Expected local data wiped anyway, got %d timers", len(timers))
	}
}
