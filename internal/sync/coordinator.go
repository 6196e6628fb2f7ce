package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"timrs/internal/apperr"
	"timrs/internal/logging"
	"timrs/internal/metrics"
	"timrs/internal/models"
	"timrs/internal/network"
	"timrs/internal/remote"
	"timrs/internal/store"
)

// LocalData is the part of the local store the coordinator touches: the
// write hook it mirrors from, the overwrite calls a pull lands in and the
// delivery status of bug reports.
type LocalData interface {
	QueueStore
	OnWrite(fn func(store.Change)) func()
	ReplaceTimers(ctx context.Context, timers []models.Timer) error
	ReplaceGlobalStats(ctx context.Context, stats models.GlobalStats) error
	ReplaceDeletedTimers(ctx context.Context, history []models.DeletedTimer) error
	SetBugReportStatus(ctx context.Context, id string, status models.BugReportStatus) error
}

// ErrOffline is returned by SyncAll when there is no connectivity.
var ErrOffline = errors.New("no internet connection")

// Coordinator owns the queue and connects it to local writes, connectivity
// and identity.
type Coordinator struct {
	local    LocalData
	remote   remote.Store
	identity IdentityResolver
	conn     Connectivity
	queue    *Queue
	log      zerolog.Logger

	mu       sync.Mutex
	started  bool
	unsubs   []func()
	bg       sync.WaitGroup
	bgCancel context.CancelFunc
}

// NewCoordinator builds a coordinator and its queue. rem is nil when remote
// mirroring is disabled.
func NewCoordinator(local LocalData, rem remote.Store, id IdentityResolver, conn Connectivity, opts QueueOptions) *Coordinator {
	c := &Coordinator{
		local:    local,
		remote:   rem,
		identity: id,
		conn:     conn,
		log:      logging.With("sync"),
	}
	next := opts.OnDeliver
	opts.OnDeliver = func(ctx context.Context, item models.SyncQueueItem) {
		c.handleDelivered(ctx, item)
		if next != nil {
			next(ctx, item)
		}
	}
	c.queue = NewQueue(local, rem, id, conn, opts)
	return c
}

// Queue exposes the underlying queue.
func (c *Coordinator) Queue() *Queue { return c.queue }

// Enabled reports whether remote mirroring is configured.
func (c *Coordinator) Enabled() bool { return c.remote != nil }

// Initialize loads the persisted queue, starts mirroring local writes and
// follows connectivity. Identity is resolved in the background; once it is
// available any queue built up before then is drained.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := c.queue.Load(ctx); err != nil {
		return apperr.NewSync("initialize", err)
	}

	c.unsubs = append(c.unsubs,
		c.local.OnWrite(c.handleWrite),
		c.conn.AddListener(c.handleConnectivity),
	)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.bgCancel = cancel
	if c.remote != nil {
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			if _, err := c.identity.UserID(bgCtx); err != nil {
				c.log.Warn().Err(err).Msg("identity not available yet")
				return
			}
			if c.conn.IsOnline() {
				c.queue.TriggerDrain()
			}
		}()
	}

	c.started = true
	c.log.Info().Bool("remote", c.remote != nil).Int("pending", c.queue.PendingCount()).Msg("sync initialized")
	return nil
}

// Shutdown unsubscribes from writes and connectivity and waits for
// background work.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	cancel := c.bgCancel
	c.started = false
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if cancel != nil {
		cancel()
	}
	c.bg.Wait()
	c.queue.Close()
}

// handleWrite turns a local change into a queued intent. A failure here is
// logged only; the local write has already succeeded.
func (c *Coordinator) handleWrite(ch store.Change) {
	data := ch.Data
	if len(data) == 0 {
		data, _ = json.Marshal(map[string]string{"id": ch.DocID})
	}
	if _, err := c.queue.Enqueue(context.Background(), ch.Type, ch.Collection, data); err != nil {
		c.log.Warn().Err(err).Str("collection", string(ch.Collection)).Str("doc", ch.DocID).
			Msg("failed to persist sync intent")
	}
}

// handleDelivered marks a bug report synced once the remote has it.
func (c *Coordinator) handleDelivered(ctx context.Context, item models.SyncQueueItem) {
	if item.Collection != models.CollectionBugReports || item.Type != models.OpCreate {
		return
	}
	id, err := documentID(item)
	if err != nil {
		return
	}
	if err := c.local.SetBugReportStatus(ctx, id, models.BugReportSynced); err != nil {
		c.log.Warn().Err(err).Str("report", id).Msg("failed to mark bug report synced")
	}
}

func (c *Coordinator) handleConnectivity(s network.Status) {
	if s != network.Online {
		c.queue.SetStatus(models.SyncOffline)
		return
	}
	if c.queue.PendingCount() == 0 {
		c.queue.SetStatus(models.SyncSynced)
		return
	}
	c.queue.SetStatus(models.SyncPending)
	if c.remote != nil && c.identity.Current() != "" {
		c.queue.TriggerDrain()
	}
}

// SyncAll pushes the queue and then overwrites the local timers, global
// stats and deleted-timer history with the remote copies. It is a no-op
// when mirroring is disabled. Errors set the status to error and are
// returned.
func (c *Coordinator) SyncAll(ctx context.Context) (err error) {
	if !c.conn.IsOnline() {
		metrics.SyncAllTotal.WithLabelValues("offline").Inc()
		return apperr.NewNetwork("sync all", ErrOffline)
	}
	if c.remote == nil {
		metrics.SyncAllTotal.WithLabelValues("disabled").Inc()
		return nil
	}

	defer func() {
		if err != nil {
			c.queue.SetStatus(models.SyncError)
			metrics.SyncAllTotal.WithLabelValues("error").Inc()
			c.log.Error().Err(err).Msg("sync failed")
			return
		}
		metrics.SyncAllTotal.WithLabelValues("ok").Inc()
	}()

	c.queue.SetStatus(models.SyncSyncing)

	userID, err := c.identity.UserID(ctx)
	if err != nil {
		return apperr.NewSync("resolve identity", err)
	}

	if err := c.queue.WaitIdle(ctx); err != nil {
		return apperr.NewSync("wait for drain", err)
	}
	res := c.queue.Drain(ctx)
	if err := ctx.Err(); err != nil {
		return apperr.NewSync("push", err)
	}
	c.queue.SetStatus(models.SyncSyncing)

	if err := c.pull(ctx, userID); err != nil {
		return err
	}

	c.queue.markSynced(ctx)
	c.log.Info().Int("delivered", res.Delivered).Int("remaining", res.Remaining).Msg("sync completed")
	return nil
}

// pull fetches the three mirrored collections concurrently and overwrites
// their local copies. An empty remote collection, or one with intents still
// queued, leaves the local copy alone.
func (c *Coordinator) pull(ctx context.Context, userID string) error {
	var (
		timers  []models.Timer
		stats   *models.GlobalStats
		history []models.DeletedTimer
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := c.remote.List(gctx, userID, models.CollectionTimers, remote.ListOptions{})
		if err != nil {
			return apperr.NewRemote("pull timers", err)
		}
		timers, err = decodeAll[models.Timer](docs)
		return err
	})
	g.Go(func() error {
		doc, err := c.remote.Get(gctx, userID, models.CollectionGlobalStats, models.GlobalStatsDocID)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		if err != nil {
			return apperr.NewRemote("pull global stats", err)
		}
		var s models.GlobalStats
		if err := json.Unmarshal(doc, &s); err != nil {
			return apperr.NewSync("decode global stats", err)
		}
		stats = &s
		return nil
	})
	g.Go(func() error {
		docs, err := c.remote.List(gctx, userID, models.CollectionDeletedTimers, remote.ListOptions{
			OrderBy: "deletedAt",
			Desc:    true,
			Limit:   models.MaxDeletedTimers,
		})
		if err != nil {
			return apperr.NewRemote("pull deleted timers", err)
		}
		history, err = decodeAll[models.DeletedTimer](docs)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	pending := c.pendingCollections()

	if len(timers) > 0 && !pending[models.CollectionTimers] {
		if err := c.local.ReplaceTimers(ctx, timers); err != nil {
			return fmt.Errorf("overwrite timers: %w", err)
		}
	}
	if stats != nil && !pending[models.CollectionGlobalStats] {
		if err := c.local.ReplaceGlobalStats(ctx, *stats); err != nil {
			return fmt.Errorf("overwrite global stats: %w", err)
		}
	}
	if len(history) > 0 && !pending[models.CollectionDeletedTimers] {
		if err := c.local.ReplaceDeletedTimers(ctx, history); err != nil {
			return fmt.Errorf("overwrite deleted timers: %w", err)
		}
	}

	c.log.Debug().Int("timers", len(timers)).Bool("stats", stats != nil).Int("deleted", len(history)).
		Msg("pulled remote state")
	return nil
}

func (c *Coordinator) pendingCollections() map[models.Collection]bool {
	out := make(map[models.Collection]bool)
	for _, it := range c.queue.Items() {
		out[it.Collection] = true
	}
	return out
}

func decodeAll[T any](docs []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, apperr.NewSync("decode remote document", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// WipeRemote deletes every remote document of the current user. It does
// nothing when mirroring is disabled or no identity was ever created.
func (c *Coordinator) WipeRemote(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	userID := c.identity.Current()
	if userID == "" {
		return nil
	}
	if !c.conn.IsOnline() {
		return apperr.NewNetwork("wipe remote", ErrOffline)
	}
	if err := c.remote.DeleteAllUnderUser(ctx, userID); err != nil {
		return apperr.NewRemote("wipe remote", err)
	}
	return nil
}

// RemoteSummary counts the documents the current user has in the remote
// store.
type RemoteSummary struct {
	Enabled        bool `json:"enabled"`
	Timers         int  `json:"timers"`
	DeletedTimers  int  `json:"deletedTimers"`
	ResetLogs      int  `json:"resetLogs"`
	RecordBreaks   int  `json:"recordBreaks"`
	BugReports     int  `json:"bugReports"`
	HasGlobalStats bool `json:"hasGlobalStats"`
}

// RemoteSummary reads the per-collection document counts of the current
// user. With mirroring disabled it returns a zero summary.
func (c *Coordinator) RemoteSummary(ctx context.Context) (RemoteSummary, error) {
	if c.remote == nil {
		return RemoteSummary{}, nil
	}
	if !c.conn.IsOnline() {
		return RemoteSummary{}, apperr.NewNetwork("remote summary", ErrOffline)
	}
	userID, err := c.identity.UserID(ctx)
	if err != nil {
		return RemoteSummary{}, apperr.NewSync("resolve identity", err)
	}

	sum := RemoteSummary{Enabled: true}
	counts := map[models.Collection]*int{
		models.CollectionTimers:        &sum.Timers,
		models.CollectionDeletedTimers: &sum.DeletedTimers,
		models.CollectionResetLogs:     &sum.ResetLogs,
		models.CollectionRecordBreaks:  &sum.RecordBreaks,
		models.CollectionBugReports:    &sum.BugReports,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, coll := range models.Collections() {
		if coll == models.CollectionGlobalStats {
			g.Go(func() error {
				_, err := c.remote.Get(gctx, userID, coll, models.GlobalStatsDocID)
				if errors.Is(err, remote.ErrNotFound) {
					return nil
				}
				if err != nil {
					return apperr.NewRemote("count global stats", err)
				}
				sum.HasGlobalStats = true
				return nil
			})
			continue
		}
		n, ok := counts[coll]
		if !ok {
			continue
		}
		g.Go(func() error {
			docs, err := c.remote.List(gctx, userID, coll, remote.ListOptions{})
			if err != nil {
				return apperr.NewRemote("count "+string(coll), err)
			}
			*n = len(docs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RemoteSummary{}, err
	}
	return sum, nil
}

// ClearQueue abandons every undelivered intent.
func (c *Coordinator) ClearQueue(ctx context.Context) error {
	return c.queue.Clear(ctx)
}

func (c *Coordinator) Status() models.SyncStatus { return c.queue.Status() }

func (c *Coordinator) PendingCount() int { return c.queue.PendingCount() }

func (c *Coordinator) LastSyncTime() int64 { return c.queue.LastSyncTime() }

func (c *Coordinator) AddListener(fn func(models.SyncStatus)) func() {
	return c.queue.AddListener(fn)
}
