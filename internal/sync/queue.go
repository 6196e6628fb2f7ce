// Package sync mirrors local writes to the remote store. A durable Queue
// delivers mutation intents at least once; the Coordinator wires the queue to
// connectivity and identity and runs the manual push-then-pull sync.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"timrs/internal/apperr"
	"timrs/internal/logging"
	"timrs/internal/metrics"
	"timrs/internal/models"
	"timrs/internal/network"
	"timrs/internal/remote"
)

// DefaultMaxRetries is the number of delivery attempts an item gets.
const DefaultMaxRetries = 3

// QueueStore persists the queue and the last sync time.
type QueueStore interface {
	LoadSyncQueue(ctx context.Context) ([]models.SyncQueueItem, error)
	SaveSyncQueue(ctx context.Context, items []models.SyncQueueItem) error
	LastSyncTime(ctx context.Context) (int64, error)
	SetLastSyncTime(ctx context.Context, ms int64) error
}

// IdentityResolver yields the user id remote documents live under.
// Current returns "" until an identity exists.
type IdentityResolver interface {
	Current() string
	UserID(ctx context.Context) (string, error)
}

// Connectivity reports reachability.
type Connectivity interface {
	IsOnline() bool
	AddListener(fn func(network.Status)) func()
}

// QueueOptions tunes a Queue.
type QueueOptions struct {
	MaxRetries int
	// OnDrop is called for every item removed after exhausting its retries.
	OnDrop func(item models.SyncQueueItem, err error)
	// OnDeliver is called for every item the remote accepted, from the
	// draining goroutine.
	OnDeliver func(ctx context.Context, item models.SyncQueueItem)
	Clock     func() time.Time
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Skipped   bool
	Attempted int
	Delivered int
	Requeued  int
	Dropped   int
	Remaining int
}

// Queue is the durable at-least-once delivery queue. Items are persisted as
// one ordered list; a drain swaps the live list out and works on the
// snapshot, so enqueues during a drain land in the fresh live list.
type Queue struct {
	store      QueueStore
	remote     remote.Store
	identity   IdentityResolver
	conn       Connectivity
	maxRetries int
	onDrop     func(models.SyncQueueItem, error)
	onDeliver  func(context.Context, models.SyncQueueItem)
	now        func() time.Time
	log        zerolog.Logger

	mu        sync.Mutex
	items     []models.SyncQueueItem
	inflight  []models.SyncQueueItem
	draining  bool
	idle      chan struct{} // closed when the running drain finishes
	status    models.SyncStatus
	lastSync  int64
	listeners map[int]func(models.SyncStatus)
	nextID    int

	persistMu sync.Mutex

	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewQueue builds an empty queue in the offline state. rem may be nil when
// remote mirroring is disabled; items are still queued.
func NewQueue(st QueueStore, rem remote.Store, id IdentityResolver, conn Connectivity, opts QueueOptions) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:      st,
		remote:     rem,
		identity:   id,
		conn:       conn,
		maxRetries: opts.MaxRetries,
		onDrop:     opts.OnDrop,
		onDeliver:  opts.OnDeliver,
		now:        opts.Clock,
		log:        logging.With("sync-queue"),
		status:     models.SyncOffline,
		listeners:  make(map[int]func(models.SyncStatus)),
		bgCtx:      ctx,
		bgCancel:   cancel,
	}
	metrics.SetSyncStatus(string(q.status))
	return q
}

// Load replaces the in-memory queue with the persisted one.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.store.LoadSyncQueue(ctx)
	if err != nil {
		return fmt.Errorf("load sync queue: %w", err)
	}
	last, err := q.store.LastSyncTime(ctx)
	if err != nil {
		return fmt.Errorf("load last sync time: %w", err)
	}

	q.mu.Lock()
	q.items = items
	q.lastSync = last
	n := len(q.items)
	q.mu.Unlock()

	metrics.SyncQueueLength.Set(float64(n))
	q.log.Info().Int("items", n).Msg("sync queue loaded")
	return nil
}

// Enqueue appends an intent, persists the queue and, when delivery is
// possible, starts a background drain. It does not wait for delivery. The
// returned error only reports a failed persist; the item stays queued in
// memory either way.
func (q *Queue) Enqueue(ctx context.Context, op models.Operation, coll models.Collection, data json.RawMessage) (models.SyncQueueItem, error) {
	item := models.SyncQueueItem{
		ID:         uuid.New().String(),
		Type:       op,
		Collection: coll,
		Data:       data,
		Timestamp:  q.now().UnixMilli(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	promote := !q.draining && q.status == models.SyncSynced
	q.mu.Unlock()

	if promote {
		q.SetStatus(models.SyncPending)
	}

	err := q.persist(ctx)
	if err != nil {
		err = apperr.NewSync("enqueue", err)
	}

	if q.canDeliver() && q.identity.Current() != "" {
		q.TriggerDrain()
	}
	return item, err
}

func (q *Queue) canDeliver() bool {
	return q.remote != nil && q.conn.IsOnline()
}

// TriggerDrain starts a drain in the background. It is a no-op once the
// queue is closed.
func (q *Queue) TriggerDrain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.bgCtx.Err() != nil {
		return
	}
	q.bg.Add(1)
	go func() {
		defer q.bg.Done()
		q.Drain(q.bgCtx)
	}()
}

// Drain delivers a snapshot of the queue. Only one drain runs at a time; a
// concurrent call, an empty queue, being offline or having no remote make
// it a no-op.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	q.mu.Lock()
	if q.draining || len(q.items) == 0 {
		q.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	if !q.conn.IsOnline() {
		q.mu.Unlock()
		q.SetStatus(models.SyncOffline)
		return DrainResult{Skipped: true}
	}
	if q.remote == nil {
		q.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	q.draining = true
	q.idle = make(chan struct{})
	q.inflight = q.items
	q.items = nil
	q.mu.Unlock()

	q.SetStatus(models.SyncSyncing)
	start := time.Now()

	var res DrainResult
	for {
		q.mu.Lock()
		if len(q.inflight) == 0 {
			q.mu.Unlock()
			break
		}
		item := q.inflight[0]
		q.mu.Unlock()

		if ctx.Err() != nil {
			q.requeueInflight()
			break
		}

		res.Attempted++
		err := q.deliver(ctx, item)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not failed: the item keeps its place and its count.
			res.Attempted--
			q.requeueInflight()
			break
		}

		q.mu.Lock()
		q.inflight = q.inflight[1:]
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, remote.ErrUnavailable):
			// Rejected by an open circuit: not a delivery attempt.
			q.items = append(q.items, item)
			res.Requeued++
		default:
			item.RetryCount++
			if item.RetryCount < q.maxRetries {
				q.items = append(q.items, item)
				res.Requeued++
			} else {
				res.Dropped++
			}
		}
		q.mu.Unlock()

		q.record(context.WithoutCancel(ctx), item, err)
	}

	q.mu.Lock()
	q.inflight = nil
	q.draining = false
	close(q.idle)
	res.Remaining = len(q.items)
	q.mu.Unlock()

	if err := q.persist(context.WithoutCancel(ctx)); err != nil {
		q.log.Error().Err(err).Msg("failed to persist sync queue after drain")
	}
	metrics.SyncDrainDuration.Observe(time.Since(start).Seconds())

	switch {
	case !q.conn.IsOnline():
		q.SetStatus(models.SyncOffline)
	case res.Remaining > 0:
		q.SetStatus(models.SyncPending)
	default:
		q.markSynced(context.WithoutCancel(ctx))
	}

	q.log.Debug().Int("attempted", res.Attempted).Int("delivered", res.Delivered).
		Int("requeued", res.Requeued).Int("dropped", res.Dropped).Int("remaining", res.Remaining).
		Msg("drain finished")
	return res
}

// requeueInflight puts the undelivered part of the snapshot back in front of
// the live queue without counting an attempt.
func (q *Queue) requeueInflight() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]models.SyncQueueItem{}, q.inflight...), q.items...)
	q.inflight = nil
}

func (q *Queue) record(ctx context.Context, item models.SyncQueueItem, err error) {
	coll := string(item.Collection)
	switch {
	case err == nil:
		metrics.SyncItemsDelivered.WithLabelValues(coll, string(item.Type)).Inc()
		if q.onDeliver != nil {
			q.onDeliver(ctx, item)
		}
	case errors.Is(err, remote.ErrUnavailable):
		q.log.Debug().Str("item", item.ID).Msg("remote unavailable, item requeued")
	case item.RetryCount < q.maxRetries:
		metrics.SyncItemsRetried.WithLabelValues(coll).Inc()
		q.log.Warn().Err(err).Str("item", item.ID).Str("collection", coll).
			Int("retry_count", item.RetryCount).Msg("delivery failed, will retry")
	default:
		metrics.SyncItemsDropped.WithLabelValues(coll).Inc()
		q.log.Error().Err(err).Str("item", item.ID).Str("collection", coll).
			Str("type", string(item.Type)).Int("retry_count", item.RetryCount).
			Msg("delivery failed permanently, item dropped")
		if q.onDrop != nil {
			q.onDrop(item, err)
		}
	}
}

// deliver resolves the user and dispatches item to the remote call matching
// its collection and operation.
func (q *Queue) deliver(ctx context.Context, item models.SyncQueueItem) error {
	userID, err := q.identity.UserID(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if userID == "" {
		return errors.New("resolve identity: no user id")
	}

	docID, err := documentID(item)
	if err != nil {
		return err
	}

	switch item.Type {
	case models.OpCreate, models.OpUpdate:
		return q.remote.Upsert(ctx, userID, item.Collection, docID, item.Data)
	case models.OpDelete:
		return q.remote.Delete(ctx, userID, item.Collection, docID)
	default:
		return fmt.Errorf("unknown operation %q", item.Type)
	}
}

// documentID is the remote id of the document an item targets: the
// singleton id for global stats, the data's "id" field otherwise.
func documentID(item models.SyncQueueItem) (string, error) {
	if item.Collection == models.CollectionGlobalStats {
		return models.GlobalStatsDocID, nil
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(item.Data, &doc); err != nil {
		return "", fmt.Errorf("decode %s item: %w", item.Collection, err)
	}
	if doc.ID == "" {
		return "", fmt.Errorf("%s item has no id", item.Collection)
	}
	return doc.ID, nil
}

// persist writes the undelivered snapshot followed by the live queue. The
// snapshot is read under persistMu so the last writer always has the
// newest state.
func (q *Queue) persist(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	all := make([]models.SyncQueueItem, 0, len(q.inflight)+len(q.items))
	all = append(all, q.inflight...)
	all = append(all, q.items...)
	q.mu.Unlock()

	metrics.SyncQueueLength.Set(float64(len(all)))
	return q.store.SaveSyncQueue(ctx, all)
}

func (q *Queue) markSynced(ctx context.Context) {
	ms := q.now().UnixMilli()
	q.mu.Lock()
	q.lastSync = ms
	q.mu.Unlock()

	if err := q.store.SetLastSyncTime(ctx, ms); err != nil {
		q.log.Warn().Err(err).Msg("failed to persist last sync time")
	}
	q.SetStatus(models.SyncSynced)
}

// WaitIdle blocks until no drain is running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	draining := q.draining
	q.mu.Unlock()

	if !draining {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear drops every queued intent and persists the empty queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	wasPending := q.status == models.SyncPending
	q.mu.Unlock()

	if err := q.persist(ctx); err != nil {
		return apperr.NewSync("clear queue", err)
	}
	if wasPending && q.PendingCount() == 0 {
		q.SetStatus(models.SyncSynced)
	}
	q.log.Info().Int("items", n).Msg("sync queue cleared")
	return nil
}

// PendingCount is the number of undelivered items, including any being
// delivered right now.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}

// Items returns a copy of the undelivered items in delivery order.
func (q *Queue) Items() []models.SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.SyncQueueItem, 0, len(q.inflight)+len(q.items))
	out = append(out, q.inflight...)
	return append(out, q.items...)
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// LastSyncTime is the Unix ms of the last time the queue was fully flushed
// or a full sync completed, 0 if never.
func (q *Queue) LastSyncTime() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSync
}

func (q *Queue) Status() models.SyncStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// SetStatus moves to s, notifying listeners only when it changes.
func (q *Queue) SetStatus(s models.SyncStatus) {
	q.mu.Lock()
	if q.status == s {
		q.mu.Unlock()
		return
	}
	q.status = s
	fns := make([]func(models.SyncStatus), 0, len(q.listeners))
	for i := 0; i < q.nextID; i++ {
		if fn, ok := q.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	q.mu.Unlock()

	metrics.SetSyncStatus(string(s))
	q.log.Debug().Str("status", string(s)).Msg("sync status changed")
	for _, fn := range fns {
		fn(s)
	}
}

// AddListener calls fn with the current status and then on every change.
// The returned func unsubscribes.
func (q *Queue) AddListener(fn func(models.SyncStatus)) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	current := q.status
	q.mu.Unlock()

	fn(current)

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Wait blocks until background drains started so far have returned.
func (q *Queue) Wait() {
	q.bg.Wait()
}

// Close stops background drains and waits for them. Drains triggered after
// Close never start.
func (q *Queue) Close() {
	q.mu.Lock()
	q.bgCancel()
	q.mu.Unlock()
	q.bg.Wait()
}
