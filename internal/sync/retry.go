package sync

import (
	"context"
	"time"

	"timrs/internal/config"
)

// RetryLoop re-attempts drains while items are pending. The wait between
// attempts doubles from RetryDelay up to MaxRetryDelay and resets once a
// drain empties the queue. With a non-zero Interval it also drains
// periodically regardless of backoff.
type RetryLoop struct {
	queue    *Queue
	identity IdentityResolver
	conn     Connectivity
	cfg      config.SyncConfig
}

func NewRetryLoop(c *Coordinator, cfg config.SyncConfig) *RetryLoop {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	return &RetryLoop{
		queue:    c.queue,
		identity: c.identity,
		conn:     c.conn,
		cfg:      cfg,
	}
}

// Serve implements suture.Service.
func (r *RetryLoop) Serve(ctx context.Context) error {
	delay := r.cfg.RetryDelay
	wait := time.NewTimer(delay)
	defer wait.Stop()

	var interval <-chan time.Time
	if r.cfg.Interval > 0 {
		t := time.NewTicker(r.cfg.Interval)
		defer t.Stop()
		interval = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interval:
			r.attempt(ctx)
		case <-wait.C:
			if r.attempt(ctx) {
				delay = min(delay*2, r.cfg.MaxRetryDelay)
			} else {
				delay = r.cfg.RetryDelay
			}
			wait.Reset(delay)
		}
	}
}

// attempt drains once if delivery is possible and reports whether items
// are still waiting afterwards.
func (r *RetryLoop) attempt(ctx context.Context) bool {
	if r.queue.PendingCount() == 0 {
		return false
	}
	if r.queue.remote == nil || !r.conn.IsOnline() || r.identity.Current() == "" {
		return true
	}
	res := r.queue.Drain(ctx)
	if res.Skipped {
		return r.queue.PendingCount() > 0
	}
	return res.Remaining > 0
}

func (r *RetryLoop) String() string { return "sync-retry-loop" }
