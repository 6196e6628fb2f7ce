// Package network tracks whether the remote store is reachable.
package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"timrs/internal/logging"
	"timrs/internal/metrics"
)

// Status is the reachability state.
type Status string

const (
	Unknown Status = "unknown"
	Online  Status = "online"
	Offline Status = "offline"
)

// Config tunes the probe loop.
type Config struct {
	ProbeURL string        // empty: no probing, reported online once served
	Interval time.Duration // between probes
	Timeout  time.Duration // per probe
}

// Monitor holds the current Status and notifies listeners of changes.
type Monitor struct {
	cfg    Config
	client *http.Client

	mu        sync.RWMutex
	status    Status
	listeners map[int]func(Status)
	next      int
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Monitor{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		status:    Unknown,
		listeners: make(map[int]func(Status)),
	}
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) IsOnline() bool {
	return m.Status() == Online
}

// AddListener calls fn with the current status, then again on every change.
// The returned func unsubscribes.
func (m *Monitor) AddListener(fn func(Status)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	current := m.status
	m.mu.Unlock()

	fn(current)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set records s and notifies listeners if it differs from the current status.
func (m *Monitor) Set(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	prev := m.status
	m.status = s
	fns := make([]func(Status), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if s == Online {
		metrics.NetworkOnline.Set(1)
	} else {
		metrics.NetworkOnline.Set(0)
	}
	logging.Info().Str("component", "network").Str("from", string(prev)).Str("to", string(s)).Msg("connectivity changed")

	for _, fn := range fns {
		fn(s)
	}
}

// Check probes the configured URL once. Any HTTP response below 500 counts
// as reachable.
func (m *Monitor) Check(ctx context.Context) Status {
	if m.cfg.ProbeURL == "" {
		return Online
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		return Offline
	}
	resp, err := m.client.Do(req)
	if err != nil {
		logging.Debug().Str("component", "network").Err(err).Msg("probe failed")
		return Offline
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Offline
	}
	return Online
}

// Serve probes until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	m.Set(m.Check(ctx))
	if m.cfg.ProbeURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Set(m.Check(ctx))
		}
	}
}

func (m *Monitor) String() string { return "network-monitor" }
