// Package supervisor runs the long-lived background services under a suture
// tree so a crashing probe or ticker is restarted without taking down the
// HTTP server.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"timrs/internal/logging"
)

// TreeConfig holds supervisor tree configuration. Zero values take suture's
// defaults.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has three layers:
//   - sync: connectivity probe and retry loop
//   - timers: periodic stats tick
//   - api: HTTP server
type Tree struct {
	root   *suture.Supervisor
	sync   *suture.Supervisor
	timers *suture.Supervisor
	api    *suture.Supervisor
}

func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = EventHook(logging.With("supervisor"))

	t := &Tree{
		root:   suture.New("timrs", rootSpec),
		sync:   suture.New("sync-layer", spec),
		timers: suture.New("timer-layer", spec),
		api:    suture.New("api-layer", spec),
	}
	t.root.Add(t.sync)
	t.root.Add(t.timers)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddSyncService(svc suture.Service) suture.ServiceToken {
	return t.sync.Add(svc)
}

func (t *Tree) AddTimerService(svc suture.Service) suture.ServiceToken {
	return t.timers.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is done.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// EventHook logs suture events through zerolog. Panics and terminations are
// errors, backoff transitions warnings.
func EventHook(log zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		var e *zerolog.Event
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			e = log.Error()
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			e = log.Warn()
		default:
			e = log.Info()
		}
		e.Fields(ev.Map()).Msg(ev.String())
	}
}
