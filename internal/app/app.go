// Package app wires the store, sync and service layers from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"timrs/internal/api"
	"timrs/internal/config"
	"timrs/internal/identity"
	"timrs/internal/logging"
	"timrs/internal/network"
	"timrs/internal/remote"
	"timrs/internal/service"
	"timrs/internal/store"
	"timrs/internal/supervisor"
	"timrs/internal/sync"
)

type App struct {
	Config   *config.Config
	Store    *store.Store
	Remote   remote.Store
	Identity *identity.Manager
	Monitor  *network.Monitor
	Sync     *sync.Coordinator
	Service  *service.Service
	Handler  http.Handler
}

func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	st, err := store.New(store.Config{
		Backend:    store.DataBackendType(cfg.Store.Backend),
		SQLitePath: cfg.Store.SQLitePath,
		TursoURL:   cfg.Store.TursoURL,
		TursoToken: cfg.Store.TursoToken,
		BadgerPath: cfg.Store.BadgerPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rem, err := remote.New(cfg.Remote)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open remote: %w", err)
	}

	ids, err := identity.New(cfg.Identity.DataDir)
	if err != nil {
		st.Close()
		if rem != nil {
			rem.Close()
		}
		return nil, fmt.Errorf("open identity: %w", err)
	}

	mon := network.NewMonitor(network.Config{
		ProbeURL: cfg.Network.ProbeURL,
		Interval: cfg.Network.ProbeInterval,
		Timeout:  cfg.Network.ProbeTimeout,
	})

	coord := sync.NewCoordinator(st, rem, ids, mon, sync.QueueOptions{MaxRetries: cfg.Sync.MaxRetries})
	svc := service.New(st, coord, service.Options{
		TickInterval: cfg.Tick.Interval,
		TickDebounce: cfg.Tick.Debounce,
	})

	return &App{
		Config:   cfg,
		Store:    st,
		Remote:   rem,
		Identity: ids,
		Monitor:  mon,
		Sync:     coord,
		Service:  svc,
		Handler:  api.NewRouter(api.New(svc, coord), cfg.Server),
	}, nil
}

// Start loads the sync queue and begins mirroring local writes. The
// connectivity state is probed once so one-shot commands see it before
// the monitor service runs.
func (a *App) Start(ctx context.Context) error {
	if err := a.Sync.Initialize(ctx); err != nil {
		return err
	}
	a.Monitor.Set(a.Monitor.Check(ctx))
	return nil
}

// Services registers the long-running services on tree.
func (a *App) Services(tree *supervisor.Tree) {
	tree.AddSyncService(a.Monitor)
	tree.AddSyncService(sync.NewRetryLoop(a.Sync, a.Config.Sync))
	tree.AddTimerService(a.Service)
	tree.AddAPIService(supervisor.NewHTTPService(&http.Server{
		Addr:    a.Config.Server.Addr(),
		Handler: a.Handler,
	}, 0))
}

func (a *App) Close() error {
	a.Sync.Shutdown()
	var errs []error
	if a.Remote != nil {
		errs = append(errs, a.Remote.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
