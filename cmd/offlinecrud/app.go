package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/agentworkforce/offlinecrud/internal/config"
	"github.com/agentworkforce/offlinecrud/internal/httpapi"
	"github.com/agentworkforce/offlinecrud/internal/offline"
	"github.com/agentworkforce/offlinecrud/internal/offlinesync"
	"github.com/agentworkforce/offlinecrud/internal/swcache"
)

type app struct {
	cfg     config.Config
	logger  offline.Logger
	state   offline.Backend
	cache   offline.Backend
	queue   *offline.Queue
	client  *offlinesync.Client
	worker  *swcache.Worker
	monitor *offlinesync.Monitor
	server  *httpapi.Server
}

// newApp wires storage, the offline client, the caching worker and the
// control surface. ctx bounds background reconciliation.
func newApp(ctx context.Context, cfg config.Config, logger offline.Logger) (*app, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	policy, err := offlinesync.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.state, a.cache, err = buildBackends(cfg.StateDSN, cfg.CacheDSN)
	if err != nil {
		return nil, err
	}

	a.queue = offline.NewQueue(a.state, offline.QueueOptions{Logger: logger})
	mirror := offline.NewMirror(a.state, logger)
	searches := offline.NewRecentSearches(a.state, cfg.SearchLimit, logger)
	remote := offlinesync.NewHTTPClient(cfg.APIBaseURL, cfg.ResourcePath, &http.Client{Timeout: cfg.RequestTimeout.Std()})
	a.client, err = offlinesync.NewClient(remote, a.queue, mirror, searches, offlinesync.ClientOptions{
		Logger:       logger,
		StartOffline: cfg.StartOffline,
		Reconcile: offlinesync.ReconcilerOptions{
			Policy:       policy,
			EntryTimeout: cfg.EntryTimeout.Std(),
		},
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialize offline client: %w", err)
	}
	a.client.Subscribe(func(notice offlinesync.Notice) {
		logger.Printf("notice %s: %s", notice.Kind, notice.Message)
	})

	a.worker, err = swcache.NewWorker(swcache.NewStorage(a.cache, logger), swcache.WorkerOptions{
		StaticCache:  cfg.Cache.StaticName,
		DynamicCache: cfg.Cache.DynamicName,
		Precache:     cfg.Cache.Precache,
		Policy: swcache.Policy{
			APIPrefix:         cfg.Cache.APIPrefix,
			ProtectedPrefixes: cfg.Cache.ProtectedPrefixes,
			LoginPath:         cfg.Cache.LoginPath,
		},
		Origin: origin,
		Logger: logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialize caching worker: %w", err)
	}

	a.monitor, err = offlinesync.NewMonitor(
		&offlinesync.HTTPProber{URL: cfg.ProbeURL, Client: &http.Client{}},
		a.client,
		offlinesync.MonitorOptions{
			Interval:     cfg.ProbeInterval.Std(),
			MaxInterval:  cfg.ProbeMaxInterval.Std(),
			JitterRatio:  cfg.ProbeJitter,
			ProbeTimeout: cfg.ProbeTimeout.Std(),
			Logger:       logger,
		},
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initialize connectivity monitor: %w", err)
	}

	a.server = httpapi.NewServerWithConfig(a.client, swcache.NewProxy(origin, a.worker), httpapi.ServerConfig{
		MaxBodyBytes: cfg.MaxBodyBytes,
		BaseContext:  ctx,
		Logger:       logger,
	})
	return a, nil
}

// buildBackends opens the state and cache slot backends. Equal DSNs share one
// backend so single-writer stores such as bolt are opened once.
func buildBackends(stateDSN, cacheDSN string) (offline.Backend, offline.Backend, error) {
	state, err := offline.BuildBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open state backend: %w", err)
	}
	if state == nil {
		state = offline.NewMemoryBackend()
	}
	if cacheDSN == stateDSN {
		return state, state, nil
	}
	cache, err := offline.BuildBackendFromDSN(cacheDSN)
	if err != nil {
		_ = state.Close()
		return nil, nil, fmt.Errorf("open cache backend: %w", err)
	}
	return state, cache, nil
}

// prepareCaches runs the worker's install and activate steps. A failed
// install leaves the worker serving from the network and dynamic cache.
func (a *app) prepareCaches(ctx context.Context) {
	if !a.cfg.Cache.SkipInstall {
		installCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := a.worker.Install(installCtx)
		cancel()
		if err != nil {
			a.logger.Printf("precache install failed: %v", err)
		}
	}
	if _, err := a.worker.Activate(); err != nil {
		a.logger.Printf("cache activation failed: %v", err)
	}
}

// watchState re-announces the pending log when another process rewrites it.
func (a *app) watchState(ctx context.Context) {
	watcher, ok := a.state.(offline.SlotWatcher)
	if !ok {
		return
	}
	go func() {
		err := watcher.Watch(ctx, func(slot string) {
			if slot == offline.SlotPending {
				a.queue.Notify()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("state watch stopped: %v", err)
		}
	}()
}

func (a *app) run(ctx context.Context) error {
	a.prepareCaches(ctx)
	a.watchState(ctx)
	go func() {
		if err := a.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("connectivity monitor stopped: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Printf("offlinecrud listening on %s (origin %s)", a.cfg.Addr, a.cfg.Origin)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
	}
	a.logger.Printf("offlinecrud stopping: %v", ctx.Err())
	a.server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	a.close()
	return err
}

func (a *app) close() {
	if a.server != nil {
		a.server.Close()
	}
	if a.cache != nil && a.cache != a.state {
		if err := a.cache.Close(); err != nil {
			a.logger.Printf("close cache backend: %v", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Printf("close state backend: %v", err)
		}
	}
}
