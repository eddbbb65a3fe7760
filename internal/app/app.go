// Package app initializes and holds the long-lived services of the mirror,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	clientmemory "github.com/telemirror/telemirror/internal/client/memory"
	"github.com/telemirror/telemirror/internal/clock/system"
	"github.com/telemirror/telemirror/internal/config"
	"github.com/telemirror/telemirror/internal/dispatch"
	"github.com/telemirror/telemirror/internal/gateway"
	"github.com/telemirror/telemirror/internal/history"
	"github.com/telemirror/telemirror/internal/metrics"
	"github.com/telemirror/telemirror/internal/mirror"
	"github.com/telemirror/telemirror/internal/notify"
	notifymemory "github.com/telemirror/telemirror/internal/notify/memory"
	notifypubsub "github.com/telemirror/telemirror/internal/notify/pubsub"
	"github.com/telemirror/telemirror/internal/ops"
	"github.com/telemirror/telemirror/internal/pipeline"
	queuememory "github.com/telemirror/telemirror/internal/queue/memory"
	"github.com/telemirror/telemirror/internal/search"
	"github.com/telemirror/telemirror/internal/slots"
	storememory "github.com/telemirror/telemirror/internal/store/memory"
	storepostgres "github.com/telemirror/telemirror/internal/store/postgres"
	"github.com/telemirror/telemirror/internal/supervisor"
	"github.com/telemirror/telemirror/internal/watchdog"
)

// App holds the shared long-lived services and the supervised task set.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    mirror.Store
	pgStore  *storepostgres.Store
	notifier notify.Publisher
	client   mirror.Client
	queue    *queuememory.Queue
	sup      *supervisor.Supervisor
	handler  http.Handler
}

// NewApp builds every service from configuration and wires the supervised
// task set. It fails fast when any provider cannot be initialized.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clock := system.New()

	a := &App{cfg: cfg, logger: logger}

	switch cfg.Store.Provider {
	case "postgres":
		pg, err := storepostgres.NewStore(ctx, storepostgres.StoreConfig{
			DSN:      cfg.Store.DSN,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.pgStore = pg
		a.store = pg
		logger.Info("using postgres store")
	case "memory":
		a.store = storememory.NewStore()
		logger.Info("using in-memory store, rows are discarded on exit")
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}

	switch cfg.Notify.Provider {
	case "pubsub":
		pub, err := notifypubsub.New(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		a.notifier = pub
		logger.Info("archive notifications on pub/sub", zap.String("topic", cfg.Notify.TopicName))
	case "memory":
		a.notifier = notifymemory.New()
	case "noop":
		a.notifier = notify.Noop{}
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}

	// The wire-level client is pluggable behind mirror.Client; the in-process
	// implementation carries local runs and tests.
	client := clientmemory.NewClient(0)
	a.client = client

	gw := gateway.New(client, gateway.Config{
		ResolveInterval: cfg.Gateway.ResolveInterval,
		JoinInterval:    cfg.Gateway.JoinInterval,
		FetchInterval:   cfg.Gateway.FetchInterval,
		ResendInterval:  cfg.Gateway.ResendInterval,
	}, logger.Named("gateway"))

	a.queue = queuememory.NewQueue(cfg.History.Depth)

	workers := make([]*history.Worker, 0, cfg.History.Workers)
	for i := 0; i < cfg.History.Workers; i++ {
		workers = append(workers, history.NewWorker(
			gw,
			a.store,
			a.queue,
			clock,
			cfg.History.Ceiling,
			logger.Named("history").With(zap.Int("index", i)),
		))
	}

	cache := slots.New(a.store, gw, workers[0].Backfill, clock, slots.Config{
		EvictAfterRotate: cfg.Slots.EvictAfterRotate,
	}, logger.Named("slots"))
	gw.SetEvictor(cache)

	pipe := pipeline.New(gw, a.store, a.queue, clock, pipeline.Config{
		BatchSize:    cfg.Pipeline.BatchSize,
		ScanInterval: cfg.Pipeline.ScanInterval,
	}, logger.Named("pipeline"))

	liveMirror := search.NewLiveMirror(a.store, clock, a.notifier, logger.Named("mirror"))
	consumers := []dispatch.Consumer{liveMirror.Consumer()}

	wdCfg := watchdog.Config{
		Timeout:     cfg.Watchdog.Timeout,
		Tick:        cfg.Watchdog.Tick,
		SendInitial: cfg.Watchdog.SendInitial,
	}
	var watchdogs []*watchdog.Watchdog
	for _, ac := range cfg.Search.Agents {
		agent := search.Agent{
			Name: ac.Agent,
			Destination: mirror.Destination{
				ID:    ac.DestinationID,
				Kind:  mirror.KindUser,
				Title: ac.Agent,
			},
		}
		activation, err := search.Activate(ctx, a.store, agent, ac.Keyword, gw, gw, clock, wdCfg, logger.Named("search"))
		if err != nil {
			return nil, fmt.Errorf("activate search %s/%s: %w", ac.Agent, ac.Keyword, err)
		}
		consumers = append(consumers, activation.Consumer)
		watchdogs = append(watchdogs, activation.Watchdog)
	}

	hub := dispatch.NewHub(dispatch.Config{BufferSize: cfg.Dispatch.BufferSize}, logger.Named("dispatch"), consumers...)
	listener := dispatch.NewListener(client, hub, logger.Named("listener"))

	a.handler = ops.NewServer(a.store, clock, logger.Named("ops")).Handler()

	sup := supervisor.New(logger.Named("supervisor"))
	sup.AddRestarting(listener)
	sup.Add(hub)
	sup.Add(pipe)
	for _, w := range workers {
		sup.Add(w)
	}
	sup.Add(slots.NewReconcileSweep(cache, cfg.Slots.ReconcileInterval, logger.Named("slots")))
	sup.Add(slots.NewRotationSweep(cache, cfg.Slots.RotationInterval, logger.Named("slots")))
	for _, wd := range watchdogs {
		sup.Add(wd)
	}
	a.sup = sup

	logger.Info("application services initialized",
		zap.Int("search_agents", len(cfg.Search.Agents)),
		zap.Int("history_workers", cfg.History.Workers),
	)
	return a, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store exposes the configured persistence backend.
func (a *App) Store() mirror.Store { return a.store }

// Run starts every supervised task plus the operational HTTP server and
// blocks until the context is canceled or all tasks have exited.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	err := a.sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error("server shutdown error", zap.Error(serr))
	}
	return err
}

// Close gracefully shuts down every service in the container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.queue != nil {
		a.queue.Close()
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("error closing notifier", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr may already be gone.
		_ = err
	}
}
