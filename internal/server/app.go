// Package server assembles the crawler service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/channel-crawler/internal/api"
	"github.com/JakeFAU/channel-crawler/internal/clock/system"
	"github.com/JakeFAU/channel-crawler/internal/config"
	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/id/uuid"
	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/notify"
	"github.com/JakeFAU/channel-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/channel-crawler/internal/scheduler"
	"github.com/JakeFAU/channel-crawler/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	admin     *Admin
	notifier  *notify.Dispatcher
	schedCtx  *scheduler.Context
	scheduler *scheduler.Scheduler
	watcher   *watcher.Watcher
	refresher *watcher.Refresher
	apiServer *api.Server
	closers   []func() error
}

// Build creates the application's dependencies: state store, lock backend,
// identity pool, sinks, notifier, scheduler, list watcher and admin API.
// Identities are synced from the accounts file and the target lists are
// loaded before Build returns.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	clock := system.New()

	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("lock_backend", cfg.Lock.Backend),
		zap.String("gateway", cfg.Gateway.Mode),
		zap.Strings("sinks", cfg.Sink.Kinds),
	)

	var err error
	app.notifier, err = newNotifier(cfg.Notify, clock, logger)
	if err != nil {
		return nil, err
	}
	app.admin, err = OpenAdmin(ctx, cfg, clock, app.notifier, logger)
	if err != nil {
		app.closeNotifier(ctx)
		return nil, err
	}

	if err := app.build(ctx, clock); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, clock *system.Clock) error {
	cfg := a.cfg
	if err := a.syncIdentities(ctx); err != nil {
		return err
	}

	sink, closers, err := openSinks(ctx, cfg.Sink, a.admin.redis, clock, a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closers...)

	a.schedCtx = &scheduler.Context{
		Store:    a.admin.Store,
		Config:   schedulerConfig(cfg.Scheduler),
		Notifier: a.notifier,
		Sink:     sink,
		Clock:    clock,
		Sleeper:  clock,
		IDs:      uuid.NewUUIDGenerator(),
		Logger:   a.logger,
	}
	a.scheduler, err = scheduler.New(a.schedCtx, a.admin.Pool, a.admin.Locks)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.watcher, err = watcher.New(watcher.Config{
		TargetsFile:  cfg.Targets.File,
		PriorityFile: cfg.Targets.PriorityFile,
		Debounce:     cfg.Targets.Debounce,
	}, a.scheduler, a.logger)
	if err != nil {
		return fmt.Errorf("watcher init failed: %w", err)
	}
	if err := a.watcher.Reload(); err != nil {
		return fmt.Errorf("initial target load failed: %w", err)
	}

	if cfg.Targets.RefreshCron != "" {
		a.refresher, err = watcher.NewRefresher(cfg.Targets.RefreshCron, a.refresh, a.logger)
		if err != nil {
			return fmt.Errorf("refresher init failed: %w", err)
		}
	}

	a.apiServer = api.NewServer(api.Deps{
		Identities:  a.admin.Pool,
		Locks:       a.admin.Locks,
		Scheduler:   a.scheduler,
		Memberships: a.admin.Store,
		Clock:       clock,
		Ready:       a.ready,
	}, cfg.Server.APIKey, a.logger)
	return nil
}

func schedulerConfig(c config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		FreshnessWindow:      c.FreshnessWindow,
		NormalInterval:       c.NormalInterval,
		FallbackInterval:     c.FallbackInterval,
		FallbackChannelLimit: c.FallbackLimit,
		FetchLimit:           c.FetchLimit,
		Concurrency:          c.Concurrency,
		Retry: crawler.RetryPolicy{
			MaxAttempts: c.RetryAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
		Throttle: ratelimit.Config{
			JoinDelayMin: c.JoinDelayMin,
			JoinDelayMax: c.JoinDelayMax,
			FetchRPS:     c.FetchRPS,
			FetchBurst:   c.FetchBurst,
		},
	}
}

func (a *App) syncIdentities(ctx context.Context) error {
	specs, err := identity.LoadAccounts(a.cfg.Identities.File, a.cfg.Identities.SessionDir)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	if err := a.admin.Pool.Sync(ctx, specs); err != nil {
		return fmt.Errorf("sync identities: %w", err)
	}
	a.logger.Info("identities synced", zap.Int("configured", len(specs)))
	return nil
}

// refresh is the periodic job: re-read the accounts file and both lists.
func (a *App) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.syncIdentities(ctx); err != nil {
		return err
	}
	return a.watcher.Reload()
}

func (a *App) ready(ctx context.Context) error {
	active, err := a.admin.Pool.ActiveCount(ctx)
	if err != nil {
		return fmt.Errorf("state store unavailable: %w", err)
	}
	if active == 0 {
		return crawler.ErrAllIdentitiesBanned
	}
	return nil
}

// Handler exposes the admin API, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler returns the crawl scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Run listens on the configured port and blocks until the context is canceled,
// a signal arrives or the scheduler halts.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the scheduler, list watcher, refresher and admin API on ln until
// one of them fails or ctx ends, then shuts everything down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("application started", zap.String("instance_id", a.scheduler.InstanceID()))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.scheduler.Run(gctx)
		if errors.Is(err, crawler.ErrAllIdentitiesBanned) {
			a.logger.Error("scheduler halted: every identity is banned")
		}
		return err
	})
	g.Go(func() error {
		return a.watcher.Run(gctx)
	})
	if a.refresher != nil {
		g.Go(func() error {
			return a.refresher.Run(gctx)
		})
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return runErr
}

// Close gracefully shuts down the application. It is safe to call once after
// Serve returns or instead of Serve.
func (a *App) Close(ctx context.Context) error {
	if a.schedCtx != nil {
		a.schedCtx.Close()
		a.schedCtx = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.closeNotifier(ctx)
	if a.admin != nil {
		if err := a.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeNotifier(ctx context.Context) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Close(ctx); err != nil {
		a.logger.Warn("notifier close failed", zap.Error(err))
	}
	a.notifier = nil
}
