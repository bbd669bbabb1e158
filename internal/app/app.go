// Package app builds the long-lived services of the case crawler from
// configuration and runs the HTTP server and scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/case-crawler/internal/api"
	"github.com/JakeFAU/case-crawler/internal/catalog"
	"github.com/JakeFAU/case-crawler/internal/clock/system"
	"github.com/JakeFAU/case-crawler/internal/config"
	"github.com/JakeFAU/case-crawler/internal/crawler"
	"github.com/JakeFAU/case-crawler/internal/executor"
	collyfetcher "github.com/JakeFAU/case-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/case-crawler/internal/fetcher/document"
	"github.com/JakeFAU/case-crawler/internal/fetcher/session"
	"github.com/JakeFAU/case-crawler/internal/hash/sha256"
	"github.com/JakeFAU/case-crawler/internal/id/uuid"
	"github.com/JakeFAU/case-crawler/internal/logging"
	"github.com/JakeFAU/case-crawler/internal/metrics"
	"github.com/JakeFAU/case-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/case-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/case-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/case-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/case-crawler/internal/retry"
	"github.com/JakeFAU/case-crawler/internal/runner"
	"github.com/JakeFAU/case-crawler/internal/state"
	gcsstorage "github.com/JakeFAU/case-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/case-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/case-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/case-crawler/internal/storage/postgres"
	"github.com/JakeFAU/case-crawler/internal/worklist"
)

const shutdownTimeout = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	store           crawler.Store
	blobs           crawler.BlobStore
	gcsClient       *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	publisher       crawler.Publisher
	progressHub     *progress.Hub
	events          progress.Emitter
	browser         *session.Browser

	catalog *catalog.Engine
	runner  *runner.Service

	closeOnce sync.Once
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
	)

	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(app); err != nil {
		return nil, err
	}
	if err = setupPipeline(app); err != nil {
		return nil, err
	}
	return app, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

// Store returns the durable store.
func (a *App) Store() crawler.Store { return a.store }

// Catalog returns the catalog engine.
func (a *App) Catalog() *catalog.Engine { return a.catalog }

// Runner returns the run service.
func (a *App) Runner() *runner.Service { return a.runner }

// Handler builds the HTTP API. Runs started through it inherit runCtx.
func (a *App) Handler(runCtx context.Context) http.Handler {
	return api.NewServer(runCtx, a.store, a.runner, a.cfg, a.logger).Handler()
}

// Run recovers interrupted runs, starts the scheduler and the HTTP server, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if n, err := a.runner.RecoverInterrupted(ctx); err != nil {
		a.logger.Error("recover interrupted runs failed", zap.Error(err))
	} else if n > 0 {
		a.logger.Warn("recovered interrupted runs", zap.Int("count", n))
	}

	var wg sync.WaitGroup
	if a.cfg.Scheduler.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runner.Schedule(ctx, a.cfg.Scheduler.Interval, runner.Request{
				Mode:   crawler.Mode(a.cfg.Scheduler.Mode),
				Source: a.cfg.Scheduler.Source,
			})
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	return a.Close(shutdownCtx)
}

// Close releases every client and flushes the progress hub. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, using the in-memory store; runs will not survive a restart")
		app.store = memorystorage.NewStore()
		return nil
	}
	st, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.store = st
	if app.cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("postgres schema applied")
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.blobs, err = gcsstorage.New(app.gcsClient, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		app.blobs, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	default:
		app.logger.Info("using in-memory storage backend")
		app.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.Topic == "" {
		app.logger.Info("no Pub/Sub topic configured, run notifications stay in memory")
		app.publisher = memorypublisher.New()
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.publisher = app.pubsubPublisher
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return nil
}

func setupProgress(app *App) error {
	app.events = progress.Nop{}
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if app.cfg.Progress.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.events = app.progressHub
	app.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

// setupPipeline wires the catalog engine, the fetchers and the run service.
func setupPipeline(app *App) error {
	cfg := app.cfg
	client := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTP.Timeout,
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})

	app.catalog = catalog.NewEngine(catalog.Config{
		Sources:        cfg.Catalog.Feeds,
		SnapshotPrefix: cfg.Catalog.SnapshotPrefix,
	}, catalog.Deps{
		Store:  app.store,
		Feed:   catalog.NewHTTPFeed(client),
		Parser: catalog.NewParser(cfg.Catalog.ExcludedCategories),
		Blobs:  app.blobs,
		Hasher: sha256.New(),
		Clock:  app.clock,
		Events: app.events,
		Logger: app.logger,
	})

	var tokens session.Source
	if cfg.Session.StaticNonce != "" {
		app.logger.Info("using configured security token")
		tokens = session.Static{Value: session.Token{Nonce: cfg.Session.StaticNonce, FetchedAt: app.clock.Now()}}
	} else {
		browser, err := session.NewBrowser(session.BrowserConfig{
			ListingURL:        cfg.Session.ListingURL,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.Session.NavigationTimeout,
			Settle:            cfg.Session.Settle,
		})
		if err != nil {
			return fmt.Errorf("session browser init failed: %w", err)
		}
		app.browser = browser
		tokens = session.NewCache(browser, cfg.Session.TTL, app.clock, app.logger)
	}

	resolver := document.New(document.Config{
		AjaxURL:          cfg.Document.AjaxURL,
		Origin:           cfg.Document.Origin,
		Referer:          cfg.Session.ListingURL,
		FallbackTemplate: cfg.Document.FallbackTemplate,
		Prefix:           cfg.Document.Prefix,
		MinSize:          cfg.Document.MinSize,
	}, client, tokens, app.blobs, app.logger)

	machine := state.New(app.store, app.clock, app.events, app.logger.Named("state"))
	policy := retry.New(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	})
	exec := executor.New(executor.Config{
		Enabled:           cfg.Executor.Enabled,
		MaxInFlight:       cfg.Executor.MaxInFlight,
		MaxPending:        cfg.Executor.MaxPending,
		FetchTimeout:      cfg.Executor.FetchTimeout,
		RequestsPerSecond: cfg.Executor.RequestsPerSecond,
		Burst:             cfg.Executor.Burst,
	}, machine, resolver, policy, app.events, app.clock, app.logger.Named("executor"))

	app.runner = runner.New(runner.Config{NotifyTopic: cfg.PubSub.Topic}, runner.Deps{
		Store:     app.store,
		Catalog:   app.catalog,
		Planner:   worklist.New(app.store, app.clock, worklist.Config{StaleAfter: cfg.Worklist.StaleAfter}, app.logger.Named("worklist")),
		Executor:  exec,
		Resolver:  resolver,
		Publisher: app.publisher,
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     app.clock,
		Events:    app.events,
		Logger:    app.logger,
	})
	app.logger.Info("pipeline ready",
		zap.Int("max_in_flight", cfg.Executor.MaxInFlight),
		zap.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
		zap.Strings("excluded_categories", cfg.Catalog.ExcludedCategories),
	)
	return nil
}
