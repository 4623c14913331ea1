// Package server builds the archiver's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/parker/internal/api"
	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/backup"
	"github.com/JakeFAU/parker/internal/clock/system"
	"github.com/JakeFAU/parker/internal/config"
	"github.com/JakeFAU/parker/internal/hash/sha256"
	"github.com/JakeFAU/parker/internal/id/uuid"
	"github.com/JakeFAU/parker/internal/integrity"
	"github.com/JakeFAU/parker/internal/logging"
	"github.com/JakeFAU/parker/internal/metrics"
	"github.com/JakeFAU/parker/internal/pipeline"
	"github.com/JakeFAU/parker/internal/progress"
	progresssinks "github.com/JakeFAU/parker/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/parker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/parker/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/parker/internal/queue/memory"
	"github.com/JakeFAU/parker/internal/render/browser"
	"github.com/JakeFAU/parker/internal/render/httpfetch"
	"github.com/JakeFAU/parker/internal/retry"
	"github.com/JakeFAU/parker/internal/scheduler"
	"github.com/JakeFAU/parker/internal/service"
	gcsstorage "github.com/JakeFAU/parker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/parker/internal/storage/local"
	memorystorage "github.com/JakeFAU/parker/internal/storage/memory"
	pgstore "github.com/JakeFAU/parker/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/parker/internal/storage/sqlite"
	"github.com/JakeFAU/parker/internal/worker"
)

// defaultNotifyTopic names the in-process topic used when Pub/Sub is not configured.
const defaultNotifyTopic = "captures"

// Core holds what every command needs: records, files, the integrity checker
// and the exporter. It starts no background work.
type Core struct {
	Config   *config.Config
	Logger   *zap.Logger
	Store    archive.Store
	Files    *localstorage.Store
	Clock    archive.Clock
	IDs      archive.IDGenerator
	Hasher   archive.Hasher
	Settings *service.SettingsManager
	Checker  *integrity.Checker
	Exporter *backup.Exporter

	gcsClient *storage.Client
}

// BuildCore opens the record store and artifact area and seeds settings.
func BuildCore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Core, error) {
	c := &Core{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		IDs:    uuid.New(),
		Hasher: sha256.New(),
	}
	metrics.Init()

	var err error
	c.Store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Files, err = localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("artifact storage init failed: %w", err)
	}
	logger.Debug("artifact storage", zap.String("path", c.Files.BaseDir()))

	c.Settings, err = service.LoadSettings(ctx, c.Store, cfg.SeedSettings(), c.Clock)
	if err != nil {
		c.closeStore()
		return nil, fmt.Errorf("load settings: %w", err)
	}

	c.Checker = integrity.New(
		integrity.Config{Interval: cfg.Integrity.Interval, BatchSize: cfg.Integrity.BatchSize},
		c.Store,
		c.Files,
		c.Hasher,
		c.IDs,
		c.Clock,
		logger.Named("integrity"),
	)

	uploader, err := c.setupUploader(ctx)
	if err != nil {
		c.closeStore()
		return nil, err
	}
	c.Exporter = backup.New(
		backup.Config{Dir: cfg.Backup.Dir, GCSBucket: cfg.Backup.GCSBucket, GCSPrefix: cfg.Backup.GCSPrefix},
		c.Store,
		c.Files,
		uploader,
		logger.Named("backup"),
	)
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (archive.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			Migrate:         cfg.Database.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres record store")
		return s, nil
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Database.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		s, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Database.Path})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite record store", zap.String("path", cfg.Database.Path))
		return s, nil
	default:
		logger.Warn("using in-memory record store; captures are lost on exit")
		return memorystorage.NewRecordStore(), nil
	}
}

func (c *Core) setupUploader(ctx context.Context) (backup.Uploader, error) {
	if c.Config.Backup.GCSBucket == "" {
		return nil, nil
	}
	var err error
	c.gcsClient, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	uploader, err := gcsstorage.New(c.gcsClient, gcsstorage.Config{
		Bucket: c.Config.Backup.GCSBucket,
		Prefix: c.Config.Backup.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs uploader init failed: %w", err)
	}
	c.Logger.Info("backups upload to GCS", zap.String("bucket", c.Config.Backup.GCSBucket))
	return uploader, nil
}

func (c *Core) closeStore() {
	if c.Store == nil {
		return
	}
	if err := c.Store.Close(); err != nil {
		c.Logger.Warn("record store close failed", zap.Error(err))
	}
}

// Close releases the store and cloud clients.
func (c *Core) Close() {
	if c.gcsClient != nil {
		if err := c.gcsClient.Close(); err != nil {
			c.Logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	c.closeStore()
	_ = c.Logger.Sync()
}

// closer is implemented by renderers that hold a browser.
type closer interface {
	Close() error
}

// App contains the running service's dependencies.
type App struct {
	*Core

	bus          *progress.Bus
	hub          *progress.Hub
	queue        *queuememory.Queue
	pool         *worker.Pool
	scheduler    *scheduler.Scheduler
	service      *service.Service
	apiServer    *api.Server
	renderer     archive.Renderer
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
}

// NewLogger builds the process logger and installs it as zap's global.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	core, err := BuildCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &App{Core: core}
	app.logger().Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.String("renderer", cfg.Renderer.Engine),
	)

	if err := app.setupProgress(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}

	notifier, topic, err := app.setupPublisher(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.renderer = app.setupRenderer()
	runner := pipeline.New(
		core.Store,
		core.Files,
		app.renderer,
		core.Hasher,
		core.IDs,
		core.Clock,
		app.bus,
		app.logger().Named("pipeline"),
	)

	app.queue = queuememory.NewQueue()
	app.pool = worker.New(
		worker.Config{NotifyTopic: topic},
		core.Store,
		app.queue,
		runner,
		retry.NewPolicy(retry.Config{
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
			Jitter:    cfg.Retry.Jitter,
		}),
		core.Settings,
		app.bus,
		notifier,
		core.Clock,
		app.logger().Named("worker"),
	)

	app.service = service.New(service.Deps{
		Store:       core.Store,
		Pool:        app.pool,
		Bus:         app.bus,
		Files:       core.Files,
		Settings:    core.Settings,
		IDs:         core.IDs,
		Clock:       core.Clock,
		Notifier:    notifier,
		NotifyTopic: topic,
		Exporter:    core.Exporter,
		Verifier:    core.Checker,
		Logger:      app.logger().Named("service"),
	})

	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.New(
			scheduler.Config{Tick: cfg.Scheduler.Tick},
			core.Store,
			app.service,
			core.Clock,
			app.logger().Named("scheduler"),
		)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.service, core.Clock, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.RequestTimeout(),
		Heartbeat:      time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
	}, app.logger().Named("api"))

	return app, nil
}

func (a *App) logger() *zap.Logger {
	return a.Core.Logger
}

func (a *App) setupProgress(ctx context.Context) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.Store, a.logger().Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.Config.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger().Named("progress_log")))
		a.logger().Debug("Added progress log sink")
	}
	p := a.Config.Progress
	hubCfg := progress.Config{
		BufferSize:      p.BufferSize,
		MaxBatchEvents:  p.Batch.MaxEvents,
		MaxBatchWait:    time.Duration(p.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:     time.Duration(p.SinkTimeoutMs) * time.Millisecond,
		DurableAttempts: p.DurableAttempts,
		BaseContext:     context.WithoutCancel(ctx),
		Logger:          a.logger().Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.bus = progress.NewBus(progress.BusConfig{
		Grace:            p.Grace,
		SubscriberBuffer: p.SubscriberBuffer,
		Logger:           a.logger().Named("progress_bus"),
	}, a.hub)
	a.logger().Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("grace", p.Grace),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, string, error) {
	n := a.Config.Notify
	if !n.PubSubEnabled() {
		a.logger().Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(0), defaultNotifyTopic, nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, n.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient)
	a.logger().Info("Pub/Sub publisher initialized",
		zap.String("project", n.ProjectID),
		zap.String("topic", n.Topic),
	)
	return a.gcpPublisher, n.Topic, nil
}

// setupRenderer prefers the headless browser and falls back to the HTTP
// fetcher, which produces HTML and WARC only, when Chrome cannot start.
func (a *App) setupRenderer() archive.Renderer {
	r := a.Config.Renderer
	fallback := func() archive.Renderer {
		return httpfetch.New(httpfetch.Config{
			UserAgent:   r.UserAgent,
			MaxParallel: r.MaxParallel,
			DomainQPS:   r.DomainQPS,
		}, a.logger().Named("httpfetch"))
	}
	if r.Engine == config.EngineHTTP {
		a.logger().Info("using http renderer")
		return fallback()
	}
	renderer, err := browser.New(browser.Config{
		UserAgent:      r.UserAgent,
		MaxParallel:    r.MaxParallel,
		DomainQPS:      r.DomainQPS,
		ScrollSteps:    r.ScrollSteps,
		ScrollPause:    time.Duration(r.ScrollPauseMs) * time.Millisecond,
		ViewportWidth:  r.ViewportWidth,
		ViewportHeight: r.ViewportHeight,
		ExecPath:       r.ExecPath,
	}, a.logger().Named("browser"))
	if err != nil {
		a.logger().Warn("headless browser unavailable, falling back to http renderer", zap.Error(err))
		return fallback()
	}
	a.logger().Info("using headless browser renderer", zap.Int("max_parallel", r.MaxParallel))
	return renderer
}

// Service exposes the archive operations.
func (a *App) Service() *service.Service {
	return a.service
}

// Run starts the background workers and the HTTP server and blocks until ctx
// is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Leftover captures are queued before the scheduler or the API can
	// enqueue anything.
	if _, err := a.pool.Recover(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownTimeout())
		defer cancel()
		a.Close(closeCtx)
		return fmt.Errorf("recover captures: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.pool.Run(gctx)
	})
	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
	}
	if a.Config.Integrity.Enabled {
		g.Go(func() error {
			return a.Checker.Run(gctx)
		})
	}
	g.Go(func() error {
		a.logger().Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger().Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger().Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownTimeout())
	defer cancel()
	a.Close(closeCtx)
	return err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger().Warn("progress hub close failed", zap.Error(err))
		}
	}
	if c, ok := a.renderer.(closer); ok {
		if err := c.Close(); err != nil {
			a.logger().Warn("renderer close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger().Warn("pubsub client close failed", zap.Error(err))
		}
	}
	a.logger().Info("shutdown complete")
	a.Core.Close()
}
