// Package server provides the application composition root: it builds every
// collaborator from configuration and runs the HTTP surface, the worker pool
// and the scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/api"
	"github.com/JakeFAU/media-scraper/internal/castimage"
	"github.com/JakeFAU/media-scraper/internal/clock/system"
	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/dispatcher"
	"github.com/JakeFAU/media-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/media-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/media-scraper/internal/hash/sha256"
	"github.com/JakeFAU/media-scraper/internal/id/uuid"
	"github.com/JakeFAU/media-scraper/internal/logging"
	"github.com/JakeFAU/media-scraper/internal/metrics"
	"github.com/JakeFAU/media-scraper/internal/orchestrator"
	"github.com/JakeFAU/media-scraper/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/media-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-scraper/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/media-scraper/internal/queue/memory"
	"github.com/JakeFAU/media-scraper/internal/scheduler"
	gcsstorage "github.com/JakeFAU/media-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/media-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-scraper/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/media-scraper/internal/storage/sqlite"
	"github.com/JakeFAU/media-scraper/internal/telemetry"
	"github.com/JakeFAU/media-scraper/internal/validator"
	"github.com/JakeFAU/media-scraper/internal/worker"
)

// snapshotKeyLength is the hex length of page snapshot and media id hashes.
const snapshotKeyLength = 16

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	queue     *queuememory.Queue
	scrape    *orchestrator.Scrape
	cleanup   *orchestrator.Cleanup

	catalog crawler.Catalog
	runs    crawler.RunStore
	ready   api.ReadyFunc

	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	closers         []func() error
	tracerShutdown  func(context.Context) error
	closeOnce       sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("catalog", cfg.Storage.Catalog),
		zap.String("snapshots", cfg.Storage.Snapshots),
	)

	metrics.SetTrackedSites(cfg.Scraper.BaseURL)

	var err error
	app.tracerShutdown, err = telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := setupStores(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	snapshots, err := setupSnapshots(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	if err := setupOrchestrators(app, snapshots); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	clock := system.New()
	registry := worker.NewRegistry()
	app.queue = queuememory.NewQueue(cfg.Scraper.QueueDepth)
	workerCfg := worker.Config{
		RunTimeout: cfg.RunTimeout(),
		Topic:      cfg.PubSub.TopicName,
	}
	if workerCfg.Topic == "" {
		workerCfg.Topic = "run-events"
	}
	workers := make([]*worker.Worker, 0, cfg.Scraper.Workers)
	for i := range cfg.Scraper.Workers {
		workers = append(workers, worker.New(
			app.queue, app.runs, app.scrape, app.cleanup, publisher, clock, registry,
			workerCfg, logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	logger.Info("worker pool configured",
		zap.Int("workers", cfg.Scraper.Workers),
		zap.Int("queue_depth", cfg.Scraper.QueueDepth),
		zap.Duration("run_timeout", workerCfg.RunTimeout),
		zap.String("topic", workerCfg.Topic),
	)
	app.dispatch = dispatcher.New(app.queue, app.runs, registry, uuid.New(), clock, workers, logger.Named("dispatcher"))

	if cfg.Schedule.Enabled {
		app.scheduler, err = scheduler.New(app.dispatch, scheduler.Config{
			ScrapeCron:  cfg.Schedule.ScrapeCron,
			CleanupCron: cfg.Schedule.CleanupCron,
			Params:      cfg.DefaultRunParams(),
		}, logger.Named("scheduler"))
		if err != nil {
			app.closeInfrastructure()
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(app.dispatch, app.ready, *cfg, logger.Named("api"))
	return app, nil
}

func setupStores(ctx context.Context, app *App) error {
	switch app.cfg.Storage.Catalog {
	case config.BackendPostgres:
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             app.cfg.DB.DSN,
			MaxConns:        int32(app.cfg.DB.MaxConns),
			ConnectAttempts: 5,
		}, app.logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		app.closers = append(app.closers, func() error { pool.Close(); return nil })
		app.ready = pool.Ping
		if err := pgstore.Migrate(ctx, pool, app.cfg.DB.RunsTable); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		catalog, err := pgstore.NewCatalog(pool)
		if err != nil {
			return fmt.Errorf("postgres catalog init failed: %w", err)
		}
		runs, err := pgstore.NewRunStore(pool, app.cfg.DB.RunsTable)
		if err != nil {
			return fmt.Errorf("postgres run store init failed: %w", err)
		}
		app.catalog, app.runs = catalog, runs
		app.logger.Info("using postgres catalog", zap.String("runs_table", app.cfg.DB.RunsTable))
	case config.BackendSQLite:
		db, err := sqlitestore.Open(app.cfg.DB.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		app.closers = append(app.closers, func() error { return sqlitestore.Close(db) })
		app.ready = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return fmt.Errorf("sqlite handle: %w", err)
			}
			return sqlDB.PingContext(ctx)
		}
		app.catalog, app.runs = sqlitestore.NewCatalog(db), sqlitestore.NewRunStore(db)
		app.logger.Info("using sqlite catalog", zap.String("path", app.cfg.DB.SQLitePath))
	default:
		app.catalog, app.runs = memorystorage.NewCatalog(), memorystorage.NewRunStore()
		app.logger.Warn("using in-memory catalog, runs will not survive a restart")
	}
	return nil
}

// setupSnapshots returns nil when archiving is disabled.
func setupSnapshots(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Snapshots {
	case config.SnapshotGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobStore.CheckBucket(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		app.logger.Info("archiving snapshots to GCS", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.SnapshotLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving snapshots locally", zap.String("path", app.cfg.Storage.LocalDir))
		return blobStore, nil
	case config.SnapshotMemory:
		app.logger.Info("archiving snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("snapshot archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	if err := gcppublisher.CheckTopic(ctx, app.pubsubClient.TopicAdminClient, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName); err != nil {
		return nil, fmt.Errorf("pubsub topic check failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupOrchestrators(app *App, snapshots crawler.BlobStore) error {
	cfg := app.cfg
	fetcher := ratelimit.NewFetcher(
		collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Scraper.UserAgent,
			Timeout:      cfg.HTTPTimeout(),
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}),
		ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.RequestsPerSecond,
			DefaultBurst: cfg.HTTP.Burst,
		}),
	)
	links := extract.NewLinkExtractor(cfg.Scraper.ExcludedPaths)
	sourceValidator := validator.New(fetcher, validator.Config{
		DeadStatuses:       cfg.Validator.DeadStatuses,
		UnavailablePhrases: cfg.Validator.UnavailablePhrases,
		Retry:              cfg.RetryPolicy(),
	}, app.logger.Named("validator"))
	tracer := telemetry.Tracer("orchestrator")
	retry := crawler.DefaultRetryPolicy()

	mediaDeps := orchestrator.MediaDeps{
		Fetcher:   fetcher,
		Parser:    extract.NewMediaParser(cfg.Parser),
		Validator: sourceValidator,
		Catalog:   app.catalog,
		Retry:     retry,
		Tracer:    tracer,
		Logger:    app.logger.Named("media"),
	}
	if cfg.Cast.Enabled {
		mediaDeps.CastImages = castimage.New(fetcher, castimage.Config{
			SearchURL:      cfg.Cast.SearchURL,
			ResultSelector: cfg.Cast.ResultSelector,
			CacheTTL:       time.Duration(cfg.Cast.CacheTTLMinutes) * time.Minute,
			MinSimilarity:  cfg.Cast.MinSimilarity,
		}, app.logger.Named("castimage"))
	}
	media, err := orchestrator.NewMedia(mediaDeps)
	if err != nil {
		return fmt.Errorf("media orchestrator init failed: %w", err)
	}

	page, err := orchestrator.NewPage(orchestrator.PageDeps{
		Fetcher:   fetcher,
		Links:     links,
		Catalog:   app.catalog,
		Media:     media,
		Hasher:    sha256.New(snapshotKeyLength),
		Snapshots: snapshots,
		Retry:     retry,
		Tracer:    tracer,
		Logger:    app.logger.Named("page"),
	}, orchestrator.PageConfig{
		MediaTimeout:        cfg.MediaTimeout(),
		SnapshotContentType: cfg.Storage.ContentType,
	})
	if err != nil {
		return fmt.Errorf("page orchestrator init failed: %w", err)
	}

	app.scrape, err = orchestrator.NewScrape(orchestrator.ScrapeDeps{
		Fetcher: fetcher,
		Links:   links,
		Pages:   page,
		Clock:   system.New(),
		Retry:   retry,
		Tracer:  tracer,
		Logger:  app.logger.Named("scrape"),
	}, orchestrator.ScrapeConfig{PageTimeout: cfg.PageTimeout()})
	if err != nil {
		return fmt.Errorf("scrape orchestrator init failed: %w", err)
	}

	app.cleanup, err = orchestrator.NewCleanup(orchestrator.CleanupDeps{
		Catalog:   app.catalog,
		Validator: sourceValidator,
		Tracer:    tracer,
		Logger:    app.logger.Named("cleanup"),
	}, orchestrator.CleanupConfig{
		PageSize:     cfg.Cleanup.PageSize,
		SubBatchSize: cfg.Cleanup.SubBatchSize,
		Pause:        cfg.CleanupPause(),
	})
	if err != nil {
		return fmt.Errorf("cleanup orchestrator init failed: %w", err)
	}
	return nil
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the workers, resumes interrupted runs, serves HTTP and blocks
// until the context is canceled or a termination signal arrives. The caller
// still owns Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	resumed, err := a.dispatch.Resume(ctx)
	if err != nil {
		a.logger.Error("resume interrupted runs failed", zap.Error(err))
	} else if resumed > 0 {
		a.logger.Info("resumed interrupted runs", zap.Int("count", resumed))
	}

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers still running at shutdown deadline")
	}

	return nil
}

// Scrape runs one scrape in process without the queue or the run store.
func (a *App) Scrape(ctx context.Context, params crawler.RunParams) (crawler.RunSummary, error) {
	summary, err := a.scrape.Run(ctx, params)
	if err != nil {
		return summary, fmt.Errorf("scrape %s: %w", params.BaseURL, err)
	}
	return summary, nil
}

// Cleanup walks the whole source table in process, one page per execution.
func (a *App) Cleanup(ctx context.Context) (crawler.CleanupSummary, error) {
	summary, executions, err := a.cleanup.RunToCompletion(ctx, nil)
	a.logger.Info("cleanup finished",
		zap.Int("executions", executions),
		zap.Int("total_processed", summary.TotalProcessed),
		zap.Int("broken_sources", summary.BrokenSources),
		zap.Int("media_deleted", summary.MediaDeleted),
	)
	if err != nil {
		return summary, fmt.Errorf("cleanup: %w", err)
	}
	return summary, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// DefaultRunParams returns the configured parameters for scrapes started
// without explicit ones.
func (a *App) DefaultRunParams() crawler.RunParams {
	return a.cfg.DefaultRunParams()
}

// Close releases every client and flushes telemetry. It is safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr-backed loggers on some platforms.
	_ = a.logger.Sync()
}
