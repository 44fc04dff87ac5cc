// Package server builds the application's dependencies and runs the service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/rulecrawler/internal/api"
	"github.com/JakeFAU/rulecrawler/internal/clock/system"
	"github.com/JakeFAU/rulecrawler/internal/config"
	"github.com/JakeFAU/rulecrawler/internal/crawler"
	"github.com/JakeFAU/rulecrawler/internal/dispatcher"
	"github.com/JakeFAU/rulecrawler/internal/extract"
	collyfetcher "github.com/JakeFAU/rulecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/rulecrawler/internal/fetcher/pool"
	"github.com/JakeFAU/rulecrawler/internal/hash/sha256"
	"github.com/JakeFAU/rulecrawler/internal/id/uuid"
	"github.com/JakeFAU/rulecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/rulecrawler/internal/policy/robots"
	gcppublisher "github.com/JakeFAU/rulecrawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/rulecrawler/internal/queue/memory"
	gcsstorage "github.com/JakeFAU/rulecrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/rulecrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/rulecrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/rulecrawler/internal/storage/postgres"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	jobStore  crawler.JobStore
	engine    *crawler.Engine
	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pgStore       *pgstore.JobStore
	storageClient *storage.Client
	pubsubClient  *pubsub.Client
	publisher     *gcppublisher.Publisher
}

// Build creates the application's dependencies from cfg.
// On error everything opened so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
			app = nil
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("job_store", cfg.Storage.JobStore),
		zap.String("archive", cfg.Storage.Archive.Provider),
		zap.Int("workers", cfg.Queue.Workers),
	)

	var readiness []api.Option
	if app.jobStore, err = app.setupJobStore(ctx); err != nil {
		return app, err
	}
	if app.pgStore != nil {
		readiness = append(readiness, api.WithReadinessCheck(app.pgStore.Ping))
	}

	var opts []crawler.EngineOption
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return app, err
	}
	if archive != nil {
		opts = append(opts, crawler.WithArchive(archive, sha256.New()))
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return app, err
	}
	if publisher != nil {
		opts = append(opts, crawler.WithPublisher(publisher))
	}

	app.engine = NewEngine(cfg, app.jobStore, logger, opts...)
	app.queue = queuememory.NewQueue(cfg.Queue.Depth)
	app.dispatch = dispatcher.New(app.queue, app.engine, cfg.Queue.Workers, logger)
	app.apiServer = api.NewServer(
		app.jobStore,
		app.dispatch,
		uuid.New(),
		system.New(),
		cfg,
		logger,
		readiness...,
	)
	return app, nil
}

// NewEngine assembles the crawl pipeline (robots policy, fetch pool,
// extractor) around store.
func NewEngine(cfg config.Config, store crawler.RunStore, logger *zap.Logger, opts ...crawler.EngineOption) *crawler.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.RequestTimeout,
		VerifyTLS:    cfg.Crawler.VerifyTLS,
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
	}, logger)
	robotsPolicy := robots.New(robots.Config{
		UserAgent: fetcher.UserAgent(),
		Timeout:   cfg.Crawler.RobotsTimeout,
		VerifyTLS: cfg.Crawler.VerifyTLS,
	}, logger)
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.Crawler.MaxRequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	})
	fetchPool := pool.New(pool.Config{
		MaxConcurrency: cfg.Crawler.MaxConcurrency,
		DelayMin:       cfg.Crawler.DelayMin,
		DelayMax:       cfg.Crawler.DelayMax,
	}, fetcher, limiter, logger)

	logger.Debug("crawl engine configured",
		zap.String("user_agent", fetcher.UserAgent()),
		zap.Bool("respect_robots", cfg.Crawler.RespectRobots),
		zap.Bool("rate_limited", limiter.Enabled()),
		zap.Int("max_concurrency", cfg.Crawler.MaxConcurrency),
		zap.Duration("job_timeout", cfg.Crawler.JobTimeout),
	)

	return crawler.NewEngine(
		crawler.EngineConfig{
			RespectRobots: cfg.Crawler.RespectRobots,
			JobTimeout:    cfg.Crawler.JobTimeout,
			ArchivePrefix: cfg.Storage.Archive.Prefix,
			Topic:         cfg.PubSub.Topic,
		},
		store,
		robotsPolicy,
		fetchPool,
		extract.New(logger),
		system.New(),
		logger,
		opts...,
	)
}

// JobStore returns the store jobs and results are kept in.
func (a *App) JobStore() crawler.JobStore {
	return a.jobStore
}

// Engine returns the crawl engine workers run jobs with.
func (a *App) Engine() *crawler.Engine {
	return a.engine
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher and the HTTP server and blocks until ctx is
// canceled or the process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatched := a.startDispatcher(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
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

	a.queue.Close()
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// startDispatcher runs the worker pool until ctx is done or the queue is
// closed. The returned channel is closed once every worker has returned.
func (a *App) startDispatcher(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Queue.Workers))
		a.dispatch.Run(ctx)
	}()
	return done
}

// Close releases every client the application opened.
func (a *App) Close() {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) setupJobStore(ctx context.Context) (crawler.JobStore, error) {
	if a.cfg.Storage.JobStore != config.JobStorePostgres {
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}

	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:      a.cfg.Storage.Postgres.DSN,
		MaxConns: a.cfg.Storage.Postgres.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres job store init failed: %w", err)
	}
	a.pgStore = store
	if a.cfg.Storage.Postgres.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema migration failed: %w", err)
		}
	}
	a.logger.Info("using postgres job store", zap.Bool("auto_migrate", a.cfg.Storage.Postgres.AutoMigrate))
	return store, nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	archiveCfg := a.cfg.Storage.Archive
	switch archiveCfg.Provider {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: archiveCfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS page archive", zap.String("bucket", archiveCfg.GCSBucket))
		return blobStore, nil
	case config.ArchiveLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: archiveCfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local page archive", zap.String("path", archiveCfg.LocalDir))
		return blobStore, nil
	case config.ArchiveMemory:
		a.logger.Info("using in-memory page archive")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, completion events disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.publisher, nil
}
