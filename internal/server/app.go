// Package server builds the crawler service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pagelens/crawler/internal/api"
	"github.com/pagelens/crawler/internal/clock/system"
	"github.com/pagelens/crawler/internal/config"
	"github.com/pagelens/crawler/internal/crawl"
	"github.com/pagelens/crawler/internal/dispatcher"
	collyfetcher "github.com/pagelens/crawler/internal/fetcher/colly"
	headlessfetcher "github.com/pagelens/crawler/internal/fetcher/headless"
	hashsha "github.com/pagelens/crawler/internal/hash/sha256"
	"github.com/pagelens/crawler/internal/headless/detector"
	idgen "github.com/pagelens/crawler/internal/id/uuid"
	"github.com/pagelens/crawler/internal/logging"
	"github.com/pagelens/crawler/internal/policy/ratelimit"
	"github.com/pagelens/crawler/internal/policy/simple"
	"github.com/pagelens/crawler/internal/progress"
	progresssinks "github.com/pagelens/crawler/internal/progress/sinks"
	mempublisher "github.com/pagelens/crawler/internal/publisher/memory"
	gcppublisher "github.com/pagelens/crawler/internal/publisher/pubsub"
	"github.com/pagelens/crawler/internal/queue"
	memqueue "github.com/pagelens/crawler/internal/queue/memory"
	gcsstorage "github.com/pagelens/crawler/internal/storage/gcs"
	localstorage "github.com/pagelens/crawler/internal/storage/local"
	memstorage "github.com/pagelens/crawler/internal/storage/memory"
	pgstore "github.com/pagelens/crawler/internal/storage/postgres"
	"github.com/pagelens/crawler/internal/store"
	"github.com/pagelens/crawler/internal/worker"
)

// App holds the wired service and the handles needed to shut it down.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	monitor   *worker.Monitor

	queue      crawl.Queue
	closeQueue func() error

	progressHub  *progress.Hub
	progressRepo store.ProgressRepository
	mirror       *pgstore.FactMirror
	pubsubClient *pubsub.Client
	gcsClient    *gcs.Client
	headless     *headlessfetcher.Fetcher
}

// Build creates the application's dependencies from configuration.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies", zap.String("addr", cfg.HTTP.Addr))

	crawlStore := memstorage.NewCrawlStore()

	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}
	if err = setupQueue(ctx, app); err != nil {
		return nil, err
	}

	clock := system.New()
	ids := idgen.New()
	stops := worker.NewStopRegistry()

	workers := buildWorkers(app, crawlStore, blobs, publisher, stops, clock, ids)
	app.dispatch = dispatcher.New(app.queue, workers)
	app.monitor = worker.NewMonitor(crawlStore, clock, worker.MonitorConfig{
		SweepInterval:   cfg.Monitor.SweepInterval,
		RunningDeadline: cfg.Monitor.RunningDeadline,
		QueuedDeadline:  cfg.Monitor.QueuedDeadline,
	}, logger.Named("monitor"))

	var mirror crawl.FactMirror
	if app.mirror != nil {
		mirror = app.mirror
	}
	var progressHandler *api.ProgressHandler
	if app.progressRepo != nil {
		progressHandler = api.NewProgressHandler(app.progressRepo, logger.Named("progress_api"))
	}
	app.apiServer = api.NewServer(
		crawlStore,
		mirror,
		app.dispatch,
		stops,
		ids,
		clock,
		progressHandler,
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.monitor.Run(ctx)

	dispatchDone := make(chan struct{})
	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Workers))
		a.dispatch.Run(ctx)
		close(dispatchDone)
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not drain before deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases every long-lived resource the app holds.
func (a *App) Close(ctx context.Context) error {
	if a.closeQueue != nil {
		if err := a.closeQueue(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
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
	if a.mirror != nil {
		a.mirror.Close()
	}
	if pgRepo, ok := a.progressRepo.(*pgstore.ProgressStore); ok {
		pgRepo.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawl.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using gcs storage backend", zap.String("bucket", app.cfg.Storage.GCS.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("base_dir", app.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memstorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Info("no database dsn configured, fact mirror and progress store disabled")
		return nil
	}
	mirror, err := pgstore.NewFactMirror(ctx, pgstore.FactMirrorConfig{
		DSN:             app.cfg.Database.DSN,
		TablePrefix:     app.cfg.Database.TablePrefix,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.ConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("fact mirror init failed: %w", err)
	}
	app.mirror = mirror
	repo, err := pgstore.NewProgressStore(ctx, app.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	app.progressRepo = repo
	app.logger.Info("postgres mirror and progress store initialized",
		zap.String("table_prefix", app.cfg.Database.TablePrefix))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawl.Publisher, error) {
	if app.cfg.Publisher.Topic == "" {
		app.logger.Info("no event topic configured, lifecycle publishing disabled")
		return nil, nil
	}
	if app.cfg.Publisher.Project == "" {
		app.logger.Warn("event topic set without a project, using in-memory publisher")
		return mempublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.Publisher.Project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.logger.Info("pubsub publisher initialized",
		zap.String("project", app.cfg.Publisher.Project),
		zap.String("topic", app.cfg.Publisher.Topic),
	)
	return gcppublisher.New(client), nil
}

func setupProgress(ctx context.Context, app *App) error {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{promSink}
	if app.progressRepo != nil {
		sinks = append(sinks, progresssinks.NewStoreSink(app.progressRepo, app.logger.Named("progress_store")))
	}
	if app.cfg.Logging.Development {
		sinks = append(sinks, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	app.progressHub = progress.NewHub(progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatch,
		MaxBatchWait:   app.cfg.Progress.FlushInterval,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}, sinks...)
	return nil
}

func setupQueue(ctx context.Context, app *App) error {
	if app.cfg.Queue.Backend == "pubsub" {
		q, err := queue.NewPubSub(ctx, queue.PubSubConfig{
			ProjectID:      app.cfg.Queue.ProjectID,
			TopicID:        app.cfg.Queue.TopicID,
			SubscriptionID: app.cfg.Queue.SubscriptionID,
		}, app.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("pubsub queue init failed: %w", err)
		}
		app.queue = q
		app.closeQueue = q.Close
		app.logger.Info("using pubsub crawl queue", zap.String("topic", app.cfg.Queue.TopicID))
		return nil
	}
	q := memqueue.NewQueue(app.cfg.Crawler.QueueCapacity)
	app.queue = q
	app.closeQueue = func() error {
		q.Close()
		return nil
	}
	app.logger.Info("using in-memory crawl queue", zap.Int("capacity", app.cfg.Crawler.QueueCapacity))
	return nil
}

func buildWorkers(
	app *App,
	crawlStore crawl.CrawlStore,
	blobs crawl.BlobStore,
	publisher crawl.Publisher,
	stops *worker.StopRegistry,
	clock crawl.Clock,
	ids crawl.IDGenerator,
) []*worker.Worker {
	cfg := app.cfg
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawler.DefaultUserAgent,
		Timeout:     cfg.Crawler.FetchTimeout,
		MaxBodySize: cfg.Crawler.MaxBodyBytes,
		RedirectCap: cfg.Crawler.RedirectCap,
	})

	var headless crawl.Fetcher
	var detect crawl.HeadlessDetector
	if cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.DefaultUserAgent,
			NavigationTimeout: cfg.Crawler.RenderTimeout,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			app.headless = hf
			headless = hf
			detect = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
			app.logger.Info("headless rendering enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	blobPrefix := cfg.Storage.Prefix
	if cfg.Storage.Backend == "gcs" && cfg.Storage.GCS.Prefix != "" {
		blobPrefix = cfg.Storage.GCS.Prefix
	}

	var mirror crawl.FactMirror
	if app.mirror != nil {
		mirror = app.mirror
	}

	deps := worker.Deps{
		Queue:     app.queue,
		Store:     crawlStore,
		Mirror:    mirror,
		Blobs:     blobs,
		Publisher: publisher,
		Static:    probe,
		Headless:  headless,
		Detector:  detect,
		Hasher:    hashsha.New(),
		Clock:     clock,
		IDs:       ids,
		Blocklist: crawl.NewDomainBlocklist(cfg.Crawler.BlockedDomains),
		Retry:     crawl.NewExponentialRetryPolicy(),
		Verify: ratelimit.New(ratelimit.Config{
			RequestsPerSec: cfg.Crawler.VerifyRate,
		}),
		Budget: simple.NewHeadlessBudget(cfg.Headless.BudgetPerCrawl),
		Stops:  stops,
		Hub:    app.progressHub,
		Client: &http.Client{Timeout: cfg.Crawler.FetchTimeout},
	}
	workerCfg := worker.Config{
		ContentType:      cfg.Storage.ContentType,
		BlobPrefix:       blobPrefix,
		Topic:            cfg.Publisher.Topic,
		VerifyTimeout:    cfg.Crawler.VerifyTimeout,
		RedirectCap:      cfg.Crawler.RedirectCap,
		ThinContentWords: cfg.Crawler.ThinContentWords,
		LargePageBytes:   cfg.Crawler.LargePageBytes,
	}

	workers := make([]*worker.Worker, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		d := deps
		d.Logger = app.logger.Named("worker").With(zap.Int("index", i))
		workers = append(workers, worker.New(d, workerCfg))
	}
	return workers
}
