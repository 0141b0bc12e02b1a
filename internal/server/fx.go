// Package server provides the core application server and dependency injection.
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
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/admission"
	"github.com/JakeFAU/adlibrary-crawler/internal/api"
	"github.com/JakeFAU/adlibrary-crawler/internal/cancel"
	"github.com/JakeFAU/adlibrary-crawler/internal/chatlog"
	"github.com/JakeFAU/adlibrary-crawler/internal/clock/system"
	"github.com/JakeFAU/adlibrary-crawler/internal/config"
	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/dimcache"
	"github.com/JakeFAU/adlibrary-crawler/internal/driver/headless"
	"github.com/JakeFAU/adlibrary-crawler/internal/extract"
	"github.com/JakeFAU/adlibrary-crawler/internal/hash/sha256"
	"github.com/JakeFAU/adlibrary-crawler/internal/id/uuid"
	pubsubintake "github.com/JakeFAU/adlibrary-crawler/internal/intake/pubsub"
	"github.com/JakeFAU/adlibrary-crawler/internal/logging"
	"github.com/JakeFAU/adlibrary-crawler/internal/notify"
	"github.com/JakeFAU/adlibrary-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/adlibrary-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/adlibrary-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/adlibrary-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/adlibrary-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/adlibrary-crawler/internal/queue"
	gcsstorage "github.com/JakeFAU/adlibrary-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/adlibrary-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/adlibrary-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/adlibrary-crawler/internal/storage/postgres"
	"github.com/JakeFAU/adlibrary-crawler/internal/store"
	"github.com/JakeFAU/adlibrary-crawler/internal/telemetry"
	"github.com/JakeFAU/adlibrary-crawler/internal/worker"
)

const defaultShutdownTimeout = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	queue     *queue.Queue
	intake    *pubsubintake.Subscriber

	progressHub     *progress.Hub
	chatLog         *chatlog.Log
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	adStore         *pgstore.AdStore
	progressStore   *pgstore.ProgressStore
	tracerProvider  *sdktrace.TracerProvider
	checks          map[string]api.ReadinessCheck
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		Headless       bool   `json:"headless"`
		Database       bool   `json:"database"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		Headless:       cfg.Headless.Enabled,
		Database:       cfg.DB.DSN != "",
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		checks: map[string]api.ReadinessCheck{},
	}, nil
}

// Handler exposes the HTTP handler, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	intakeDone := make(chan struct{})
	go func() {
		defer close(intakeDone)
		if a.intake == nil {
			return
		}
		if err := a.intake.Run(ctx); err != nil {
			a.logger.Error("crawl request intake stopped", zap.Error(err))
		}
	}()

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-intakeDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("crawl request intake did not stop in time")
	}

	return a.Close(shutdownCtx)
}

// Close cancels queued and running crawls and releases infrastructure.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.queue != nil {
		if err = a.queue.Close(ctx); err != nil {
			a.logger.Warn("queue did not drain", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.chatLog != nil {
		if err := a.chatLog.Close(ctx); err != nil {
			a.logger.Warn("chat log close failed", zap.Error(err))
		}
	}
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
	if a.adStore != nil {
		a.adStore.Close()
	}
	if a.progressStore != nil {
		a.progressStore.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx, prometheus.DefaultRegisterer); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, reg prometheus.Registerer) error {
	a.logger.Info("building application dependencies")
	if err := setupTracing(ctx, a); err != nil {
		return err
	}
	jobStore := memoryStorage.NewJobStore()

	blobStore, err := setupStorage(ctx, a)
	if err != nil {
		return err
	}
	if err = setupDatabase(ctx, a); err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	var progressRepo store.ProgressRepository
	if a.progressStore != nil {
		progressRepo = a.progressStore
	}
	emitter, err := setupProgress(ctx, a, progressRepo, reg)
	if err != nil {
		return err
	}
	if err = setupChatLog(a); err != nil {
		return err
	}

	var outbound notify.MessageLog
	var inbound api.MessageLog
	if a.chatLog != nil {
		outbound = a.chatLog
		inbound = a.chatLog
	}
	notifier := notify.New(publisher, notify.Config{
		Topic:  a.cfg.PubSub.NotifyTopic,
		Log:    outbound,
		Logger: a.logger.Named("notify"),
	})
	cancels := cancel.New()
	clock := system.New()

	env, err := setupEnv(a, notifier, cancels, emitter, clock)
	if err != nil {
		return err
	}

	deps := worker.Deps{
		Env:       env,
		Jobs:      jobStore,
		Blobs:     blobStore,
		Publisher: publisher,
		Hasher:    sha256.New(a.cfg.Storage.DigestLength),
		Cancel:    cancels,
	}
	if a.adStore != nil {
		deps.Ads = a.adStore
	}
	runner := worker.New(deps, worker.Config{
		BlobPrefix: a.cfg.Storage.Prefix,
		Topic:      a.cfg.PubSub.ResultTopic,
	}, a.logger.Named("worker"))
	a.logger.Info("worker config",
		zap.String("blob_prefix", a.cfg.Storage.Prefix),
		zap.String("result_topic", a.cfg.PubSub.ResultTopic),
		zap.Int("digest_length", a.cfg.Storage.DigestLength),
	)

	a.queue = queue.New(runner, queue.Config{
		Notifier:      notifier,
		Cancel:        cancels,
		NotifyTimeout: a.cfg.Crawler.NotifyTimeout,
		Logger:        a.logger.Named("queue"),
	})

	ids := uuid.New()
	if err = setupIntake(a, admission.New(admission.Deps{
		Queue:    a.queue,
		Jobs:     jobStore,
		IDs:      ids,
		Clock:    clock,
		Notifier: notifier,
		Log:      inbound,
	}, a.logger.Named("admission"))); err != nil {
		return err
	}

	a.apiServer = api.NewServer(api.Deps{
		Queue:    a.queue,
		Jobs:     jobStore,
		IDs:      ids,
		Clock:    clock,
		Cancel:   cancels,
		Notifier: notifier,
		Log:      inbound,
		Progress: progressRepo,
		Checks:   a.checks,
	}, *a.cfg, a.logger.Named("api"))
	return nil
}

func setupTracing(ctx context.Context, app *App) error {
	if !app.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: app.cfg.Tracing.ServiceName,
		SampleRatio: app.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer provider init failed: %w", err)
	}
	app.tracerProvider = tp
	app.logger.Info("tracing enabled", zap.Float64("sample_ratio", app.cfg.Tracing.SampleRatio))
	return nil
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
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
		app.checks["gcs"] = blobStore.Verify
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping ad store and progress repository initialization")
		return nil
	}
	var err error
	app.adStore, err = pgstore.NewAdStore(ctx, pgstore.AdStoreConfig{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.AdTable,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("ad store init failed: %w", err)
	}
	app.logger.Info("ad store initialized", zap.String("table", app.cfg.DB.AdTable))
	app.progressStore, err = pgstore.NewProgressStore(ctx, app.cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient, app.cfg.PubSub.NotifyTopic)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("notify_topic", app.cfg.PubSub.NotifyTopic),
		zap.String("result_topic", app.cfg.PubSub.ResultTopic),
	)
	return app.pubsubPublisher, nil
}

func setupIntake(app *App, admit pubsubintake.Admitter) error {
	if app.cfg.PubSub.RequestSubscription == "" {
		return nil
	}
	if app.pubsubClient == nil {
		return errors.New("crawl request subscription needs a Pub/Sub project")
	}
	var err error
	app.intake, err = pubsubintake.New(app.pubsubClient, admit, pubsubintake.Config{
		Subscription: app.cfg.PubSub.RequestSubscription,
		Logger:       app.logger,
	})
	if err != nil {
		return fmt.Errorf("crawl request intake init failed: %w", err)
	}
	app.checks["pubsub_subscription"] = app.intake.Verify
	app.logger.Info("crawl request intake enabled", zap.String("subscription", app.cfg.PubSub.RequestSubscription))
	return nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	progressRepo store.ProgressRepository,
	reg prometheus.Registerer,
) (progress.Emitter, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(app.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if progressRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(progressRepo, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupChatLog(app *App) error {
	if !app.cfg.ChatLog.Enabled {
		app.logger.Info("chat log disabled")
		return nil
	}
	var err error
	app.chatLog, err = chatlog.New(chatlog.Config{
		Dir:             app.cfg.ChatLog.Dir,
		Retention:       app.cfg.ChatLog.Retention(),
		CleanupSchedule: app.cfg.ChatLog.CleanupSchedule,
		Logger:          app.logger,
	})
	if err != nil {
		return fmt.Errorf("chat log init failed: %w", err)
	}
	app.logger.Info("chat log initialized",
		zap.String("dir", app.cfg.ChatLog.Dir),
		zap.Duration("retention", app.cfg.ChatLog.Retention()),
	)
	return nil
}

func setupEnv(
	app *App,
	notifier crawler.Notifier,
	cancels crawler.CancelSignal,
	emitter progress.Emitter,
	clock crawler.Clock,
) (crawler.Env, error) {
	env := crawler.Env{
		Notifier: notifier,
		Cancel:   cancels,
		Emitter:  emitter,
		Clock:    clock,
		Logger:   app.logger.Named("crawler"),
		Options:  app.cfg.CrawlOptions(),
		Extractor: extract.New(extract.Config{
			PrimaryTextSelector: app.cfg.Extract.PrimaryTextSelector,
			HeadlineSelector:    app.cfg.Extract.HeadlineSelector,
			Logger:              app.logger.Named("extract"),
		}),
		Cache: dimcache.New(dimcache.Config{
			Dir:    app.cfg.Cache.Dir,
			Logger: app.logger.Named("dimcache"),
		}),
	}

	if app.cfg.Headless.Enabled {
		factory, err := headless.NewFactory(headless.Config{
			ExecPath:             app.cfg.Headless.ExecPath,
			UserAgent:            app.cfg.Headless.UserAgent,
			AcceptLanguage:       app.cfg.Headless.AcceptLanguage,
			WindowWidth:          app.cfg.Headless.WindowWidth,
			WindowHeight:         app.cfg.Headless.WindowHeight,
			RendererProcessLimit: app.cfg.Headless.RendererProcessLimit,
			NoSandbox:            app.cfg.Headless.NoSandbox,
			Headful:              app.cfg.Headless.Headful,
			ActionTimeout:        app.cfg.Headless.ActionTimeout,
			NavigationTimeout:    app.cfg.Headless.NavigationTimeout,
			Logger:               app.logger.Named("browser"),
		})
		if err != nil {
			return crawler.Env{}, fmt.Errorf("browser factory init failed: %w", err)
		}
		env.Drivers = factory
		app.logger.Info("using headless browser",
			zap.Int("window_width", app.cfg.Headless.WindowWidth),
			zap.Int("window_height", app.cfg.Headless.WindowHeight),
			zap.Bool("headful", app.cfg.Headless.Headful),
		)
	} else {
		env.Drivers = headless.NewNoop()
		app.logger.Warn("headless browser disabled, every crawl will fail at init")
	}

	if app.cfg.Crawler.PaceRPS > 0 {
		env.Pacer = ratelimit.New(ratelimit.Config{
			DefaultRPS:   app.cfg.Crawler.PaceRPS,
			DefaultBurst: app.cfg.Crawler.PaceBurst,
		})
		app.logger.Info("navigation pacing enabled",
			zap.Float64("rps", app.cfg.Crawler.PaceRPS),
			zap.Int("burst", app.cfg.Crawler.PaceBurst),
		)
	}
	return env, nil
}
