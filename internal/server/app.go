// Package server assembles the export service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/api"
	"github.com/JakeFAU/terrain-export/internal/clock/system"
	"github.com/JakeFAU/terrain-export/internal/config"
	"github.com/JakeFAU/terrain-export/internal/export"
	"github.com/JakeFAU/terrain-export/internal/id/uuid"
	"github.com/JakeFAU/terrain-export/internal/janitor"
	memoryjobs "github.com/JakeFAU/terrain-export/internal/jobs/memory"
	redisjobs "github.com/JakeFAU/terrain-export/internal/jobs/redis"
	"github.com/JakeFAU/terrain-export/internal/logging"
	"github.com/JakeFAU/terrain-export/internal/policy"
	"github.com/JakeFAU/terrain-export/internal/policy/ratelimit"
	"github.com/JakeFAU/terrain-export/internal/policy/simple"
	"github.com/JakeFAU/terrain-export/internal/progress"
	progresssinks "github.com/JakeFAU/terrain-export/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/terrain-export/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/terrain-export/internal/publisher/pubsub"
	"github.com/JakeFAU/terrain-export/internal/storage"
	pgstore "github.com/JakeFAU/terrain-export/internal/storage/postgres"
	"github.com/JakeFAU/terrain-export/internal/telemetry"
	"github.com/JakeFAU/terrain-export/internal/tiles/command"
	"github.com/JakeFAU/terrain-export/internal/tiles/manifest"
)

const readHeaderTimeout = 5 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	pipeline       *export.Pipeline
	sweeper        *janitor.Sweeper
	progressHub    *progress.Hub
	runRepo        *pgstore.RunStore
	redisJobs      *redisjobs.Store
	pubsub         *gcppublisher.Publisher
	closeStorage   storage.CloseFunc
	checks         map[string]api.CheckFunc
	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		Generator      string `json:"generator"`
		Storage        string `json:"storage"`
		Jobs           string `json:"jobs"`
		DownloadPrefix string `json:"download_prefix"`
		HaltOnReject   bool   `json:"halt_on_reject"`
	}
	logger.Info("Creating application", zap.Any("config", SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		Generator:      cfg.Generator.Kind,
		Storage:        cfg.Storage.Backend,
		Jobs:           cfg.Jobs.Backend,
		DownloadPrefix: cfg.Export.DownloadPrefix,
		HaltOnReject:   cfg.Export.HaltOnReject,
	}))
	return &App{
		cfg:          cfg,
		logger:       logger,
		closeStorage: func() error { return nil },
		checks:       make(map[string]api.CheckFunc),
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Pipeline returns the export pipeline.
func (a *App) Pipeline() *export.Pipeline {
	return a.pipeline
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.sweeper != nil {
		go func() {
			a.logger.Info("workspace janitor started")
			a.sweeper.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		// Export streams stay open for the whole generation, so no WriteTimeout.
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub drains into the run store, so it closes first.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.closeStorage != nil {
		if err := a.closeStorage(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.redisJobs != nil {
		if err := a.redisJobs.Close(); err != nil {
			a.logger.Warn("redis job store close failed", zap.Error(err))
		}
	}
	if a.runRepo != nil {
		a.runRepo.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	// Sync fails on stderr for most terminals; nothing useful to report.
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging, cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app, err := build(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown
	return app, nil
}

// build wires everything below the process-wide logger and telemetry. On
// failure it releases whatever was already opened.
func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *App, err error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building application dependencies")
	clock := system.New()
	ids := uuid.New()

	workspace, err := setupWorkspace(app, ids, clock)
	if err != nil {
		return nil, err
	}

	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	jobStore, err := setupJobs(ctx, app)
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

	progressEmitter, err := setupProgress(ctx, app, reg)
	if err != nil {
		return nil, err
	}

	generator, err := setupGenerator(app, clock)
	if err != nil {
		return nil, err
	}

	app.pipeline, err = export.NewPipeline(PipelineConfig(cfg), export.Deps{
		Estimator: export.NewEstimator(cfg.Export.DatasetTable()),
		Workspace: workspace,
		Generator: generator,
		Jobs:      jobStore,
		Blobs:     blobs,
		Publisher: publisher,
		Progress:  progressEmitter,
		Logger:    logger.Named("export"),
		Clock:     clock,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	if err = setupJanitor(app, workspace, clock); err != nil {
		return nil, err
	}

	opts := api.Options{
		Exporter:       app.pipeline,
		Workspace:      workspace,
		Jobs:           jobStore,
		Policy:         setupPolicy(app),
		Checks:         app.checks,
		Auth:           cfg.Auth,
		DownloadPrefix: cfg.Export.DownloadPrefix,
		Retention:      cfg.Export.Retention,
		Logger:         logger,
	}
	if app.runRepo != nil {
		opts.Runs = app.runRepo
	}
	app.apiServer, err = api.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}
	return app, nil
}

// PipelineConfig maps service configuration onto pipeline settings.
func PipelineConfig(cfg *config.Config) export.Config {
	timeout := cfg.Export.GenerateTimeout
	if timeout == 0 {
		timeout = cfg.Generator.Timeout
	}
	return export.Config{
		Admission: export.AdmissionPolicy{
			Ceiling:         cfg.Export.MaxCellsPermitted,
			RawFormatFactor: cfg.Export.RawFormatFactor,
		},
		HaltOnReject:     cfg.Export.HaltOnReject,
		Workers:          cfg.Export.NumCores,
		MaxCellsInMemory: cfg.Export.MaxCellsForMemory,
		DownloadPrefix:   cfg.Export.DownloadPrefix,
		GenerateTimeout:  timeout,
		ArtifactPrefix:   cfg.Storage.Prefix,
		NotifyTopic:      cfg.PubSub.TopicName,
	}
}

func setupWorkspace(app *App, ids export.IDGenerator, clock export.Clock) (*export.Workspace, error) {
	workspace, err := export.NewWorkspace(app.cfg.Export.WorkspaceDir, ids, clock)
	if err != nil {
		return nil, fmt.Errorf("workspace init failed: %w", err)
	}
	if err := workspace.Ensure(); err != nil {
		// Not fatal: each export retries and reports the failure in-band.
		app.logger.Warn("workspace not writable yet", zap.String("path", workspace.Root()), zap.Error(err))
	}
	app.checks["workspace"] = func(context.Context) error { return workspace.Ensure() }
	app.logger.Info("workspace ready", zap.String("path", workspace.Root()))
	return workspace, nil
}

func setupStorage(ctx context.Context, app *App) (export.BlobStore, error) {
	blobs, closeFn, err := storage.Open(ctx, app.cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("blob store init failed: %w", err)
	}
	app.closeStorage = closeFn
	if blobs == nil {
		app.logger.Info("artifact mirroring disabled")
		return nil, nil
	}
	app.logger.Info("artifact mirroring enabled",
		zap.String("backend", app.cfg.Storage.Backend),
		zap.String("prefix", app.cfg.Storage.Prefix),
	)
	return blobs, nil
}

func setupJobs(ctx context.Context, app *App) (export.JobStore, error) {
	if app.cfg.Jobs.Backend != "redis" {
		app.logger.Info("using in-memory job registry")
		return memoryjobs.NewStore(), nil
	}
	var err error
	app.redisJobs, err = redisjobs.Dial(ctx, redisjobs.Config{
		Addr:      app.cfg.Jobs.RedisAddr,
		Password:  app.cfg.Jobs.RedisPass,
		DB:        app.cfg.Jobs.RedisDB,
		KeyPrefix: app.cfg.Jobs.KeyPrefix,
		TTL:       app.cfg.Jobs.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("redis job store init failed: %w", err)
	}
	app.checks["redis"] = app.redisJobs.Ping
	app.logger.Info("using redis job registry", zap.String("addr", app.cfg.Jobs.RedisAddr))
	return app.redisJobs, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping run history")
		return nil
	}
	var err error
	app.runRepo, err = pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.Table,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.checks["postgres"] = app.runRepo.Ping
	app.logger.Info("run store initialized", zap.String("table", app.cfg.Database.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (export.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsub, err = gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsub, nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.runRepo != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.BatchEvents,
		MaxBatchWait:   app.cfg.Progress.BatchWait,
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

func setupGenerator(app *App, clock export.Clock) (export.TileGenerator, error) {
	if app.cfg.Generator.Kind == "command" {
		gen, err := command.New(command.Config{
			Command: app.cfg.Generator.Command,
			Args:    app.cfg.Generator.Args,
			Logger:  app.logger.Named("generator"),
		})
		if err != nil {
			return nil, fmt.Errorf("tile generator init failed: %w", err)
		}
		app.logger.Info("using command tile generator", zap.String("command", app.cfg.Generator.Command))
		return gen, nil
	}
	app.logger.Info("using manifest tile generator")
	return manifest.New(clock.Now), nil
}

func setupJanitor(app *App, workspace *export.Workspace, clock export.Clock) error {
	if app.cfg.Export.Retention <= 0 {
		app.logger.Info("workspace janitor disabled")
		return nil
	}
	var err error
	app.sweeper, err = janitor.New(janitor.Config{
		Dir:       workspace.Root(),
		Retention: app.cfg.Export.Retention,
		Interval:  app.cfg.Export.SweepInterval,
		Now:       clock.Now,
		Logger:    app.logger.Named("janitor"),
	})
	if err != nil {
		return fmt.Errorf("janitor init failed: %w", err)
	}
	return nil
}

func setupPolicy(app *App) policy.Policy {
	if !app.cfg.RateLimit.Enabled {
		app.logger.Info("rate limiter disabled, using simple policy")
		return simple.New()
	}
	app.logger.Info("rate limiter enabled",
		zap.Float64("rps", app.cfg.RateLimit.RPS),
		zap.Int("burst", app.cfg.RateLimit.Burst),
	)
	return ratelimit.New(ratelimit.Config{
		RPS:     app.cfg.RateLimit.RPS,
		Burst:   app.cfg.RateLimit.Burst,
		IdleTTL: app.cfg.RateLimit.IdleTTL,
	})
}
