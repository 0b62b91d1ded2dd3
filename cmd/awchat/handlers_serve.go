package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agenticwork/awchat/internal/admin"
	"github.com/agenticwork/awchat/internal/audit"
	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/blob"
	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/credentials"
	"github.com/agenticwork/awchat/internal/cron"
	"github.com/agenticwork/awchat/internal/identity"
	"github.com/agenticwork/awchat/internal/jobs"
	"github.com/agenticwork/awchat/internal/llm"
	"github.com/agenticwork/awchat/internal/memory"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/pipeline"
	"github.com/agenticwork/awchat/internal/prompts"
	"github.com/agenticwork/awchat/internal/ratelimit"
	"github.com/agenticwork/awchat/internal/retrieval"
	"github.com/agenticwork/awchat/internal/server"
	"github.com/agenticwork/awchat/internal/sessions"
	"github.com/agenticwork/awchat/internal/sse"
	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/internal/tools"
	"github.com/agenticwork/awchat/internal/tools/files"
	"github.com/agenticwork/awchat/internal/tools/websearch"
	"github.com/agenticwork/awchat/internal/usage"
	"github.com/agenticwork/awchat/internal/vectorindex"
	"github.com/agenticwork/awchat/internal/vectorindex/embed"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe implements the serve command logic. It wires every service,
// starts the HTTP server, and handles graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting awchat",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	slog.Info("configuration loaded",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"model", cfg.Model.Default,
		"blob_type", cfg.Blob.Type,
	)

	db, err := storage.Open(cfg.Database.URL, &storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		Level:         audit.Level(cfg.Audit.Level),
		Format:        audit.OutputFormat(cfg.Audit.Format),
		Output:        cfg.Audit.Output,
		IncludeValues: cfg.Audit.IncludeValues,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}
	defer auditLogger.Close()

	userStore := identity.NewPostgresStore(db)
	sessionStore := sessions.NewPostgresStore(db)
	templateStore := prompts.NewPostgresStore(db)
	keyStore := auth.NewPostgresKeyStore(db)
	credStore := credentials.NewPostgresStore(db)
	jobStore := jobs.NewPostgresStore(db)
	usageStore := usage.NewStore(db)
	adminStore := admin.NewPostgresStore(db)

	adminBus := admin.NewBus()
	adminSvc := admin.NewService(adminStore, adminBus, auditLogger, logger)
	configReader := admin.NewConfigReader(adminStore, adminBus, cfg.Admin.CacheTTL, logger)

	// The vector index shares the primary database unless pointed
	// elsewhere.
	vectorDSN := cfg.Vector.URL
	if vectorDSN == "" {
		vectorDSN = cfg.Database.URL
	}
	index, err := vectorindex.New(vectorindex.Config{
		DSN:           vectorDSN,
		MaxOpenConns:  cfg.Vector.MaxOpenConns,
		Dimension:     cfg.Embedding.Dimension,
		CentroidLists: cfg.Vector.CentroidLists,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}
	defer index.Close()
	if err := index.EnsureAll(ctx); err != nil {
		return fmt.Errorf("failed to ensure vector collections: %w", err)
	}

	embedder, err := embed.NewOpenAI(embed.OpenAIConfig{
		APIKey:    cfg.Model.APIKey,
		BaseURL:   cfg.Model.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}
	batcher := embed.NewBatcher(embedder, embed.BatcherConfig{
		BatchSize: cfg.Embedding.BatchSize,
		CacheSize: cfg.Embedding.CacheSize,
	})
	defer batcher.Close()

	blobs, err := blob.Open(ctx, blob.Config{
		Type: cfg.Blob.Type,
		S3: blob.S3Config{
			Endpoint:  cfg.Blob.S3.Endpoint,
			Region:    cfg.Blob.S3.Region,
			Bucket:    cfg.Blob.S3.Bucket,
			AccessKey: cfg.Blob.S3.AccessKey,
			SecretKey: cfg.Blob.S3.SecretKey,
			PathStyle: cfg.Blob.S3.PathStyle,
		},
		Azure: blob.AzureConfig{
			ConnectionString: cfg.Blob.Azure.ConnectionString,
			Container:        cfg.Blob.Azure.Container,
		},
		GCS:   blob.GCSConfig{Bucket: cfg.Blob.GCS.Bucket},
		Local: blob.LocalConfig{Dir: cfg.Blob.Local.Dir},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open blob storage: %w", err)
	}
	defer blobs.Close()

	var refresher credentials.Refresher
	if tokenURL := cfg.Identity.ResolvedTokenURL(); tokenURL != "" {
		oauth, err := credentials.NewOAuth2Refresher(
			cfg.Identity.ClientID, cfg.Identity.ClientSecret, tokenURL, cfg.Identity.Scopes)
		if err != nil {
			return fmt.Errorf("failed to initialize credential refresher: %w", err)
		}
		refresher = oauth
	} else {
		logger.Warn(ctx, "no identity provider configured, delegated credentials will not refresh")
	}
	credManager := credentials.NewManager(credStore, refresher, logger, metrics)

	memorySvc := memory.NewService(index, batcher, logger)
	retrievalSvc := retrieval.NewService(index, batcher, usageStore, cfg.Retrieval, logger)
	templateRouter := prompts.NewRouter(templateStore, index, batcher, userStore, cfg.Templates, logger, metrics)

	registry := tools.NewRegistry(
		tools.WithCallTimeout(cfg.Pipeline.PerToolTimeout),
		tools.WithLogger(logger),
		tools.WithMetrics(metrics),
	)
	webSearch := websearch.NewWebSearchTool(websearch.SearchConfig{
		SearXNGURL: os.Getenv("SEARXNG_URL"),
	})
	defer webSearch.Close()
	webFetch := websearch.NewWebFetchTool(websearch.FetchConfig{})
	defer webFetch.Close()
	for _, tool := range []tools.Tool{
		files.NewReadManyFilesTool(files.Config{}),
		files.NewApplyPatchTool(files.Config{}),
		webSearch,
		webFetch,
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name(), err)
		}
	}

	watcher := jobs.NewWatcher(jobStore, cfg.Jobs, logger)
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job watcher: %w", err)
	}
	jobRunner := jobs.NewRunner(jobStore, registry, watcher, cfg.Jobs, logger, metrics)

	pipe := pipeline.New(cfg, pipeline.Deps{
		Sessions:    sessionStore,
		Router:      templateRouter,
		Memories:    memorySvc,
		Retriever:   retrievalSvc,
		Credentials: credManager,
		Provider: llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:     cfg.Model.APIKey,
			BaseURL:    cfg.Model.BaseURL,
			MaxRetries: cfg.Model.MaxRetries,
		}),
		Tools: registry,
		Jobs:  jobRunner,
		Usage: usageStore,
	}, pipeline.WithLogger(logger), pipeline.WithMetrics(metrics))

	authSvc := auth.NewService(cfg.Auth, keyStore, userStore, logger)
	limiter := ratelimit.NewLimiter(true)
	streamer := sse.NewStreamer(cfg.Stream, watcher, logger)

	srv := server.New(cfg.Server, server.Deps{
		Auth:        authSvc,
		Sessions:    sessionStore,
		Templates:   templateStore,
		Admin:       adminSvc,
		Config:      configReader,
		Pipeline:    pipe,
		Streamer:    streamer,
		Limiter:     limiter,
		Blobs:       blobs,
		Audit:       auditLogger,
		Logger:      logger,
		Metrics:     metrics,
		HealthCheck: db.PingContext,
	})

	cronRunner := cron.NewRunner(logger)
	if err := addMaintenanceJobs(cronRunner, cfg, jobStore, credManager, auditLogger, logger); err != nil {
		return err
	}
	cronRunner.Start()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("awchat started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	cronRunner.Stop()
	if err := jobRunner.Close(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "job runner close", "error", err)
	}
	if err := watcher.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "job watcher stop", "error", err)
	}

	slog.Info("awchat stopped gracefully")
	return nil
}

// addMaintenanceJobs registers the scheduled prune and sweep work.
func addMaintenanceJobs(
	runner *cron.Runner,
	cfg *config.Config,
	jobStore jobs.Store,
	creds *credentials.Manager,
	auditLogger *audit.Logger,
	logger *observability.Logger,
) error {
	pruneSchedule, err := cron.NewSchedule(cfg.Jobs.PruneSchedule, "")
	if err != nil {
		return fmt.Errorf("invalid jobs.prune_schedule: %w", err)
	}
	if err := runner.Add(cron.Job{
		Name:     "jobs-prune",
		Schedule: pruneSchedule,
		Run: func(ctx context.Context) {
			removed, err := jobStore.Prune(ctx, cfg.Jobs.PruneAfter)
			if err != nil {
				logger.Error(ctx, "job prune failed", "error", err)
				return
			}
			if removed > 0 {
				logger.Info(ctx, "pruned finished jobs", "removed", removed)
			}
		},
	}); err != nil {
		return err
	}

	sweepSchedule, err := cron.NewSchedule(cfg.Credentials.SweepSchedule, "")
	if err != nil {
		return fmt.Errorf("invalid credentials.sweep_schedule: %w", err)
	}
	return runner.Add(cron.Job{
		Name:     "credentials-sweep",
		Schedule: sweepSchedule,
		Run: func(ctx context.Context) {
			start := time.Now()
			removed, err := creds.SweepExpired(ctx, cfg.Credentials.SweepOlderThan)
			if err != nil {
				logger.Error(ctx, "credential sweep failed", "error", err)
				return
			}
			auditLogger.LogCredentialsSwept(ctx, removed, time.Since(start))
		},
	})
}
