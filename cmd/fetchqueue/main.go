package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/fetchqueue/internal/broadcast"
	"github.com/italolelis/fetchqueue/internal/cleanup"
	"github.com/italolelis/fetchqueue/internal/config"
	"github.com/italolelis/fetchqueue/internal/http/rest"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/notifier"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/storage/bolt"
	"github.com/italolelis/fetchqueue/internal/storage/sqlite"
	"github.com/italolelis/fetchqueue/internal/svc/ollama"
	"github.com/italolelis/fetchqueue/internal/tasks"
	"github.com/italolelis/fetchqueue/internal/telemetry"
	"github.com/italolelis/fetchqueue/internal/transfer"
	"github.com/italolelis/fetchqueue/internal/worker"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("fetchqueue starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	policies, err := config.LoadPolicies(cfg.PoliciesFile)
	if err != nil {
		return fmt.Errorf("failed to load queue policies: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Queue Backend
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.close()

	store := storage.NewInstrumentedJobStore(backend.jobs, tel)

	// =========================================================================
	// Start Transfers
	hub := broadcast.NewHub[registry.Event](64, broadcast.WithPriority(registry.Event.Terminal))
	defer hub.Close()

	fetcher := transfer.NewFetcher(transfer.Options{
		ProgressInterval: cfg.Transfer.ProgressInterval,
		Telemetry:        tel,
	})

	retrier := transfer.NewRetrier(fetcher.Fetch, transfer.RetryOptions{
		Attempts:  cfg.Transfer.RetryAttempts,
		Delay:     cfg.Transfer.RetryDelay,
		Telemetry: tel,
		OnAttemptError: func(err error, attempt int) {
			logger.Warn("transfer attempt failed", "attempt", attempt, "class", transfer.Classify(err).String(), "err", err)
		},
	})

	registries := make(map[string]*registry.Registry, len(cfg.DownloadFamilies))
	for _, family := range cfg.DownloadFamilies {
		registries[family] = registry.New(registry.Options{
			Family:     family,
			Fetch:      retrier.Fetch,
			Publisher:  hub,
			OnComplete: markDownloaded(backend.catalog, family),
			Telemetry:  tel,
		})
	}

	// =========================================================================
	// Start Notification
	notif := notifier.New(cfg.DiscordWebhookURL)

	events, unsubscribe := hub.SubscribeAll()
	defer unsubscribe()

	go notifier.WatchTransfers(ctx, notif, events)

	// =========================================================================
	// Start Job Admission
	queues := map[string]jobs.Queue{}

	for _, q := range []jobs.Queue{
		jobs.NewDispatcher(jobs.WithPolicy(jobs.DownloadFileFamily(), policies), store, nil, tel),
		jobs.NewDispatcher(jobs.WithPolicy(jobs.ModelPullFamily(), policies), store, nil, tel),
		jobs.NewDispatcher(jobs.WithPolicy(jobs.EmbedFileFamily(), policies), store, nil, tel),
	} {
		queues[q.Name()] = q
	}

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Workers
	handlers := tasks.Handlers(tasks.Deps{
		Fetch:      retrier.Fetch,
		StorageDir: cfg.StorageDir,
		Timeout:    cfg.Transfer.Timeout,
		Catalog:    backend.catalog,
		Ollama:     ollama.NewClient(cfg.OllamaURL, nil),
		EmbedModel: cfg.EmbedModel,
		Embedding: tasks.EmbedOptions{
			ChunkWords:   cfg.EmbedChunkWords,
			OverlapWords: cfg.EmbedOverlapWords,
			BatchSize:    cfg.EmbedBatchSize,
		},
		ProgressInterval: cfg.Transfer.ProgressInterval,
	})

	retention := map[string]jobs.Retention{}
	owner := storage.GenerateInstanceID()

	for name, q := range queues {
		policy := q.Policy()
		retention[name] = policy.Retention

		if !cfg.ConsumesQueue(name) {
			logger.Info("queue not consumed by this instance", "queue", name)

			continue
		}

		w := worker.New(worker.Options{
			Queue:           name,
			Concurrency:     policy.Concurrency,
			Handlers:        handlers,
			Store:           store,
			Owner:           owner,
			PollInterval:    cfg.Worker.PollInterval,
			LeaseDuration:   cfg.Worker.LeaseDuration,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
			Retention:       policy.Retention,
			Telemetry:       tel,
			OnFinished:      notifier.OnJobFinished(notif),
		})

		g.Go(func() error { return w.Run(gctx) })
	}

	// =========================================================================
	// Start Cleanup
	sweeper := cleanup.NewSweeper(cleanup.Options{
		Store:     store,
		Interval:  cfg.SweepInterval,
		Retention: retention,
		Telemetry: tel,
	})

	g.Go(func() error {
		sweeper.Run(gctx)

		return nil
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, cfg, tel, rest.Options{
		Registries: registries,
		Queues:     queues,
		Events:     hub,
		Catalog:    backend.catalog,
		StorageDir: cfg.StorageDir,
		Timeout:    cfg.Transfer.Timeout,
		Username:   cfg.Web.Username,
		Password:   cfg.Web.Password,
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		for family, reg := range registries {
			logger.Info("cancelling in-flight transfers", "family", family, "count", len(reg.List()))
			reg.CancelAll()
		}

		return nil
	})

	logger.Info("waiting for jobs...",
		"storage_dir", cfg.StorageDir,
		"backend", cfg.QueueBackend,
		"families", cfg.DownloadFamilies,
	)

	return g.Wait()
}

type queueBackend struct {
	jobs    storage.JobStore
	catalog storage.ResourceCatalog
	close   func() error
}

// openBackend is an abstract factory for the queue backend.
func openBackend(ctx context.Context, cfg *config.Config) (*queueBackend, error) {
	switch cfg.QueueBackend {
	case "sqlite":
		db, err := sqlite.InitDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}

		return &queueBackend{
			jobs:    sqlite.NewJobRepository(db),
			catalog: sqlite.NewResourceRepository(db),
			close:   db.Close,
		}, nil
	case "bolt":
		s, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt backend: %w", err)
		}

		return &queueBackend{jobs: s, catalog: s, close: s.Close}, nil
	}

	return nil, fmt.Errorf("invalid queue backend: %s", cfg.QueueBackend)
}

func markDownloaded(catalog storage.ResourceCatalog, family string) func(ctx context.Context, url, path string) error {
	return func(ctx context.Context, url, path string) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat downloaded file: %w", err)
		}

		return catalog.MarkDownloaded(ctx, storage.Resource{
			URL:          url,
			Family:       family,
			Path:         path,
			Size:         info.Size(),
			DownloadedAt: info.ModTime(),
		})
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, opts rest.Options) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewHandler(opts).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
