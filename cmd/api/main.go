package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/session-insights/internal/ai"
	"github.com/iago/session-insights/internal/analytics"
	"github.com/iago/session-insights/internal/config"
	contextbuilder "github.com/iago/session-insights/internal/context"
	"github.com/iago/session-insights/internal/domain"
	httpserver "github.com/iago/session-insights/internal/http"
	"github.com/iago/session-insights/internal/http/handlers"
	"github.com/iago/session-insights/internal/queue"
	"github.com/iago/session-insights/internal/recap"
	"github.com/iago/session-insights/internal/staleness"
	"github.com/iago/session-insights/internal/store"
	"github.com/iago/session-insights/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[insights] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	recapProducer := selectRecapProducer(cfg, producer, logger)

	cache := staleness.New(staleness.Config{
		Store:    dataStore,
		Producer: recapProducer,
		Computers: map[domain.Kind]staleness.Computer{
			domain.KindUsage: analytics.NewUsageComputer(logger),
		},
		Policies: map[domain.Kind]staleness.Policy{
			domain.KindUsage: {MinAge: cfg.UsageMinSettle, MinDeltaBytes: cfg.UsageMinDeltaBytes},
			domain.KindRecap: {MinAge: cfg.RecapStaleness()},
		},
		QuotaLimit:  cfg.RecapQuotaLimit,
		TicketLease: cfg.RecapTicketTimeout,
		Logger:      logger,
	})

	api := handlers.NewAPI(handlers.Dependencies{
		Subjects: dataStore,
		Resolver: cache,
		Logger:   logger,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.WorkerEnabled && cfg.RecapEnabled {
		generator := recap.NewGenerator(recap.Dependencies{
			Router: ai.NewModelRouter(ai.ModelRouterConfig{
				RecapPrimary:  cfg.OpenRouterRecapPrimary,
				RecapFallback: cfg.OpenRouterRecapFallback,
			}),
			Client: ai.NewOpenRouterClient(ai.OpenRouterConfig{
				APIKey:     cfg.OpenRouterAPIKey,
				BaseURL:    cfg.OpenRouterBaseURL,
				Timeout:    time.Duration(cfg.OpenRouterTimeoutMS) * time.Millisecond,
				MaxRetries: cfg.OpenRouterMaxRetries,
				SiteURL:    cfg.OpenRouterSiteURL,
				AppName:    cfg.OpenRouterAppName,
			}),
			Builder:             contextbuilder.NewBuilder(contextbuilder.NewTranscriptRetriever()),
			PromptsDir:          cfg.PromptsDir,
			MaxTranscriptTokens: cfg.RecapMaxTranscriptTokens,
			Logger:              logger,
		})
		processor := worker.NewProcessor(worker.ProcessorConfig{
			Consumer:        consumer,
			Store:           dataStore,
			Generators:      map[domain.Kind]worker.Generator{domain.KindRecap: generator},
			GenerateTimeout: cfg.RecapGenerateTimeout,
			Logger:          logger,
		})
		go processor.Start(ctx)
		logger.Printf("generation worker enabled and started")
	} else {
		logger.Printf("generation worker disabled by configuration")
	}

	if cfg.PrecomputeEnabled {
		precompute := worker.NewPrecompute(worker.PrecomputeConfig{
			Subjects:    dataStore,
			Resolver:    cache,
			Interval:    cfg.PrecomputeInterval,
			MaxSubjects: cfg.PrecomputeMaxSubject,
			DryRun:      cfg.PrecomputeDryRun,
			Logger:      logger,
		})
		go precompute.Run(ctx)
		logger.Printf(
			"precompute worker started interval=%s max_subjects=%d dry_run=%t",
			cfg.PrecomputeInterval,
			cfg.PrecomputeMaxSubject,
			cfg.PrecomputeDryRun,
		)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// selectRecapProducer returns the queue recap tickets are sent to, or nil
// when recap generation is off. A local queue is only drained by this
// process's worker, so without it tickets would never complete.
func selectRecapProducer(cfg config.Config, producer queue.Producer, logger *log.Logger) queue.Producer {
	if !cfg.RecapEnabled {
		logger.Printf("recap generation disabled by configuration")
		return nil
	}
	if _, local := producer.(*queue.LocalQueue); local && !cfg.WorkerEnabled {
		logger.Printf("recap generation disabled: local queue has no worker, set WORKER_ENABLED or REDIS_ADDR")
		return nil
	}
	return producer
}

func setupStore(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory store")
		return store.NewMemoryStore(), func() {}
	}

	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres store, fallback to memory: %v", err)
		return store.NewMemoryStore(), func() {}
	}
	logger.Printf("postgres store initialized")
	return pgStore, pgStore.Close
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, 3, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: 3,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		local := queue.NewLocalQueue(512, 3, logger)
		return local, local, func() {}
	}
	logger.Printf("redis streams queue initialized")
	return streams, streams, func() {
		_ = streams.Close()
	}
}
