package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llmgate/internal/gateway/admission"
	"github.com/mrmushfiq/llmgate/internal/gateway/cache"
	"github.com/mrmushfiq/llmgate/internal/gateway/handlers"
	"github.com/mrmushfiq/llmgate/internal/gateway/ledger"
	"github.com/mrmushfiq/llmgate/internal/gateway/metrics"
	"github.com/mrmushfiq/llmgate/internal/gateway/policy"
	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
	"github.com/mrmushfiq/llmgate/internal/gateway/registry"
	"github.com/mrmushfiq/llmgate/internal/gateway/router"
	"github.com/mrmushfiq/llmgate/internal/shared/config"
	"github.com/mrmushfiq/llmgate/internal/shared/database"
	"github.com/mrmushfiq/llmgate/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg.Env)
	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting llmgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisClient.Close()
	log.Info().Msg("connected to Redis")

	// Deployment registry
	reg := registry.New(log)
	groups, err := config.LoadDeployments(cfg.DeploymentsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.DeploymentsFile).Msg("failed to load deployments")
	}
	reg.Reload(groups)

	// Core
	resolver := policy.NewResolver(db, cfg.PolicyCacheTTL, log)
	budgetLedger := ledger.New(db, redisClient, log)
	rtr := router.New(reg, cfg.MaxAttempts, log)
	invoker := providers.NewInvoker(log)
	gatewayMetrics := metrics.New(prometheus.DefaultRegisterer)

	var responseCache *cache.Cache
	if cfg.CacheEnabled {
		responseCache = cache.New(redisClient, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}

	controller := admission.New(admission.Config{
		Policy:   resolver,
		Ledger:   budgetLedger,
		Registry: reg,
		Router:   rtr,
		Upstream: invoker,
		Pricing:  db,
		Cache:    responseCache,
		Metrics:  gatewayMetrics,
		Timeout:  cfg.RequestTimeout,
		Logger:   log,
	})

	// Budget reset sweep
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.BudgetSweepSpec, func() {
		if _, err := budgetLedger.ResetDue(context.Background(), time.Now()); err != nil {
			log.Error().Err(err).Msg("budget reset sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("spec", cfg.BudgetSweepSpec).Msg("invalid budget sweep spec")
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Handlers
	chatHandler := handlers.NewChatHandler(controller, db, log)
	modelsHandler := handlers.NewModelsHandler(reg)
	adminHandler := handlers.NewAdminHandler(db, resolver, reg, cfg.DeploymentsFile, log)
	middleware := handlers.NewMiddleware(db, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Post("/chat/completions", chatHandler.HandleChatCompletion)
		r.Post("/embeddings", chatHandler.HandleEmbeddings)
		r.Get("/models", modelsHandler.HandleListModels)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/keys", adminHandler.HandleCreateKey)
		r.Post("/principals", adminHandler.HandleCreatePrincipal)
		r.Patch("/principals/{id}", adminHandler.HandleUpdatePrincipal)
		r.Post("/budgets", adminHandler.HandleCreateBudget)
		r.Post("/models/reload", adminHandler.HandleReloadModels)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.RequestTimeout + 10*time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func newLogger(env string) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
