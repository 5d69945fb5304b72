package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"MailTrace/internal/api"
	"MailTrace/internal/config"
	"MailTrace/internal/counters"
	"MailTrace/internal/db"
	"MailTrace/internal/dispatch"
	"MailTrace/internal/email"
	"MailTrace/internal/enrich"
	"MailTrace/internal/metrics"
	"MailTrace/internal/queue"
	"MailTrace/internal/render"
	"MailTrace/internal/stats"
	"MailTrace/internal/tracking"
	"MailTrace/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Record Store
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	// ------------------------------------------------
	// Redis (queue + counters)
	// ------------------------------------------------
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis url", zap.Error(err))
	}

	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	q := queue.New(rdb, logger, cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap)
	cnt := counters.New(rdb)

	// Recover jobs a previous process died holding.
	if moved, err := q.RequeueActive(ctx); err != nil {
		logger.Error("failed to requeue active jobs", zap.Error(err))
	} else if moved > 0 {
		logger.Info("requeued orphaned jobs", zap.Int("count", moved))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Pipeline Components
	// ------------------------------------------------
	sender := &email.Sender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		ReplyTo:  cfg.ReplyTo,
		Timeout:  cfg.SendTimeout,
	}

	injector := &tracking.Injector{
		ServerURL:   cfg.ServerURL,
		TrackOpens:  cfg.TrackOpens,
		TrackClicks: cfg.TrackClicks,
	}

	enricher, err := enrich.New(cfg.GeoIPDB)
	if err != nil {
		logger.Fatal("failed to open geoip database", zap.Error(err))
	}

	templates := render.NewService(store)
	dispatcher := dispatch.New(store, q, templates, logger)
	resolver := tracking.NewResolver(store, cnt, enricher, logger)
	aggregator := stats.New(store, q, cnt)

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	worker.StartPool(
		ctx,
		&wg,
		cfg.WorkerCount,
		q,
		sender,
		injector,
		limiter,
		store,
		cnt,
		logger,
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Dispatcher: dispatcher,
		Resolver:   resolver,
		Stats:      aggregator,
		Store:      store,
		APIKey:     cfg.APIKey,
		Log:        logger,
	}

	router := chi.NewRouter()
	apiHandler.Register(router)

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Wait workers to finish their in-flight jobs
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
