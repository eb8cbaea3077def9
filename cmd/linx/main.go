package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"linx/internal/cache"
	"linx/internal/circuitbreaker"
	"linx/internal/config"
	"linx/internal/feed"
	"linx/internal/health"
	httphandler "linx/internal/http"
	"linx/internal/observability"
	"linx/internal/scheduler"
	"linx/internal/service"
)

func main() {
	// .env is optional; absence is the normal production case.
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	feedClient, err := feed.NewRemsClientWithRetry(
		cfg.FeedURL,
		cfg.FeedTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("feed client", zap.Error(err))
	}

	if cfg.BreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name:             "mars_feed",
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			HalfOpenMax:      cfg.BreakerHalfOpenMax,
			Cooldown:         cfg.BreakerCooldown,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerChange("mars_feed", from.String(), to.String())
			},
		})
		feedClient.SetCircuitBreaker(cb)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.BreakerFailureThreshold),
			zap.Duration("cooldown", cfg.BreakerCooldown))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleTTL)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache(cfg.StaleTTL)
		logger.Info("cache backend: memory")
	}

	weatherService := service.NewWeatherService(feedClient, cacheSvc, cfg.ArchiveTTL, cfg.StaleTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Probes the feed on Fibonacci backoff after a handler reports it down.
	health.StartRecoveryListener(ctx, weatherService.Ping, cfg.RecoveryInitial, cfg.RecoveryMax, func() {
		logger.Warn("feed recovery probing exhausted; will retry on next degraded signal")
	})

	// Boot warming: fetch the archive once so the first request hits cache.
	warmCtx, warmCancel := context.WithTimeout(ctx, cfg.WarmingTimeout)
	if err := weatherService.Refresh(warmCtx, "boot"); err != nil {
		logger.Warn("boot archive warming failed; serving cold", zap.Error(err))
	}
	warmCancel()

	var refreshScheduler *scheduler.Scheduler
	if cfg.RefreshInterval > 0 {
		refreshScheduler = scheduler.New(weatherService, cfg.RefreshInterval, cfg.WarmingTimeout, logger)
		if err := refreshScheduler.Start(); err != nil {
			logger.Fatal("refresh scheduler", zap.Error(err))
		}
		logger.Info("periodic archive refresh scheduled", zap.Duration("interval", cfg.RefreshInterval))
	} else {
		logger.Info("periodic archive refresh disabled")
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		DegradedMinSamples:     cfg.DegradedMinSamples,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(weatherService, healthConfig, logger, limiter)

	observability.RegisterHealthGauges(cfg.OverloadWindow)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/", handler.GetRoot).Methods("GET")
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(httphandler.RateLimitMiddleware(limiter))
	weatherRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	weatherRouter.HandleFunc("", handler.GetWeather).Methods("GET")

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoints exposed")
		router.HandleFunc("/test/refresh", handler.PostTestRefresh).Methods("POST")
		router.HandleFunc("/test/flush-cache", handler.PostTestFlushCache).Methods("POST")
		router.HandleFunc("/test/sol", handler.GetTestSol).Methods("GET")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	health.SetShuttingDown(true)
	if refreshScheduler != nil {
		refreshScheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.ShutdownInFlightRemaining.Set(float64(inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}
	observability.ShutdownInFlightRemaining.Set(float64(httphandler.InFlightCount()))

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
