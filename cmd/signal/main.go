package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/internal/core/services"
	httphandlers "peercall/internal/handlers/http"
	"peercall/internal/infrastructure/distributed"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	"peercall/internal/infrastructure/reliability"
	relay "peercall/internal/infrastructure/signal"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/retry"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	issue := flag.String("issue", "", "print a relay token for this participant and exit")
	displayName := flag.String("name", "", "display name embedded in an issued token")
	flag.Parse()

	paths := []string{"configs/config.yaml", "config.yaml"}
	if *configPath != "" {
		paths = []string{*configPath}
	}
	cfg, err := config.LoadFirst(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)

	if *issue != "" {
		if err := validation.ValidateParticipantID(*issue); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		token, err := authService.GenerateToken(domain.ParticipantID(*issue), *displayName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peercall-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	opts := []relay.RelayOption{
		relay.WithRelayMetrics(collector),
		relay.WithMessageLimiter(func() *rate.Limiter { return middleware.NewMessageLimiter(cfg) }),
	}

	health := monitoring.NewHealthChecker(log)

	var redisClient *redis.Client
	var presence *distributed.RedisPresence
	if cfg.Redis.Enabled {
		redisClient, err = distributed.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatalw("failed to connect to redis", "error", err)
		}
		instanceID := uuid.New().String()
		presence = distributed.NewRedisPresence(redisClient, instanceID, "peercall:", cfg.Redis.PresenceTTL, log)
		var bus ports.RelayBus = distributed.NewRedisRelayBus(redisClient, instanceID, cfg.Redis.Channel, log)
		var located ports.Presence = presence
		if cfg.Redis.BreakerThreshold > 0 {
			guard := reliability.NewRelayGuard("redis",
				circuitbreaker.Config{
					FailureThreshold:    cfg.Redis.BreakerThreshold,
					SuccessThreshold:    1,
					Timeout:             cfg.Redis.BreakerTimeout,
					MaxRequestsHalfOpen: 1,
				},
				retry.Config{
					Enabled:      true,
					MaxAttempts:  2,
					InitialDelay: 50 * time.Millisecond,
					MaxDelay:     500 * time.Millisecond,
					Multiplier:   2,
					Jitter:       true,
				},
				collector,
				log,
			)
			bus, located = guard.Bus(bus), guard.Presence(located)
			health.AddCheck("redis_circuit", guard, time.Second)
		}
		opts = append(opts, relay.WithRelayBus(bus, located))
		health.AddCheck("redis", distributed.NewRedisChecker(redisClient), 2*time.Second)
		log.Infow("cross-instance relay enabled", "instance_id", instanceID, "channel", cfg.Redis.Channel)
	}

	relayServer := relay.NewRelayServer(relay.RelayConfigFromConfig(cfg), log, opts...)
	health.AddCheck("relay", relayServer, time.Second)
	health.StartBackgroundChecks(ctx, cfg.Monitoring.HealthCheckInterval)

	busErr := make(chan error, 1)
	go func() {
		if err := relayServer.RunBus(ctx); err != nil && ctx.Err() == nil {
			busErr <- err
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLoggingMiddleware(requestLog),
		middleware.ErrorHandlerMiddleware(requestLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	connLimiter := middleware.NewConnectionLimiter(cfg.RateLimiting.WebSocket.MaxConcurrent)
	registrars := []ports.RouteRegistrar{
		httphandlers.NewHealthHandler(health, gatherer),
		httphandlers.NewAuthHandler(authService),
		httphandlers.NewRelayHandler(relayServer, middleware.AuthMiddleware(authService, cfg.Auth.Required), connLimiter.Middleware()),
	}
	for _, r := range registrars {
		r.SetupRoutes(router)
	}

	srv := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting peercall relay", "address", cfg.Signal.Address, "auth_required", cfg.Auth.Required)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("relay server failed", "error", err)
	case err := <-busErr:
		log.Errorw("relay bus stopped", "error", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("relay connections did not drain", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if presence != nil {
		if err := presence.Cleanup(shutdownCtx); err != nil {
			log.Warnw("failed to clean up presence", "error", err)
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("peercall relay stopped")
}
