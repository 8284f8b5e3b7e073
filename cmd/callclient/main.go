package main

import (
	"context"
	"encoding/json"
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
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	transport "peercall/internal/infrastructure/signal"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	participant := flag.String("id", "", "local participant id (overrides client.participant_id)")
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
	if *participant != "" {
		cfg.Client.ParticipantID = *participant
	}
	if err := validation.ValidateParticipantID(cfg.Client.ParticipantID); err != nil {
		fmt.Fprintf(os.Stderr, "client.participant_id: %v\n", err)
		os.Exit(1)
	}
	local := domain.ParticipantID(cfg.Client.ParticipantID)

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peercall-client",
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
	collector := monitoring.NewPrometheusCollector(registry)

	client := transport.NewClient(transport.ClientConfigFromConfig(cfg), log)
	unsubscribe, err := client.On(domain.EventTypingStatus, func(data json.RawMessage) {
		var p domain.TypingStatusPayload
		if err := json.Unmarshal(data, &p); err == nil {
			log.Infow("typing status", "sender_id", p.SenderID, "is_typing", p.IsTyping)
		}
	})
	if err != nil {
		log.Fatalw("failed to subscribe to typing status", "error", err)
	}
	defer unsubscribe()

	factory, err := webrtcinfra.NewPionFactory(webrtcinfra.ConfigFromConfig(cfg), collector, log)
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}
	media := services.NewMediaManager(
		webrtcinfra.NewSyntheticMedia(cfg.Media.Enabled, cfg.Media.Video, log),
		cfg.Media.RetainStream,
		log,
	)
	defer media.Close()

	callCfg := services.DefaultCallConfig()
	callCfg.RingTimeout = cfg.Call.RingTimeout
	callCfg.SendDecline = cfg.Call.SendDecline
	callCfg.GlareAutoAccept = cfg.Call.GlareAutoAccept
	callCfg.CandidateEvent = cfg.Call.CandidateEvent

	machine := services.NewCallMachine(local, client, factory, media, callCfg, log,
		services.WithObserver(&logObserver{logger: log}),
		services.WithCallMetrics(collector),
	)

	// The transport and the machine outlive the signal context so the
	// shutdown sequence can still hang up through them.
	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()
	machineCtx, stopMachine := context.WithCancel(context.Background())
	defer stopMachine()

	transportErr := make(chan error, 1)
	transportDone := make(chan struct{})
	go func() {
		defer close(transportDone)
		if err := client.Run(clientCtx); err != nil {
			transportErr <- err
		}
	}()
	machineErr := make(chan error, 1)
	machineDone := make(chan struct{})
	go func() {
		defer close(machineDone)
		if err := machine.Run(machineCtx); err != nil && machineCtx.Err() == nil {
			machineErr <- err
		}
	}()

	health := monitoring.NewHealthChecker(log)
	health.AddCheck("relay", client, time.Second)
	health.StartBackgroundChecks(ctx, cfg.Monitoring.HealthCheckInterval)

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
	registrars := []ports.RouteRegistrar{
		httphandlers.NewHealthHandler(health, gatherer),
		httphandlers.NewCallHandler(machine),
		httphandlers.NewChatHandler(client, local),
	}
	for _, r := range registrars {
		r.SetupRoutes(router)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Auth.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(router)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting peercall client", "participant_id", local, "control_api", cfg.Server.Address, "relay", cfg.Client.RelayURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case err := <-transportErr:
		log.Errorw("relay transport gave up", "error", err)
	case err := <-machineErr:
		log.Errorw("call machine stopped", "error", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopCall(shutdownCtx, machine,
		loop{stop: stopMachine, done: machineDone},
		loop{stop: stopClient, done: transportDone},
		log,
	)
	stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	_ = client.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("peercall client stopped")
}

type logObserver struct {
	logger *zap.SugaredLogger
}

func (o *logObserver) OnStateChange(s domain.CallSnapshot) {
	o.logger.Infow("call state",
		"call_id", s.CallID,
		"state", s.State,
		"remote", s.Remote,
		"end_reason", s.EndReason,
	)
}

func (o *logObserver) OnRemoteTrack(callID domain.CallID, track domain.RemoteTrack) {
	o.logger.Infow("remote track", "call_id", callID, "kind", track.Kind, "codec", track.Codec)
}

func (o *logObserver) OnCallError(callID domain.CallID, err error) {
	o.logger.Warnw("call error", "call_id", callID, "error", err)
}
