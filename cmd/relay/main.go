package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livestage/internal/core/services"
	httphandlers "livestage/internal/handlers/http"
	"livestage/internal/infrastructure/distributed"
	"livestage/internal/infrastructure/middleware"
	"livestage/internal/infrastructure/monitoring"
	"livestage/internal/infrastructure/repositories"
	signalrelay "livestage/internal/infrastructure/signal"
	"livestage/pkg/config"
	"livestage/pkg/logger"
	"livestage/pkg/tracing"
)

const maxRelayConnections = 10000

func main() {
	// Try multiple config paths
	configPaths := []string{
		os.Getenv("LIVESTAGE_CONFIG"),
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	zapLogger, err := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		zapLogger = zap.NewExample()
		zapLogger.Warn("falling back to example logger", zap.Error(err))
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar().With("component", "relay")

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "livestage-relay",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	streamRepo := repoFactory.CreateStreamRepository()
	roomRepo := repoFactory.CreateRoomRepository()
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	var bus *distributed.EventBus
	if client := repoFactory.Client(); client != nil {
		bus = distributed.NewEventBus(client, uuid.NewString(), log)
		log.Infow("cross-instance relaying enabled", "instance_id", bus.InstanceID())
	}

	relayCfg := signalrelay.RelayConfig{
		PingInterval:    cfg.Relay.PingInterval,
		PongTimeout:     cfg.Relay.PongTimeout,
		WriteTimeout:    cfg.Relay.WriteTimeout,
		PollHold:        cfg.Relay.PollHold,
		PollIdleTimeout: cfg.Relay.PollIdleTimeout,
	}
	if cfg.RateLimiting.Enabled {
		relayCfg.MessagesPerSecond = cfg.RateLimiting.Signaling.MessagesPerSecond
		relayCfg.Burst = cfg.RateLimiting.Signaling.Burst
		relayCfg.MaxMessageSize = cfg.RateLimiting.Signaling.MaxMessageSizeBytes
	}
	relay := signalrelay.NewRelay(roomRepo, bus, collector, relayCfg, log)

	streamService := services.NewStreamService(streamRepo, roomRepo)
	streamHandler := httphandlers.NewStreamHandler(streamService, log)

	health := monitoring.NewHealthChecker(log)
	health.AddStorageCheck(repoFactory.HealthCheck, 15*time.Second, 2*time.Second)
	health.AddRepositoryCheck(streamRepo, 30*time.Second, 2*time.Second)
	health.AddConnectionLimitCheck(relay.Connections, maxRelayConnections, 30*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	relay.RegisterRoutes(router)
	streamHandler.SetupRoutes(router)
	health.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Monitoring.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting relay", "address", cfg.Relay.Address, "redis", bus != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Infow("serving metrics", "address", cfg.Monitoring.Address)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	health.StartBackgroundChecks(gctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
		defer cancel()

		relay.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if bus != nil {
			_ = bus.Close()
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("relay stopped with error", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	log.Info("relay stopped")
}
