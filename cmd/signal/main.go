package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/internal/core/services"
	httphandlers "snapmesh/internal/handlers/http"
	"snapmesh/internal/infrastructure/events"
	"snapmesh/internal/infrastructure/geo"
	"snapmesh/internal/infrastructure/middleware"
	"snapmesh/internal/infrastructure/monitoring"
	"snapmesh/internal/infrastructure/repositories/memory"
	signalrelay "snapmesh/internal/infrastructure/signal"
	"snapmesh/pkg/circuitbreaker"
	"snapmesh/pkg/config"
	"snapmesh/pkg/logger"
	"snapmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewPrometheusCollector(nil)
	checker := monitoring.NewHealthChecker()

	// Event bus, optionally mirrored to other instances through Redis.
	busOpts := []events.Option{events.WithDropHook(collector.RecordDroppedEvent)}
	var redisClient *redis.Client
	var mirror *events.RedisMirror
	if cfg.Redis.Enabled {
		redisClient, err = events.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			log.Fatalw("Failed to connect to Redis", "address", cfg.Redis.Address, "error", err)
		}
		mirror = events.NewRedisMirror(redisClient, cfg.Redis.Channel, uuid.NewString(), log)
		busOpts = append(busOpts, events.WithMirror(mirror))
		checker.AddRedisCheck(redisClient, 2*time.Second)
	}
	bus := events.NewBus(cfg.Events.SubscriberBuffer, log, busOpts...)
	if mirror != nil {
		go func() {
			if err := mirror.Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("Redis event mirror stopped", "error", err)
			}
		}()
	}

	// Geolocation
	var provider *geo.IPWhoProvider
	if cfg.Geo.Enabled {
		provider = geo.NewIPWhoProvider(cfg.Geo.ProviderURL, cfg.Geo.Timeout)
	}
	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = cfg.Geo.BreakerFailures
	breakerCfg.Timeout = cfg.Geo.BreakerCooldown
	geoCache := services.NewGeoCache(geoProvider(provider), services.GeoCacheConfig{
		Timeout: cfg.Geo.Timeout,
		Limiter: rate.NewLimiter(rate.Limit(cfg.Geo.RequestsPerSecond), cfg.Geo.Burst),
		Breaker: circuitbreaker.New(breakerCfg),
		Metrics: collector,
	}, log)

	// Core services
	registry := services.NewPeerRegistry(memory.NewMemoryPeerRepository(), geoCache, bus, collector, log)
	topology := services.NewTopologyGraph(registry, memory.NewMemoryEdgeRepository(), bus, collector, log)

	observations := bus.SubscribeBlocking("registry", cfg.Events.InternalBuffer, services.ObservationEventTypes...)
	go registry.Run(ctx, observations)
	removals := bus.SubscribeBlocking("topology", cfg.Events.InternalBuffer, domain.EventPeerRemoved)
	go topology.Run(ctx, removals)

	// Signaling relay
	relay := signalrelay.NewRelay(signalrelay.Config{
		Listener: signalrelay.ListenerConfig{
			Host:        cfg.Signal.Host,
			PublicHost:  cfg.Signal.PublicHost,
			Secure:      cfg.Signal.Secure,
			Port:        cfg.Signal.Port,
			ProbeCount:  cfg.Signal.PortProbeCount,
			BindTimeout: cfg.Signal.BindTimeout,
		},
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		MaxMessageBytes:  cfg.Signal.MaxMessageBytes,
		MaxOffers:        cfg.Signal.MaxOffers,
		AnnounceInterval: cfg.Signal.AnnounceInterval,
	}, geoCache, bus, log,
		signalrelay.WithMetrics(collector),
		signalrelay.WithPeerGone(func(ctx context.Context, id domain.PeerID) {
			registry.Remove(ctx, id)
		}),
	)
	if err := relay.Start(ctx); err != nil {
		log.Fatalw("Failed to start signaling relay", "error", err)
	}
	checker.AddRelayCheck(relay)

	// HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.CORSMiddleware(cfg.Server.AllowedOrigins),
		middleware.ErrorHandlerMiddleware(log),
	)

	httphandlers.NewHealthHandler(checker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	api := router.Group("/api/v1")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg, api.BasePath()+httphandlers.EventsPath))
	httphandlers.NewPeerHandler(registry).SetupRoutes(api)
	httphandlers.NewTopologyHandler(topology, relay).SetupRoutes(api)
	httphandlers.NewEventsHandler(registry, topology, 0, log).SetupRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting snapmesh API server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Errorw("API server failed", "error", err)
	case <-ctx.Done():
		log.Info("Received shutdown signal")
	}
	stop()

	log.Info("Shutting down snapmesh...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during API server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing API server", "error", closeErr)
		}
	}

	relayCtx, relayCancel := context.WithTimeout(shutdownCtx, cfg.Signal.ShutdownTimeout)
	defer relayCancel()
	if err := relay.Shutdown(relayCtx); err != nil {
		log.Errorw("Error during signaling relay shutdown", "error", err)
	}

	registry.Wait()
	bus.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("Error closing Redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer provider", "error", err)
	}

	log.Info("snapmesh stopped")
}

// geoProvider keeps a disabled provider a nil interface rather than a typed
// nil pointer.
func geoProvider(p *geo.IPWhoProvider) ports.GeoProvider {
	if p == nil {
		return nil
	}
	return p
}
