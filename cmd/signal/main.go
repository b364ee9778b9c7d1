package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomlink/internal/core/domain"
	"roomlink/internal/core/ports"
	"roomlink/internal/core/services"
	httphandlers "roomlink/internal/handlers/http"
	"roomlink/internal/infrastructure/distributed"
	"roomlink/internal/infrastructure/monitoring"
	"roomlink/internal/infrastructure/repositories/memory"
	redisrepo "roomlink/internal/infrastructure/repositories/redis"
	signalinfra "roomlink/internal/infrastructure/signal"
	"roomlink/pkg/config"
	pkgdistributed "roomlink/pkg/distributed"
	"roomlink/pkg/logger"
	"roomlink/pkg/tracing"
	"roomlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/roomlink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	logg := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
	})
	if err != nil {
		logg.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}()

	// Storage backends. Redis is the shared store for multi-instance
	// deployments; memory mode runs everything in-process.
	var (
		kvStore     ports.KVStore
		roomRepo    ports.RoomRepository
		guestRepo   ports.GuestRepository
		redisClient *redis.Client
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisrepo.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logg)
		if err != nil {
			logg.Fatalw("failed to connect to Redis", "error", err)
		}
		defer redisrepo.CloseRedisClient(redisClient)
		kvStore = redisrepo.NewRedisKVStore(redisClient)
		roomRepo = redisrepo.NewRedisRoomRepository(redisClient)
		guestRepo = redisrepo.NewRedisGuestRepository(redisClient)
	} else {
		kvStore = memory.NewMemoryKVStore()
		roomRepo = memory.NewMemoryRoomRepository()
		guestRepo = memory.NewMemoryGuestRepository()
		logg.Warnw("running with in-memory store; sessions are not shared across instances")
	}

	sink := monitoring.NewPrometheusCollector()

	// Core services, wired explicitly.
	issuer, err := services.NewCredentialService(cfg.TURN.Secret, cfg.TURN.DefaultTTL, sink, logg)
	if err != nil {
		logg.Fatalw("failed to create credential service", "error", err)
	}

	resolver := services.NewEndpointService(cfg.TURN.STUNURLs, cfg.TURN.URLs, cfg.TURN.EndpointCache, issuer, logg)
	defer resolver.Close()

	guard := services.NewSecurityService(services.SecurityConfig{
		FailOpen:             cfg.Security.FailOpen,
		CredentialRateLimit:  cfg.Security.CredentialRateLimit,
		CredentialRateWindow: cfg.Security.CredentialRateWindow,
		CredentialIPFactor:   cfg.Security.CredentialIPFactor,
		ConnectionRateLimit:  cfg.Security.ConnectionRateLimit,
		ConnectionRateWindow: cfg.Security.ConnectionRateWindow,
		ConnectionIPFactor:   cfg.Security.ConnectionIPFactor,
		HostBandwidthQuota:   cfg.Security.HostBandwidthQuota,
		GuestBandwidthQuota:  cfg.Security.GuestBandwidthQuota,
		BandwidthWindow:      cfg.Security.BandwidthWindow,
		MaxSessionsPerUser:   cfg.Security.MaxSessionsPerUser,
		SessionCountTTL:      cfg.Security.SessionCountTTL,
		RestrictIPs:          cfg.Security.RestrictIPs,
		AllowedCIDRs:         cfg.Security.AllowedCIDRs,
		BlockedIPs:           cfg.Security.BlockedIPs,
		MaxConnectionsPerIP:  cfg.Security.MaxConnectionsPerIP,
		ViolationTTL:         cfg.Security.ViolationTTL,
		AutoBlockDuration:    cfg.Security.AutoBlockDuration,
	}, kvStore, sink, logg)

	registry := signalinfra.NewRegistry(logg)

	var locker services.RoomLocker
	if cfg.Redis.Enabled && cfg.Redis.RoomLocks {
		locker = lockerAdapter{mgr: pkgdistributed.NewLockManager(redisClient, "roomlink:lock:room:", 10*time.Second)}
	}

	coordinator := services.NewSessionService(kvStore, roomRepo, registry, resolver, locker, sink, cfg.Signal.SessionTTL, logg)

	restarter := signalinfra.NewSignalRestarter(coordinator, registry, logg)
	recovery := services.NewRecoveryService(services.RecoveryConfig{
		MaxAttempts:        cfg.Recovery.MaxAttempts,
		InitialDelay:       cfg.Recovery.InitialDelay,
		MaxDelay:           cfg.Recovery.MaxDelay,
		Multiplier:         cfg.Recovery.Multiplier,
		NetworkDelayFloor:  cfg.Recovery.NetworkDelayFloor,
		RestartTimeout:     cfg.Recovery.RestartTimeout,
		EnableSTUNFallback: cfg.Recovery.EnableSTUNFallback,
	}, restarter, issuer, resolver, sink, logg)

	quality := services.NewQualityService(services.QualityConfig{
		SampleInterval: cfg.Quality.SampleInterval,
		Excellent:      qualityThreshold(cfg.Quality.ExcellentRTT, cfg.Quality.ExcellentLoss),
		Good:           qualityThreshold(cfg.Quality.GoodRTT, cfg.Quality.GoodLoss),
		Fair:           qualityThreshold(cfg.Quality.FairRTT, cfg.Quality.FairLoss),
		HighLatency:    cfg.Quality.HighLatency,
		PacketLossWarn: cfg.Quality.PacketLossWarn,
	}, sink, logg)
	defer quality.Close()

	tokens := services.NewTokenService(cfg.Auth.JWTSecret)

	wsServer := signalinfra.NewServer(signalinfra.ServerConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		MessageBurst:      cfg.Signal.MessageBurst,
		MediaIngest:       cfg.Quality.MediaIngest,
	}, coordinator, registry, guard, tokens, resolver, recovery, quality, guestRepo, sink, logg)

	// Cross-instance event fan-out. Relayed signaling messages are delivered
	// to this instance's local connections.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if cfg.Redis.Enabled {
		bus := distributed.NewEventBus(redisClient, utils.GenerateConnectionID(), logg)

		coordinator.SetRelay(func(roomID domain.RoomID, exclude domain.ParticipantID, message any) {
			payload, merr := json.Marshal(message)
			if merr != nil {
				logg.Warnw("could not marshal relayed message", "room_id", roomID, "error", merr)
				return
			}
			ctx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
			defer cancel()
			if perr := bus.Publish(ctx, &distributed.Event{
				Type:          distributed.EventSignalRelay,
				RoomID:        roomID,
				ParticipantID: exclude,
				Payload:       payload,
			}); perr != nil {
				logg.Warnw("could not publish relayed message", "room_id", roomID, "error", perr)
			}
		})

		go func() {
			err := bus.Subscribe(rootCtx, func(ev *distributed.Event) error {
				if ev.Type != distributed.EventSignalRelay {
					return nil
				}
				var msg signalinfra.Message
				if err := json.Unmarshal(ev.Payload, &msg); err != nil {
					return err
				}
				coordinator.BroadcastLocal(rootCtx, ev.RoomID, &msg, ev.ParticipantID)
				return nil
			})
			if err != nil && rootCtx.Err() == nil {
				logg.Errorw("event bus subscription ended", "error", err)
			}
		}()
	}

	healthChecker := monitoring.NewHealthChecker()
	if cfg.Redis.Enabled {
		healthChecker.AddCheck("redis", func(ctx context.Context) (bool, error) {
			return redisClient.Ping(ctx).Err() == nil, nil
		}, 2*time.Second)
	}

	// Periodic sweeps: expired sessions and dead registry entries.
	go func() {
		ticker := time.NewTicker(cfg.Signal.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				evicted := coordinator.CleanupExpiredSessions(rootCtx)
				swept := coordinator.CleanupInactiveConnections()
				if evicted > 0 || swept > 0 {
					logg.Infow("periodic sweep", "sessions_evicted", evicted, "connections_swept", swept)
				}
			}
		}
	}()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	credentialHandler := httphandlers.NewCredentialHandler(issuer, resolver, guard, tokens, cfg.TURN.URLs)
	credentialHandler.SetupRoutes(router)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", func(c *gin.Context) {
		status := healthChecker.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      status.Status,
			"timestamp":   status.Timestamp.Unix(),
			"checks":      status.Checks,
			"connections": registry.Len(),
		})
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logg.Infow("starting signaling server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Infow("shutting down")
	rootCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Errorw("server shutdown failed", "error", err)
	}
}

func qualityThreshold(rtt time.Duration, loss float64) domain.QualityThreshold {
	return domain.QualityThreshold{MaxRTT: rtt, MaxLossRate: loss}
}

// lockerAdapter bridges the distributed lock manager to the coordinator's
// per-room locking interface.
type lockerAdapter struct {
	mgr *pkgdistributed.LockManager
}

func (a lockerAdapter) ForKey(key string) services.RoomLock {
	return a.mgr.ForKey(key)
}
