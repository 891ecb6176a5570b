package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"voicecall-backend/internal/database"
	"voicecall-backend/internal/domain"
	pushHandler "voicecall-backend/internal/handler/http/push"
	callHandler "voicecall-backend/internal/handler/http/voicecall"
	wsHandler "voicecall-backend/internal/handler/ws"
	"voicecall-backend/internal/middleware"
	"voicecall-backend/internal/repository"
	cassandraRepo "voicecall-backend/internal/repository/cassandra"
	"voicecall-backend/internal/repository/cockroach"
	"voicecall-backend/internal/repository/memory"
	redisRepo "voicecall-backend/internal/repository/redis"
	"voicecall-backend/internal/service/voicecall"
	"voicecall-backend/pkg/config"
	"voicecall-backend/pkg/constants"
	"voicecall-backend/pkg/jwt"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/push"
	"voicecall-backend/pkg/resilience"
)

const signalingPath = "/v1/voice-calls/ws/signaling"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	database.InitRedisMetrics(appMetrics.GetRegistry())

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.Issuer)

	// 3. Call and user storage
	var (
		callRepo repository.CallRepository
		users    repository.UserStore
	)
	memDirectory := memory.NewDirectoryFromSeed(cfg.Storage.SeedUsers)

	switch cfg.Storage.Backend {
	case "cockroach":
		db := connectCockroach(ctx, cfg)
		defer db.Close()

		cockroachCalls := cockroach.NewCallRepository(db.Pool)
		cockroachUsers := cockroach.NewUserRepository(db.Pool)
		for _, ensure := range []func(context.Context) error{cockroachCalls.EnsureSchema, cockroachUsers.EnsureSchema} {
			if err := ensure(ctx); err != nil {
				logger.Fatal("Failed to prepare CockroachDB schema", zap.Error(err))
			}
		}
		seedUsers(ctx, cockroachUsers, memDirectory)

		cachedUsers := repository.NewCachedUserStore(cockroachUsers, constants.UserCacheTTL, constants.UserCacheSize)
		stopCleanup := cachedUsers.StartCleanup(constants.UserCacheCleanup)
		defer stopCleanup()

		callRepo = cockroachCalls
		users = cachedUsers
		logger.Info("Using CockroachDB call storage", zap.String("host", cfg.Database.Host))
	default:
		callRepo = memory.NewCallRepository()
		users = memDirectory
		logger.Info("Using in-memory call storage", zap.Int("seed_users", len(cfg.Storage.SeedUsers)))
	}

	// 4. Redis presence, push tokens and cross-instance relay
	var (
		presence   wsHandler.PresenceTracker = memDirectory
		presenceRO repository.PresenceStore  = memDirectory
		tokenRepo  push.TokenRepository      = memory.NewPushTokenRepository()
		redisDB    *database.RedisClient
	)
	if cfg.Redis.Enabled {
		redisDB = database.NewRedisDB(ctx, &database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		defer redisDB.Close()
		redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

		redisPresence := redisRepo.NewPresenceRepository(redisDB, cfg.Call.PresenceTTL)
		presence = redisPresence
		presenceRO = redisPresence
		tokenRepo = redisRepo.NewPushTokenRepository(redisDB)
		logger.Info("Redis enabled for presence, push tokens and relay",
			zap.String("host", cfg.Redis.Host),
			zap.Int("port", cfg.Redis.Port))
	}

	// 5. Call event log
	var eventRepo repository.CallEventRepository = memory.NewCallEventRepository()
	if cfg.Cassandra.Enabled {
		cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
			Hosts:    cfg.Cassandra.Hosts,
			Keyspace: cfg.Cassandra.Keyspace,
			Username: cfg.Cassandra.Username,
			Password: cfg.Cassandra.Password,
			Timeout:  cfg.Cassandra.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
		}
		defer cassandraDB.Close()

		cassandraEvents := cassandraRepo.NewCallEventRepository(cassandraDB)
		if err := cassandraEvents.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare Cassandra schema", zap.Error(err))
		}
		eventRepo = cassandraEvents
		logger.Info("Using Cassandra call event log", zap.Strings("hosts", cfg.Cassandra.Hosts))
	}

	// 6. Missed-call push notifications
	pushProvider, err := push.NewProvider(ctx, cfg.Push.Provider, cfg.Push.FirebaseProjectID)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	breaker := resilience.NewBreaker("push", resilience.DefaultConfig(), appMetrics.GetRegistry())
	pushSvc := push.NewService(push.NewGuardedProvider(pushProvider, breaker), tokenRepo)

	// 7. Call service, signaling hub and ring-timeout sweeper
	callSvc := voicecall.NewService(callRepo, repository.NewDirectory(users, presenceRO),
		voicecall.WithEventLog(eventRepo),
		voicecall.WithMissedCallPush(pushSvc),
		voicecall.WithMetrics(appMetrics),
	)

	hubOpts := []wsHandler.HubOption{
		wsHandler.WithPresence(presence),
		wsHandler.WithHubMetrics(appMetrics),
	}
	if redisDB != nil {
		hubOpts = append(hubOpts, wsHandler.WithRedisRelay(redisDB))
	}
	hub := wsHandler.NewSignalingHub(callSvc, jwtManager, wsHandler.HubConfig{
		MaxConnections: cfg.Server.MaxSignalingConns,
		HistoryLimit:   cfg.Call.HistoryLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, hubOpts...)
	defer hub.Shutdown()
	callSvc.SetNotifier(hub)

	if redisDB != nil {
		go hub.RunRelay(ctx, 2*time.Second)
	}

	sweeper, err := voicecall.NewSweeper(callSvc, cfg.Call.RingTimeout, cfg.Call.SweepSchedule)
	if err != nil {
		logger.Fatal("Failed to schedule ring timeout sweeper", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	// 8. Router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.Timeout(constants.DefaultTimeout, signalingPath))

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	calls := router.Group("/v1/voice-calls")
	calls.GET("/ws/signaling", hub.ServeWS)

	authed := calls.Group("")
	authed.Use(middleware.AuthMiddleware(jwtManager))
	callHandler.NewHandler(callSvc, cfg.Call.HistoryLimit).RegisterRoutes(authed)

	pushGroup := router.Group("/v1/push")
	pushGroup.Use(middleware.AuthMiddleware(jwtManager))
	pushHandler.NewHandler(pushSvc).RegisterRoutes(pushGroup)

	// 9. Serve until signalled
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling", signalingPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// connectCockroach retries with exponential backoff before giving up
func connectCockroach(ctx context.Context, cfg *config.Config) *database.DB {
	dbConfig := &database.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}

	const maxRetries = 5
	baseDelay := time.Second
	maxDelay := 30 * time.Second

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var db *database.DB
		db, err = database.NewCockroachDB(ctx, dbConfig)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db
		}
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			logger.Fatal("Interrupted while connecting to CockroachDB")
		}
	}

	logger.Fatal("Failed to connect to CockroachDB", zap.Int("attempts", maxRetries), zap.Error(err))
	return nil
}

// seedUsers copies configured seed accounts into CockroachDB
func seedUsers(ctx context.Context, users *cockroach.UserRepository, seeds *memory.Directory) {
	for _, id := range seeds.UserIDs() {
		user, _ := seeds.GetUser(ctx, id)
		if user == nil {
			continue
		}
		if err := users.Upsert(ctx, &domain.User{UserID: user.UserID, DisplayName: user.DisplayName}); err != nil {
			logger.Warn("Failed to seed user", zap.String("user_id", id), zap.Error(err))
		}
	}
}
