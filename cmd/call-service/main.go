package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"

	"echolink-backend/internal/config"
	intDatabase "echolink-backend/internal/database"
	callHandler "echolink-backend/internal/handler/http/call"
	wsHandler "echolink-backend/internal/handler/ws"
	"echolink-backend/internal/media"
	"echolink-backend/internal/media/pion"
	"echolink-backend/internal/middleware"
	"echolink-backend/internal/notify"
	"echolink-backend/internal/relay"
	memoryRelay "echolink-backend/internal/relay/memory"
	redisRelay "echolink-backend/internal/relay/redis"
	"echolink-backend/internal/repository/cockroach"
	callService "echolink-backend/internal/service/call"
	"echolink-backend/internal/signalstore"
	firestoreStore "echolink-backend/internal/signalstore/firestore"
	memoryStore "echolink-backend/internal/signalstore/memory"
	"echolink-backend/pkg/constants"
	pkgDatabase "echolink-backend/pkg/database"
	"echolink-backend/pkg/env"
	"echolink-backend/pkg/jwt"
	"echolink-backend/pkg/logger"
	"echolink-backend/pkg/metrics"
)

func main() {
	ctx := context.Background()

	// 1. Logger
	logger.InitDefault()
	defer logger.Sync()

	// 2. Configuration and JWT manager
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, constants.AccessTokenExpiry, constants.RefreshTokenExpiry)

	// 3. CockroachDB for call history with exponential backoff retry
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     26257,
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "echolink"),
		SSLMode:  "disable",
	}

	var db *pkgDatabase.CockroachDB
	var err error

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	if err != nil {
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
			time.Sleep(delay)

			db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
			if err == nil {
				break
			}
		}
	}

	// 4. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	var history callService.HistoryRecorder
	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
		log.Println("Running in limited mode without call history persistence")
	} else {
		defer db.Close()
		historyRepo := cockroach.NewCallHistoryRepository(db.Pool, appMetrics)
		if err := historyRepo.EnsureSchema(ctx); err != nil {
			log.Printf("Warning: Failed to prepare call history schema: %v", err)
		} else {
			history = historyRepo
			log.Println("✅ Connected to CockroachDB")
		}
	}

	// 5. Redis with degraded mode support
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     6379,
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		redisDB = nil
	} else {
		defer redisDB.Close()
		go redisDB.StartHealthCheck(ctx, 10*time.Second)
		log.Println("✅ Connected to Redis (health check every 10s)")
	}

	// 6. Signaling store
	var store signalstore.Store
	switch cfg.StoreBackend {
	case config.StoreBackendFirestore:
		if cfg.FirestoreProjectID == "" {
			log.Fatal("FIRESTORE_PROJECT_ID is required when STORE_BACKEND=firestore")
		}
		fsClient, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			log.Fatalf("Failed to create Firestore client: %v", err)
		}
		defer fsClient.Close()
		store = firestoreStore.NewStore(fsClient, cfg.FirestoreCollection)
		log.Printf("✅ Using Firestore signaling store (project %s)", cfg.FirestoreProjectID)
	case config.StoreBackendMemory, "":
		store = memoryStore.NewStore()
		log.Println("ℹ️  Using in-memory signaling store (single instance only)")
	default:
		log.Fatalf("Unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	// 7. Signal relay: Redis when available, in-process otherwise
	var signalRelay relay.Relay
	if redisDB != nil {
		signalRelay = redisRelay.NewRelay(redisDB.Client)
		log.Println("✅ Using Redis signal relay")
	} else {
		signalRelay = memoryRelay.NewRelay()
		log.Println("ℹ️  Using in-memory signal relay (single instance only)")
	}

	// 8. Media engine factory and ringer
	var engines media.Factory = pion.NewFactoryWithSTUN(pion.SilenceSource{}, cfg.STUNServers)
	ringer := notify.NewLogRinger()

	// 9. Call service, handlers, WebSocket gateway
	callSvc := callService.NewService(store, history, appMetrics)
	callHdlr := callHandler.NewHandler(callSvc)
	callGateway := wsHandler.NewCallGateway(callSvc, signalRelay, engines, ringer, appMetrics)

	// 10. Gin router
	router := gin.New()

	trustedProxies := []string{}
	if cfg.IsProduction() {
		trustedProxies = []string{
			"https://api.echolink.dev",
			"https://*.echolink.dev",
		}
	} else {
		trustedProxies = []string{
			"http://localhost:3000",
			"http://localhost:8080",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:8080",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.POST("/initiate", callHdlr.InitiateCall)
		v1.POST("/:id/answer", callHdlr.AnswerCall)
		v1.POST("/:id/decline", callHdlr.DeclineCall)
		v1.POST("/:id/end", callHdlr.EndCall)
		v1.GET("/history", callHdlr.GetCallHistory)
		v1.GET("/:id", callHdlr.GetCall)

		// WebSocket endpoint for live call sessions
		v1.GET("/ws", callGateway.ServeWS)
	}

	// 11. Serve with graceful shutdown
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %s\n", cfg.Port)
		log.Println("📡 Call sessions: /v1/calls/ws")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	stop, stopCancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopCancel()
	<-stop.Done()

	log.Println("Shutting down call service...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	log.Println("Call service stopped")
}
