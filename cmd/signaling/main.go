package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/config"
	"github.com/mossy-p/desklink/internal/auth"
	"github.com/mossy-p/desklink/internal/handlers"
	"github.com/mossy-p/desklink/internal/ice"
	"github.com/mossy-p/desklink/internal/logging"
	"github.com/mossy-p/desklink/internal/middleware"
	"github.com/mossy-p/desklink/internal/redis"
	"github.com/mossy-p/desklink/internal/rooms"
	"github.com/mossy-p/desklink/internal/session"
	"github.com/mossy-p/desklink/internal/signaling"
)

const keyPrefix = "desklink"

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		sessionStore session.Store
		roomStore    rooms.Store
	)
	switch cfg.Store {
	case "memory":
		logger.Warn("using in-memory stores; sessions and rooms are lost on restart")
		sessionStore = session.NewMemoryStore(cfg.Session.RecordTTL)
		roomStore = rooms.NewMemoryStore(rooms.DefaultTTL)
	default:
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		logger.Info("Redis connection established", zap.String("host", cfg.Redis.Host))
		sessionStore = session.NewRedisStore(rdb, keyPrefix, cfg.Session.RecordTTL)
		roomStore = rooms.NewRedisStore(rdb, keyPrefix, rooms.DefaultTTL)
	}

	issuer := auth.NewIssuer(cfg.JWTSecret)
	hub := signaling.NewHub(signaling.HubOptions{
		Issuer:      issuer,
		Sessions:    sessionStore,
		Rooms:       roomStore,
		Logger:      logger,
		CheckOrigin: handlers.OriginChecker(cfg.AllowedOrigins),
	})
	registry := session.NewRegistry(sessionStore, hub, issuer, session.Options{
		TokenTTL:        cfg.Session.TokenTTL,
		RequestInterval: cfg.Session.RequestInterval,
		Logger:          logger,
	})
	provider := ice.NewProvider(cfg.ICE, logger)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	jwtAuth := middleware.JWTAuth(issuer)
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", handlers.Login(issuer, logger))

		// Mesh meeting rooms
		apiGroup.POST("/rooms", jwtAuth, handlers.CreateRoom(roomStore, logger))
		apiGroup.GET("/rooms/:roomId", handlers.GetRoom(roomStore, logger))
		apiGroup.DELETE("/rooms/:roomId", jwtAuth, handlers.DeleteRoom(roomStore, logger))

		// Remote control sessions and ICE configuration
		authed := apiGroup.Group("", jwtAuth)
		handlers.NewSessions(registry, hub, logger).Register(authed)
		authed.GET("/turn-token", handlers.TurnToken(provider, logger))
	}

	// WebSocket signaling endpoint; the token is checked by the hub
	router.GET("/ws", handlers.HandleSignaling(hub))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting desklink signaling server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
