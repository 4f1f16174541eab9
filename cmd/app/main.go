package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/auth"
	"github.com/lupamo/realtime-collab/internal/bridge"
	"github.com/lupamo/realtime-collab/internal/config"
	"github.com/lupamo/realtime-collab/internal/handler"
	"github.com/lupamo/realtime-collab/internal/presence"
	"github.com/lupamo/realtime-collab/internal/repo"
	"github.com/lupamo/realtime-collab/internal/room"
	"github.com/lupamo/realtime-collab/internal/service"
	"github.com/lupamo/realtime-collab/internal/ws"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to Database.")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("Failed to ping the Database.")
	}
	logger.Info("Successfully connected to the Database!")

	registry := room.NewRegistry(logger)

	// Publisher: local fan-out only, or bridged over Redis when configured.
	var pub service.Publisher = registry
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		rc := redis.NewClient(opts)
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to ping Redis", zap.Error(err))
		}
		b := bridge.New(rc, registry, logger)
		go b.Run(ctx)
		pub = b
		logger.Info("Event bridge enabled", zap.String("channel", bridge.Channel))
	}

	tracker := presence.NewTracker(pub, cfg.PresenceThrottle, cfg.PresenceTTL, cfg.SweepInterval, logger)
	registry.SetSnapshot(tracker)
	tracker.Run(ctx)
	defer tracker.Stop()

	taskRepo := repo.NewTaskRepo(pool)
	syncService := service.NewSyncService(taskRepo, pub, cfg.StoreTimeout, logger)

	authn := auth.New(cfg.JWTSecret)
	wsHandler := ws.NewHandler(authn, registry, tracker,
		cfg.SessionQueueSize, cfg.HandshakeTimeout, cfg.WriteTimeout, logger)
	taskHandler := handler.NewTaskHandler(syncService, registry, tracker, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	r.Handle("/ws", wsHandler)
	taskHandler.Routes(r)

	srv := http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: websocket connections outlive any sane value.
	}

	go func() {
		logger.Info("Server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed: ", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Shutdown error: ", zap.Error(err))
	}
	logger.Info("Server stopped")
}
