package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zhouzirui/nss-chat/backend/internal/config"
	"github.com/zhouzirui/nss-chat/backend/internal/handler"
	"github.com/zhouzirui/nss-chat/backend/internal/logger"
	"github.com/zhouzirui/nss-chat/backend/internal/service/auth"
	"github.com/zhouzirui/nss-chat/backend/internal/service/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if envErr != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	issuer, err := auth.NewIssuer(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL)
	if err != nil {
		log.Fatal("RELAY_JWT_SECRET is required", zap.Error(err))
	}

	var repo relay.Repository
	if cfg.Relay.RedisEnabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal("redis unavailable", zap.String("addr", cfg.Relay.RedisAddr), zap.Error(err))
		}
		repo = relay.NewRedisRepository(client, "nss:chat:")
		log.Info("message repository: redis", zap.String("addr", cfg.Relay.RedisAddr))
	} else {
		repo = relay.NewMemoryRepository()
		log.Info("message repository: memory (REDIS_ADDR not set)")
	}

	svc := relay.NewService(repo, relay.NewHub(log), cfg.Relay.HistoryLimit, log)
	router := handler.NewRouter(svc, issuer, log)

	startServer(ctx, cfg.Server, router, log)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("NSS chat relay listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
