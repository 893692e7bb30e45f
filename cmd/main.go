package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mehmetcc/jwtauth/internal/auth"
	"github.com/mehmetcc/jwtauth/internal/config"
	"github.com/mehmetcc/jwtauth/internal/database"
	"github.com/mehmetcc/jwtauth/internal/refresh"
	"github.com/mehmetcc/jwtauth/internal/token"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// init logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	// load config
	cfg, err := config.LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// refresh token store
	repo, closeStore, err := openRefreshStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open refresh token store", zap.String("store", cfg.RefreshConfig.Store), zap.Error(err))
	}
	defer closeStore()
	go refresh.RunJanitor(ctx, repo, cfg.RefreshConfig.CleanupInterval, logger)

	// services
	tokens, err := token.NewTokenService(logger, cfg.JWTConfig)
	if err != nil {
		logger.Fatal("failed to initialize token service", zap.Error(err))
	}
	authService := auth.NewAuthenticationService(tokens, repo, cfg.JWTConfig, logger)
	authHandler := auth.NewAuthenticationHandler(authService, tokens, cfg.RefreshConfig, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.AppConfig.Port,
		Handler:      newRouter(authHandler, logger, cfg.AppConfig.TrustProxyHeaders),
		ReadTimeout:  cfg.AppConfig.ReadTimeout,
		WriteTimeout: cfg.AppConfig.WriteTimeout,
		IdleTimeout:  cfg.AppConfig.IdleTimeout,
	}

	go func() {
		logger.Info("application started", zap.String("addr", srv.Addr), zap.String("store", cfg.RefreshConfig.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openRefreshStore connects the configured backend. The returned func closes
// the underlying connection pool.
func openRefreshStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (refresh.Repo, func(), error) {
	switch cfg.RefreshConfig.Store {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return refresh.NewRedisRepo(client, logger), func() { _ = client.Close() }, nil
	default:
		db, err := database.Init(ctx, cfg.DbConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, db, logger); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return refresh.NewPostgresRepo(db, logger), func() { _ = db.Close() }, nil
	}
}
