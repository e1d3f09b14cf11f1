// Package main запускает HTTP-сервер маркетплейса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ndorokhov/pointmarket/internal/auth"
	"github.com/ndorokhov/pointmarket/internal/config"
	"github.com/ndorokhov/pointmarket/internal/events"
	"github.com/ndorokhov/pointmarket/internal/feedcache"
	"github.com/ndorokhov/pointmarket/internal/handler"
	"github.com/ndorokhov/pointmarket/internal/points"
	"github.com/ndorokhov/pointmarket/internal/repository"
	"github.com/ndorokhov/pointmarket/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var cache service.FeedCache
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		cache = feedcache.New(rdb, time.Minute)
	}

	var producer service.EventPublisher
	if cfg.KafkaBrokers != "" {
		p := events.NewProducer(strings.Split(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		defer p.Close()
		producer = p
	}

	var provider service.PointsProvider
	if cfg.PointsProviderAddress != "" {
		provider = points.NewClient(cfg.PointsProviderAddress)
	}

	svc := service.NewService(repo, cache, producer, provider, sugar)
	defer svc.Close()

	if cfg.JWTSecret == "" {
		sugar.Fatal("JWT secret is not configured, refusing to start with a known signing key")
	}
	tokens := auth.NewTokenManager(cfg.JWTSecret)

	h := handler.NewHandler(svc, logger, tokens)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая сверка покупок баллов с провайдером
	g.Go(func() error {
		return svc.StartTopUpReconciliation(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting marketplace server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
