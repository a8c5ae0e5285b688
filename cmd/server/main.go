package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/freshmart/pkg/api"
	"github.com/example/freshmart/pkg/config"
	"github.com/example/freshmart/pkg/gateway"
	"github.com/example/freshmart/pkg/notify"
	"github.com/example/freshmart/pkg/repository"
	"github.com/example/freshmart/pkg/settlement"
	"github.com/example/freshmart/pkg/store"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting settlement service",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port))

	// Primary store
	st, err := store.Open(&cfg.MySQL, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	ctx := context.Background()

	// Redis cache (optional)
	var cache *repository.RedisRepository
	if cfg.Redis.Addr != "" {
		cache = repository.NewRedisRepository(&cfg.Redis)
		if err := cache.Ping(ctx); err != nil {
			logger.Warn("Redis connection failed, continuing without cache", zap.Error(err))
			cache = nil
		} else {
			logger.Info("Redis connected successfully")
		}
	}

	// Mongo audit trail (optional)
	var audit *repository.MongoRepository
	if cfg.MongoDB.URI != "" {
		audit, err = repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			logger.Warn("MongoDB connection failed, continuing without audit trail", zap.Error(err))
			audit = nil
		} else {
			defer func() {
				cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				audit.Close(cctx)
			}()
		}
	}

	// Payment gateway
	paystack := gateway.NewPaystack(&cfg.Paystack, logger.Named("paystack"))

	// Settlement core
	dispatcher := notify.NewDispatcher(
		notify.NewStoreNotifier(st.DB()),
		notify.NewLogMailer(logger.Named("mailer")),
		logger,
	)
	svc := settlement.New(st, paystack, cache, audit, dispatcher, cfg.Paystack.CallbackURL, logger.Named("settlement"))

	// HTTP server
	server := api.NewServer(cfg, svc, cache, logger.Named("api"))
	server.SetupRoutes()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	logger.Info("Settlement service started")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Fatal("Server error", zap.Error(err))
	}

	if cache != nil {
		cache.Close()
	}

	logger.Info("Service stopped")
}
