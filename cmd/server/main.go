package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"posgateway/internal/backend"
	"posgateway/internal/cache"
	"posgateway/internal/catalog"
	"posgateway/internal/config"
	"posgateway/internal/events"
	"posgateway/internal/httpapi"
	"posgateway/internal/logging"
	"posgateway/internal/service"
	"posgateway/internal/store"
	"posgateway/internal/store/memory"
	pgstore "posgateway/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, closeLogger, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
		File:        cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = closeLogger() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and database_url is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if !cfg.SkipMigrations {
			if err := pg.Migrate(); err != nil {
				logger.Fatal("apply migrations", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(logger.Named("store"))
		logger.Info("repository: in-memory")
	}

	refCache := cache.ReferenceCache(cache.NewMemoryReferenceCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReferenceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process catalog cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			refCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("catalog cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("catalog cache: in-process")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(brokers, cfg.KafkaTopic, logger.Named("events"))
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		logger.Info("sale events: kafka", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		logger.Info("sale events: disabled")
	}

	sales, err := backend.New(backend.Options{
		BaseURL:            cfg.BackendURL,
		Timeout:            cfg.BackendTimeout(),
		Logger:             logger.Named("backend"),
		BreakerFailures:    uint32(cfg.BreakerFailures),
		BreakerOpenTimeout: time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	})
	if err != nil {
		logger.Fatal("init sales backend client", zap.Error(err))
	}

	cat := catalog.New(sales, refCache, cfg.CatalogTTL(), logger.Named("catalog"))
	svc := service.New(repo, cat, sales, publisher, logger.Named("service"), service.Options{
		StoreID:     cfg.StoreID,
		SessionIdle: cfg.SessionIdle(),
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Checkout waits on the backend for up to BackendTimeout.
		WriteTimeout: cfg.BackendTimeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("POS gateway listening", zap.String("addr", cfg.Address()), zap.String("backend", cfg.BackendURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func validateConfig(cfg config.Config) error {
	if cfg.BackendURL == "" {
		return fmt.Errorf("POS_BACKEND_URL must be set")
	}
	parsed, err := url.Parse(cfg.BackendURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("POS_BACKEND_URL must be an absolute http(s) URL")
	}
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("POS_AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.KafkaBrokers != "" && cfg.KafkaTopic == "" {
		return fmt.Errorf("POS_KAFKA_TOPIC must be set when brokers are configured")
	}
	return nil
}
