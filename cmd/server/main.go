package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/config"
	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/httpapi"
	"aasanpos/backend/internal/kv"
	"aasanpos/backend/internal/service"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/store/memory"
	mongostore "aasanpos/backend/internal/store/mongo"
	pgstore "aasanpos/backend/internal/store/postgres"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		logrus.Fatalf("load .env: %v", err)
	}
	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openStore(startCtx, cfg)
	if err != nil {
		log.Fatalf("%s store unavailable: %v", cfg.StoreBackend, err)
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}
	log.WithField("backend", cfg.StoreBackend).Info("document store ready")

	kvStore, locker, closeQueue, err := openQueue(startCtx, cfg, log)
	if err != nil {
		log.Fatalf("offline queue unavailable: %v", err)
	}
	if closeQueue != nil {
		closers = append(closers, closeQueue)
	}

	svc := service.New(service.Options{
		Store:         repo,
		KV:            kvStore,
		Locker:        locker,
		Notices:       connectivity.NewNoticeBoard(50, log),
		Log:           log,
		DefaultShopID: cfg.ShopID,
	})
	if cfg.StoreBackend != config.BackendMemory {
		if err := svc.SeedUsers(startCtx, cfg.ShopID, os.Getenv("SEED_ADMIN_PASSWORD"), os.Getenv("SEED_CASHIER_PASSWORD")); err != nil {
			log.WithError(err).Warn("seed users failed")
		}
	}
	if err := svc.Open(startCtx, cfg.ShopID); err != nil {
		// The shop opens lazily on first request once the store answers.
		log.WithError(err).WithField("shop_id", cfg.ShopID).Warn("shop session not opened at startup")
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, svc)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("POS backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	svc.Close()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.DocumentStore, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memory.NewSeeded(cfg.ShopID), nil, nil
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.BackendMongo:
		if cfg.MongoURI == "" {
			return nil, nil, errors.New("MONGO_URI is required for the mongo backend")
		}
		m, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

// openQueue picks the device-local storage for the offline queue. An
// unreachable Redis falls back to the SQLite file rather than to memory.
func openQueue(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (kv.Store, kv.Locker, func() error, error) {
	backend := cfg.QueueBackend
	if backend == config.QueueRedis {
		redisKV := kv.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		err := redisKV.Ping(ctx)
		if err == nil {
			log.Info("offline queue: redis")
			return redisKV, redisKV.Locker(time.Duration(cfg.DrainLockTTLSeconds) * time.Second), redisKV.Close, nil
		}
		log.WithError(err).Warn("redis unavailable, offline queue kept in " + cfg.QueuePath)
		_ = redisKV.Close()
		backend = config.QueueSQLite
	}

	switch backend {
	case config.QueueSQLite:
		db, err := kv.OpenSQLite(ctx, cfg.QueuePath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.WithField("path", cfg.QueuePath).Info("offline queue: sqlite")
		return db, kv.NewLocalLocker(), db.Close, nil
	case config.QueueMemory:
		log.Warn("offline queue: memory, queued sales are lost on restart")
		return kv.NewMemory(), kv.NewLocalLocker(), nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
