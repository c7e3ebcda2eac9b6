package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"aasanpos/backend/internal/config"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/kv"
)

func TestValidateSecurityConfigRejectsShortSecret(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsLongSecret(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"}); err != nil {
		t.Fatalf("expected long secret to pass, got %v", err)
	}
}

func TestOpenStoreMemoryIsSeeded(t *testing.T) {
	repo, closeFn, err := openStore(context.Background(), config.Config{StoreBackend: config.BackendMemory, ShopID: "shop-x"})
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if closeFn != nil {
		t.Fatalf("memory store needs no closer")
	}
	docs, err := repo.List(context.Background(), "shop-x", domain.CollectionProducts)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(docs) == 0 {
		t.Fatalf("expected seeded products for shop-x")
	}
}

func TestOpenStoreRequiresConnectionSettings(t *testing.T) {
	for _, backend := range []string{config.BackendPostgres, config.BackendMongo} {
		if _, _, err := openStore(context.Background(), config.Config{StoreBackend: backend}); err == nil {
			t.Fatalf("expected %s without a URL to fail", backend)
		}
	}
	_, _, err := openStore(context.Background(), config.Config{StoreBackend: "sqlite"})
	if err == nil || !strings.Contains(err.Error(), "unknown STORE_BACKEND") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestOpenQueueDefaultsToDeviceFile(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, locker, closeFn, err := openQueue(context.Background(), config.Config{QueueBackend: config.QueueSQLite, QueuePath: path}, log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })
	if _, ok := store.(*kv.SQLite); !ok || locker == nil {
		t.Fatalf("expected sqlite store with a locker, got %T", store)
	}
}

func TestOpenQueueFallsBackToFileWhenRedisIsDown(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cfg := config.Config{
		QueueBackend: config.QueueRedis,
		RedisAddr:    "127.0.0.1:1",
		QueuePath:    filepath.Join(t.TempDir(), "queue.db"),
	}
	store, _, closeFn, err := openQueue(ctx, cfg, log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })
	if _, ok := store.(*kv.SQLite); !ok {
		t.Fatalf("expected sqlite fallback, got %T", store)
	}
}

func TestOpenQueueMemoryOnlyWhenAsked(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	store, _, closeFn, err := openQueue(context.Background(), config.Config{QueueBackend: config.QueueMemory}, log)
	if err != nil || closeFn != nil {
		t.Fatalf("open memory queue: closer=%v err=%v", closeFn != nil, err)
	}
	if _, ok := store.(*kv.Memory); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
	if hook.LastEntry() == nil || !strings.Contains(hook.LastEntry().Message, "lost on restart") {
		t.Fatalf("expected a durability warning")
	}
	if _, _, _, err := openQueue(context.Background(), config.Config{QueueBackend: "tape"}, log); err == nil {
		t.Fatalf("expected unknown queue backend to fail")
	}
}
