package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Queue backends hold the offline queue and the cached shop snapshot.
// QueueMemory loses both on restart and must be asked for explicitly.
const (
	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	LogLevel              string
	LogFormat             string
	StoreBackend          string
	DatabaseURL           string
	MongoURI              string
	MongoDatabase         string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	QueueBackend          string
	QueuePath             string
	ShopID                string
	AuthSecret            string
	AccessTokenTTLMinutes int
	DrainLockTTLSeconds   int
}

// LoadDotEnv reads the given env files when present. Variables already set in
// the process environment win.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	lockTTL, err := strconv.Atoi(getEnv("DRAIN_LOCK_TTL_SECONDS", "30"))
	if err != nil || lockTTL < 1 {
		lockTTL = 30
	}

	backend := strings.ToLower(strings.TrimSpace(getEnv("STORE_BACKEND", "")))
	if backend == "" {
		backend = BackendMemory
		if os.Getenv("DATABASE_URL") != "" {
			backend = BackendPostgres
		}
	}

	queue := strings.ToLower(strings.TrimSpace(getEnv("QUEUE_BACKEND", "")))
	if queue == "" {
		queue = QueueSQLite
		if os.Getenv("REDIS_ADDR") != "" {
			queue = QueueRedis
		}
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		StoreBackend:          backend,
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MongoURI:              os.Getenv("MONGO_URI"),
		MongoDatabase:         getEnv("MONGO_DATABASE", "aasanpos"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		QueueBackend:          queue,
		QueuePath:             getEnv("QUEUE_PATH", "data/aasanpos-queue.db"),
		ShopID:                getEnv("DEFAULT_SHOP_ID", "main-shop"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		DrainLockTTLSeconds:   lockTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
