// Package config loads process configuration from the environment,
// following join-service's internal/config.Load() conventions:
// godotenv for local dev, typed getters with defaults, fail-fast
// validation instead of silent degradation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string

	DBDSN string

	// PoolMaxConnLifetime bounds how long a pooled connection is kept
	// before being recycled (spec.md §5 "pool_recycle=3600s"). Applied
	// to both the transactional and the plain/autocommit pool; neither
	// pool pre-pings on checkout.
	PoolMaxConnLifetime time.Duration

	RedisAddr string
	RedisPass string
	RedisDB   int

	StreamName string
	GroupName  string
	DLQStream  string
	KeyPrefix  string
	IdleMS     time.Duration
	StreamBatch int64
	StreamPause time.Duration
	MaxRetry   int64

	RelayBatchSize      int
	RelayMaxAttempts    int
	RelayPause          time.Duration
	DeliveryBatchSize   int
	DeliveryMaxAttempts int
	DeliveryPause       time.Duration

	BotToken string

	RestartInsecure     bool
	RestartCAFile       string
	RestartCallTimeout  time.Duration
	RestartMaxAttempts  int

	GCCron string

	MetricsAddr string

	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		cfg.DBDSN = buildPostgresURL(
			getEnv("POSTGRES_ADDR", ""),
			getEnv("POSTGRES_USER", ""),
			getEnv("POSTGRES_PASSWORD", ""),
			getEnv("POSTGRES_DB", ""),
			getEnv("POSTGRES_SSLMODE", "disable"),
		)
	}

	cfg.PoolMaxConnLifetime = getDuration("POOL_MAX_CONN_LIFETIME", 3600*time.Second)

	cfg.RedisAddr = getEnv("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)

	cfg.StreamName = getEnv("STREAM_NAME", "engine_events")
	cfg.GroupName = getEnv("STREAM_GROUP", "xraypipe")
	cfg.DLQStream = getEnv("STREAM_DLQ", cfg.StreamName+":dlq")
	cfg.KeyPrefix = getEnv("STREAM_KEY_PREFIX", "xrayEngines:")
	cfg.IdleMS = time.Duration(getInt("IDLE_MS", 60000)) * time.Millisecond
	cfg.StreamBatch = int64(getInt("BATCH", 100))
	cfg.StreamPause = getDuration("PAUSE", 5*time.Second)
	cfg.MaxRetry = int64(getInt("MAX_RETRY", 2))

	cfg.RelayBatchSize = getInt("RELAY_BATCH_SIZE", 50)
	cfg.RelayMaxAttempts = getInt("RELAY_MAX_ATTEMPTS", 12)
	cfg.RelayPause = getDuration("RELAY_PAUSE", 200*time.Millisecond)
	cfg.DeliveryBatchSize = getInt("DELIVERY_BATCH_SIZE", 50)
	cfg.DeliveryMaxAttempts = getInt("DELIVERY_MAX_ATTEMPTS", 12)
	cfg.DeliveryPause = getDuration("DELIVERY_PAUSE", 200*time.Millisecond)

	cfg.BotToken = getEnv("TELEGRAM_BOT_TOKEN", "")

	cfg.RestartInsecure = getBool("RESTART_RPC_INSECURE", cfg.AppEnv == "dev")
	cfg.RestartCAFile = getEnv("RESTART_RPC_CA_FILE", "")
	cfg.RestartCallTimeout = getDuration("RESTART_CALL_TIMEOUT", 5*time.Second)
	cfg.RestartMaxAttempts = getInt("RESTART_MAX_ATTEMPTS", 3)

	cfg.GCCron = getEnv("GC_CRON", "0 * * * *")

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("missing database config: provide DATABASE_URL or POSTGRES_ADDR/POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB")
	}
	if cfg.StreamName == "" || cfg.GroupName == "" {
		return nil, fmt.Errorf("missing Redis stream configuration: STREAM_NAME/STREAM_GROUP")
	}
	if cfg.AppEnv != "dev" && cfg.BotToken == "" {
		return nil, fmt.Errorf("missing TELEGRAM_BOT_TOKEN (required when APP_ENV != dev)")
	}

	return cfg, nil
}

func buildPostgresURL(addr, user, pass, db, sslmode string) string {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(addr),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	if strings.TrimSpace(sslmode) != "" {
		q.Set("sslmode", strings.TrimSpace(sslmode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
