package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/openibank/openibank-sub001/pkg/archive"
)

// Journal backends.
const (
	JournalSQLite = "sqlite"
	JournalFile   = "file"
	JournalMemory = "memory"
)

// Config holds node configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string // empty selects lite mode
	DataDir      string
	Journal      string
	MasterSeed   string // hex; empty means load or generate DataDir/master.key
	JWTSecret    string
	RedisAddr    string
	OTLPEndpoint string
	ServiceName  string

	RateLimitRPS   float64
	RateLimitBurst int

	Archive     archive.Config
	ProfilePath string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         env("PORT", "8080"),
		LogLevel:     env("LOG_LEVEL", "INFO"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DataDir:      env("DATA_DIR", "data"),
		Journal:      env("JOURNAL", JournalSQLite),
		MasterSeed:   os.Getenv("MASTER_SEED"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  env("OTEL_SERVICE_NAME", "openibank"),
		ProfilePath:  os.Getenv("PROFILE_PATH"),
		Archive: archive.Config{
			Kind:     archive.Kind(os.Getenv("ARCHIVE_TYPE")),
			Dir:      os.Getenv("ARCHIVE_DIR"),
			Bucket:   os.Getenv("ARCHIVE_BUCKET"),
			Region:   env("ARCHIVE_REGION", os.Getenv("AWS_REGION")),
			Endpoint: os.Getenv("ARCHIVE_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_PREFIX"),
		},
	}

	var err error
	if cfg.RateLimitRPS, err = strconv.ParseFloat(env("RATE_LIMIT_RPS", "50"), 64); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitBurst, err = strconv.Atoi(env("RATE_LIMIT_BURST", "100")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_BURST: %w", err)
	}

	switch cfg.Journal {
	case JournalSQLite, JournalFile, JournalMemory:
	default:
		return nil, fmt.Errorf("JOURNAL: unsupported backend %q", cfg.Journal)
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = cfg.DataDir + "/archive"
	}
	return cfg, nil
}

// LiteMode reports whether the node runs without Postgres.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
