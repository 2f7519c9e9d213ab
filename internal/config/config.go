// Package config holds the typed runtime configuration for the SecureBox
// backend. Every recognized option is a named field; nothing reads the
// environment outside FromEnv.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config enumerates every runtime option. Components receive the values they
// need through their constructors; there are no ambient singletons.
type Config struct {
	// HTTP
	Addr           string // listen address, e.g. ":8080"
	MaxUploadBytes int64  // 0 = unlimited

	// Ledger storage
	DatabaseURL string

	// Blob storage (MinIO / S3-compatible)
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	Bucket      string

	// Metadata cache (optional; empty addr disables caching)
	RedisAddr string

	// Crypto
	MasterKey string // master key material for wrapping per-file keys
	ChunkSize int    // plaintext bytes per AEAD chunk

	// Lifecycle
	DefaultTTL    time.Duration // applied when the uploader sends no TTL
	MaxTTL        time.Duration // uploads asking for more are clamped
	SweepInterval time.Duration // expiry sweeper pass interval
	OrphanGrace   time.Duration // minimum blob age before orphan reclaim

	// Logging
	LogFormat string // "json" or "console"
}

const (
	defaultChunkSize     = 1 << 20 // 1 MiB
	defaultTTL           = 24 * time.Hour
	defaultMaxTTL        = 7 * 24 * time.Hour
	defaultSweepInterval = 5 * time.Minute
	defaultOrphanGrace   = time.Hour
)

// FromEnv builds a Config from SBX_* environment variables, applying
// defaults for anything unset. Validation is separate so tests can build
// partial configs directly.
func FromEnv() Config {
	return Config{
		Addr:           getenvDefault("SBX_ADDR", ":8080"),
		MaxUploadBytes: envInt64("SBX_MAX_UPLOAD_BYTES", 0),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		S3Endpoint:     os.Getenv("SBX_S3_ENDPOINT"),
		S3AccessKey:    os.Getenv("SBX_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("SBX_S3_SECRET_KEY"),
		Bucket:         getenvDefault("SBX_BUCKET", "securebox-files"),
		RedisAddr:      os.Getenv("SBX_REDIS_ADDR"),
		MasterKey:      os.Getenv("SBX_MASTER_KEY"),
		ChunkSize:      int(envInt64("SBX_CHUNK_SIZE", defaultChunkSize)),
		DefaultTTL:     envDuration("SBX_DEFAULT_TTL", defaultTTL),
		MaxTTL:         envDuration("SBX_MAX_TTL", defaultMaxTTL),
		SweepInterval:  envDuration("SBX_SWEEP_INTERVAL", defaultSweepInterval),
		OrphanGrace:    envDuration("SBX_ORPHAN_GRACE", defaultOrphanGrace),
		LogFormat:      getenvDefault("SBX_LOG_FORMAT", "json"),
	}
}

// Validate rejects configurations the backend cannot safely start with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is empty")
	}
	if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" || c.Bucket == "" {
		return errors.New("blob storage configuration incomplete")
	}
	if c.MasterKey == "" {
		return errors.New("SBX_MASTER_KEY is empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.DefaultTTL <= 0 || c.MaxTTL <= 0 {
		return errors.New("TTL bounds must be positive")
	}
	if c.DefaultTTL > c.MaxTTL {
		return fmt.Errorf("default TTL %s exceeds max TTL %s", c.DefaultTTL, c.MaxTTL)
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
