package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"securebox/internal/audit"
	"securebox/internal/blob"
	"securebox/internal/cache"
	"securebox/internal/config"
	"securebox/internal/db"
	"securebox/internal/keys"
	"securebox/internal/ledger"
	"securebox/internal/metrics"
	"securebox/internal/server"
	"securebox/internal/service"
	"securebox/internal/sweeper"
)

func main() {
	cfg := config.FromEnv()
	log := newLogger(cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("backend exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger database.
	dbConn, err := ledger.OpenDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = dbConn.Close() }()

	log.Info().Msg("running migrations")
	if err := db.RunMigrations(dbConn); err != nil {
		return err
	}

	// Blob storage.
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	blobs, err := blob.NewMinioStore(startCtx, blob.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.Bucket,
	}, log)
	cancel()
	if err != nil {
		return err
	}

	// Metadata cache is optional; the backend degrades to ledger reads.
	var meta cache.MetaCache
	var redisCache *cache.RedisCache
	if cfg.RedisAddr != "" {
		redisCache, err = cache.NewRedisCache(ctx, cfg.RedisAddr, log)
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("redis unavailable, metadata caching disabled")
		} else {
			defer func() { _ = redisCache.Close() }()
			meta = redisCache
		}
	}

	keyManager, err := keys.NewManager(cfg.MasterKey)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	records := ledger.NewPostgresStore(dbConn, nil)
	auditor := audit.NewPostgresLog(dbConn, log, nil)

	svc := service.New(service.Options{
		Keys:       keyManager,
		Blobs:      blobs,
		Records:    records,
		Audit:      auditor,
		MetaCache:  meta,
		Metrics:    m,
		Log:        log,
		ChunkSize:  cfg.ChunkSize,
		DefaultTTL: cfg.DefaultTTL,
		MaxTTL:     cfg.MaxTTL,
	})

	sw := sweeper.New(sweeper.Options{
		Records:     records,
		Blobs:       blobs,
		Audit:       auditor,
		Meta:        meta,
		Metrics:     m,
		Log:         log,
		Interval:    cfg.SweepInterval,
		OrphanGrace: cfg.OrphanGrace,
	})
	go sw.Run(ctx)

	health := []server.HealthCheck{
		{Name: "database", Check: dbConn.PingContext},
		{Name: "blob_storage", Check: blobs.Healthy},
	}
	if redisCache != nil && meta != nil {
		health = append(health, server.HealthCheck{Name: "redis", Check: redisCache.Ping})
	}

	srv := server.New(server.Options{
		Addr:           cfg.Addr,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Service:        svc,
		Health:         health,
		Metrics:        m,
		Gatherer:       registry,
		Log:            log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// newLogger builds the process logger. JSON for production, console for
// local development.
func newLogger(format string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("service", "securebox").Logger()
}
