package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/therapy-calendar/internal/api"
	"github.com/hackgods/therapy-calendar/internal/appointment"
	"github.com/hackgods/therapy-calendar/internal/config"
	"github.com/hackgods/therapy-calendar/internal/db"
	"github.com/hackgods/therapy-calendar/internal/logging"
	"github.com/hackgods/therapy-calendar/internal/metrics"
	redisclient "github.com/hackgods/therapy-calendar/internal/redis"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap().Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.DBMaxConns)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	applied, err := db.Migrate(rootCtx, pgPool)
	if err != nil {
		logger.Fatal().Err(err).Msg("schema migration failed")
	}
	logger.Info().Int("applied", applied).Msg("schema up to date")

	// Redis is optional; without it writes are serialized only by the
	// version column.
	var rdb *redis.Client
	var locker redisclient.Locker = redisclient.NoopLocker{}
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisTherapistLocker(rdb, cfg.LockTTL)
		logger.Info().Msg("connected to Redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, therapist calendar lock disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(reg)

	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, locker, cfg, m, logger)

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		DB:      pgPool,
		Redis:   rdb,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:  logger,
		Env:     cfg.Env,
		Version: version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			os.Exit(1)
		}
	}

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
