package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/therapy-calendar/internal/appointment"
	"github.com/hackgods/therapy-calendar/internal/config"
	"github.com/hackgods/therapy-calendar/internal/db"
	"github.com/hackgods/therapy-calendar/internal/logging"
	"github.com/hackgods/therapy-calendar/internal/metrics"
	redisclient "github.com/hackgods/therapy-calendar/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Bootstrap().Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "recurrence-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("horizon", cfg.MaterializeHorizon).
		Msg("recurrence worker starting up")

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

	var locker redisclient.Locker = redisclient.NoopLocker{}
	if cfg.RedisAddr != "" {
		rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
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
	}

	reg := prometheus.NewRegistry()
	repo := appointment.NewPgRepository(pgPool)
	svc := appointment.NewService(repo, locker, cfg, metrics.NewSchedulingMetrics(reg), logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		// Run once at startup
		runOnce(ctx, svc, logger)

		ticker := time.NewTicker(cfg.WorkerInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received, stopping recurrence worker")
				return nil
			case <-ticker.C:
				runOnce(ctx, svc, logger)
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("recurrence worker stopped with error")
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	written, err := svc.MaterializeSeries(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("materialization run error")
		return
	}
	logger.Info().Int("written", written).Dur("took", time.Since(start)).Msg("materialization run complete")
}
