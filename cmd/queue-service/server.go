package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/collab"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/config"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/dispatch"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/httpapi"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/metrics"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/notify"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/recorder"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/registry"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/sequence"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store/postgres"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/store/sqlite"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/telemetry"
	"github.com/PrimeCareSoftware/MW.Code-sub001/internal/tickets"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func runServer(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, "queue-service", logger)

	st, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	numbers, closeNumbers, err := openAllocator(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer closeNumbers()

	var directory collab.PatientDirectory = collab.NopDirectory{}
	if cfg.PatientDirectoryURL != "" {
		directory = collab.NewHTTPDirectory(cfg.PatientDirectoryURL, cfg.CollabTimeout())
	}
	var appointments collab.AppointmentService = collab.NopAppointments{}
	if cfg.AppointmentServiceURL != "" {
		appointments = collab.NewHTTPAppointments(cfg.AppointmentServiceURL, cfg.CollabTimeout())
	}
	notifier := notify.New(appointments, logger, notify.Config{
		Timeout:     cfg.CollabTimeout(),
		MaxAttempts: cfg.NotifyMaxAttempts,
	})

	reg := registry.New(st, logger, registry.Options{DefaultRetryLimit: cfg.DefaultRetryLimit})
	ticketService := tickets.NewService(st, reg, numbers, directory, notifier, logger, tickets.Options{
		Location:      cfg.Location(),
		LookupTimeout: cfg.CollabTimeout(),
	})
	engine := dispatch.NewEngine(st, reg, logger, dispatch.Options{ClaimAttempts: cfg.ClaimAttempts})
	rec := recorder.New(st, reg, notifier, logger, recorder.Options{})
	aggregator := metrics.NewAggregator(st, reg, time.Now)

	handler := httpapi.NewHandler(httpapi.Deps{
		Queues:   reg,
		Tickets:  ticketService,
		Dispatch: engine,
		Recorder: rec,
		Metrics:  aggregator,
		Health:   st,
	}, logger)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		TenantPerMinute: cfg.TenantRateLimitPerMinute,
		TenantBurst:     cfg.TenantRateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(limiter.Middleware(httpapi.LoggingMiddleware(logger)(handler.Routes())), "queue-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go runSweeper(ctx, rec, cfg, logger)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("pending appointment notifications dropped")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown error")
	}
	return nil
}

// runSweeper resolves called tickets nobody answered within the grace
// period, applying each queue's retry policy.
func runSweeper(ctx context.Context, rec *recorder.Recorder, cfg *config.Config, logger zerolog.Logger) {
	grace := cfg.NoAnswerGrace()
	interval := cfg.NoAnswerScanInterval()
	if grace <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		count, err := rec.SweepUnanswered(sweepCtx, grace, cfg.NoAnswerBatchSize)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("no-answer sweep error")
			continue
		}
		if count > 0 {
			logger.Info().Int("count", count).Msg("no-answer sweep processed tickets")
		}
	}
}

// openStore connects the configured backend and brings its schema up to
// date. The count is the number of migrations applied by this call.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, int, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, 0, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return st, 0, nil
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, 0, err
		}
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, 0, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("connected to database")
		return postgres.NewStore(pool), applied, nil
	default:
		return nil, 0, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func openAllocator(ctx context.Context, cfg *config.Config, st store.TicketStore, logger zerolog.Logger) (sequence.Allocator, func(), error) {
	if cfg.SequenceBackend != config.SequenceRedis {
		return sequence.NewStoreAllocator(st), func() {}, nil
	}
	client, err := sequence.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("ticket numbers allocated in redis")
	return sequence.NewRedisAllocator(client, sequence.RedisOptions{}), func() { _ = client.Close() }, nil
}
