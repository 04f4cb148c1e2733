// Package main is the entry point for the rolloutz server.
//
// The bootstrap sequence is:
//  1. Load configuration from the environment (and an optional .env file).
//  2. Connect to PostgreSQL via pgxpool and apply goose migrations.
//  3. Build the exposure tracker, the repository and the service (eagerly
//     loading the flag snapshot).
//  4. Wire up the API key token validator and its verification cache.
//  5. Start the HTTP server (:8080) and gRPC server (:9090) concurrently.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down both servers and
//     drain pending exposures.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"github.com/matt-riley/rolloutz/internal/config"
	"github.com/matt-riley/rolloutz/internal/core"
	"github.com/matt-riley/rolloutz/internal/exposure"
	"github.com/matt-riley/rolloutz/internal/logging"
	"github.com/matt-riley/rolloutz/internal/metrics"
	"github.com/matt-riley/rolloutz/internal/middleware"
	"github.com/matt-riley/rolloutz/internal/repository"
	"github.com/matt-riley/rolloutz/internal/server"
	"github.com/matt-riley/rolloutz/internal/service"
	"github.com/matt-riley/rolloutz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute

	exposureBatchSize     = 500
	exposureFlushInterval = 5 * time.Second
	redisConnectAttempts  = 5
	redisConnectInterval  = time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewFormatted(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, logging.Component(log, "migrations")); err != nil {
		return err
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))

	tracker, err := newExposureTracker(ctx, cfg, repo, m, log)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracker.Close(drainCtx); err != nil {
			log.Error("exposure tracker shutdown error", "error", err)
		}
	}()

	engine := core.NewEngine(
		core.WithLogger(logging.Component(log, "engine")),
		core.WithFallbackFlags(cfg.FallbackFlags),
	)
	svc, err := service.New(ctx, repo,
		service.WithLogger(logging.Component(log, "service")),
		service.WithEngine(engine),
		service.WithExposureRecorder(tracker),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations),
		service.WithSnapshotHook(m.ObserveSnapshot),
		service.WithEvaluationHook(m.RecordEvaluation),
		service.WithResyncInterval(cfg.CacheResyncInterval),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()

	authOpts := []middleware.AuthOption{
		middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() }),
		middleware.WithRateLimiter(limiter),
	}
	tokenValidator := newAPIKeyTokenValidator(repo, cfg.APIKeyCacheTTL)

	apiHandler := server.NewHTTPHandlerWithOptions(svc, cfg.StreamPollInterval, m,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetricsHandler(m.Handler()),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, tokenValidator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "rolloutz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	grpcServer := newGRPCServer(tokenValidator, m, log, authOpts...)
	server.NewGRPCServerWithOptions(svc, cfg.StreamPollInterval).Register(grpcServer)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"exposure_sink", cfg.ExposureSink,
		"fallback_flags", len(cfg.FallbackFlags),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	return serveErr
}

// newExposureTracker builds the tracker with the dedup store and sink
// selected by cfg. Redis is used for dedup only when REDIS_URL is set.
func newExposureTracker(ctx context.Context, cfg config.Config, writer exposure.BatchWriter, m *metrics.Metrics, log *slog.Logger) (*exposure.Tracker, error) {
	trackerLog := logging.Component(log, "exposure")

	dedup, err := newDedupStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tracker := exposure.NewTracker(
		exposure.WithLogger(trackerLog),
		exposure.WithObserver(m),
		exposure.WithDedupStore(dedup),
		exposure.WithWindow(cfg.ExposureWindow),
		exposure.WithQueueSize(cfg.ExposureQueueSize),
	)

	switch cfg.ExposureSink {
	case config.ExposureSinkPostgres:
		tracker.OnExposure(exposure.NewBatchSink(writer, exposureBatchSize, exposureFlushInterval, trackerLog,
			exposure.WithBatchObserver(m),
		))
	case config.ExposureSinkLog:
		tracker.OnExposure(exposure.LogSink(trackerLog))
	}

	return tracker, nil
}

func newDedupStore(ctx context.Context, cfg config.Config) (exposure.DedupStore, error) {
	if cfg.RedisURL == "" {
		return exposure.NewMemoryDedupStore(cfg.ExposureDedupCapacity), nil
	}

	client, err := exposure.ConnectRedis(ctx, cfg.RedisURL, redisConnectAttempts, redisConnectInterval)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = client.Close() })

	return exposure.NewRedisDedupStore(client, ""), nil
}

func newGRPCServer(tokenValidator middleware.TokenValidator, m *metrics.Metrics, log *slog.Logger, opts ...middleware.AuthOption) *grpc.Server {
	return grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(log),
			middleware.UnaryBearerAuthInterceptor(tokenValidator, opts...),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(log),
			middleware.StreamBearerAuthInterceptor(tokenValidator, opts...),
			m.StreamServerInterceptor(),
		),
	)
}

func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
