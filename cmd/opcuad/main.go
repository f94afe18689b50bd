// Command opcuad runs the session and subscription core as a standalone
// demo server: an in-memory address space, a wall-clock tick loop, and a
// health/metrics HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/opcua-server/internal/adapter/config"
	"github.com/nexus-edge/opcua-server/internal/addressspace"
	"github.com/nexus-edge/opcua-server/internal/diagnostics"
	"github.com/nexus-edge/opcua-server/internal/health"
	"github.com/nexus-edge/opcua-server/internal/metrics"
	"github.com/nexus-edge/opcua-server/internal/server"
	"github.com/nexus-edge/opcua-server/pkg/logging"
)

const (
	serviceName    = "opcuad"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, serviceVersion, cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Str("env", cfg.Service.Environment).Msg("starting opcuad")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memSpace := addressspace.NewMemory()
	var addrSpace addressspace.AddressSpace = addressspace.NewWithCircuitBreaker(
		memSpace,
		addressspace.DefaultCircuitBreakerConfig("address-space"),
		logger,
	)

	var sink diagnostics.Sink = diagnostics.NewLoggingSink(logger)
	var pgSink *diagnostics.PostgresSink
	if cfg.Diagnostics.Enabled {
		pgSink, err = diagnostics.NewPostgresSink(ctx, diagnostics.PostgresConfig{
			Host:        cfg.Diagnostics.Host,
			Port:        cfg.Diagnostics.Port,
			Database:    cfg.Diagnostics.Database,
			User:        cfg.Diagnostics.User,
			Password:    cfg.Diagnostics.Password,
			PoolSize:    cfg.Diagnostics.PoolSize,
			MaxIdleTime: cfg.Diagnostics.MaxIdleTime,
			QueueSize:   cfg.Diagnostics.QueueSize,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start diagnostics sink")
		}
		defer pgSink.Close()
		sink = diagnostics.NewMultiSink(diagnostics.NewLoggingSink(logger), pgSink)
	}

	srv := server.New(server.Limits{
		MaxSessions:                 cfg.Server.MaxSessions,
		MaxSubscriptionsPerSession:  cfg.Server.MaxSubscriptionsPerSession,
		MaxBrowseContinuationPoints: cfg.Server.MaxBrowseContinuationPoints,
		MinPublishingInterval:       cfg.Server.MinPublishingInterval,
		DefaultPublishingInterval:   cfg.Server.DefaultPublishingInterval,
		MaxLifetimeCount:            cfg.Server.MaxLifetimeCount,
		MaxKeepAliveCount:           cfg.Server.MaxKeepAliveCount,
	}, addrSpace, sink, metricsRegistry, logger)

	go runTickLoop(ctx, srv, cfg.Server.MinPublishingInterval, logger)

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}, logger)
	healthChecker.AddCheck("server", srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}

	logger.Info().Msg("opcuad shutdown complete")
}

// runTickLoop drives every session's subscription tick and publish-request
// staleness sweep on a fixed wall-clock cadence, the external driver loop
// the session and subscription core expects to be called from.
func runTickLoop(ctx context.Context, srv *server.Server, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.ExpireStalePublishRequests(now)
			srv.TickAllSessions(ctx, now)
		}
	}
}
