// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the portal proxy: a protocol-aware reverse proxy that
// wakes game-server backends on demand and answers for them while they
// are down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MatthiasGr/portal/pkg/admission"
	"github.com/MatthiasGr/portal/pkg/events"
	"github.com/MatthiasGr/portal/pkg/health"
	"github.com/MatthiasGr/portal/pkg/lifecycle"
	"github.com/MatthiasGr/portal/pkg/metrics"
	"github.com/MatthiasGr/portal/pkg/ratelimit"
	"github.com/MatthiasGr/portal/pkg/route"
	"github.com/MatthiasGr/portal/pkg/server/tcp"
)

// Config holds the application configuration.
type Config struct {
	// Listener
	Address         string        `env:"ADDRESS"          envDefault:":25565"`
	RoutesFile      string        `env:"ROUTES_FILE"      envDefault:"routes.json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Admission
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"5s"`
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT"      envDefault:"5s"`
	StatusTimeout    time.Duration `env:"STATUS_TIMEOUT"    envDefault:"2s"`
	VersionName      string        `env:"VERSION_NAME"      envDefault:"portal"`

	// Lifecycle
	StartDeadline time.Duration `env:"START_DEADLINE" envDefault:"120s"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"500ms"`
	QueueCapacity int           `env:"QUEUE_CAPACITY" envDefault:"64"`

	// Rate limiting (0 disables)
	AcceptRate  int64 `env:"ACCEPT_RATE"  envDefault:"0"`
	AcceptBurst int64 `env:"ACCEPT_BURST" envDefault:"0"`
}

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PORTAL_"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	table, err := route.LoadFile(cfg.RoutesFile)
	if err != nil {
		logger.Error("failed to load routes", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("routes loaded",
		slog.String("file", cfg.RoutesFile),
		slog.Int("backends", table.Len()))

	m := metrics.New("portal")
	sink := events.MultiSink{events.NewLogSink(logger), m.Sink()}

	manager := lifecycle.New(table, lifecycle.NewCommandTrigger(logger), lifecycle.Config{
		StartDeadline: cfg.StartDeadline,
		ProbeInterval: cfg.ProbeInterval,
		QueueCapacity: cfg.QueueCapacity,
		Logger:        logger,
		Sink:          sink,
	})

	controller := admission.New(table, manager, admission.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		DialTimeout:      cfg.DialTimeout,
		StatusTimeout:    cfg.StatusTimeout,
		VersionName:      cfg.VersionName,
		Logger:           logger,
		Sink:             sink,
		Metrics:          m,
	})

	var limiter *ratelimit.ConnLimiter
	if cfg.AcceptBurst > 0 {
		limiter = ratelimit.NewConnLimiter(cfg.AcceptRate, cfg.AcceptBurst, 0)
	}

	server := tcp.New(tcp.Config{
		Address:         cfg.Address,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Limiter:         limiter,
		Sink:            sink,
		Logger:          logger,
	}, controller)

	checker := health.NewChecker(table, manager)

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	go startMetricsServer(cfg.MetricsPort, logger)
	go startHealthServer(cfg.HealthPort, checker, logger)

	g.Go(func() error {
		return server.Listen(ctx)
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("portal terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("portal stopped")
}

// setupLogger configures the structured logger.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// startMetricsServer serves Prometheus metrics.
func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// startHealthServer serves the health check endpoints.
func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/live", health.LivenessHandler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting health server", slog.String("address", addr))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server error", slog.String("error", err.Error()))
	}
}

// stopSignalHandler cancels the run context on SIGINT/SIGTERM.
func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
