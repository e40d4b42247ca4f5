package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joshp123/robobridge/internal/config"
	"github.com/joshp123/robobridge/internal/core"
	"github.com/joshp123/robobridge/internal/plugins"
	"github.com/joshp123/robobridge/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", envOrDefault("ROBOBRIDGE_CONFIG", config.DefaultPath), "Path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("robobridge stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enabled := config.EnabledPlugins(cfg)
	active := core.FilterPlugins(plugins.Compiled(cfg, logger), enabled, false)
	if err := core.ValidatePlugins(active); err != nil {
		return err
	}

	for _, p := range active {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start plugin %s: %w", p.ID(), err)
		}
		logger.Info("plugin started", "plugin", p.ID(), "health", string(p.Health()), "message", p.HealthMessage())
	}
	defer func() {
		for _, p := range active {
			if err := p.Close(); err != nil {
				logger.Warn("plugin close failed", "plugin", p.ID(), "err", err)
			}
		}
	}()

	if err := core.WriteDashboards(cfg.Core.DashboardDir, active); err != nil {
		logger.Warn("write dashboards failed", "err", err)
	}

	metricsRegistry, err := core.MetricsRegistry(active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "robobridge_build_info",
			Help: "Build information",
		}, func() float64 { return 1 }),
	)
	if err != nil {
		return err
	}

	grpcServer, err := server.NewGRPCServer(cfg.Core.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	httpServer := server.NewHTTPServer(cfg.Core.HTTPAddr, server.NewRouter(active, metricsRegistry, logger))

	go server.PollHealth(ctx, grpcServer.Health, active, cfg.Core.HealthPoll, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", "addr", grpcServer.Listener.Addr().String())
		errCh <- grpcServer.Serve()
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.Core.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "err", err)
	}
	grpcServer.Stop()
	return nil
}

func newLogger(cfg *config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := config.DefaultLogFormat
	if cfg != nil {
		level = parseLevel(cfg.Level)
		format = cfg.Format
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(w),
	}))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "notice":
		return slog.Level(2)
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
