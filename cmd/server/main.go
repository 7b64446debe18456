package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/lrukv/internal/logger"
	"github.com/cachemir/lrukv/internal/metrics"
	"github.com/cachemir/lrukv/internal/server"
	"github.com/cachemir/lrukv/pkg/cache"
	"github.com/cachemir/lrukv/pkg/config"
)

const (
	metricsNamespace = "lrukv"
	shutdownTimeout  = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lrukv-server: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadServerConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	log.Info("starting lrukv server",
		"addr", cfg.Address(),
		"max_cache_size", cfg.MaxCacheSize,
		"cleanup_interval", cfg.CleanupInterval,
		"max_conns", cfg.MaxConns,
		"metrics_addr", cfg.MetricsAddr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(metricsNamespace, reg)

	c, err := cache.New(cfg.MaxCacheSize,
		cache.WithLogger(log),
		cache.WithMetrics(m),
		cache.WithReportEvery(cfg.ReportEvery))
	if err != nil {
		return err
	}
	defer c.Close()

	srv := server.New(cfg, c, log, server.WithMetrics(m))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(ctx)
	})

	g.Go(func() error {
		c.RunSweeper(ctx, cfg.CleanupInterval)
		return nil
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Poisoned():
			return c.Health()
		}
	})

	if cfg.MetricsAddr != "" {
		ms := metrics.NewMetricsServer(cfg.MetricsAddr, reg, c.Health)
		g.Go(ms.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	stats := c.Stats()
	log.Info("server stopped",
		"commands", stats.TotalCommands,
		"keys", stats.Keys,
		"evictions", stats.Engine.Evictions,
		"uptime", stats.Uptime.Round(time.Second))

	return err
}
