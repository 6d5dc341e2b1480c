package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codehome01/exam-monitor-server/internal/config"
	"github.com/codehome01/exam-monitor-server/internal/log"
	"github.com/codehome01/exam-monitor-server/internal/metrics"
	"github.com/codehome01/exam-monitor-server/internal/monitor"
	"github.com/codehome01/exam-monitor-server/internal/session"
	"github.com/codehome01/exam-monitor-server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := run(*configPath, *port); err != nil {
		fmt.Fprintf(os.Stderr, "exam-monitor: %+v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, port int) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.ReplaceGlobals(logger)()
	defer func() { _ = log.Sync() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(promReg)
	journal := monitor.NewJournal(cfg.Status.RecentEvents)
	observers := session.Observers{journal, recorder}

	registry := session.NewRegistry()
	handler := ws.NewHandler(registry, cfg.Liveness, ws.WithLogger(logger), ws.WithObserver(observers))
	server := ws.NewServer(registry, handler, ws.WithLogger(logger), ws.WithObserver(observers))

	stats, err := monitor.NewProcessStats()
	if err != nil {
		logger.Warn("process stats unavailable", zap.Error(err))
	}
	server.SetStatusSources(journal, stats)
	server.SetGatherer(promReg)

	sweeper, err := monitor.NewSweeper(registry, cfg.Liveness,
		monitor.WithLogger(logger),
		monitor.WithObserver(observers),
		monitor.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting exam monitor",
		zap.Duration("sweep_interval", cfg.Liveness.SweepInterval),
		zap.Duration("visit_expiry", cfg.Liveness.VisitExpiry),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), shutdownTimeout, logger)
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
