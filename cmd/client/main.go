package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/codehome01/exam-monitor-server/internal/client"
	"github.com/codehome01/exam-monitor-server/internal/config"
	"github.com/codehome01/exam-monitor-server/internal/log"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Monitor base URL")
	id := flag.String("id", "", "Session id")
	alive := flag.Duration("alive", 2*time.Second, "Interval between alive messages")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logCfg := config.Default().Log
	logCfg.Level = *level
	logger, err := log.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exam-client: %v\n", err)
		os.Exit(1)
	}
	defer log.ReplaceGlobals(logger)()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := run(ctx, *server, *id, *alive, logger); err != nil {
		logger.Error("client stopped", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	os.Exit(code)
}

func run(ctx context.Context, server, id string, alive time.Duration, logger *zap.Logger) error {
	peer, err := client.New(client.Config{
		ServerURL:     server,
		SessionID:     id,
		AliveInterval: alive,
	}, client.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := peer.RecordVisit(ctx); err != nil {
		return err
	}

	err = peer.Run(ctx)
	switch {
	case errors.Is(err, client.ErrForcedLogout):
		logger.Warn("logged out by server")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
