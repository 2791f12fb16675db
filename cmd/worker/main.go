package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"wagateway/internal/app"
	"wagateway/internal/config"
	"wagateway/pkg/idgen"
	"wagateway/pkg/logger"
)

// The standalone send worker. Any number of these may run; the stale requeue
// and claim lease jobs run once, in the api process next to the outbox relay.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout).With().Str("service", "send-worker").Logger()

	if cfg.Queue.Driver == "memory" {
		log.Fatal().Msg("memory queue is in-process only; set server.embedded_worker instead")
	}
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Fatal().Err(err).Msg("init id generator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, true)
	if err != nil {
		log.Fatal().Err(err).Msg("init components")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("close components")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	w := a.Worker()
	g.Go(func() error {
		return w.Run(gctx, a.Queue)
	})

	log.Info().Str("driver", cfg.Queue.Driver).Int("concurrency", cfg.Queue.Concurrency).Msg("send worker running")

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		return
	}
	log.Info().Msg("worker stopped")
}
