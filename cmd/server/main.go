package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wagateway/internal/app"
	"wagateway/internal/config"
	"wagateway/pkg/idgen"
	"wagateway/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout).With().Str("service", "api").Logger()

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Fatal().Err(err).Msg("init id generator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, cfg.Server.EmbeddedWorker)
	if err != nil {
		log.Fatal().Err(err).Msg("init components")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("close components")
		}
	}()

	router, err := a.Router()
	if err != nil {
		log.Fatal().Err(err).Msg("build router")
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	relay := a.Relay()
	g.Go(func() error {
		relay.Start(gctx)
		return nil
	})

	requeue := a.StaleRequeue()
	g.Go(func() error {
		requeue.Start(gctx)
		return nil
	})

	if cfg.Server.EmbeddedWorker {
		w := a.Worker()
		g.Go(func() error {
			return w.Run(gctx, a.Queue)
		})
	}

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Bool("embedded_worker", cfg.Server.EmbeddedWorker).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return
	}
	log.Info().Msg("server stopped")
}
