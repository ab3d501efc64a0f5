package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hspmesh/internal/config"
	"github.com/danmuck/hspmesh/internal/hsp"
	"github.com/danmuck/hspmesh/internal/logging"
	"github.com/danmuck/hspmesh/internal/observability"
	"github.com/danmuck/hspmesh/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to node config (defaults to $HSP_CONFIG or "+defaultConfigPath+")")
	flag.Parse()

	if err := run(resolveConfigPath(*configPath)); err != nil {
		fmt.Fprintf(os.Stderr, "hspd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logging.ConfigureRuntime()
	observability.RegisterMetrics()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := observability.PeerLogger("hspd", cfg.Node.ID, cfg.Node.Namespace)

	broker, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	node, err := hsp.New(cfg.HSP(), broker, hsp.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		_ = node.Close()
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn().Err(err).Msg("hspd close")
		}
	}()

	errs := make(chan error, 1)
	if cfg.Status.Enabled {
		srv := server.New(server.Config{Addr: cfg.Status.Addr, CorsOrigins: cfg.Status.CorsOrigins}, node, logger)
		go func() { errs <- srv.Run(ctx) }()
	}

	logger.Info().Str("config", path).Str("broker", cfg.Broker.Kind).Msg("hspd running")
	select {
	case <-ctx.Done():
		logger.Info().Msg("hspd shutting down")
		return nil
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}
