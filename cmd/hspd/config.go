package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/hspmesh/internal/config"
	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/rs/zerolog"
)

const (
	defaultConfigPath = "cmd/hspd/config.toml"
	configEnv         = "HSP_CONFIG"
)

// resolveConfigPath prefers the flag, then $HSP_CONFIG, then the repo default.
func resolveConfigPath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(configEnv)); v != "" {
		return v
	}
	return defaultConfigPath
}

func newBroker(cfg config.NodeConfig, logger zerolog.Logger) (transport.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerNATS:
		return transport.NewNATSBroker(cfg.NATS(), logger)
	case config.BrokerMemory:
		// single-process mesh, useful for local smoke runs
		return transport.NewMemoryHub().Broker(cfg.Node.ID), nil
	default:
		return nil, fmt.Errorf("unknown broker kind: %s", cfg.Broker.Kind)
	}
}
