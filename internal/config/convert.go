package config

import (
	"github.com/danmuck/hspmesh/internal/discovery"
	"github.com/danmuck/hspmesh/internal/facts"
	"github.com/danmuck/hspmesh/internal/hsp"
	"github.com/danmuck/hspmesh/internal/tasks"
	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/danmuck/hspmesh/internal/trust"
)

// HSP converts the file layout into the node facade config.
func (c NodeConfig) HSP() hsp.Config {
	seeds := make(map[string]float64, len(c.Trust.Seeds))
	for k, v := range c.Trust.Seeds {
		seeds[k] = v
	}
	return hsp.Config{
		PeerID:              c.Node.ID,
		Namespace:           c.Node.Namespace,
		CapabilityTTL:       c.Discovery.DefaultTTL,
		ReadvertiseInterval: c.Discovery.ReadvertiseInterval,
		AckTimeout:          c.Facts.AckTimeout,
		AckRetries:          c.Facts.AckRetries,
		SeenTTL:             c.Dedupe.SeenTTL,
		MaxSeen:             c.Dedupe.MaxSeen,
		TrustSeeds:          seeds,
		Transport:           c.Transport,
		Discovery: discovery.Config{
			DefaultTTL:    c.Discovery.DefaultTTL,
			SweepInterval: c.Discovery.SweepInterval,
		},
		Tasks: tasks.Config{
			DefaultTimeout: c.Tasks.DefaultTimeout,
			Grace:          c.Tasks.Grace,
			PurgeInterval:  c.Tasks.PurgeInterval,
		},
		Trust: trust.Config{Default: c.Trust.Default, Alpha: c.Trust.Alpha},
		Facts: facts.Config{
			ConfidenceEpsilon: c.Facts.ConfidenceEpsilon,
			TrustEpsilon:      c.Facts.TrustEpsilon,
			MergeNumeric:      c.Facts.MergeNumeric,
		},
	}
}

func (c NodeConfig) NATS() transport.NATSConfig {
	return transport.NATSConfig{
		URL:            c.Broker.URL,
		Name:           c.Broker.Name,
		ConnectTimeout: c.Broker.ConnectTimeout,
	}
}
