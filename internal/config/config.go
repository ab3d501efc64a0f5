package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/hspmesh/internal/discovery"
	"github.com/danmuck/hspmesh/internal/tasks"
	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/danmuck/hspmesh/internal/trust"
)

const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

var ErrInvalidConfig = errors.New("config: invalid")

type NodeSection struct {
	ID        string
	Namespace string
}

type BrokerSection struct {
	Kind           string
	URL            string
	Name           string
	ConnectTimeout time.Duration
}

type DiscoverySection struct {
	DefaultTTL          time.Duration
	SweepInterval       time.Duration
	ReadvertiseInterval time.Duration
}

type TasksSection struct {
	DefaultTimeout time.Duration
	Grace          time.Duration
	PurgeInterval  time.Duration
}

type TrustSection struct {
	Default float64
	Alpha   float64
	Seeds   map[string]float64
}

type FactsSection struct {
	ConfidenceEpsilon float64
	TrustEpsilon      float64
	MergeNumeric      bool
	AckTimeout        time.Duration
	AckRetries        int
}

type DedupeSection struct {
	SeenTTL time.Duration
	MaxSeen int
}

type StatusSection struct {
	Enabled     bool
	Addr        string
	CorsOrigins []string
}

// NodeConfig is the resolved daemon configuration.
type NodeConfig struct {
	Node      NodeSection
	Broker    BrokerSection
	Transport transport.Config
	Discovery DiscoverySection
	Tasks     TasksSection
	Trust     TrustSection
	Facts     FactsSection
	Dedupe    DedupeSection
	Status    StatusSection
}

func Default() NodeConfig {
	tr := trust.DefaultConfig()
	tc := tasks.DefaultConfig()
	dc := discovery.DefaultConfig()
	return NodeConfig{
		Node: NodeSection{ID: "hsp.local", Namespace: "default"},
		Broker: BrokerSection{
			Kind:           BrokerNATS,
			URL:            "nats://127.0.0.1:4222",
			Name:           "hspd",
			ConnectTimeout: 5 * time.Second,
		},
		Transport: transport.DefaultConfig(),
		Discovery: DiscoverySection{
			DefaultTTL:          dc.DefaultTTL,
			SweepInterval:       dc.SweepInterval,
			ReadvertiseInterval: dc.DefaultTTL / 2,
		},
		Tasks: TasksSection{
			DefaultTimeout: tc.DefaultTimeout,
			Grace:          tc.Grace,
			PurgeInterval:  tc.PurgeInterval,
		},
		Trust: TrustSection{Default: tr.Default, Alpha: tr.Alpha, Seeds: map[string]float64{}},
		Facts: FactsSection{
			ConfidenceEpsilon: 0,
			TrustEpsilon:      0,
			MergeNumeric:      false,
			AckTimeout:        10 * time.Second,
			AckRetries:        3,
		},
		Dedupe: DedupeSection{SeenTTL: 10 * time.Minute, MaxSeen: 10000},
		Status: StatusSection{
			Enabled:     true,
			Addr:        "127.0.0.1:9464",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load decodes path over Default and validates the result. Keys missing from
// the file keep their defaults.
func Load(path string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return NodeConfig{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	cfg, err := raw.overlay(Default(), meta)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg NodeConfig) error {
	id := strings.TrimSpace(cfg.Node.ID)
	if id == "" {
		return fmt.Errorf("%w: node.id is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(id, "/+# ") {
		return fmt.Errorf("%w: node.id %q contains topic characters", ErrInvalidConfig, id)
	}
	if strings.ContainsAny(cfg.Node.Namespace, "/+# ") {
		return fmt.Errorf("%w: node.namespace %q contains topic characters", ErrInvalidConfig, cfg.Node.Namespace)
	}
	switch cfg.Broker.Kind {
	case BrokerNATS:
		if strings.TrimSpace(cfg.Broker.URL) == "" {
			return fmt.Errorf("%w: broker.url is required for nats", ErrInvalidConfig)
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("%w: unknown broker.kind %q", ErrInvalidConfig, cfg.Broker.Kind)
	}

	t := cfg.Transport
	switch {
	case t.MaxAttempts < 1:
		return fmt.Errorf("%w: transport.max_attempts must be >= 1", ErrInvalidConfig)
	case t.MaxConnectAttempts < 1:
		return fmt.Errorf("%w: transport.max_connect_attempts must be >= 1", ErrInvalidConfig)
	case t.MaxReconnectAttempts < 0:
		return fmt.Errorf("%w: transport.max_reconnect_attempts must be >= 0", ErrInvalidConfig)
	case t.Workers < 1 || t.QueueSize < 1:
		return fmt.Errorf("%w: transport.workers and transport.queue_size must be >= 1", ErrInvalidConfig)
	case t.Backoff.Multiplier < 1:
		return fmt.Errorf("%w: transport.backoff_multiplier must be >= 1", ErrInvalidConfig)
	case t.Backoff.Jitter < 0 || t.Backoff.Jitter >= 1:
		return fmt.Errorf("%w: transport.backoff_jitter must be in [0,1)", ErrInvalidConfig)
	case t.Backoff.InitialDelay > t.Backoff.MaxDelay:
		return fmt.Errorf("%w: transport.backoff_initial exceeds backoff_max", ErrInvalidConfig)
	case t.Breaker.FailureThreshold < 1:
		return fmt.Errorf("%w: transport.breaker_failure_threshold must be >= 1", ErrInvalidConfig)
	}

	for name, d := range map[string]time.Duration{
		"broker.connect_timeout":         cfg.Broker.ConnectTimeout,
		"transport.connect_timeout":      t.ConnectTimeout,
		"transport.publish_timeout":      t.PublishTimeout,
		"transport.breaker_reset":        t.Breaker.ResetTimeout,
		"discovery.default_ttl":          cfg.Discovery.DefaultTTL,
		"discovery.sweep_interval":       cfg.Discovery.SweepInterval,
		"discovery.readvertise_interval": cfg.Discovery.ReadvertiseInterval,
		"tasks.default_timeout":          cfg.Tasks.DefaultTimeout,
		"tasks.purge_interval":           cfg.Tasks.PurgeInterval,
		"facts.ack_timeout":              cfg.Facts.AckTimeout,
		"dedupe.seen_ttl":                cfg.Dedupe.SeenTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if cfg.Tasks.Grace < 0 {
		return fmt.Errorf("%w: tasks.grace must be >= 0", ErrInvalidConfig)
	}
	if cfg.Discovery.ReadvertiseInterval >= cfg.Discovery.DefaultTTL {
		return fmt.Errorf("%w: discovery.readvertise_interval must be below default_ttl", ErrInvalidConfig)
	}

	if !unit(cfg.Trust.Default) || cfg.Trust.Alpha <= 0 || cfg.Trust.Alpha > 1 {
		return fmt.Errorf("%w: trust.default must be in [0,1] and trust.alpha in (0,1]", ErrInvalidConfig)
	}
	for peer, score := range cfg.Trust.Seeds {
		if !unit(score) {
			return fmt.Errorf("%w: trust.seeds.%s out of range", ErrInvalidConfig, peer)
		}
	}
	if cfg.Facts.ConfidenceEpsilon < 0 || cfg.Facts.TrustEpsilon < 0 {
		return fmt.Errorf("%w: facts epsilons must be >= 0", ErrInvalidConfig)
	}
	if cfg.Facts.AckRetries < 1 {
		return fmt.Errorf("%w: facts.ack_retries must be >= 1", ErrInvalidConfig)
	}
	if cfg.Dedupe.MaxSeen < 1 {
		return fmt.Errorf("%w: dedupe.max_seen must be >= 1", ErrInvalidConfig)
	}
	if cfg.Status.Enabled && strings.TrimSpace(cfg.Status.Addr) == "" {
		return fmt.Errorf("%w: status.addr is required when status is enabled", ErrInvalidConfig)
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
