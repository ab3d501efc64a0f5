package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML layout. Durations are strings such as "30s".
type fileConfig struct {
	Node      fileNode      `toml:"node"`
	Broker    fileBroker    `toml:"broker"`
	Transport fileTransport `toml:"transport"`
	Discovery fileDiscovery `toml:"discovery"`
	Tasks     fileTasks     `toml:"tasks"`
	Trust     fileTrust     `toml:"trust"`
	Facts     fileFacts     `toml:"facts"`
	Dedupe    fileDedupe    `toml:"dedupe"`
	Status    fileStatus    `toml:"status"`
}

type fileNode struct {
	ID        string `toml:"id"`
	Namespace string `toml:"namespace"`
}

type fileBroker struct {
	Kind           string `toml:"kind"`
	URL            string `toml:"url"`
	Name           string `toml:"name"`
	ConnectTimeout string `toml:"connect_timeout"`
}

type fileTransport struct {
	ConnectTimeout          string  `toml:"connect_timeout"`
	PublishTimeout          string  `toml:"publish_timeout"`
	MaxAttempts             int     `toml:"max_attempts"`
	MaxConnectAttempts      int     `toml:"max_connect_attempts"`
	MaxReconnectAttempts    int     `toml:"max_reconnect_attempts"`
	Workers                 int     `toml:"workers"`
	QueueSize               int     `toml:"queue_size"`
	BackoffInitial          string  `toml:"backoff_initial"`
	BackoffMultiplier       float64 `toml:"backoff_multiplier"`
	BackoffMax              string  `toml:"backoff_max"`
	BackoffJitter           float64 `toml:"backoff_jitter"`
	BreakerFailureThreshold int     `toml:"breaker_failure_threshold"`
	BreakerReset            string  `toml:"breaker_reset"`
}

type fileDiscovery struct {
	DefaultTTL          string `toml:"default_ttl"`
	SweepInterval       string `toml:"sweep_interval"`
	ReadvertiseInterval string `toml:"readvertise_interval"`
}

type fileTasks struct {
	DefaultTimeout string `toml:"default_timeout"`
	Grace          string `toml:"grace"`
	PurgeInterval  string `toml:"purge_interval"`
}

type fileTrust struct {
	Default float64            `toml:"default"`
	Alpha   float64            `toml:"alpha"`
	Seeds   map[string]float64 `toml:"seeds"`
}

type fileFacts struct {
	ConfidenceEpsilon float64 `toml:"confidence_epsilon"`
	TrustEpsilon      float64 `toml:"trust_epsilon"`
	MergeNumeric      bool    `toml:"merge_numeric"`
	AckTimeout        string  `toml:"ack_timeout"`
	AckRetries        int     `toml:"ack_retries"`
}

type fileDedupe struct {
	SeenTTL string `toml:"seen_ttl"`
	MaxSeen int    `toml:"max_seen"`
}

type fileStatus struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(dst *string, section, key, value string) {
	if o.meta.IsDefined(section, key) {
		*dst = strings.TrimSpace(value)
	}
}

func (o *overlay) duration(dst *time.Duration, section, key, value string) {
	if o.err != nil || !o.meta.IsDefined(section, key) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		o.err = fmt.Errorf("parse %s.%s: %w", section, key, err)
		return
	}
	*dst = d
}

func (o *overlay) integer(dst *int, section, key string, value int) {
	if o.meta.IsDefined(section, key) {
		*dst = value
	}
}

func (o *overlay) float(dst *float64, section, key string, value float64) {
	if o.meta.IsDefined(section, key) {
		*dst = value
	}
}

func (o *overlay) boolean(dst *bool, section, key string, value bool) {
	if o.meta.IsDefined(section, key) {
		*dst = value
	}
}

func (raw fileConfig) overlay(cfg NodeConfig, meta toml.MetaData) (NodeConfig, error) {
	o := &overlay{meta: meta}

	o.str(&cfg.Node.ID, "node", "id", raw.Node.ID)
	o.str(&cfg.Node.Namespace, "node", "namespace", raw.Node.Namespace)

	o.str(&cfg.Broker.Kind, "broker", "kind", strings.ToLower(raw.Broker.Kind))
	o.str(&cfg.Broker.URL, "broker", "url", raw.Broker.URL)
	o.str(&cfg.Broker.Name, "broker", "name", raw.Broker.Name)
	o.duration(&cfg.Broker.ConnectTimeout, "broker", "connect_timeout", raw.Broker.ConnectTimeout)

	t := raw.Transport
	o.duration(&cfg.Transport.ConnectTimeout, "transport", "connect_timeout", t.ConnectTimeout)
	o.duration(&cfg.Transport.PublishTimeout, "transport", "publish_timeout", t.PublishTimeout)
	o.integer(&cfg.Transport.MaxAttempts, "transport", "max_attempts", t.MaxAttempts)
	o.integer(&cfg.Transport.MaxConnectAttempts, "transport", "max_connect_attempts", t.MaxConnectAttempts)
	o.integer(&cfg.Transport.MaxReconnectAttempts, "transport", "max_reconnect_attempts", t.MaxReconnectAttempts)
	o.integer(&cfg.Transport.Workers, "transport", "workers", t.Workers)
	o.integer(&cfg.Transport.QueueSize, "transport", "queue_size", t.QueueSize)
	o.duration(&cfg.Transport.Backoff.InitialDelay, "transport", "backoff_initial", t.BackoffInitial)
	o.float(&cfg.Transport.Backoff.Multiplier, "transport", "backoff_multiplier", t.BackoffMultiplier)
	o.duration(&cfg.Transport.Backoff.MaxDelay, "transport", "backoff_max", t.BackoffMax)
	o.float(&cfg.Transport.Backoff.Jitter, "transport", "backoff_jitter", t.BackoffJitter)
	o.integer(&cfg.Transport.Breaker.FailureThreshold, "transport", "breaker_failure_threshold", t.BreakerFailureThreshold)
	o.duration(&cfg.Transport.Breaker.ResetTimeout, "transport", "breaker_reset", t.BreakerReset)

	o.duration(&cfg.Discovery.DefaultTTL, "discovery", "default_ttl", raw.Discovery.DefaultTTL)
	o.duration(&cfg.Discovery.SweepInterval, "discovery", "sweep_interval", raw.Discovery.SweepInterval)
	o.duration(&cfg.Discovery.ReadvertiseInterval, "discovery", "readvertise_interval", raw.Discovery.ReadvertiseInterval)
	if meta.IsDefined("discovery", "default_ttl") && !meta.IsDefined("discovery", "readvertise_interval") {
		cfg.Discovery.ReadvertiseInterval = cfg.Discovery.DefaultTTL / 2
	}

	o.duration(&cfg.Tasks.DefaultTimeout, "tasks", "default_timeout", raw.Tasks.DefaultTimeout)
	o.duration(&cfg.Tasks.Grace, "tasks", "grace", raw.Tasks.Grace)
	o.duration(&cfg.Tasks.PurgeInterval, "tasks", "purge_interval", raw.Tasks.PurgeInterval)

	o.float(&cfg.Trust.Default, "trust", "default", raw.Trust.Default)
	o.float(&cfg.Trust.Alpha, "trust", "alpha", raw.Trust.Alpha)
	if meta.IsDefined("trust", "seeds") {
		cfg.Trust.Seeds = make(map[string]float64, len(raw.Trust.Seeds))
		for peer, score := range raw.Trust.Seeds {
			if p := strings.TrimSpace(peer); p != "" {
				cfg.Trust.Seeds[p] = score
			}
		}
	}

	o.float(&cfg.Facts.ConfidenceEpsilon, "facts", "confidence_epsilon", raw.Facts.ConfidenceEpsilon)
	o.float(&cfg.Facts.TrustEpsilon, "facts", "trust_epsilon", raw.Facts.TrustEpsilon)
	o.boolean(&cfg.Facts.MergeNumeric, "facts", "merge_numeric", raw.Facts.MergeNumeric)
	o.duration(&cfg.Facts.AckTimeout, "facts", "ack_timeout", raw.Facts.AckTimeout)
	o.integer(&cfg.Facts.AckRetries, "facts", "ack_retries", raw.Facts.AckRetries)

	o.duration(&cfg.Dedupe.SeenTTL, "dedupe", "seen_ttl", raw.Dedupe.SeenTTL)
	o.integer(&cfg.Dedupe.MaxSeen, "dedupe", "max_seen", raw.Dedupe.MaxSeen)

	o.boolean(&cfg.Status.Enabled, "status", "enabled", raw.Status.Enabled)
	o.str(&cfg.Status.Addr, "status", "addr", raw.Status.Addr)
	if meta.IsDefined("status", "cors_origins") {
		cfg.Status.CorsOrigins = normalizeOrigins(raw.Status.CorsOrigins)
	}

	return cfg, o.err
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimSpace(origin); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// toFile renders cfg back into the TOML layout.
func toFile(cfg NodeConfig) fileConfig {
	seeds := make(map[string]float64, len(cfg.Trust.Seeds))
	for k, v := range cfg.Trust.Seeds {
		seeds[k] = v
	}
	t := cfg.Transport
	return fileConfig{
		Node: fileNode{ID: cfg.Node.ID, Namespace: cfg.Node.Namespace},
		Broker: fileBroker{
			Kind:           cfg.Broker.Kind,
			URL:            cfg.Broker.URL,
			Name:           cfg.Broker.Name,
			ConnectTimeout: cfg.Broker.ConnectTimeout.String(),
		},
		Transport: fileTransport{
			ConnectTimeout:          t.ConnectTimeout.String(),
			PublishTimeout:          t.PublishTimeout.String(),
			MaxAttempts:             t.MaxAttempts,
			MaxConnectAttempts:      t.MaxConnectAttempts,
			MaxReconnectAttempts:    t.MaxReconnectAttempts,
			Workers:                 t.Workers,
			QueueSize:               t.QueueSize,
			BackoffInitial:          t.Backoff.InitialDelay.String(),
			BackoffMultiplier:       t.Backoff.Multiplier,
			BackoffMax:              t.Backoff.MaxDelay.String(),
			BackoffJitter:           t.Backoff.Jitter,
			BreakerFailureThreshold: t.Breaker.FailureThreshold,
			BreakerReset:            t.Breaker.ResetTimeout.String(),
		},
		Discovery: fileDiscovery{
			DefaultTTL:          cfg.Discovery.DefaultTTL.String(),
			SweepInterval:       cfg.Discovery.SweepInterval.String(),
			ReadvertiseInterval: cfg.Discovery.ReadvertiseInterval.String(),
		},
		Tasks: fileTasks{
			DefaultTimeout: cfg.Tasks.DefaultTimeout.String(),
			Grace:          cfg.Tasks.Grace.String(),
			PurgeInterval:  cfg.Tasks.PurgeInterval.String(),
		},
		Trust: fileTrust{Default: cfg.Trust.Default, Alpha: cfg.Trust.Alpha, Seeds: seeds},
		Facts: fileFacts{
			ConfidenceEpsilon: cfg.Facts.ConfidenceEpsilon,
			TrustEpsilon:      cfg.Facts.TrustEpsilon,
			MergeNumeric:      cfg.Facts.MergeNumeric,
			AckTimeout:        cfg.Facts.AckTimeout.String(),
			AckRetries:        cfg.Facts.AckRetries,
		},
		Dedupe: fileDedupe{SeenTTL: cfg.Dedupe.SeenTTL.String(), MaxSeen: cfg.Dedupe.MaxSeen},
		Status: fileStatus{
			Enabled:     cfg.Status.Enabled,
			Addr:        cfg.Status.Addr,
			CorsOrigins: append([]string(nil), cfg.Status.CorsOrigins...),
		},
	}
}
