package hsp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hspmesh/internal/discovery"
	"github.com/danmuck/hspmesh/internal/facts"
	"github.com/danmuck/hspmesh/internal/tasks"
	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/danmuck/hspmesh/internal/trust"
)

const DefaultNamespace = "default"

var (
	ErrPeerIDRequired     = errors.New("hsp: peer id required")
	ErrInvalidConfig      = errors.New("hsp: invalid config")
	ErrCapabilityNotFound = errors.New("hsp: capability not found")
	ErrAckTimeout         = errors.New("hsp: ack timeout")
	ErrNoTaskHandler      = errors.New("hsp: no handler for capability")
)

// Config wires one peer. Zero durations fall back to defaults.
type Config struct {
	PeerID    string
	Namespace string

	CapabilityTTL       time.Duration
	ReadvertiseInterval time.Duration
	AckTimeout          time.Duration
	AckRetries          int
	SeenTTL             time.Duration
	MaxSeen             int
	TrustSeeds          map[string]float64

	Transport transport.Config
	Discovery discovery.Config
	Tasks     tasks.Config
	Trust     trust.Config
	Facts     facts.Config
}

func DefaultConfig(peerID string) Config {
	return Config{
		PeerID:              peerID,
		Namespace:           DefaultNamespace,
		CapabilityTTL:       discovery.DefaultTTL,
		ReadvertiseInterval: discovery.DefaultTTL / 2,
		AckTimeout:          10 * time.Second,
		AckRetries:          3,
		SeenTTL:             10 * time.Minute,
		MaxSeen:             10000,
		Transport:           transport.DefaultConfig(),
		Discovery:           discovery.DefaultConfig(),
		Tasks:               tasks.DefaultConfig(),
		Trust:               trust.DefaultConfig(),
	}
}

func (c Config) withDefaults() (Config, error) {
	c.PeerID = strings.TrimSpace(c.PeerID)
	if c.PeerID == "" {
		return c, ErrPeerIDRequired
	}
	if strings.ContainsAny(c.PeerID, "/+# ") {
		return c, fmt.Errorf("%w: peer id %q contains topic characters", ErrInvalidConfig, c.PeerID)
	}
	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	d := DefaultConfig(c.PeerID)
	if c.CapabilityTTL <= 0 {
		c.CapabilityTTL = d.CapabilityTTL
	}
	if c.ReadvertiseInterval <= 0 {
		c.ReadvertiseInterval = c.CapabilityTTL / 2
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.AckRetries <= 0 {
		c.AckRetries = d.AckRetries
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = d.SeenTTL
	}
	if c.MaxSeen <= 0 {
		c.MaxSeen = d.MaxSeen
	}
	if c.Trust == (trust.Config{}) {
		c.Trust = d.Trust
	}
	for peer, score := range c.TrustSeeds {
		if score < 0 || score > 1 {
			return c, fmt.Errorf("%w: trust seed %s=%v out of range", ErrInvalidConfig, peer, score)
		}
	}
	return c, nil
}
