// Package trust keeps a per-peer reliability score in [0,1].
package trust

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hspmesh/internal/logging"
	"github.com/danmuck/hspmesh/internal/observability"
	"github.com/rs/zerolog"
)

const (
	DefaultScore = 0.5
	DefaultAlpha = 0.2
)

var (
	ErrPeerIDRequired = errors.New("trust: peer id required")
	ErrScoreRange     = errors.New("trust: score out of range [0,1]")
)

type Record struct {
	PeerID       string    `json:"peer_id"`
	Score        float64   `json:"score"`
	Interactions int       `json:"interactions"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Config struct {
	Default float64
	Alpha   float64
}

func DefaultConfig() Config {
	return Config{Default: DefaultScore, Alpha: DefaultAlpha}
}

// Manager owns trust records. Records appear on first update; unknown peers
// read as the default score. Manager never calls out while holding its lock.
type Manager struct {
	mu      sync.RWMutex
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	records map[string]Record
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Default < 0 || cfg.Default > 1 || math.IsNaN(cfg.Default) {
		cfg.Default = DefaultScore
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 || math.IsNaN(cfg.Alpha) {
		cfg.Alpha = DefaultAlpha
	}
	m := &Manager{
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.Component("trust"),
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Score returns the peer's trust, or the default for unknown peers.
func (m *Manager) Score(peerID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.records[strings.TrimSpace(peerID)]; ok {
		return rec.Score
	}
	return m.cfg.Default
}

func (m *Manager) Record(peerID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[strings.TrimSpace(peerID)]
	return rec, ok
}

// RecordOutcome moves the score toward 1 on success and 0 on failure by an
// exponential moving average.
func (m *Manager) RecordOutcome(peerID string, success bool) (float64, error) {
	id := strings.TrimSpace(peerID)
	if id == "" {
		return 0, ErrPeerIDRequired
	}
	signal := 0.0
	if success {
		signal = 1.0
	}
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		rec = Record{PeerID: id, Score: m.cfg.Default}
	}
	old := rec.Score
	rec.Score = clamp(old + m.cfg.Alpha*(signal-old))
	rec.Interactions++
	rec.UpdatedAt = m.now()
	m.records[id] = rec
	m.mu.Unlock()

	observability.RecordTrustUpdate(success)
	m.logger.Debug().
		Str("peer_id", id).
		Bool("success", success).
		Float64("from", old).
		Float64("to", rec.Score).
		Msg("trust.Manager.RecordOutcome")
	return rec.Score, nil
}

// Set seeds a peer's score, e.g. from configuration.
func (m *Manager) Set(peerID string, score float64) error {
	id := strings.TrimSpace(peerID)
	if id == "" {
		return ErrPeerIDRequired
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return fmt.Errorf("%w: %v", ErrScoreRange, score)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[id]
	rec.PeerID = id
	rec.Score = score
	rec.UpdatedAt = m.now()
	m.records[id] = rec
	return nil
}

// Snapshot returns all materialized records ordered by peer id.
func (m *Manager) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
