// Package discovery tracks capability advertisements from peers and expires
// them when their ttl runs out.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hspmesh/internal/logging"
	"github.com/danmuck/hspmesh/internal/observability"
	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL           = 300 * time.Second
	DefaultSweepInterval = 10 * time.Second
	DefaultTrust         = 0.5
)

var (
	ErrStaleAdvertisement = errors.New("discovery: stale advertisement")
	ErrNotFound           = errors.New("discovery: capability not found")
	ErrNotOwner           = errors.New("discovery: retraction from non-owner")
)

// Entry is a registered advertisement plus the owner's trust at the time it
// was last refreshed.
type Entry struct {
	protocol.CapabilityAdvertisement
	TrustScore float64 `json:"trust_score"`
}

type Query struct {
	CapabilityID string
	Name         string
	OwnerPeerID  string
	Tags         []string
	MinTrust     float64
	Limit        int
}

type Config struct {
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultTTL: DefaultTTL, SweepInterval: DefaultSweepInterval}
}

// Registry stores capability entries by capability id.
type Registry struct {
	mu      sync.RWMutex
	cfg     Config
	now     func() time.Time
	trustOf func(peerID string) float64
	logger  zerolog.Logger
	items   map[string]Entry
	trust   map[string]float64
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTrustSource seeds the trust snapshot for owners the registry has not
// seen an UpdateTrust for.
func WithTrustSource(fn func(peerID string) float64) Option {
	return func(r *Registry) { r.trustOf = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	r := &Registry{
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Component("discovery"),
		items:  make(map[string]Entry),
		trust:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register upserts an advertisement. A retraction removes the entry; an
// advertisement older than the stored one is ignored.
func (r *Registry) Register(ad protocol.CapabilityAdvertisement) (Entry, error) {
	if err := ad.Validate(); err != nil {
		return Entry{}, err
	}
	now := r.now()
	if ad.AdvertisedAt.IsZero() {
		ad.AdvertisedAt = now
	}
	if ad.Retracted {
		return Entry{}, r.Retract(ad.CapabilityID, ad.OwningPeerID, ad.AdvertisedAt)
	}
	ttl := r.cfg.DefaultTTL
	if ad.TTLSeconds > 0 {
		ttl = time.Duration(ad.TTLSeconds) * time.Second
	}
	ad.ExpiresAt = now.Add(ttl)
	ad.Tags = append([]string(nil), ad.Tags...)

	r.mu.Lock()
	if existing, ok := r.items[ad.CapabilityID]; ok && r.live(existing, now) && ad.AdvertisedAt.Before(existing.AdvertisedAt) {
		r.mu.Unlock()
		r.logger.Debug().
			Str("capability_id", ad.CapabilityID).
			Time("advertised_at", ad.AdvertisedAt).
			Time("stored_at", existing.AdvertisedAt).
			Msg("discovery.Registry.Register stale")
		return Entry{}, fmt.Errorf("%w: %s", ErrStaleAdvertisement, ad.CapabilityID)
	}
	entry := Entry{CapabilityAdvertisement: ad, TrustScore: r.trustLocked(ad.OwningPeerID)}
	r.items[ad.CapabilityID] = entry
	n := len(r.items)
	r.mu.Unlock()

	observability.SetRegistryEntries(n)
	r.logger.Debug().
		Str("capability_id", ad.CapabilityID).
		Str("owner", ad.OwningPeerID).
		Time("expires_at", ad.ExpiresAt).
		Msg("discovery.Registry.Register")
	return entry, nil
}

// Retract removes an entry owned by owner. A retraction older than the stored
// advertisement is stale.
func (r *Registry) Retract(capabilityID, owner string, at time.Time) error {
	r.mu.Lock()
	existing, ok := r.items[capabilityID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, capabilityID)
	}
	if existing.OwningPeerID != owner {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s owned by %s", ErrNotOwner, capabilityID, existing.OwningPeerID)
	}
	if !at.IsZero() && at.Before(existing.AdvertisedAt) {
		r.mu.Unlock()
		return fmt.Errorf("%w: retraction of %s", ErrStaleAdvertisement, capabilityID)
	}
	delete(r.items, capabilityID)
	n := len(r.items)
	r.mu.Unlock()

	observability.SetRegistryEntries(n)
	r.logger.Info().Str("capability_id", capabilityID).Str("owner", owner).Msg("discovery.Registry.Retract")
	return nil
}

// Get returns a live entry.
func (r *Registry) Get(capabilityID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[capabilityID]
	if !ok || !r.live(e, r.now()) {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Len counts stored entries, including expired ones not yet swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// FindCapabilities returns live entries matching q, highest trust first, then
// most recently advertised, then by capability id.
func (r *Registry) FindCapabilities(q Query) []Entry {
	now := r.now()
	r.mu.RLock()
	out := make([]Entry, 0, len(r.items))
	for _, e := range r.items {
		if !r.live(e, now) || !matches(e, q) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		if !a.AdvertisedAt.Equal(b.AdvertisedAt) {
			return a.AdvertisedAt.After(b.AdvertisedAt)
		}
		return a.CapabilityID < b.CapabilityID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matches(e Entry, q Query) bool {
	if q.CapabilityID != "" && e.CapabilityID != q.CapabilityID {
		return false
	}
	if q.Name != "" && !strings.EqualFold(e.Name, q.Name) {
		return false
	}
	if q.OwnerPeerID != "" && e.OwningPeerID != q.OwnerPeerID {
		return false
	}
	if e.TrustScore < q.MinTrust {
		return false
	}
	for _, tag := range q.Tags {
		if !e.HasTag(tag) {
			return false
		}
	}
	return true
}

// UpdateTrust refreshes the trust snapshot on every entry owned by peerID.
func (r *Registry) UpdateTrust(peerID string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trust[peerID] = score
	for id, e := range r.items {
		if e.OwningPeerID == peerID {
			e.TrustScore = score
			r.items[id] = e
		}
	}
}

// Sweep removes entries whose expiry has passed and reports how many went.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for id, e := range r.items {
		if !r.live(e, now) {
			delete(r.items, id)
			removed++
		}
	}
	n := len(r.items)
	r.mu.Unlock()

	observability.SetRegistryEntries(n)
	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Int("remaining", n).Msg("discovery.Registry.Sweep")
	}
	return removed
}

// Run sweeps on cfg.SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) live(e Entry, now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

func (r *Registry) trustLocked(peerID string) float64 {
	if score, ok := r.trust[peerID]; ok {
		return score
	}
	if r.trustOf != nil {
		return r.trustOf(peerID)
	}
	return DefaultTrust
}

func copyEntry(e Entry) Entry {
	e.Tags = append([]string(nil), e.Tags...)
	return e
}
