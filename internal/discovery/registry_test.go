package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/danmuck/hspmesh/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func ad(id, owner string, ttl int) protocol.CapabilityAdvertisement {
	return protocol.CapabilityAdvertisement{
		CapabilityID: id,
		OwningPeerID: owner,
		Name:         id,
		TTLSeconds:   ttl,
	}
}

func TestTTLBoundary(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	_, err := r.Register(ad("cap.translate", "peer.a", 60))
	require.NoError(t, err)

	c.Advance(59 * time.Second)
	found := r.FindCapabilities(Query{CapabilityID: "cap.translate"})
	require.Len(t, found, 1, "entry must be visible before expiry")

	c.Advance(2 * time.Second)
	require.Empty(t, r.FindCapabilities(Query{CapabilityID: "cap.translate"}), "expired entry returned")
	_, ok := r.Get("cap.translate")
	require.False(t, ok)
	require.Equal(t, 1, r.Len(), "lazy filter must not need a sweep")
	require.Equal(t, 1, r.Sweep())
	require.Equal(t, 0, r.Len())
}

func TestExpiryAtExactInstant(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	_, err := r.Register(ad("cap.a", "peer.a", 10))
	require.NoError(t, err)
	c.Advance(10 * time.Second)
	require.Empty(t, r.FindCapabilities(Query{}))
}

func TestDefaultTTLApplies(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	e, err := r.Register(ad("cap.a", "peer.a", 0))
	require.NoError(t, err)
	require.True(t, e.ExpiresAt.Equal(c.Now().Add(DefaultTTL)))
	require.True(t, e.AdvertisedAt.Equal(c.Now()))
}

func TestReadvertiseRefreshesExpiry(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	_, err := r.Register(ad("cap.a", "peer.a", 60))
	require.NoError(t, err)

	c.Advance(50 * time.Second)
	_, err = r.Register(ad("cap.a", "peer.a", 60))
	require.NoError(t, err)

	c.Advance(50 * time.Second)
	_, ok := r.Get("cap.a")
	require.True(t, ok, "re-advertisement should have refreshed expiry")
}

func TestStaleAdvertisementIgnored(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	newer := ad("cap.a", "peer.a", 60)
	newer.AdvertisedAt = c.Now()
	newer.Description = "v2"
	_, err := r.Register(newer)
	require.NoError(t, err)

	older := ad("cap.a", "peer.a", 60)
	older.AdvertisedAt = c.Now().Add(-time.Minute)
	older.Description = "v1"
	_, err = r.Register(older)
	require.ErrorIs(t, err, ErrStaleAdvertisement)

	e, ok := r.Get("cap.a")
	require.True(t, ok)
	require.Equal(t, "v2", e.Description)
}

func TestRetraction(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(DefaultConfig(), WithClock(c.Now))
	_, err := r.Register(ad("cap.a", "peer.a", 60))
	require.NoError(t, err)

	require.ErrorIs(t, r.Retract("cap.a", "peer.b", c.Now()), ErrNotOwner)

	retraction := ad("cap.a", "peer.a", 0)
	retraction.Retracted = true
	_, err = r.Register(retraction)
	require.NoError(t, err)
	_, ok := r.Get("cap.a")
	require.False(t, ok)
	require.ErrorIs(t, r.Retract("cap.a", "peer.a", time.Time{}), ErrNotFound)
}

func TestFindOrderingAndFilters(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	trust := map[string]float64{"peer.a": 0.9, "peer.b": 0.4}
	r := NewRegistry(DefaultConfig(), WithClock(c.Now), WithTrustSource(func(p string) float64 { return trust[p] }))

	a := ad("cap.a", "peer.a", 60)
	a.Name = "translate"
	a.Tags = []string{"nlp", "es"}
	_, err := r.Register(a)
	require.NoError(t, err)

	b := ad("cap.b", "peer.b", 60)
	b.Name = "translate"
	b.Tags = []string{"nlp"}
	_, err = r.Register(b)
	require.NoError(t, err)

	c.Advance(time.Second)
	b2 := ad("cap.c", "peer.b", 60)
	b2.Name = "translate"
	_, err = r.Register(b2)
	require.NoError(t, err)

	got := r.FindCapabilities(Query{Name: "Translate"})
	require.Len(t, got, 3)
	require.Equal(t, "cap.a", got[0].CapabilityID, "highest trust first")
	require.Equal(t, "cap.c", got[1].CapabilityID, "then most recent")
	require.Equal(t, "cap.b", got[2].CapabilityID)

	require.Len(t, r.FindCapabilities(Query{Tags: []string{"nlp"}}), 2)
	require.Len(t, r.FindCapabilities(Query{Tags: []string{"nlp", "es"}}), 1)
	require.Len(t, r.FindCapabilities(Query{MinTrust: 0.5}), 1)
	require.Len(t, r.FindCapabilities(Query{OwnerPeerID: "peer.b"}), 2)
	require.Len(t, r.FindCapabilities(Query{Limit: 1}), 1)

	r.UpdateTrust("peer.b", 0.95)
	got = r.FindCapabilities(Query{})
	require.Equal(t, "cap.c", got[0].CapabilityID)
	require.Equal(t, 0.95, got[0].TrustScore)
}

func TestFindReturnsCopies(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(DefaultConfig())
	a := ad("cap.a", "peer.a", 60)
	a.Tags = []string{"x"}
	_, err := r.Register(a)
	require.NoError(t, err)
	got := r.FindCapabilities(Query{})
	got[0].Tags[0] = "mutated"
	e, _ := r.Get("cap.a")
	require.Equal(t, "x", e.Tags[0])
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	testlog.Start(t)
	c := newClock()
	r := NewRegistry(Config{SweepInterval: 5 * time.Millisecond}, WithClock(c.Now))
	_, err := r.Register(ad("cap.a", "peer.a", 1))
	require.NoError(t, err)
	c.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRegisterRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(DefaultConfig())
	_, err := r.Register(protocol.CapabilityAdvertisement{OwningPeerID: "peer.a", Name: "x"})
	require.ErrorIs(t, err, protocol.ErrInvalidAd)
}
