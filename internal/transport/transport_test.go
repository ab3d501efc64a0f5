package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/danmuck/hspmesh/internal/testutil/testlog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ackEnvelope(t *testing.T, sender, acked string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(sender, schema.MsgAck, protocol.Ack{AckedID: acked, Status: protocol.AckReceived})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func newTestConnector(t *testing.T, b Broker, cfg Config, opts ...Option) *Connector {
	t.Helper()
	opts = append([]Option{WithSleeper(noSleep)}, opts...)
	c, err := NewConnector(b, cfg, opts...)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != time.Second {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != 2*time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 9, nil); got != 10*time.Second {
		t.Fatalf("attempt9 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	rng := rand.New(rand.NewSource(7))
	for attempt := 1; attempt <= 6; attempt++ {
		nominal := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		for i := 0; i < 50; i++ {
			got := NextBackoffDelay(cfg, attempt, rng)
			lo := time.Duration(float64(nominal) * 0.8)
			hi := time.Duration(float64(nominal) * 1.2)
			if got < lo || got > hi {
				t.Fatalf("attempt=%d jitter out of range: %v not in [%v,%v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestBreakerStateMachine(t *testing.T) {
	testlog.Start(t)
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}, clock.Now)

	for i := 0; i < 4; i++ {
		if !b.Allow() {
			t.Fatalf("closed breaker refused attempt %d", i)
		}
		b.Failure()
	}
	if b.State() != BreakerClosed {
		t.Fatalf("opened early: %s", b.State())
	}
	b.Failure()
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatalf("expected open breaker refusing work")
	}

	clock.Advance(29 * time.Second)
	if b.Allow() {
		t.Fatalf("breaker admitted work before reset timeout")
	}
	clock.Advance(time.Second)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half_open, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatalf("half_open must admit one trial")
	}
	if b.Allow() {
		t.Fatalf("half_open admitted a second concurrent trial")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatalf("failed trial must reopen, got %s", b.State())
	}

	clock.Advance(30 * time.Second)
	if !b.Allow() {
		t.Fatalf("expected trial after second reset window")
	}
	b.Success()
	if b.State() != BreakerClosed || !b.Allow() {
		t.Fatalf("successful trial must close breaker")
	}
}

func TestOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(PendingPublish{RequestID: "req.2", Topic: "hsp/lab/fact/a", Seq: 2, QueuedAt: now})
	o.Upsert(PendingPublish{RequestID: "req.1", Topic: "hsp/lab/fact/a", Seq: 1, QueuedAt: now})
	o.Upsert(PendingPublish{RequestID: " "})
	if item, ok := o.Get("req.1"); !ok || item.Seq != 1 {
		t.Fatalf("get got=%+v ok=%v", item, ok)
	}
	list := o.List()
	if len(list) != 2 || list[0].RequestID != "req.1" || list[1].RequestID != "req.2" {
		t.Fatalf("list order got=%+v", list)
	}
	o.Remove("req.1")
	if _, ok := o.Get("req.1"); ok {
		t.Fatalf("req.1 should be removed")
	}
	if o.Len() != 1 {
		t.Fatalf("len got=%d", o.Len())
	}
}

func TestConnectorPublishSubscribe(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	pub := newTestConnector(t, hub.Broker("a"), DefaultConfig())
	sub := newTestConnector(t, hub.Broker("b"), DefaultConfig())
	ctx := context.Background()

	got := make(chan protocol.Envelope, 1)
	if err := sub.Subscribe("hsp/lab/ack/+", func(topic string, env protocol.Envelope) {
		if topic != "hsp/lab/ack/peer.b" {
			t.Errorf("topic got=%q", topic)
		}
		got <- env
	}); err != nil {
		t.Fatalf("subscribe before connect: %v", err)
	}
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("connect pub: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("connect sub: %v", err)
	}

	env := ackEnvelope(t, "peer.a", "env-1")
	if err := pub.Publish(ctx, "hsp/lab/ack/peer.b", env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case recv := <-got:
		if recv.ID != env.ID || recv.SenderID != "peer.a" {
			t.Fatalf("received %+v", recv)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
	}
}

func TestConnectorRetryExhaustion(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	broker := hub.Broker("a")
	var delays []time.Duration
	var mu sync.Mutex
	c := newTestConnector(t, broker, DefaultConfig(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	broker.FailNextPublishes(10)

	err := c.Publish(context.Background(), "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x"))
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("error chain missing sentinels: %v", err)
	}
	if te.Attempts != 3 || broker.PublishCalls() != 3 {
		t.Fatalf("attempts got=%d calls=%d", te.Attempts, broker.PublishCalls())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(delays))
	}
	if delays[0] < 400*time.Millisecond || delays[0] > 600*time.Millisecond {
		t.Fatalf("first delay out of range: %v", delays[0])
	}
	if delays[1] < 800*time.Millisecond || delays[1] > 1200*time.Millisecond {
		t.Fatalf("second delay out of range: %v", delays[1])
	}
}

func TestConnectorRetryRecovers(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	broker := hub.Broker("a")
	c := newTestConnector(t, broker, DefaultConfig())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	broker.FailNextPublishes(2)
	if err := c.Publish(context.Background(), "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x")); err != nil {
		t.Fatalf("publish should succeed on third attempt: %v", err)
	}
	if broker.PublishCalls() != 3 {
		t.Fatalf("calls got=%d", broker.PublishCalls())
	}
}

func TestConnectorBreakerCountsPublishCalls(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	broker := hub.Broker("a")
	clock := newFakeClock()
	c := newTestConnector(t, broker, DefaultConfig(), WithBreakerClock(clock.Now))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	broker.FailNextPublishes(100)
	for i := 1; i <= 5; i++ {
		err := c.Publish(ctx, "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x"))
		if !errors.Is(err, ErrInjectedFault) {
			t.Fatalf("publish %d: expected injected fault, got %v", i, err)
		}
		if broker.PublishCalls() != 3*i {
			t.Fatalf("publish %d: network calls got=%d want=%d", i, broker.PublishCalls(), 3*i)
		}
		if i < 5 && c.BreakerState() != BreakerClosed {
			t.Fatalf("breaker opened after %d failed publish calls", i)
		}
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("expected open breaker after 5 failed calls, got %s", c.BreakerState())
	}

	calls := broker.PublishCalls()
	err := c.Publish(ctx, "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x"))
	if !errors.Is(err, ErrBreakerOpen) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected fail-fast breaker error, got %v", err)
	}
	if broker.PublishCalls() != calls {
		t.Fatalf("open breaker reached the broker: calls %d -> %d", calls, broker.PublishCalls())
	}

	clock.Advance(30 * time.Second)
	err = c.Publish(ctx, "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x"))
	if !errors.Is(err, ErrInjectedFault) {
		t.Fatalf("failing trial: expected injected fault, got %v", err)
	}
	if broker.PublishCalls() != calls+1 {
		t.Fatalf("failing trial made %d network calls, want 1", broker.PublishCalls()-calls)
	}
	if c.BreakerState() != BreakerOpen {
		t.Fatalf("expected reopened breaker after failed trial, got %s", c.BreakerState())
	}

	clock.Advance(30 * time.Second)
	broker.FailNextPublishes(0)
	calls = broker.PublishCalls()
	if err := c.Publish(ctx, "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x")); err != nil {
		t.Fatalf("half-open trial should succeed: %v", err)
	}
	if broker.PublishCalls() != calls+1 {
		t.Fatalf("expected exactly one trial call, got %d", broker.PublishCalls()-calls)
	}
	if c.BreakerState() != BreakerClosed {
		t.Fatalf("expected closed after successful trial, got %s", c.BreakerState())
	}
}

func TestConnectorRecoveredCallResetsBreakerCount(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	broker := hub.Broker("a")
	c := newTestConnector(t, broker, DefaultConfig())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 10; i++ {
		broker.FailNextPublishes(2)
		if err := c.Publish(ctx, "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if c.BreakerState() != BreakerClosed {
		t.Fatalf("retried successes must not open the breaker, got %s", c.BreakerState())
	}
}

func TestConnectorParksPublishesDuringReconnect(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	pubBroker := hub.Broker("a")
	gate := make(chan struct{})
	held := func(ctx context.Context, _ time.Duration) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pub := newTestConnector(t, pubBroker, DefaultConfig(), WithSleeper(held))
	sub := newTestConnector(t, hub.Broker("b"), DefaultConfig())
	ctx := context.Background()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("connect pub: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("connect sub: %v", err)
	}
	got := make(chan string, 1)
	if err := sub.Subscribe("hsp/lab/ack/peer.b", func(_ string, env protocol.Envelope) {
		got <- env.ID
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pubBroker.Drop(errors.New("socket reset"))
	waitFor(t, "reconnecting state", func() bool { return pub.State() == StateReconnecting })

	env := ackEnvelope(t, "peer.a", "parked")
	published := make(chan error, 1)
	go func() { published <- pub.Publish(ctx, "hsp/lab/ack/peer.b", env) }()
	waitFor(t, "parked publish", func() bool { return len(pub.OutboxSnapshot()) == 1 })
	parked := pub.OutboxSnapshot()[0]
	if parked.Topic != "hsp/lab/ack/peer.b" || parked.Bytes == 0 {
		t.Fatalf("unexpected parked entry: %+v", parked)
	}
	if pubBroker.PublishCalls() != 0 {
		t.Fatalf("parked publish reached the broker")
	}

	close(gate)
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("parked publish: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("parked publish never completed")
	}
	select {
	case id := <-got:
		if id != env.ID {
			t.Fatalf("got id=%q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("parked publish not delivered after reconnect")
	}
	if n := len(pub.OutboxSnapshot()); n != 0 {
		t.Fatalf("outbox not drained: %d", n)
	}
	if pub.BreakerState() != BreakerClosed {
		t.Fatalf("unexpected breaker state %s", pub.BreakerState())
	}
}

func TestConnectorReconnectResubscribes(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	pubBroker := hub.Broker("a")
	subBroker := hub.Broker("b")
	pub := newTestConnector(t, pubBroker, DefaultConfig())
	sub := newTestConnector(t, subBroker, DefaultConfig())
	ctx := context.Background()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("connect pub: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("connect sub: %v", err)
	}
	got := make(chan string, 4)
	if err := sub.Subscribe("hsp/lab/ack/peer.b", func(_ string, env protocol.Envelope) {
		got <- env.ID
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	subBroker.FailNextConnects(2)
	subBroker.Drop(errors.New("socket reset"))
	waitFor(t, "reconnect", func() bool {
		return sub.State() == StateConnected && subBroker.Connected()
	})
	if subBroker.ConnectCalls() != 4 {
		t.Fatalf("connect calls got=%d want=4", subBroker.ConnectCalls())
	}

	env := ackEnvelope(t, "peer.a", "after-reconnect")
	if err := pub.Publish(ctx, "hsp/lab/ack/peer.b", env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case id := <-got:
		if id != env.ID {
			t.Fatalf("got id=%q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not restored after reconnect")
	}
}

func TestConnectorReconnectGivesUp(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	broker := hub.Broker("a")
	cfg := DefaultConfig()
	cfg.MaxReconnectAttempts = 2
	c := newTestConnector(t, broker, cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	lost := make(chan error, 1)
	c.OnConnectionLost(func(err error) { lost <- err })

	broker.FailNextConnects(5)
	broker.Drop(nil)
	select {
	case err := <-lost:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection lost handler never fired")
	}
	waitFor(t, "disconnected state", func() bool { return c.State() == StateDisconnected })
	if err := c.Publish(context.Background(), "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after give-up, got %v", err)
	}
}

func TestConnectorDropsInvalidInbound(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	raw := hub.Broker("raw")
	if err := raw.Connect(context.Background(), nil); err != nil {
		t.Fatalf("raw connect: %v", err)
	}
	sub := newTestConnector(t, hub.Broker("b"), DefaultConfig())
	if err := sub.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	got := make(chan string, 4)
	if err := sub.Subscribe("hsp/lab/#", func(_ string, env protocol.Envelope) {
		got <- env.ID
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_ = raw.Publish("hsp/lab/fact/x", []byte(`{not json`))
	_ = raw.Publish("hsp/lab/fact/x", []byte(`{"id":"1","sender_id":"x","message_type":"fact","payload":{"fact_id":"f"},"schema_version":"0.1","created_at":"2026-01-01T00:00:00Z","ttl_seconds":60}`))
	expired, err := protocol.NewEnvelope("x", schema.MsgAck, protocol.Ack{AckedID: "a", Status: protocol.AckReceived},
		protocol.WithCreatedAt(time.Now().Add(-time.Hour)), protocol.WithTTL(time.Second))
	if err != nil {
		t.Fatalf("expired envelope: %v", err)
	}
	data, err := protocol.NewCodec(nil).Encode(expired)
	if err != nil {
		t.Fatalf("encode expired: %v", err)
	}
	_ = raw.Publish("hsp/lab/ack/x", data)

	good := ackEnvelope(t, "x", "ok")
	data, err = protocol.NewCodec(nil).Encode(good)
	if err != nil {
		t.Fatalf("encode good: %v", err)
	}
	_ = raw.Publish("hsp/lab/ack/x", data)

	select {
	case id := <-got:
		if id != good.ID {
			t.Fatalf("invalid envelope reached handler: %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("valid envelope not delivered")
	}
	select {
	case id := <-got:
		t.Fatalf("unexpected extra delivery %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectorPerTopicOrdering(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	pub := newTestConnector(t, hub.Broker("a"), DefaultConfig())
	sub := newTestConnector(t, hub.Broker("b"), DefaultConfig())
	ctx := context.Background()
	if err := pub.Connect(ctx); err != nil {
		t.Fatalf("connect pub: %v", err)
	}
	if err := sub.Connect(ctx); err != nil {
		t.Fatalf("connect sub: %v", err)
	}

	const n = 50
	got := make(chan string, n)
	if err := sub.Subscribe("hsp/lab/ack/peer.b", func(_ string, env protocol.Envelope) {
		var ack protocol.Ack
		if err := env.UnmarshalPayload(&ack); err != nil {
			t.Errorf("payload: %v", err)
		}
		got <- ack.AckedID
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := pub.Publish(ctx, "hsp/lab/ack/peer.b", ackEnvelope(t, "peer.a", fmt.Sprintf("m%02d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case id := <-got:
			if want := fmt.Sprintf("m%02d", i); id != want {
				t.Fatalf("order broken at %d: got=%s want=%s", i, id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing message %d", i)
		}
	}
}

func TestConnectorPublishAfterDisconnect(t *testing.T) {
	testlog.Start(t)
	hub := NewMemoryHub()
	c := newTestConnector(t, hub.Broker("a"), DefaultConfig())
	if err := c.Publish(context.Background(), "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Publish(context.Background(), "hsp/lab/ack/b", ackEnvelope(t, "peer.a", "x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected reconnect refusal after close, got %v", err)
	}
}
