// Package hsp is the facade a peer uses to take part in the mesh. A Node
// owns the connector, capability registry, task correlation, trust scores and
// fact resolver, and routes inbound envelopes between them.
package hsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/hspmesh/internal/discovery"
	"github.com/danmuck/hspmesh/internal/facts"
	"github.com/danmuck/hspmesh/internal/logging"
	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/danmuck/hspmesh/internal/tasks"
	"github.com/danmuck/hspmesh/internal/transport"
	"github.com/danmuck/hspmesh/internal/trust"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TaskHandler executes an inbound task request for a capability this peer
// advertises. The returned output becomes the result payload.
type TaskHandler func(ctx context.Context, from string, req protocol.TaskRequest) (json.RawMessage, error)

// FactHandler observes every non-duplicate inbound fact with its outcome.
type FactHandler func(fact protocol.Fact, outcome facts.Outcome)

type envelopeHandler func(topic string, env protocol.Envelope) error

type Node struct {
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	codec    *protocol.Codec
	conn     *transport.Connector
	registry *discovery.Registry
	tasks    *tasks.Manager
	trust    *trust.Manager
	facts    *facts.Resolver
	handlers map[schema.MessageType]envelopeHandler

	mu           sync.RWMutex
	started      bool
	closed       bool
	factHandlers []FactHandler
	taskHandlers map[string]TaskHandler
	local        map[string]protocol.CapabilityAdvertisement
	ackWaiters   map[string]chan struct{}

	seenMu sync.Mutex
	seen   map[string]time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger        zerolog.Logger
	hasLogger     bool
	now           func() time.Time
	transportOpts []transport.Option
}

type Option func(*options)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
		o.hasLogger = true
	}
}

// WithClock drives registry expiry, task records, trust timestamps and the
// contradiction ledger from now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

// New builds a node over broker. Call Start to connect.
func New(cfg Config, broker transport.Broker, opts ...Option) (*Node, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Component("hsp")
	if o.hasLogger {
		logger = o.logger
	}
	logger = logger.With().Str("peer_id", cfg.PeerID).Logger()

	n := &Node{
		cfg:          cfg,
		logger:       logger,
		now:          o.now,
		codec:        protocol.NewCodec(nil),
		taskHandlers: make(map[string]TaskHandler),
		local:        make(map[string]protocol.CapabilityAdvertisement),
		ackWaiters:   make(map[string]chan struct{}),
		seen:         make(map[string]time.Time),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.trust = trust.NewManager(cfg.Trust, trust.WithClock(o.now), trust.WithLogger(logger))
	for peer, score := range cfg.TrustSeeds {
		if err := n.trust.Set(peer, score); err != nil {
			return nil, err
		}
	}
	n.registry = discovery.NewRegistry(cfg.Discovery,
		discovery.WithClock(o.now),
		discovery.WithTrustSource(n.trust.Score),
		discovery.WithLogger(logger),
	)
	n.tasks = tasks.NewManager(cfg.Tasks,
		tasks.WithClock(o.now),
		tasks.WithLogger(logger),
		tasks.WithOutcomeHook(n.onTaskOutcome),
	)
	n.facts = facts.NewResolver(cfg.Facts, n.trust, facts.WithClock(o.now), facts.WithLogger(logger))

	transportOpts := append([]transport.Option{
		transport.WithLogger(logger),
		transport.WithCodec(n.codec),
	}, o.transportOpts...)
	n.conn, err = transport.NewConnector(broker, cfg.Transport, transportOpts...)
	if err != nil {
		return nil, err
	}
	n.conn.OnConnectionLost(func(err error) {
		failed := n.tasks.FailAll(err)
		n.logger.Error().Err(err).Int("failed_tasks", failed).Msg("hsp.Node connection lost")
	})

	n.handlers = map[schema.MessageType]envelopeHandler{
		schema.MsgFact:                    n.handleFact,
		schema.MsgCapabilityAdvertisement: n.handleCapability,
		schema.MsgTaskRequest:             n.handleTaskRequest,
		schema.MsgTaskResult:              n.handleTaskResult,
		schema.MsgAck:                     n.handleAck,
	}
	return n, nil
}

func (n *Node) PeerID() string {
	return n.cfg.PeerID
}

func (n *Node) Namespace() string {
	return n.cfg.Namespace
}

// ConnectionState reports the connector state for health checks.
func (n *Node) ConnectionState() transport.State {
	return n.conn.State()
}

func (n *Node) BreakerState() transport.BreakerState {
	return n.conn.BreakerState()
}

// Start connects, subscribes to this peer's topics and starts the registry
// sweep, task purge and re-advertisement loops.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return transport.ErrClosed
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	if err := n.subscribeAndConnect(ctx); err != nil {
		n.mu.Lock()
		n.started = false
		n.mu.Unlock()
		return err
	}

	n.spawn(func() { n.registry.Run(n.ctx) })
	n.spawn(func() { n.tasks.Run(n.ctx) })
	n.spawn(n.readvertiseLoop)
	n.logger.Info().Str("namespace", n.cfg.Namespace).Msg("hsp.Node started")
	return nil
}

func (n *Node) subscribeAndConnect(ctx context.Context) error {
	subs := []struct {
		msgType schema.MessageType
		peer    string
	}{
		{schema.MsgFact, protocol.WildcardOne},
		{schema.MsgCapabilityAdvertisement, protocol.WildcardOne},
		{schema.MsgTaskRequest, n.cfg.PeerID},
		{schema.MsgTaskResult, n.cfg.PeerID},
		{schema.MsgAck, n.cfg.PeerID},
	}
	for _, s := range subs {
		pattern, err := protocol.TopicPattern(n.cfg.Namespace, s.msgType, s.peer)
		if err != nil {
			return err
		}
		if err := n.conn.Subscribe(pattern, n.dispatch); err != nil {
			return fmt.Errorf("hsp: subscribe %s: %w", pattern, err)
		}
	}
	return n.conn.Connect(ctx)
}

// Close stops background loops, rejects pending task futures with
// ErrConnectionLost and disconnects.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		for id, ch := range n.ackWaiters {
			close(ch)
			delete(n.ackWaiters, id)
		}
		n.mu.Unlock()
		n.cancel()
		n.wg.Wait()
		failed := n.tasks.FailAll(transport.ErrConnectionLost)
		n.closeErr = n.conn.Disconnect()
		n.logger.Info().Int("failed_tasks", failed).Msg("hsp.Node closed")
	})
	return n.closeErr
}

func (n *Node) topic(msgType schema.MessageType, peerID string) (string, error) {
	return protocol.TopicFor(n.cfg.Namespace, msgType, peerID)
}

func (n *Node) publish(ctx context.Context, msgType schema.MessageType, peerID string, env protocol.Envelope) error {
	topic, err := n.topic(msgType, peerID)
	if err != nil {
		return err
	}
	return n.conn.Publish(ctx, topic, env)
}

// AdvertiseCapability publishes ad as owned by this peer and keeps
// re-advertising it until retracted or closed.
func (n *Node) AdvertiseCapability(ctx context.Context, ad protocol.CapabilityAdvertisement) (protocol.CapabilityAdvertisement, error) {
	if ad.OwningPeerID == "" {
		ad.OwningPeerID = n.cfg.PeerID
	}
	if ad.OwningPeerID != n.cfg.PeerID {
		return ad, fmt.Errorf("%w: cannot advertise for %s", protocol.ErrInvalidAd, ad.OwningPeerID)
	}
	if ad.TTLSeconds <= 0 {
		ad.TTLSeconds = int(n.cfg.CapabilityTTL / time.Second)
	}
	ad.Retracted = false
	if err := ad.Validate(); err != nil {
		return ad, err
	}
	n.mu.Lock()
	n.local[ad.CapabilityID] = ad
	n.mu.Unlock()
	return n.sendAdvertisement(ctx, ad)
}

func (n *Node) sendAdvertisement(ctx context.Context, ad protocol.CapabilityAdvertisement) (protocol.CapabilityAdvertisement, error) {
	now := n.now().UTC()
	ad.AdvertisedAt = now
	ad.ExpiresAt = now.Add(time.Duration(ad.TTLSeconds) * time.Second)
	if _, err := n.registry.Register(ad); err != nil && !errors.Is(err, discovery.ErrStaleAdvertisement) {
		return ad, err
	}
	env, err := protocol.NewEnvelope(n.cfg.PeerID, schema.MsgCapabilityAdvertisement, ad)
	if err != nil {
		return ad, err
	}
	return ad, n.publish(ctx, schema.MsgCapabilityAdvertisement, n.cfg.PeerID, env)
}

// RetractCapability withdraws one of this peer's advertisements.
func (n *Node) RetractCapability(ctx context.Context, capabilityID string) error {
	n.mu.Lock()
	ad, ok := n.local[capabilityID]
	delete(n.local, capabilityID)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, capabilityID)
	}
	ad.Retracted = true
	ad.AdvertisedAt = n.now().UTC()
	if err := n.registry.Retract(ad.CapabilityID, ad.OwningPeerID, ad.AdvertisedAt); err != nil && !errors.Is(err, discovery.ErrNotFound) {
		n.logger.Warn().Err(err).Str("capability_id", capabilityID).Msg("hsp.Node retract local")
	}
	env, err := protocol.NewEnvelope(n.cfg.PeerID, schema.MsgCapabilityAdvertisement, ad)
	if err != nil {
		return err
	}
	return n.publish(ctx, schema.MsgCapabilityAdvertisement, n.cfg.PeerID, env)
}

func (n *Node) readvertiseLoop() {
	ticker := time.NewTicker(n.cfg.ReadvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mu.RLock()
			ads := make([]protocol.CapabilityAdvertisement, 0, len(n.local))
			for _, ad := range n.local {
				ads = append(ads, ad)
			}
			n.mu.RUnlock()
			for _, ad := range ads {
				if _, err := n.sendAdvertisement(n.ctx, ad); err != nil {
					n.logger.Warn().Err(err).Str("capability_id", ad.CapabilityID).Msg("hsp.Node readvertise")
				}
			}
		}
	}
}

func (n *Node) FindCapabilities(q discovery.Query) []discovery.Entry {
	return n.registry.FindCapabilities(q)
}

type publishOptions struct {
	ack bool
}

type PublishOption func(*publishOptions)

// WithAck makes PublishFact wait for at least one receiver to acknowledge,
// republishing up to the configured retry count.
func WithAck() PublishOption {
	return func(o *publishOptions) { o.ack = true }
}

// PublishFact ingests fact locally and broadcasts it. Missing id, source and
// timestamp are filled in.
func (n *Node) PublishFact(ctx context.Context, fact protocol.Fact, opts ...PublishOption) (facts.Outcome, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(fact.FactID) == "" {
		fact.FactID = uuid.NewString()
	}
	if strings.TrimSpace(fact.SourcePeerID) == "" {
		fact.SourcePeerID = n.cfg.PeerID
	}
	if fact.Timestamp.IsZero() {
		fact.Timestamp = n.now().UTC()
	}
	outcome, err := n.facts.Ingest(fact)
	if err != nil {
		return outcome, err
	}
	n.applyOverride(outcome)

	envOpts := []protocol.EnvelopeOption{}
	if o.ack {
		envOpts = append(envOpts, protocol.WithAck())
	}
	env, err := protocol.NewEnvelope(n.cfg.PeerID, schema.MsgFact, fact, envOpts...)
	if err != nil {
		return outcome, err
	}
	if !o.ack {
		return outcome, n.publish(ctx, schema.MsgFact, n.cfg.PeerID, env)
	}
	return outcome, n.publishAwaitAck(ctx, schema.MsgFact, n.cfg.PeerID, env)
}

func (n *Node) publishAwaitAck(ctx context.Context, msgType schema.MessageType, peerID string, env protocol.Envelope) error {
	acked := make(chan struct{})
	n.mu.Lock()
	n.ackWaiters[env.ID] = acked
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if ch, ok := n.ackWaiters[env.ID]; ok && ch == acked {
			delete(n.ackWaiters, env.ID)
		}
		n.mu.Unlock()
	}()

	for attempt := 1; attempt <= n.cfg.AckRetries; attempt++ {
		if err := n.publish(ctx, msgType, peerID, env); err != nil {
			return err
		}
		timer := time.NewTimer(n.cfg.AckTimeout)
		select {
		case <-acked:
			timer.Stop()
			if n.ctx.Err() != nil {
				return transport.ErrConnectionLost
			}
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			n.logger.Debug().Str("id", env.ID).Int("attempt", attempt).Msg("hsp.Node ack timeout")
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrAckTimeout, env.ID, n.cfg.AckRetries)
}

// OnFact registers a callback for inbound facts.
func (n *Node) OnFact(handler FactHandler) {
	if handler == nil {
		return
	}
	n.mu.Lock()
	n.factHandlers = append(n.factHandlers, handler)
	n.mu.Unlock()
}

// RequestTask sends a request to the most trusted live owner of
// capabilityID and returns a future for its result.
func (n *Node) RequestTask(ctx context.Context, capabilityID string, input any, timeout time.Duration) (*tasks.Future, error) {
	entries := n.registry.FindCapabilities(discovery.Query{CapabilityID: capabilityID, Limit: 1})
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, capabilityID)
	}
	owner := entries[0].OwningPeerID

	var raw json.RawMessage
	switch v := input.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("hsp: marshal task input: %w", err)
		}
		raw = b
	}

	future, err := n.tasks.Begin(n.cfg.PeerID, capabilityID, owner, timeout)
	if err != nil {
		return nil, err
	}
	cid := future.CorrelationID()
	rec, _ := n.tasks.Get(cid)
	req := protocol.TaskRequest{CapabilityID: capabilityID, Input: raw, Deadline: rec.Deadline.UTC()}
	env, err := protocol.NewEnvelope(n.cfg.PeerID, schema.MsgTaskRequest, req,
		protocol.WithCorrelationID(cid),
		protocol.WithRecipient(owner),
		protocol.WithTTL(rec.Deadline.Sub(rec.CreatedAt)),
	)
	if err != nil {
		_ = n.tasks.Fail(cid, err)
		return nil, err
	}
	if err := n.publish(ctx, schema.MsgTaskRequest, owner, env); err != nil {
		_ = n.tasks.Fail(cid, err)
		return nil, err
	}
	if err := n.tasks.MarkDispatched(cid); err != nil {
		n.logger.Debug().Err(err).Str("correlation_id", cid).Msg("hsp.Node mark dispatched")
	}
	return future, nil
}

func (n *Node) CancelTask(correlationID string) error {
	return n.tasks.Cancel(correlationID)
}

// HandleTask registers the executor for inbound requests on capabilityID.
func (n *Node) HandleTask(capabilityID string, handler TaskHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if handler == nil {
		delete(n.taskHandlers, capabilityID)
		return
	}
	n.taskHandlers[capabilityID] = handler
}

func (n *Node) GetContradictionLog() []facts.ContradictionRecord {
	return n.facts.Contradictions()
}

func (n *Node) OpenContradictions() []facts.ContradictionRecord {
	return n.facts.OpenContradictions()
}

func (n *Node) CurrentFact(subject, predicate string) (protocol.Fact, bool) {
	return n.facts.Current(subject, predicate)
}

func (n *Node) Trust(peerID string) float64 {
	return n.trust.Score(peerID)
}

func (n *Node) TrustSnapshot() []trust.Record {
	return n.trust.Snapshot()
}

func (n *Node) recordTrust(peerID string, success bool) {
	if peerID == "" || peerID == n.cfg.PeerID {
		return
	}
	score, err := n.trust.RecordOutcome(peerID, success)
	if err != nil {
		return
	}
	n.registry.UpdateTrust(peerID, score)
}

func (n *Node) applyOverride(outcome facts.Outcome) {
	if outcome.Overridden != "" {
		n.recordTrust(outcome.Overridden, false)
	}
}

func (n *Node) onTaskOutcome(rec tasks.Record) {
	if rec.State == tasks.StateTimedOut {
		n.recordTrust(rec.TargetPeerID, false)
	}
}
