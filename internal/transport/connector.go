package transport

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hspmesh/internal/logging"
	"github.com/danmuck/hspmesh/internal/observability"
	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Handler receives decoded inbound envelopes for one subscription.
type Handler func(topic string, env protocol.Envelope)

type publishRequest struct {
	id        string
	topic     string
	data      []byte
	seq       uint64
	done      chan error
	cancelled atomic.Bool
}

func (r *publishRequest) reply(err error) {
	select {
	case r.done <- err:
	default:
	}
}

type inbound struct {
	pattern string
	topic   string
	data    []byte
}

type subscription struct {
	pattern string
	handler Handler
	live    Subscription
}

// Connector wraps a Broker with retry, circuit breaking, reconnect and
// bounded inbound dispatch. One goroutine owns broker writes and the
// connection state machine.
type Connector struct {
	cfg     Config
	broker  Broker
	codec   *protocol.Codec
	breaker *Breaker
	outbox  *Outbox
	logger  zerolog.Logger
	sleep   func(context.Context, time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	mu           sync.RWMutex
	state        State
	subs         map[string]*subscription
	lostHandlers []func(error)

	seq         atomic.Uint64
	waiters     map[string]*publishRequest
	writes      chan *publishRequest
	lost        chan error
	reconnected chan error
	queues      []chan inbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Connector)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connector) { c.logger = logger }
}

func WithCodec(codec *protocol.Codec) Option {
	return func(c *Connector) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithBreakerClock sets the clock the breaker uses for its reset timeout.
func WithBreakerClock(now func() time.Time) Option {
	return func(c *Connector) { c.breaker = NewBreaker(c.cfg.Breaker, now) }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Connector) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(c *Connector) {
		if rng != nil {
			c.rng = rng
		}
	}
}

func NewConnector(broker Broker, cfg Config, opts ...Option) (*Connector, error) {
	if broker == nil {
		return nil, ErrBrokerRequired
	}
	cfg = cfg.WithDefaults()
	c := &Connector{
		cfg:         cfg,
		broker:      broker,
		codec:       protocol.NewCodec(nil),
		breaker:     NewBreaker(cfg.Breaker, nil),
		outbox:      NewOutbox(),
		logger:      logging.Component("transport"),
		sleep:       sleepContext,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:        make(map[string]*subscription),
		waiters:     make(map[string]*publishRequest),
		writes:      make(chan *publishRequest, cfg.QueueSize),
		lost:        make(chan error, 1),
		reconnected: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.OnTransition(func(from, to BreakerState) {
		c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("transport.Breaker transition")
		observability.RecordBreakerTransition(from.String(), to.String())
		observability.SetBreakerState(int(to))
	})
	return c, nil
}

func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connector) BreakerState() BreakerState {
	return c.breaker.State()
}

// OutboxSnapshot lists publishes parked during a reconnect.
func (c *Connector) OutboxSnapshot() []PendingPublish {
	return c.outbox.List()
}

// OnConnectionLost registers fn to run when reconnect gives up.
func (c *Connector) OnConnectionLost(fn func(error)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.lostHandlers = append(c.lostHandlers, fn)
	c.mu.Unlock()
}

func (c *Connector) setState(s State) State {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info().Str("from", prev.String()).Str("to", s.String()).Msg("transport.Connector state")
	}
	return prev
}

func (c *Connector) backoff(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
}

// Connect dials the broker with backoff and starts the I/O loop and
// dispatch workers.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateDisconnected:
		c.state = StateConnecting
	default:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var err error
	for attempt := 1; ; attempt++ {
		err = c.dial(ctx)
		if err == nil {
			break
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("transport.Connector connect")
		if attempt >= c.cfg.MaxConnectAttempts || ctx.Err() != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("transport: connect after %d attempts: %w", attempt, err)
		}
		if serr := c.sleep(ctx, c.backoff(attempt)); serr != nil {
			c.setState(StateDisconnected)
			return serr
		}
	}

	if c.ctx != nil {
		// loop and workers survive an abandoned reconnect
		c.markConnected()
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.queues = make([]chan inbound, c.cfg.Workers)
	for i := range c.queues {
		c.queues[i] = make(chan inbound, c.cfg.QueueSize)
		c.wg.Add(1)
		go c.worker(c.queues[i])
	}
	c.markConnected()
	c.wg.Add(1)
	go c.loop()
	return nil
}

func (c *Connector) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	return c.broker.Connect(dialCtx, c.connectionLost)
}

func (c *Connector) connectionLost(err error) {
	select {
	case c.lost <- err:
	default:
	}
}

// Disconnect stops the I/O loop and closes the broker. Parked publishes
// fail with ErrClosed.
func (c *Connector) Disconnect() error {
	prev := c.setState(StateClosed)
	if prev == StateClosed {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	err := c.broker.Close()
	c.wg.Wait()
	return err
}

// Publish encodes env and publishes it on topic, retrying with backoff.
// The breaker admits the call once and judges it once, after the retries.
func (c *Connector) Publish(ctx context.Context, topic string, env protocol.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		observability.RecordPublish(string(env.MessageType), "invalid", 0)
		return err
	}
	err = c.publishBytes(ctx, topic, data, env.MessageType)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Str("id", env.ID).Msg("transport.Connector publish")
	}
	return err
}

func (c *Connector) publishBytes(ctx context.Context, topic string, data []byte, msgType schema.MessageType) error {
	switch c.State() {
	case StateClosed:
		return &TransportError{Topic: topic, Err: ErrClosed}
	case StateDisconnected, StateConnecting:
		return &TransportError{Topic: topic, Err: ErrNotConnected}
	}
	allowed, trial := c.breaker.Acquire()
	if !allowed {
		observability.RecordPublish(string(msgType), "breaker_open", 0)
		return &TransportError{Topic: topic, Err: ErrBreakerOpen}
	}
	maxAttempts := c.cfg.MaxAttempts
	if trial {
		maxAttempts = 1
	}

	var lastErr error
	failed := false
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		err := c.attempt(ctx, topic, data)
		if err == nil {
			c.breaker.Success()
			observability.RecordPublish(string(msgType), "ok", attempt)
			return nil
		}
		lastErr = err
		if !judged(err) {
			break
		}
		failed = true
		if ctx.Err() != nil || attempt >= maxAttempts {
			break
		}
		c.logger.Debug().Err(err).Str("topic", topic).Int("attempt", attempt).Msg("transport.Connector retry")
		if serr := c.sleep(ctx, c.backoff(attempt)); serr != nil {
			lastErr = serr
			break
		}
	}
	if failed {
		c.breaker.Failure()
	} else {
		c.breaker.Abandon()
	}
	observability.RecordPublish(string(msgType), "failed", attempt)
	return &TransportError{Topic: topic, Attempts: attempt, Err: lastErr}
}

// judged reports whether err is a verdict on the broker rather than on the
// caller or the connector lifecycle.
func judged(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrClosed) &&
		!errors.Is(err, ErrNotConnected) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (c *Connector) attempt(ctx context.Context, topic string, data []byte) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateDisconnected, StateConnecting:
		return ErrNotConnected
	}
	req := &publishRequest{
		id:    uuid.NewString(),
		topic: topic,
		data:  data,
		seq:   c.seq.Add(1),
		done:  make(chan error, 1),
	}
	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case c.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	case <-timer.C:
		return ErrPublishTimeout
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		req.cancelled.Store(true)
		return ctx.Err()
	case <-c.ctx.Done():
		req.cancelled.Store(true)
		return ErrClosed
	case <-timer.C:
		req.cancelled.Store(true)
		c.outbox.Remove(req.id)
		return ErrPublishTimeout
	}
}

// loop owns broker writes and the connection state machine.
func (c *Connector) loop() {
	defer c.wg.Done()
	reconnecting := false
	for {
		select {
		case <-c.ctx.Done():
			c.failOutbox(ErrClosed)
			return
		case req := <-c.writes:
			if req.cancelled.Load() {
				continue
			}
			if reconnecting {
				c.park(req)
				continue
			}
			req.reply(c.broker.Publish(req.topic, req.data))
		case err := <-c.lost:
			if reconnecting || c.State() == StateClosed {
				continue
			}
			c.logger.Warn().Err(err).Msg("transport.Connector connection lost")
			reconnecting = true
			c.setState(StateReconnecting)
			c.dropLiveSubscriptions()
			c.wg.Add(1)
			go c.reconnect()
		case err := <-c.reconnected:
			reconnecting = false
			if err != nil {
				c.setState(StateDisconnected)
				c.failOutbox(ErrConnectionLost)
				c.fireLost(err)
				continue
			}
			c.markConnected()
			c.flushOutbox()
		}
	}
}

// park, flushOutbox and failOutbox run on the loop goroutine only.
func (c *Connector) park(req *publishRequest) {
	c.waiters[req.id] = req
	c.outbox.Upsert(PendingPublish{
		RequestID: req.id,
		Topic:     req.topic,
		Seq:       req.seq,
		Bytes:     len(req.data),
		QueuedAt:  time.Now(),
	})
}

func (c *Connector) flushOutbox() {
	for _, item := range c.outbox.List() {
		req, ok := c.waiters[item.RequestID]
		if !ok {
			c.outbox.Remove(item.RequestID)
			continue
		}
		if req.cancelled.Load() {
			c.outbox.Remove(item.RequestID)
			continue
		}
		c.outbox.Remove(item.RequestID)
		req.reply(c.broker.Publish(req.topic, req.data))
	}
	clear(c.waiters)
}

func (c *Connector) failOutbox(err error) {
	for _, item := range c.outbox.List() {
		c.outbox.Remove(item.RequestID)
	}
	for _, req := range c.waiters {
		req.reply(err)
	}
	clear(c.waiters)
}

func (c *Connector) reconnect() {
	defer c.wg.Done()
	for attempt := 1; ; attempt++ {
		if err := c.sleep(c.ctx, c.backoff(attempt)); err != nil {
			return
		}
		err := c.dial(c.ctx)
		observability.RecordReconnect(err == nil)
		if err == nil && c.ctx.Err() != nil {
			_ = c.broker.Close()
			return
		}
		if err == nil {
			c.logger.Info().Int("attempt", attempt).Msg("transport.Connector reconnected")
			c.reconnected <- nil
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("transport.Connector reconnect")
		if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
			c.reconnected <- fmt.Errorf("%w: gave up after %d attempts: %v", ErrConnectionLost, attempt, err)
			return
		}
	}
}

func (c *Connector) fireLost(err error) {
	c.mu.RLock()
	handlers := append([]func(error){}, c.lostHandlers...)
	c.mu.RUnlock()
	c.logger.Error().Err(err).Msg("transport.Connector connection lost")
	for _, fn := range handlers {
		fn(err)
	}
}

// Subscribe registers handler for pattern. The subscription survives
// reconnects.
func (c *Connector) Subscribe(pattern string, handler Handler) error {
	pattern = strings.TrimSpace(pattern)
	if err := protocol.ValidatePattern(pattern); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("transport: nil handler for %q", pattern)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	sub := &subscription{pattern: pattern, handler: handler}
	if old, ok := c.subs[pattern]; ok && old.live != nil {
		sub.live = old.live
	}
	c.subs[pattern] = sub
	if c.state == StateConnected && sub.live == nil {
		live, err := c.broker.Subscribe(pattern, c.deliverFunc(pattern))
		if err != nil {
			return err
		}
		sub.live = live
	}
	return nil
}

func (c *Connector) Unsubscribe(pattern string) error {
	c.mu.Lock()
	sub, ok := c.subs[pattern]
	delete(c.subs, pattern)
	c.mu.Unlock()
	if !ok || sub.live == nil {
		return nil
	}
	return sub.live.Unsubscribe()
}

// markConnected restores subscriptions and flips the state under one lock so
// a concurrent Subscribe cannot slip between the two.
func (c *Connector) markConnected() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	err := c.resubscribeLocked()
	prev := c.state
	c.state = StateConnected
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Msg("transport.Connector resubscribe")
	}
	c.logger.Info().Str("from", prev.String()).Str("to", StateConnected.String()).Msg("transport.Connector state")
}

func (c *Connector) resubscribeLocked() error {
	var errs []error
	for pattern, sub := range c.subs {
		if sub.live != nil {
			continue
		}
		live, err := c.broker.Subscribe(pattern, c.deliverFunc(pattern))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pattern, err))
			continue
		}
		sub.live = live
	}
	return errors.Join(errs...)
}

func (c *Connector) dropLiveSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		sub.live = nil
	}
}

func (c *Connector) deliverFunc(pattern string) func(topic string, data []byte) {
	return func(topic string, data []byte) {
		if c.ctx == nil || c.ctx.Err() != nil {
			return
		}
		q := c.queues[shard(topic, len(c.queues))]
		select {
		case q <- inbound{pattern: pattern, topic: topic, data: data}:
		default:
			observability.RecordQueueDrop()
			c.logger.Warn().Str("topic", topic).Msg("transport.Connector inbound queue full, dropping")
		}
	}
}

func shard(topic string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(n))
}

func (c *Connector) worker(q chan inbound) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-q:
			c.dispatch(msg)
		}
	}
}

func (c *Connector) dispatch(msg inbound) {
	env, err := c.codec.Decode(msg.data)
	if err != nil {
		result := "invalid"
		if errors.Is(err, protocol.ErrExpired) {
			result = "expired"
		}
		var ve *schema.ValidationError
		msgType := ""
		if errors.As(err, &ve) {
			msgType = string(ve.MessageType)
		}
		observability.RecordInbound(msgType, result)
		c.logger.Warn().Err(err).Str("topic", msg.topic).Msg("transport.Connector dropped inbound")
		return
	}
	c.mu.RLock()
	sub, ok := c.subs[msg.pattern]
	c.mu.RUnlock()
	if !ok {
		return
	}
	observability.RecordInbound(string(env.MessageType), "accepted")
	sub.handler(msg.topic, env)
}
