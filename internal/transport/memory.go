package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/hspmesh/internal/protocol"
)

var ErrInjectedFault = errors.New("transport: injected broker fault")

// MemoryHub is an in-process broker shared by MemoryBroker connections.
// Delivery is synchronous on the publisher's goroutine.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*memorySub
}

type memorySub struct {
	id      uint64
	pattern string
	owner   *MemoryBroker
	deliver func(topic string, data []byte)
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*memorySub)}
}

// Broker returns a new connection handle attached to the hub.
func (h *MemoryHub) Broker(name string) *MemoryBroker {
	return &MemoryBroker{hub: h, name: name}
}

func (h *MemoryHub) publish(topic string, data []byte) {
	h.mu.RLock()
	targets := make([]*memorySub, 0, len(h.subs))
	for _, s := range h.subs {
		if protocol.MatchTopic(s.pattern, topic) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range targets {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.deliver(topic, buf)
	}
}

func (h *MemoryHub) add(s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
}

func (h *MemoryHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *MemoryHub) removeOwner(owner *MemoryBroker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		if s.owner == owner {
			delete(h.subs, id)
		}
	}
}

// SubscriptionCount reports live subscriptions across all connections.
func (h *MemoryHub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// MemoryBroker is one connection to a MemoryHub with fault injection hooks.
type MemoryBroker struct {
	hub  *MemoryHub
	name string

	mu             sync.Mutex
	connected      bool
	onLost         func(error)
	failPublishes  int
	failConnects   int
	publishCalls   int
	connectCalls   int
	publishedTopic []string
}

func (b *MemoryBroker) Name() string {
	return b.name
}

func (b *MemoryBroker) Connect(ctx context.Context, onLost func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCalls++
	if b.failConnects > 0 {
		b.failConnects--
		return ErrInjectedFault
	}
	b.connected = true
	b.onLost = onLost
	return nil
}

func (b *MemoryBroker) Publish(topic string, data []byte) error {
	b.mu.Lock()
	b.publishCalls++
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		b.mu.Unlock()
		return ErrInjectedFault
	}
	b.publishedTopic = append(b.publishedTopic, topic)
	b.mu.Unlock()
	b.hub.publish(topic, data)
	return nil
}

func (b *MemoryBroker) Subscribe(pattern string, deliver func(topic string, data []byte)) (Subscription, error) {
	if err := protocol.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	s := &memorySub{pattern: pattern, owner: b, deliver: deliver}
	b.hub.add(s)
	return memorySubscription{hub: b.hub, id: s.id}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.connected = false
	b.onLost = nil
	b.mu.Unlock()
	b.hub.removeOwner(b)
	return nil
}

// Drop simulates an unexpected connection loss. Subscriptions are discarded
// and the connect-time onLost callback fires.
func (b *MemoryBroker) Drop(err error) {
	if err == nil {
		err = ErrInjectedFault
	}
	b.mu.Lock()
	fn := b.onLost
	b.connected = false
	b.onLost = nil
	b.mu.Unlock()
	b.hub.removeOwner(b)
	if fn != nil {
		fn(err)
	}
}

// FailNextPublishes makes the next n Publish calls fail.
func (b *MemoryBroker) FailNextPublishes(n int) {
	b.mu.Lock()
	b.failPublishes = n
	b.mu.Unlock()
}

// FailNextConnects makes the next n Connect calls fail.
func (b *MemoryBroker) FailNextConnects(n int) {
	b.mu.Lock()
	b.failConnects = n
	b.mu.Unlock()
}

func (b *MemoryBroker) PublishCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishCalls
}

func (b *MemoryBroker) ConnectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectCalls
}

func (b *MemoryBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PublishedTopics returns the topics of successful publishes in order.
func (b *MemoryBroker) PublishedTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.publishedTopic))
	copy(out, b.publishedTopic)
	return out
}

type memorySubscription struct {
	hub *MemoryHub
	id  uint64
}

func (s memorySubscription) Unsubscribe() error {
	s.hub.remove(s.id)
	return nil
}
