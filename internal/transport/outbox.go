package transport

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingPublish tracks one publish parked while the broker is unreachable.
type PendingPublish struct {
	RequestID string
	Topic     string
	Seq       uint64
	Bytes     int
	QueuedAt  time.Time
}

// Outbox stores parked publishes by request id and replays them in arrival
// order.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingPublish
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[string]PendingPublish)}
}

func (o *Outbox) Upsert(item PendingPublish) {
	key := strings.TrimSpace(item.RequestID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *Outbox) Remove(requestID string) {
	key := strings.TrimSpace(requestID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(requestID string) (PendingPublish, bool) {
	key := strings.TrimSpace(requestID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns parked publishes in arrival order.
func (o *Outbox) List() []PendingPublish {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingPublish, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}
