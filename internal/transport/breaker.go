package transport

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker counts consecutive failed publish calls. It opens at the threshold,
// refuses work until the reset timeout passes, then admits a single trial.
type Breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	now          func() time.Time
	state        BreakerState
	failures     int
	openedAt     time.Time
	trialPending bool
	onTransition func(from, to BreakerState)
}

func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	d := DefaultConfig().Breaker
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	return &Breaker{cfg: cfg, now: now}
}

// OnTransition registers a callback run after each state change. It is
// called with the breaker lock released.
func (b *Breaker) OnTransition(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// State reports the current state, promoting Open to HalfOpen once the
// reset timeout has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	from, to := b.refreshLocked()
	state := b.state
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, from, to)
	return state
}

// Allow reports whether a call may proceed. In HalfOpen only one caller
// gets through until that trial reports back.
func (b *Breaker) Allow() bool {
	allowed, _ := b.Acquire()
	return allowed
}

// Acquire is Allow that also reports whether the caller holds the HalfOpen
// trial slot.
func (b *Breaker) Acquire() (allowed, trial bool) {
	b.mu.Lock()
	from, to := b.refreshLocked()
	switch b.state {
	case BreakerClosed:
		allowed = true
	case BreakerHalfOpen:
		if !b.trialPending {
			b.trialPending = true
			allowed, trial = true, true
		}
	}
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, from, to)
	return allowed, trial
}

func (b *Breaker) Success() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trialPending = false
	b.state = BreakerClosed
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, from, BreakerClosed)
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	from := b.state
	b.trialPending = false
	b.failures++
	if b.state == BreakerHalfOpen || (b.state == BreakerClosed && b.failures >= b.cfg.FailureThreshold) {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
	to := b.state
	fn := b.onTransition
	b.mu.Unlock()
	notify(fn, from, to)
}

// Abandon returns a trial slot without judging the broker, for calls that
// never got a verdict from it.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.trialPending = false
	b.mu.Unlock()
}

func (b *Breaker) refreshLocked() (BreakerState, BreakerState) {
	from := b.state
	if b.state == BreakerOpen && !b.now().Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		b.state = BreakerHalfOpen
		b.trialPending = false
	}
	return from, b.state
}

func notify(fn func(from, to BreakerState), from, to BreakerState) {
	if fn != nil && from != to {
		fn(from, to)
	}
}
