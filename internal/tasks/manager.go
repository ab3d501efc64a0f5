// Package tasks correlates outbound task requests with their results.
package tasks

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
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrTaskTimeout        = errors.New("tasks: task timed out")
	ErrTaskCancelled      = errors.New("tasks: task cancelled")
	ErrTaskFailed         = errors.New("tasks: task failed")
	ErrDuplicateResult    = errors.New("tasks: duplicate result")
	ErrUnknownCorrelation = errors.New("tasks: unknown correlation id")
	ErrInvalidTask        = errors.New("tasks: invalid task")
	ErrInvalidTransition  = errors.New("tasks: invalid state transition")
)

type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Record tracks one outstanding or recently finished task request.
type Record struct {
	CorrelationID      string    `json:"correlation_id"`
	RequesterID        string    `json:"requester_id"`
	TargetCapabilityID string    `json:"target_capability_id"`
	TargetPeerID       string    `json:"target_peer_id"`
	State              State     `json:"state"`
	Attempts           int       `json:"attempts"`
	Deadline           time.Time `json:"deadline"`
	CreatedAt          time.Time `json:"created_at"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
	Error              string    `json:"error,omitempty"`
}

type Config struct {
	DefaultTimeout time.Duration
	Grace          time.Duration
	PurgeInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		Grace:          60 * time.Second,
		PurgeInterval:  30 * time.Second,
	}
}

type entry struct {
	rec    Record
	future *Future
	timer  *time.Timer
}

// Manager correlates task requests with their results. Every outstanding
// request has exactly one record and one future; the future settles once.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	records map[string]*entry
	hook    func(Record)
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

// WithOutcomeHook runs fn after each terminal transition, outside the lock.
func WithOutcomeHook(fn func(Record)) Option {
	return func(m *Manager) { m.hook = fn }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	d := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = d.DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = d.Grace
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = d.PurgeInterval
	}
	m := &Manager{
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.Component("tasks"),
		records: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin opens a Pending record and arms its timeout. A non-positive timeout
// uses the configured default.
func (m *Manager) Begin(requesterID, capabilityID, targetPeerID string, timeout time.Duration) (*Future, error) {
	if strings.TrimSpace(requesterID) == "" || strings.TrimSpace(capabilityID) == "" {
		return nil, fmt.Errorf("%w: requester and capability are required", ErrInvalidTask)
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	now := m.now()
	cid := uuid.NewString()
	e := &entry{
		rec: Record{
			CorrelationID:      cid,
			RequesterID:        requesterID,
			TargetCapabilityID: capabilityID,
			TargetPeerID:       targetPeerID,
			State:              StatePending,
			Deadline:           now.Add(timeout),
			CreatedAt:          now,
		},
		future: newFuture(cid),
	}
	m.mu.Lock()
	m.records[cid] = e
	e.timer = time.AfterFunc(timeout, func() { m.expire(cid) })
	m.mu.Unlock()

	m.logger.Debug().
		Str("correlation_id", cid).
		Str("capability_id", capabilityID).
		Str("target", targetPeerID).
		Dur("timeout", timeout).
		Msg("tasks.Manager.Begin")
	return e.future, nil
}

// MarkDispatched records that the request reached the transport.
func (m *Manager) MarkDispatched(cid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[cid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, cid)
	}
	switch e.rec.State {
	case StatePending:
		e.rec.State = StateDispatched
		e.rec.Attempts++
		return nil
	case StateDispatched:
		e.rec.Attempts++
		return nil
	default:
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, cid, e.rec.State)
	}
}

// Fail settles a non-terminal task with cause, e.g. when dispatch failed.
func (m *Manager) Fail(cid string, cause error) error {
	if cause == nil {
		cause = ErrTaskFailed
	}
	return m.finish(cid, StateFailed, protocol.TaskResult{}, cause)
}

// Resolve applies an inbound result. Results for terminal records are
// discarded with ErrDuplicateResult.
func (m *Manager) Resolve(cid string, result protocol.TaskResult) (Record, error) {
	var cause error
	state := StateCompleted
	if !result.Succeeded() {
		state = StateFailed
		cause = fmt.Errorf("%w: %s", ErrTaskFailed, strings.TrimSpace(result.Error))
	}
	err := m.finish(cid, state, result, cause)
	rec, _ := m.Get(cid)
	if errors.Is(err, ErrDuplicateResult) {
		m.logger.Info().
			Str("correlation_id", cid).
			Str("state", string(rec.State)).
			Msg("tasks.Manager.Resolve duplicate result discarded")
	}
	return rec, err
}

// Cancel drops the record and rejects its future. Late results then read as
// unknown correlations.
func (m *Manager) Cancel(cid string) error {
	m.mu.Lock()
	e, ok := m.records[cid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, cid)
	}
	if e.rec.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s already %s", ErrInvalidTransition, cid, e.rec.State)
	}
	delete(m.records, cid)
	e.timer.Stop()
	e.rec.State = StateCancelled
	e.rec.FinishedAt = m.now()
	rec := e.rec
	m.mu.Unlock()

	e.future.settle(protocol.TaskResult{}, fmt.Errorf("%w: %s", ErrTaskCancelled, cid))
	m.report(rec)
	return nil
}

// FailAll rejects every outstanding future with cause.
func (m *Manager) FailAll(cause error) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for cid, e := range m.records {
		if !e.rec.State.Terminal() {
			ids = append(ids, cid)
		}
	}
	m.mu.Unlock()
	n := 0
	for _, cid := range ids {
		if m.finish(cid, StateFailed, protocol.TaskResult{}, cause) == nil {
			n++
		}
	}
	return n
}

func (m *Manager) expire(cid string) {
	m.mu.Lock()
	e, ok := m.records[cid]
	timedOut := ok && !e.rec.State.Terminal()
	capability := ""
	if ok {
		capability = e.rec.TargetCapabilityID
	}
	m.mu.Unlock()
	if !timedOut {
		return
	}
	err := m.finish(cid, StateTimedOut, protocol.TaskResult{}, fmt.Errorf("%w: %s", ErrTaskTimeout, cid))
	if err == nil {
		m.logger.Warn().Str("correlation_id", cid).Str("capability_id", capability).Msg("tasks.Manager timeout")
	}
}

func (m *Manager) finish(cid string, state State, result protocol.TaskResult, cause error) error {
	m.mu.Lock()
	e, ok := m.records[cid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, cid)
	}
	if e.rec.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s already %s", ErrDuplicateResult, cid, e.rec.State)
	}
	e.timer.Stop()
	e.rec.State = state
	e.rec.FinishedAt = m.now()
	if cause != nil {
		e.rec.Error = cause.Error()
	}
	rec := e.rec
	m.mu.Unlock()

	e.future.settle(result, cause)
	m.report(rec)
	return nil
}

func (m *Manager) report(rec Record) {
	observability.RecordTaskOutcome(string(rec.State), rec.FinishedAt.Sub(rec.CreatedAt))
	if m.hook != nil {
		m.hook(rec)
	}
}

func (m *Manager) Get(cid string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[cid]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Outstanding counts non-terminal records.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.records {
		if !e.rec.State.Terminal() {
			n++
		}
	}
	return n
}

// Snapshot lists all records ordered by creation time.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e.rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}

// Purge drops terminal records older than the grace period. Records are kept
// that long so duplicate results are recognised rather than unknown.
func (m *Manager) Purge() int {
	cutoff := m.now().Add(-m.cfg.Grace)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for cid, e := range m.records {
		if e.rec.State.Terminal() && !e.rec.FinishedAt.After(cutoff) {
			delete(m.records, cid)
			n++
		}
	}
	return n
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Purge(); n > 0 {
				m.logger.Debug().Int("purged", n).Msg("tasks.Manager.Purge")
			}
		}
	}
}
