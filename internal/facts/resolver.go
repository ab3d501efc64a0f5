// Package facts stores asserted facts and resolves conflicts between them.
//
// Two conflicts are detected on ingest:
// - identity: the same fact_id arrives with different content
// - semantic: the same (subject, predicate) slot gets a different value
//
// Each conflict is settled by Compare and written to an append-only ledger.
package facts

import (
	"sync"
	"time"

	"github.com/danmuck/hspmesh/internal/logging"
	"github.com/danmuck/hspmesh/internal/observability"
	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Class string

const (
	ClassIdentity Class = "identity"
	ClassSemantic Class = "semantic"
)

type Resolution string

const (
	KeptExisting Resolution = "kept_existing"
	Replaced     Resolution = "replaced"
	Merged       Resolution = "merged"
	Unresolved   Resolution = "unresolved"
)

// ContradictionRecord documents one detected conflict and how it was settled.
type ContradictionRecord struct {
	ID         string         `json:"id"`
	Class      Class          `json:"class"`
	Existing   protocol.Fact  `json:"existing"`
	Incoming   protocol.Fact  `json:"incoming"`
	Winner     *protocol.Fact `json:"winner,omitempty"`
	Resolution Resolution     `json:"resolution"`
	Reason     Reason         `json:"reason"`
	Open       bool           `json:"open"`
	RecordedAt time.Time      `json:"recorded_at"`
}

type Config struct {
	ConfidenceEpsilon float64
	TrustEpsilon      float64
	MergeNumeric      bool
}

// TrustSource supplies source trust for tie-breaking.
type TrustSource interface {
	Score(peerID string) float64
}

// Outcome reports what one Ingest did. Overridden names the peer whose fact
// lost a conflict, for trust feedback.
type Outcome struct {
	Fact       protocol.Fact
	Accepted   bool
	Duplicate  bool
	Record     *ContradictionRecord
	Overridden string
}

type slotKey struct {
	subject   string
	predicate string
}

// Resolver holds the current fact per slot and per id plus the full ingest
// history. Lock order is resolver then trust.
type Resolver struct {
	mu      sync.RWMutex
	cfg     Config
	trust   TrustSource
	now     func() time.Time
	logger  zerolog.Logger
	byID    map[string]protocol.Fact
	current map[slotKey]protocol.Fact
	history []protocol.Fact
	ledger  []ContradictionRecord
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

func NewResolver(cfg Config, trust TrustSource, opts ...Option) *Resolver {
	if cfg.ConfidenceEpsilon < 0 {
		cfg.ConfidenceEpsilon = 0
	}
	if cfg.TrustEpsilon < 0 {
		cfg.TrustEpsilon = 0
	}
	r := &Resolver{
		cfg:     cfg,
		trust:   trust,
		now:     time.Now,
		logger:  logging.Component("facts"),
		byID:    make(map[string]protocol.Fact),
		current: make(map[slotKey]protocol.Fact),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func keyOf(f protocol.Fact) slotKey {
	return slotKey{subject: f.Subject, predicate: f.Predicate}
}

// Ingest validates f, records it in history and settles any conflict it
// raises. Exact duplicates are no-ops.
func (r *Resolver) Ingest(f protocol.Fact) (Outcome, error) {
	if err := f.Validate(); err != nil {
		return Outcome{}, err
	}
	f.Timestamp = f.Timestamp.UTC()

	r.mu.Lock()
	out := r.ingestLocked(f)
	r.mu.Unlock()

	if rec := out.Record; rec != nil {
		observability.RecordContradiction(string(rec.Class), string(rec.Resolution))
		event := r.logger.Info()
		if rec.Open {
			event = r.logger.Warn()
		}
		event.
			Str("class", string(rec.Class)).
			Str("resolution", string(rec.Resolution)).
			Str("reason", string(rec.Reason)).
			Str("existing", rec.Existing.FactID).
			Str("incoming", rec.Incoming.FactID).
			Msg("facts.Resolver contradiction")
	}
	return out, nil
}

func (r *Resolver) ingestLocked(f protocol.Fact) Outcome {
	if prior, ok := r.byID[f.FactID]; ok && prior.SameContent(f) {
		return Outcome{Fact: prior, Duplicate: true}
	}
	r.history = append(r.history, f)

	if prior, ok := r.byID[f.FactID]; ok {
		verdict, reason := Compare(prior, f, r.score(prior.SourcePeerID), r.score(f.SourcePeerID), r.cfg)
		if verdict != PreferIncoming {
			if verdict == Tie {
				// earlier arrival stays, nobody lost
				rec := r.record(ClassIdentity, prior, f, &prior, KeptExisting, ReasonArrival, false)
				return Outcome{Fact: prior, Record: rec}
			}
			rec := r.record(ClassIdentity, prior, f, &prior, KeptExisting, reason, false)
			return Outcome{Fact: prior, Record: rec, Overridden: f.SourcePeerID}
		}
		rec := r.record(ClassIdentity, prior, f, &f, Replaced, reason, false)
		r.byID[f.FactID] = f
		if cur, ok := r.current[keyOf(prior)]; ok && cur.FactID == prior.FactID {
			delete(r.current, keyOf(prior))
			if keyOf(prior) != keyOf(f) {
				r.reelectLocked(keyOf(prior))
			}
		}
		slot := r.placeLocked(f)
		if slot.Record == nil {
			slot.Record = rec
		}
		if slot.Overridden == "" {
			slot.Overridden = prior.SourcePeerID
		}
		return slot
	}

	r.byID[f.FactID] = f
	return r.placeLocked(f)
}

// placeLocked settles f against the current holder of its slot.
func (r *Resolver) placeLocked(f protocol.Fact) Outcome {
	key := keyOf(f)
	cur, ok := r.current[key]
	if !ok || cur.FactID == f.FactID {
		r.current[key] = f
		return Outcome{Fact: f, Accepted: true}
	}

	if !cur.SameValue(f) && Mergeable(cur, f, r.cfg) {
		if merged, ok := Merge(cur, f); ok {
			r.current[key] = merged
			r.byID[merged.FactID] = merged
			rec := r.record(ClassSemantic, cur, f, &merged, Merged, ReasonNumericMerge, false)
			return Outcome{Fact: merged, Accepted: true, Record: rec}
		}
	}

	verdict, reason := Compare(cur, f, r.score(cur.SourcePeerID), r.score(f.SourcePeerID), r.cfg)
	if cur.SameValue(f) {
		// agreement, keep whichever is stronger without logging a conflict
		if verdict == PreferIncoming {
			r.current[key] = f
			return Outcome{Fact: f, Accepted: true}
		}
		return Outcome{Fact: cur}
	}

	switch verdict {
	case PreferIncoming:
		r.current[key] = f
		rec := r.record(ClassSemantic, cur, f, &f, Replaced, reason, false)
		return Outcome{Fact: f, Accepted: true, Record: rec, Overridden: cur.SourcePeerID}
	case PreferExisting:
		rec := r.record(ClassSemantic, cur, f, &cur, KeptExisting, reason, false)
		return Outcome{Fact: cur, Record: rec, Overridden: f.SourcePeerID}
	}

	rec := r.record(ClassSemantic, cur, f, nil, Unresolved, ReasonTie, true)
	return Outcome{Fact: cur, Record: rec}
}

// reelectLocked refills a slot whose holder moved to another slot. The
// candidates are the accepted versions of every id still in that slot, ranked
// by Compare with fact id as the final tie-break, so the holder does not
// depend on arrival order.
func (r *Resolver) reelectLocked(key slotKey) {
	var best protocol.Fact
	found := false
	for _, cand := range r.byID {
		if keyOf(cand) != key {
			continue
		}
		if !found {
			best, found = cand, true
			continue
		}
		verdict, _ := Compare(best, cand, r.score(best.SourcePeerID), r.score(cand.SourcePeerID), r.cfg)
		if verdict == PreferIncoming || (verdict == Tie && cand.FactID < best.FactID) {
			best = cand
		}
	}
	if !found {
		return
	}
	r.current[key] = best
	r.logger.Debug().
		Str("subject", key.subject).
		Str("predicate", key.predicate).
		Str("fact_id", best.FactID).
		Msg("facts.Resolver slot re-elected")
}

func (r *Resolver) record(class Class, existing, incoming protocol.Fact, winner *protocol.Fact, res Resolution, reason Reason, open bool) *ContradictionRecord {
	rec := ContradictionRecord{
		ID:         uuid.NewString(),
		Class:      class,
		Existing:   existing,
		Incoming:   incoming,
		Resolution: res,
		Reason:     reason,
		Open:       open,
		RecordedAt: r.now(),
	}
	if winner != nil {
		w := *winner
		rec.Winner = &w
	}
	r.ledger = append(r.ledger, rec)
	out := rec
	return &out
}

func (r *Resolver) score(peerID string) float64 {
	if r.trust == nil {
		return 0.5
	}
	return r.trust.Score(peerID)
}

// Current returns the accepted fact for a slot.
func (r *Resolver) Current(subject, predicate string) (protocol.Fact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.current[slotKey{subject: subject, predicate: predicate}]
	return f, ok
}

// Get returns the accepted version of a fact id.
func (r *Resolver) Get(factID string) (protocol.Fact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[factID]
	return f, ok
}

// History returns every non-duplicate fact in ingest order.
func (r *Resolver) History() []protocol.Fact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.Fact(nil), r.history...)
}

// Contradictions returns the full ledger in record order.
func (r *Resolver) Contradictions() []ContradictionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ContradictionRecord(nil), r.ledger...)
}

// OpenContradictions returns ledger entries no rule could settle.
func (r *Resolver) OpenContradictions() []ContradictionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ContradictionRecord, 0)
	for _, rec := range r.ledger {
		if rec.Open {
			out = append(out, rec)
		}
	}
	return out
}
