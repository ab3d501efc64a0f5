package facts

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/hspmesh/internal/protocol"
	"github.com/google/uuid"
)

type Reason string

const (
	ReasonConfidence   Reason = "confidence"
	ReasonTimestamp    Reason = "timestamp"
	ReasonTrust        Reason = "trust"
	ReasonArrival      Reason = "arrival"
	ReasonNumericMerge Reason = "numeric_merge"
	ReasonTie          Reason = "tie"
)

// Verdict names the side Compare prefers.
type Verdict int

const (
	Tie Verdict = iota
	PreferExisting
	PreferIncoming
)

// Compare ranks two conflicting facts by confidence, then timestamp, then
// source trust. It depends only on its arguments, so the verdict is the same
// whichever fact arrived first.
func Compare(existing, incoming protocol.Fact, existingTrust, incomingTrust float64, cfg Config) (Verdict, Reason) {
	if d := incoming.Confidence - existing.Confidence; math.Abs(d) > cfg.ConfidenceEpsilon {
		return pick(d > 0), ReasonConfidence
	}
	if !incoming.Timestamp.Equal(existing.Timestamp) {
		return pick(incoming.Timestamp.After(existing.Timestamp)), ReasonTimestamp
	}
	if d := incomingTrust - existingTrust; math.Abs(d) > cfg.TrustEpsilon {
		return pick(d > 0), ReasonTrust
	}
	return Tie, ReasonTie
}

// Mergeable reports whether a numeric merge replaces the winner selection for
// two conflicting facts: MergeNumeric is on, both values are numeric and the
// confidences are within ConfidenceEpsilon. Timestamp and trust are ignored.
func Mergeable(a, b protocol.Fact, cfg Config) bool {
	if !cfg.MergeNumeric || math.Abs(a.Confidence-b.Confidence) > cfg.ConfidenceEpsilon {
		return false
	}
	_, okA := a.NumericValue()
	_, okB := b.NumericValue()
	return okA && okB
}

func pick(incomingWins bool) Verdict {
	if incomingWins {
		return PreferIncoming
	}
	return PreferExisting
}

// Merge combines two numeric facts for the same slot. The value is the
// confidence-weighted mean, confidence is the plain mean and the timestamp is
// the later one. The result does not depend on argument order.
func Merge(a, b protocol.Fact) (protocol.Fact, bool) {
	va, okA := a.NumericValue()
	vb, okB := b.NumericValue()
	if !okA || !okB {
		return protocol.Fact{}, false
	}
	if b.FactID < a.FactID || (b.FactID == a.FactID && b.SourcePeerID < a.SourcePeerID) {
		a, b = b, a
		va, vb = vb, va
	}
	weight := a.Confidence + b.Confidence
	value := (va + vb) / 2
	if weight > 0 {
		value = (a.Confidence*va + b.Confidence*vb) / weight
	}
	ts := a.Timestamp
	if b.Timestamp.After(ts) {
		ts = b.Timestamp
	}
	sources := []string{a.SourcePeerID, b.SourcePeerID}
	sort.Strings(sources)
	if sources[0] == sources[1] {
		sources = sources[:1]
	}
	raw, err := json.Marshal(json.Number(strconv.FormatFloat(value, 'g', -1, 64)))
	if err != nil {
		return protocol.Fact{}, false
	}
	return protocol.Fact{
		FactID:       MergedFactID(a.FactID, b.FactID),
		Subject:      a.Subject,
		Predicate:    a.Predicate,
		Value:        raw,
		Confidence:   (a.Confidence + b.Confidence) / 2,
		SourcePeerID: strings.Join(sources, ","),
		Timestamp:    ts,
	}, true
}

// MergedFactID derives a stable id from the ids of the merged facts.
func MergedFactID(ids ...string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return "merged-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(sorted, "\x00"))).String()
}
