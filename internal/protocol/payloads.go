package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Fact is a (subject, predicate, value) assertion from one peer.
type Fact struct {
	FactID       string          `json:"fact_id"`
	Subject      string          `json:"subject"`
	Predicate    string          `json:"predicate"`
	Value        json.RawMessage `json:"value"`
	Confidence   float64         `json:"confidence"`
	SourcePeerID string          `json:"source_peer_id"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (f Fact) Validate() error {
	switch {
	case strings.TrimSpace(f.FactID) == "":
		return fmt.Errorf("%w: missing fact_id", ErrInvalidFact)
	case strings.TrimSpace(f.Subject) == "":
		return fmt.Errorf("%w: missing subject", ErrInvalidFact)
	case strings.TrimSpace(f.Predicate) == "":
		return fmt.Errorf("%w: missing predicate", ErrInvalidFact)
	case strings.TrimSpace(f.SourcePeerID) == "":
		return fmt.Errorf("%w: missing source_peer_id", ErrInvalidFact)
	case len(bytes.TrimSpace(f.Value)) == 0 || bytes.Equal(bytes.TrimSpace(f.Value), []byte("null")):
		return fmt.Errorf("%w: missing value", ErrInvalidFact)
	case math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1:
		return fmt.Errorf("%w: confidence %v out of range [0,1]", ErrInvalidFact, f.Confidence)
	case f.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidFact)
	}
	if !json.Valid(f.Value) {
		return fmt.Errorf("%w: value is not valid json", ErrInvalidFact)
	}
	return nil
}

// Key identifies the slot a fact competes for.
func (f Fact) Key() string {
	return f.Subject + "\x00" + f.Predicate
}

// NumericValue reports the value as a float when it is a JSON number or a
// string holding one.
func (f Fact) NumericValue() (float64, bool) {
	raw := bytes.TrimSpace(f.Value)
	if len(raw) == 0 {
		return 0, false
	}
	var n json.Number
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(strings.TrimSpace(s))
	} else {
		n = json.Number(raw)
	}
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// SameValue compares values by canonical json, so key order and whitespace
// do not matter.
func (f Fact) SameValue(other Fact) bool {
	return bytes.Equal(canonicalJSON(f.Value), canonicalJSON(other.Value))
}

// SameContent is true when two facts assert the same thing with the same
// metadata. Such a pair is a plain duplicate, not a contradiction.
func (f Fact) SameContent(other Fact) bool {
	return f.FactID == other.FactID &&
		f.Subject == other.Subject &&
		f.Predicate == other.Predicate &&
		f.Confidence == other.Confidence &&
		f.SourcePeerID == other.SourcePeerID &&
		f.Timestamp.Equal(other.Timestamp) &&
		f.SameValue(other)
}

func canonicalJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return bytes.TrimSpace(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return bytes.TrimSpace(raw)
	}
	return out
}

type CapabilityAdvertisement struct {
	CapabilityID    string    `json:"capability_id"`
	OwningPeerID    string    `json:"owning_peer_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	InputSchemaRef  string    `json:"input_schema_ref,omitempty"`
	OutputSchemaRef string    `json:"output_schema_ref,omitempty"`
	AdvertisedAt    time.Time `json:"advertised_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	TTLSeconds      int       `json:"ttl_seconds,omitempty"`
	Retracted       bool      `json:"retracted,omitempty"`
}

func (a CapabilityAdvertisement) Validate() error {
	switch {
	case strings.TrimSpace(a.CapabilityID) == "":
		return fmt.Errorf("%w: missing capability_id", ErrInvalidAd)
	case strings.TrimSpace(a.OwningPeerID) == "":
		return fmt.Errorf("%w: missing owning_peer_id", ErrInvalidAd)
	case strings.TrimSpace(a.Name) == "":
		return fmt.Errorf("%w: missing name", ErrInvalidAd)
	case a.TTLSeconds < 0:
		return fmt.Errorf("%w: negative ttl_seconds", ErrInvalidAd)
	}
	return nil
}

func (a CapabilityAdvertisement) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

type TaskRequest struct {
	CapabilityID string          `json:"capability_id"`
	Input        json.RawMessage `json:"input,omitempty"`
	Deadline     time.Time       `json:"deadline"`
}

const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

type TaskResult struct {
	CapabilityID string          `json:"capability_id"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (r TaskResult) Succeeded() bool {
	return r.Status == TaskCompleted
}

const AckReceived = "received"

type Ack struct {
	AckedID string `json:"acked_id"`
	Status  string `json:"status"`
}
