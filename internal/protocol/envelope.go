package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/google/uuid"
)

// DefaultTTL bounds how long an envelope may sit in broker queues.
const DefaultTTL = 60 * time.Second

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type QoS struct {
	RequiresAck bool   `json:"requires_ack,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Envelope is the wire message. Treat it as immutable once built; build new
// envelopes with NewEnvelope instead of editing fields in place.
type Envelope struct {
	ID            string             `json:"id"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	SenderID      string             `json:"sender_id"`
	RecipientID   string             `json:"recipient_id,omitempty"`
	MessageType   schema.MessageType `json:"message_type"`
	Payload       json.RawMessage    `json:"payload"`
	SchemaVersion string             `json:"schema_version"`
	CreatedAt     time.Time          `json:"created_at"`
	TTLSeconds    int                `json:"ttl_seconds"`
	QoS           QoS                `json:"qos"`
}

type EnvelopeOption func(*Envelope)

func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = strings.TrimSpace(id) }
}

func WithRecipient(peerID string) EnvelopeOption {
	return func(e *Envelope) { e.RecipientID = strings.TrimSpace(peerID) }
}

// WithTTL rounds up to whole seconds; the wire carries seconds.
func WithTTL(d time.Duration) EnvelopeOption {
	return func(e *Envelope) {
		secs := int((d + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		e.TTLSeconds = secs
	}
}

func WithAck() EnvelopeOption {
	return func(e *Envelope) { e.QoS.RequiresAck = true }
}

func WithPriority(p string) EnvelopeOption {
	return func(e *Envelope) { e.QoS.Priority = p }
}

func WithCreatedAt(at time.Time) EnvelopeOption {
	return func(e *Envelope) { e.CreatedAt = at.UTC() }
}

func WithSchemaVersion(v string) EnvelopeOption {
	return func(e *Envelope) { e.SchemaVersion = v }
}

// NewEnvelope marshals payload and stamps id, version, creation time and ttl.
func NewEnvelope(senderID string, msgType schema.MessageType, payload any, opts ...EnvelopeOption) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	env := Envelope{
		ID:            uuid.NewString(),
		SenderID:      strings.TrimSpace(senderID),
		MessageType:   msgType,
		Payload:       raw,
		SchemaVersion: schema.CurrentVersion,
		CreatedAt:     time.Now().UTC(),
		TTLSeconds:    int(DefaultTTL / time.Second),
		QoS:           QoS{Priority: PriorityMedium},
	}
	for _, opt := range opts {
		opt(&env)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope header. Payload contents are checked against
// the schema registry by the codec.
func (e Envelope) Validate() error {
	field := func(name, reason string) error {
		return &schema.ValidationError{MessageType: e.MessageType, Version: e.SchemaVersion, Field: "envelope." + name, Reason: reason}
	}
	if strings.TrimSpace(e.ID) == "" {
		return field("id", "missing id")
	}
	if strings.TrimSpace(e.SenderID) == "" {
		return field("sender_id", "missing sender_id")
	}
	if !e.MessageType.Valid() {
		return field("message_type", "unknown message_type")
	}
	if strings.TrimSpace(e.SchemaVersion) == "" {
		return field("schema_version", "missing schema_version")
	}
	if e.CreatedAt.IsZero() {
		return field("created_at", "missing created_at")
	}
	if e.TTLSeconds <= 0 {
		return field("ttl_seconds", "ttl_seconds must be positive")
	}
	if len(e.Payload) == 0 {
		return field("payload", "missing payload")
	}
	return nil
}

func (e Envelope) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// ExpiresAt is the instant after which receivers drop the envelope.
func (e Envelope) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL())
}

func (e Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt().Before(now)
}

// UnmarshalPayload decodes the payload into v.
func (e Envelope) UnmarshalPayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.MessageType, err)
	}
	return nil
}
