package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

// MaxEnvelopeBytes caps a single encoded envelope.
const MaxEnvelopeBytes = 1 << 20

// Codec turns envelopes into wire bytes and back. Decode rejects anything the
// schema registry does not accept and anything past its ttl.
type Codec struct {
	schemas *schema.Registry
	now     func() time.Time
}

type CodecOption func(*Codec)

// WithClock overrides the clock used for ttl checks.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCodec(schemas *schema.Registry, opts ...CodecOption) *Codec {
	if schemas == nil {
		schemas = schema.DefaultRegistry()
	}
	c := &Codec{schemas: schemas, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Schemas() *schema.Registry {
	return c.schemas
}

// Encode validates the header and payload, then marshals the envelope.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := c.schemas.Validate(env.MessageType, env.SchemaVersion, env.Payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope %s: %w", env.ID, err)
	}
	if len(data) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	return data, nil
}

// Decode parses, validates and ttl-checks one envelope.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEnvelopeBytes {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &schema.ValidationError{Field: "envelope", Reason: "malformed json: " + err.Error()}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := c.schemas.Validate(env.MessageType, env.SchemaVersion, env.Payload); err != nil {
		return Envelope{}, err
	}
	now := c.now()
	if env.Expired(now) {
		log.Debug().
			Str("id", env.ID).
			Str("message_type", string(env.MessageType)).
			Time("expires_at", env.ExpiresAt()).
			Msg("protocol.Codec.Decode expired")
		return Envelope{}, fmt.Errorf("%w: id=%s expired_at=%s", ErrExpired, env.ID, env.ExpiresAt().Format(time.RFC3339Nano))
	}
	return env, nil
}
