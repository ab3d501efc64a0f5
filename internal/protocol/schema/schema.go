package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MessageType tags the payload carried by an envelope.
type MessageType string

// Message types from the hsp wire contract.
const (
	MsgFact                    MessageType = "fact"
	MsgCapabilityAdvertisement MessageType = "capability_advertisement"
	MsgTaskRequest             MessageType = "task_request"
	MsgTaskResult              MessageType = "task_result"
	MsgAck                     MessageType = "ack"
)

// CurrentVersion is the schema version stamped on locally built envelopes.
const CurrentVersion = "0.1"

// MessageTypes lists every known message type in wire order.
func MessageTypes() []MessageType {
	return []MessageType{MsgFact, MsgCapabilityAdvertisement, MsgTaskRequest, MsgTaskResult, MsgAck}
}

func (t MessageType) Valid() bool {
	switch t {
	case MsgFact, MsgCapabilityAdvertisement, MsgTaskRequest, MsgTaskResult, MsgAck:
		return true
	default:
		return false
	}
}

// Kind is the JSON kind a payload field must decode to.
type Kind uint8

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "any"
	}
}

type Requirement struct {
	Field string
	Kind  Kind
}

// Schema describes one (message type, version) payload contract. Check runs
// after the required fields passed and may reject on value ranges.
type Schema struct {
	Type     MessageType
	Version  string
	Required []Requirement
	Optional []Requirement
	Check    func(payload map[string]any) error
}

var ErrSchemaValidation = errors.New("schema: validation failed")

type ValidationError struct {
	MessageType MessageType
	Version     string
	Field       string
	Reason      string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: message_type=%s version=%s: %s", e.MessageType, e.Version, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s version=%s field=%s: %s", e.MessageType, e.Version, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrSchemaValidation
}

type schemaKey struct {
	messageType MessageType
	version     string
}

// Registry maps (message type, version) pairs to payload schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[schemaKey]Schema)}
}

// DefaultRegistry returns a registry holding the built-in 0.1 schemas.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range builtinSchemas() {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds or replaces a schema version for a message type.
func (r *Registry) Register(s Schema) error {
	if !s.Type.Valid() {
		return fmt.Errorf("schema: register unknown message_type %q", s.Type)
	}
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("schema: register %s missing version", s.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey{s.Type, s.Version}] = s
	return nil
}

func (r *Registry) Lookup(t MessageType, version string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[schemaKey{t, version}]
	return s, ok
}

// Versions returns the registered versions for t in lexical order.
func (r *Registry) Versions(t MessageType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, 2)
	for k := range r.schemas {
		if k.messageType == t {
			out = append(out, k.version)
		}
	}
	sort.Strings(out)
	return out
}

// Validate enforces required fields, field kinds and value checks for a
// payload. Unknown fields are ignored so newer peers can add data.
func (r *Registry) Validate(t MessageType, version string, payload []byte) error {
	log.Debug().Str("message_type", string(t)).Str("version", version).Int("bytes", len(payload)).Msg("schema.Validate")
	if !t.Valid() {
		return reject(&ValidationError{MessageType: t, Version: version, Reason: "unknown message_type"})
	}
	s, ok := r.Lookup(t, version)
	if !ok {
		return reject(&ValidationError{MessageType: t, Version: version, Reason: "unsupported schema_version"})
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return reject(&ValidationError{MessageType: t, Version: version, Reason: "payload is not a json object"})
	}
	for _, req := range s.Required {
		v, found := fields[req.Field]
		if !found || v == nil {
			return reject(&ValidationError{MessageType: t, Version: version, Field: req.Field, Reason: "missing required field"})
		}
		if reason := checkKind(v, req.Kind); reason != "" {
			return reject(&ValidationError{MessageType: t, Version: version, Field: req.Field, Reason: reason})
		}
	}
	for _, opt := range s.Optional {
		v, found := fields[opt.Field]
		if !found || v == nil {
			continue
		}
		if reason := checkKind(v, opt.Kind); reason != "" {
			return reject(&ValidationError{MessageType: t, Version: version, Field: opt.Field, Reason: reason})
		}
	}
	if s.Check != nil {
		if err := s.Check(fields); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.MessageType, ve.Version = t, version
				return reject(ve)
			}
			return reject(&ValidationError{MessageType: t, Version: version, Reason: err.Error()})
		}
	}
	return nil
}

func reject(err *ValidationError) error {
	log.Warn().
		Str("message_type", string(err.MessageType)).
		Str("version", err.Version).
		Str("field", err.Field).
		Str("reason", err.Reason).
		Msg("schema.Validate rejected")
	return err
}

func checkKind(v any, k Kind) string {
	switch k {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return "type mismatch: want string"
		}
		if strings.TrimSpace(s) == "" {
			return "empty string"
		}
	case KindNumber:
		f, ok := v.(float64)
		if !ok {
			return "type mismatch: want number"
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "non-finite number"
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return "type mismatch: want bool"
		}
	case KindObject:
		if _, ok := v.(map[string]any); !ok {
			return "type mismatch: want object"
		}
	case KindArray:
		if _, ok := v.([]any); !ok {
			return "type mismatch: want array"
		}
	}
	return ""
}

func fieldError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func checkTimestamp(fields map[string]any, field string) error {
	raw, ok := fields[field].(string)
	if !ok {
		return nil
	}
	if _, err := time.Parse(time.RFC3339Nano, raw); err != nil {
		return fieldError(field, "timestamp is not RFC3339")
	}
	return nil
}

func builtinSchemas() []Schema {
	return []Schema{
		{
			Type:    MsgFact,
			Version: CurrentVersion,
			Required: []Requirement{
				{"fact_id", KindString},
				{"subject", KindString},
				{"predicate", KindString},
				{"value", KindAny},
				{"confidence", KindNumber},
				{"source_peer_id", KindString},
				{"timestamp", KindString},
			},
			Check: func(fields map[string]any) error {
				c := fields["confidence"].(float64)
				if c < 0 || c > 1 {
					return fieldError("confidence", "confidence out of range [0,1]")
				}
				return checkTimestamp(fields, "timestamp")
			},
		},
		{
			Type:    MsgCapabilityAdvertisement,
			Version: CurrentVersion,
			Required: []Requirement{
				{"capability_id", KindString},
				{"owning_peer_id", KindString},
				{"name", KindString},
			},
			Optional: []Requirement{
				{"description", KindString},
				{"tags", KindArray},
				{"input_schema_ref", KindString},
				{"output_schema_ref", KindString},
				{"ttl_seconds", KindNumber},
				{"retracted", KindBool},
				{"advertised_at", KindString},
			},
			Check: func(fields map[string]any) error {
				if ttl, ok := fields["ttl_seconds"].(float64); ok && ttl < 0 {
					return fieldError("ttl_seconds", "negative ttl")
				}
				return checkTimestamp(fields, "advertised_at")
			},
		},
		{
			Type:     MsgTaskRequest,
			Version:  CurrentVersion,
			Required: []Requirement{{"capability_id", KindString}},
			Optional: []Requirement{{"deadline", KindString}},
			Check: func(fields map[string]any) error {
				return checkTimestamp(fields, "deadline")
			},
		},
		{
			Type:    MsgTaskResult,
			Version: CurrentVersion,
			Required: []Requirement{
				{"capability_id", KindString},
				{"status", KindString},
			},
			Optional: []Requirement{{"error", KindString}},
			Check: func(fields map[string]any) error {
				switch fields["status"].(string) {
				case "completed", "failed":
					return nil
				default:
					return fieldError("status", "status must be completed or failed")
				}
			},
		},
		{
			Type:    MsgAck,
			Version: CurrentVersion,
			Required: []Requirement{
				{"acked_id", KindString},
				{"status", KindString},
			},
		},
	}
}
