package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/hspmesh/internal/protocol/schema"
	"github.com/danmuck/hspmesh/internal/testutil/testlog"
)

func sampleFact() Fact {
	return Fact{
		FactID:       "fact-1",
		Subject:      "room.kitchen",
		Predicate:    "temperature_c",
		Value:        json.RawMessage(`21.5`),
		Confidence:   0.8,
		SourcePeerID: "peer.a",
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)

	cases := []struct {
		name    string
		msgType schema.MessageType
		payload any
		opts    []EnvelopeOption
	}{
		{"fact", schema.MsgFact, sampleFact(), []EnvelopeOption{WithAck(), WithPriority(PriorityHigh)}},
		{"capability", schema.MsgCapabilityAdvertisement, CapabilityAdvertisement{
			CapabilityID: "cap.translate",
			OwningPeerID: "peer.a",
			Name:         "translate",
			Tags:         []string{"nlp"},
			AdvertisedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			TTLSeconds:   300,
		}, nil},
		{"task request", schema.MsgTaskRequest, TaskRequest{CapabilityID: "cap.translate", Input: json.RawMessage(`{"text":"hi"}`)}, []EnvelopeOption{WithCorrelationID("corr-1"), WithRecipient("peer.b")}},
		{"task result", schema.MsgTaskResult, TaskResult{CapabilityID: "cap.translate", Status: TaskCompleted, Output: json.RawMessage(`"hola"`)}, []EnvelopeOption{WithCorrelationID("corr-1")}},
		{"ack", schema.MsgAck, Ack{AckedID: "env-1", Status: AckReceived}, []EnvelopeOption{WithTTL(5 * time.Second)}},
	}
	for _, tc := range cases {
		env, err := NewEnvelope("peer.a", tc.msgType, tc.payload, tc.opts...)
		if err != nil {
			t.Fatalf("%s: new envelope: %v", tc.name, err)
		}
		data, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.name, err)
		}
		got, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, env) {
			t.Fatalf("%s: round trip mismatch\n got=%+v\nwant=%+v", tc.name, got, env)
		}
	}
}

func TestNewEnvelopeDefaults(t *testing.T) {
	testlog.Start(t)
	env, err := NewEnvelope("peer.a", schema.MsgAck, Ack{AckedID: "x", Status: AckReceived})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.ID == "" || env.SchemaVersion != schema.CurrentVersion {
		t.Fatalf("missing defaults: %+v", env)
	}
	if env.TTL() != DefaultTTL {
		t.Fatalf("ttl got=%s want=%s", env.TTL(), DefaultTTL)
	}
	if env.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at not utc: %s", env.CreatedAt)
	}
	other, _ := NewEnvelope("peer.a", schema.MsgAck, Ack{AckedID: "x", Status: AckReceived})
	if other.ID == env.ID {
		t.Fatalf("envelope ids must be unique")
	}
	if _, err := NewEnvelope("", schema.MsgAck, Ack{AckedID: "x", Status: AckReceived}); !errors.Is(err, schema.ErrSchemaValidation) {
		t.Fatalf("expected missing sender rejection, got %v", err)
	}
}

func TestDecodeRejectsExpired(t *testing.T) {
	testlog.Start(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope("peer.a", schema.MsgFact, sampleFact(), WithCreatedAt(created), WithTTL(10*time.Second))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	data, err := NewCodec(nil).Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	fresh := NewCodec(nil, WithClock(func() time.Time { return created.Add(10 * time.Second) }))
	if _, err := fresh.Decode(data); err != nil {
		t.Fatalf("decode at ttl boundary: %v", err)
	}
	stale := NewCodec(nil, WithClock(func() time.Time { return created.Add(11 * time.Second) }))
	if _, err := stale.Decode(data); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	testlog.Start(t)
	codec := NewCodec(nil)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	cases := map[string]string{
		"malformed":      `{"id":`,
		"unknown type":   `{"id":"1","sender_id":"a","message_type":"gossip","payload":{},"schema_version":"0.1","created_at":"` + now + `","ttl_seconds":60}`,
		"missing sender": `{"id":"1","message_type":"ack","payload":{"acked_id":"x","status":"received"},"schema_version":"0.1","created_at":"` + now + `","ttl_seconds":60}`,
		"zero ttl":       `{"id":"1","sender_id":"a","message_type":"ack","payload":{"acked_id":"x","status":"received"},"schema_version":"0.1","created_at":"` + now + `","ttl_seconds":0}`,
		"bad payload":    `{"id":"1","sender_id":"a","message_type":"fact","payload":{"fact_id":"f"},"schema_version":"0.1","created_at":"` + now + `","ttl_seconds":60}`,
		"bad version":    `{"id":"1","sender_id":"a","message_type":"ack","payload":{"acked_id":"x","status":"received"},"schema_version":"7.0","created_at":"` + now + `","ttl_seconds":60}`,
	}
	for name, raw := range cases {
		_, err := codec.Decode([]byte(raw))
		var ve *schema.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}
}

func TestEncodeRejectsInvalidPayload(t *testing.T) {
	testlog.Start(t)
	env, err := NewEnvelope("peer.a", schema.MsgTaskResult, TaskResult{CapabilityID: "cap", Status: "maybe"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if _, err := NewCodec(nil).Encode(env); !errors.Is(err, schema.ErrSchemaValidation) {
		t.Fatalf("expected schema rejection on encode, got %v", err)
	}
}

func TestFactHelpers(t *testing.T) {
	testlog.Start(t)
	f := sampleFact()
	if err := f.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v, ok := f.NumericValue(); !ok || v != 21.5 {
		t.Fatalf("numeric value got=%v ok=%v", v, ok)
	}
	s := f
	s.Value = json.RawMessage(`" 19 "`)
	if v, ok := s.NumericValue(); !ok || v != 19 {
		t.Fatalf("numeric string got=%v ok=%v", v, ok)
	}
	s.Value = json.RawMessage(`{"b":1,"a":2}`)
	if _, ok := s.NumericValue(); ok {
		t.Fatalf("object must not be numeric")
	}
	o := s
	o.Value = json.RawMessage(`{ "a": 2, "b": 1 }`)
	if !s.SameValue(o) || !s.SameContent(o) {
		t.Fatalf("canonical json comparison failed")
	}
	o.Confidence = 0.1
	if s.SameContent(o) {
		t.Fatalf("different confidence must not be same content")
	}

	bad := f
	bad.Confidence = 1.2
	if err := bad.Validate(); !errors.Is(err, ErrInvalidFact) {
		t.Fatalf("expected ErrInvalidFact, got %v", err)
	}
	bad = f
	bad.Value = json.RawMessage(`null`)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidFact) {
		t.Fatalf("expected null value rejection, got %v", err)
	}
}

func TestTopicBuildAndParse(t *testing.T) {
	testlog.Start(t)
	topic, err := TopicFor("lab", schema.MsgTaskRequest, "peer.b")
	if err != nil {
		t.Fatalf("topic for: %v", err)
	}
	if topic != "hsp/lab/task_request/peer.b" {
		t.Fatalf("topic got=%q", topic)
	}
	parsed, err := ParseTopic(topic)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Namespace != "lab" || parsed.MessageType != schema.MsgTaskRequest || parsed.PeerID != "peer.b" {
		t.Fatalf("parsed got=%+v", parsed)
	}
	for _, bad := range []string{"", "hsp/lab/fact", "mqtt/lab/fact/a", "hsp/lab/gossip/a", "hsp//fact/a", "hsp/lab/fact/a/b"} {
		if _, err := ParseTopic(bad); !errors.Is(err, ErrInvalidTopic) {
			t.Fatalf("parse %q: expected ErrInvalidTopic, got %v", bad, err)
		}
	}
	if _, err := TopicFor("lab", schema.MsgFact, "a+b"); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected reserved char rejection, got %v", err)
	}
	pattern, err := TopicPattern("lab", schema.MsgFact, WildcardOne)
	if err != nil || pattern != "hsp/lab/fact/+" {
		t.Fatalf("pattern got=%q err=%v", pattern, err)
	}
}

func TestMatchTopic(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"hsp/lab/fact/+", "hsp/lab/fact/peer.a", true},
		{"hsp/lab/fact/+", "hsp/lab/fact/peer.a/extra", false},
		{"hsp/lab/fact/+", "hsp/lab/ack/peer.a", false},
		{"hsp/lab/#", "hsp/lab/task_result/peer.a", true},
		{"hsp/lab/#", "hsp/lab", true},
		{"hsp/+/ack/peer.a", "hsp/other/ack/peer.a", true},
		{"hsp/lab/ack/peer.a", "hsp/lab/ack/peer.a", true},
		{"hsp/lab/ack/peer.a", "hsp/lab/ack/peer.b", false},
		{"#", "hsp/lab/ack/peer.b", true},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Fatalf("match(%q,%q) got=%v want=%v", tc.pattern, tc.topic, got, tc.want)
		}
	}
	if err := ValidatePattern("hsp/#/fact"); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected misplaced # rejection, got %v", err)
	}
	if err := ValidatePattern("hsp/la+/fact"); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected partial wildcard rejection, got %v", err)
	}
	if err := ValidatePattern("hsp/+/fact/#"); err != nil {
		t.Fatalf("valid pattern rejected: %v", err)
	}
}

func TestNATSSubjectMapping(t *testing.T) {
	testlog.Start(t)
	if got := NATSSubject("hsp/lab/fact/+"); got != "hsp.lab.fact.*" {
		t.Fatalf("wildcard subject got=%q", got)
	}
	if got := NATSSubject("hsp/lab/#"); got != "hsp.lab.>" {
		t.Fatalf("rest subject got=%q", got)
	}
	topic := "hsp/lab/fact/peer.a%2E"
	subject := NATSSubject(topic)
	if subject != "hsp.lab.fact.peer%2Ea%252E" {
		t.Fatalf("escaped subject got=%q", subject)
	}
	if back := TopicFromNATSSubject(subject); back != topic {
		t.Fatalf("reverse got=%q want=%q", back, topic)
	}
}
