package protocol

import (
	"fmt"
	"strings"

	"github.com/danmuck/hspmesh/internal/protocol/schema"
)

const (
	TopicRoot = "hsp"

	// WildcardOne matches exactly one topic level.
	WildcardOne = "+"
	// WildcardRest matches every remaining level and must come last.
	WildcardRest = "#"
)

// Topic is a parsed hsp/{namespace}/{message_type}/{peer_id} address.
type Topic struct {
	Namespace   string
	MessageType schema.MessageType
	PeerID      string
}

func (t Topic) String() string {
	return strings.Join([]string{TopicRoot, t.Namespace, string(t.MessageType), t.PeerID}, "/")
}

// TopicFor builds the topic an envelope of msgType addressed at peerID is
// published on.
func TopicFor(namespace string, msgType schema.MessageType, peerID string) (string, error) {
	t := Topic{Namespace: namespace, MessageType: msgType, PeerID: peerID}
	if err := validateSegment("namespace", t.Namespace); err != nil {
		return "", err
	}
	if !msgType.Valid() {
		return "", fmt.Errorf("%w: unknown message_type %q", ErrInvalidTopic, msgType)
	}
	if err := validateSegment("peer_id", t.PeerID); err != nil {
		return "", err
	}
	return t.String(), nil
}

// TopicPattern builds a subscription pattern. peerID may be "+" to match any
// peer.
func TopicPattern(namespace string, msgType schema.MessageType, peerID string) (string, error) {
	if err := validateSegment("namespace", namespace); err != nil {
		return "", err
	}
	if !msgType.Valid() {
		return "", fmt.Errorf("%w: unknown message_type %q", ErrInvalidTopic, msgType)
	}
	if peerID != WildcardOne {
		if err := validateSegment("peer_id", peerID); err != nil {
			return "", err
		}
	}
	return strings.Join([]string{TopicRoot, namespace, string(msgType), peerID}, "/"), nil
}

func ParseTopic(raw string) (Topic, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 || parts[0] != TopicRoot {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
	t := Topic{Namespace: parts[1], MessageType: schema.MessageType(parts[2]), PeerID: parts[3]}
	if err := validateSegment("namespace", t.Namespace); err != nil {
		return Topic{}, err
	}
	if !t.MessageType.Valid() {
		return Topic{}, fmt.Errorf("%w: unknown message_type in %q", ErrInvalidTopic, raw)
	}
	if err := validateSegment("peer_id", t.PeerID); err != nil {
		return Topic{}, err
	}
	return t, nil
}

func validateSegment(name, seg string) error {
	if seg == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidTopic, name)
	}
	if strings.ContainsAny(seg, "/+# \t\r\n") {
		return fmt.Errorf("%w: %s %q contains reserved characters", ErrInvalidTopic, name, seg)
	}
	return nil
}

// ValidatePattern checks wildcard placement: "+" must fill a whole level and
// "#" must be the whole final level.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidTopic)
	}
	levels := strings.Split(pattern, "/")
	for i, lvl := range levels {
		if lvl == "" {
			return fmt.Errorf("%w: empty level in %q", ErrInvalidTopic, pattern)
		}
		if lvl == WildcardRest {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q not last in %q", ErrInvalidTopic, WildcardRest, pattern)
			}
			continue
		}
		if lvl != WildcardOne && strings.ContainsAny(lvl, "+#") {
			return fmt.Errorf("%w: partial wildcard level %q", ErrInvalidTopic, lvl)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches pattern using MQTT-style
// wildcards.
func MatchTopic(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, lvl := range p {
		if lvl == WildcardRest {
			return i == len(p)-1 && len(t) >= i
		}
		if i >= len(t) {
			return false
		}
		if lvl != WildcardOne && lvl != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

var subjectEscaper = strings.NewReplacer("%", "%25", ".", "%2E", "*", "%2A", ">", "%3E")
var subjectUnescaper = strings.NewReplacer("%2E", ".", "%2A", "*", "%3E", ">", "%25", "%")

// NATSSubject translates a topic or pattern to NATS subject syntax. Literal
// dots inside a level are escaped so they do not split the subject.
func NATSSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, lvl := range levels {
		switch lvl {
		case WildcardOne:
			levels[i] = "*"
		case WildcardRest:
			levels[i] = ">"
		default:
			levels[i] = subjectEscaper.Replace(lvl)
		}
	}
	return strings.Join(levels, ".")
}

// TopicFromNATSSubject reverses NATSSubject for concrete subjects.
func TopicFromNATSSubject(subject string) string {
	levels := strings.Split(subject, ".")
	for i, lvl := range levels {
		levels[i] = subjectUnescaper.Replace(lvl)
	}
	return strings.Join(levels, "/")
}
