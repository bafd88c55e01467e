// Package protocol defines the envelope schema shared by every component of
// the relay daemon.
//
// All traffic between agents and the daemon is carried in Envelopes: a small
// framed unit with a type tag, a unique id, millisecond timestamp, optional
// routing fields (from, to, topic) and a type-dependent payload. DELIVER
// envelopes additionally carry a delivery block with the per-(topic, peer)
// sequence number and the recipient's session id.
//
// Key Features:
// - Single wire schema for handshake, routing, acknowledgement and spawning
// - Unique message identification with enough entropy for the dedup window
// - Per-recipient delivery metadata for ordering and session resume
// - Bounded duplicate-id suppression (see Dedup)
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every envelope.
const Version = 1

// Type identifies the kind of envelope on the wire.
type Type string

// Envelope types. HELLO must be the first envelope on a connection; SEND is
// the universal outbound message; DELIVER is daemon-constructed and must be
// acknowledged with ACK.
const (
	TypeHello          Type = "HELLO"
	TypeSend           Type = "SEND"
	TypeDeliver        Type = "DELIVER"
	TypeAck            Type = "ACK"
	TypeSubscribe      Type = "SUBSCRIBE"
	TypeUnsubscribe    Type = "UNSUBSCRIBE"
	TypeChannelJoin    Type = "CHANNEL_JOIN"
	TypeChannelLeave   Type = "CHANNEL_LEAVE"
	TypeChannelMessage Type = "CHANNEL_MESSAGE"
	TypeSpawn          Type = "SPAWN"
	TypeSpawnResult    Type = "SPAWN_RESULT"
	TypeRelease        Type = "RELEASE"
	TypeReleaseResult  Type = "RELEASE_RESULT"
	TypeError          Type = "ERROR"
)

// Broadcast is the wildcard recipient: route to every connected agent and
// user (or to a topic's subscribers when a topic is set).
const Broadcast = "*"

// SystemSender is the reserved sender name for daemon-originated messages.
// It is exempt from rate limiting and never sets processing state.
const SystemSender = "_system"

// DefaultTopic keys sequence counters for messages sent without a topic.
const DefaultTopic = "default"

// Delivery is the per-recipient block attached to DELIVER envelopes.
type Delivery struct {
	// Seq is strictly increasing per (recipient, topic-or-default, sender)
	// for the life of the recipient's connection.
	Seq uint64 `json:"seq" msgpack:"seq"`
	// SessionID is the recipient's session at the time of delivery; a
	// reconnect with the same session id triggers replay of unacked seqs.
	SessionID string `json:"session_id" msgpack:"session_id"`
	// OriginalTo is set only when the addressed recipient differs from the
	// delivered one (e.g. a broadcast to "*").
	OriginalTo string `json:"originalTo,omitempty" msgpack:"originalTo,omitempty"`
}

// Envelope is the universal wire unit.
type Envelope struct {
	Version  int             `json:"v" msgpack:"v"`
	Type     Type            `json:"type" msgpack:"type"`
	ID       string          `json:"id" msgpack:"id"`
	TS       int64           `json:"ts" msgpack:"ts"` // ms since epoch
	From     string          `json:"from,omitempty" msgpack:"from,omitempty"`
	To       string          `json:"to,omitempty" msgpack:"to,omitempty"`
	Topic    string          `json:"topic,omitempty" msgpack:"topic,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Delivery *Delivery       `json:"delivery,omitempty" msgpack:"delivery,omitempty"`
}

// NewID returns a fresh envelope id: 32 hex characters derived from a random
// UUID. The dedup window is 2000 ids, so collision probability is negligible.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NowMillis returns the current wall clock in milliseconds since epoch, the
// timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// New constructs an envelope of the given type with a fresh id and current
// timestamp, marshaling payload to JSON. A nil payload yields an empty one.
func New(t Type, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Version: Version,
		Type:    t,
		ID:      NewID(),
		TS:      NowMillis(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payloads that cannot fail to marshal (maps and structs
// of plain types). It panics on marshal errors.
func MustNew(t Type, payload interface{}) *Envelope {
	env, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// UnmarshalPayload decodes the payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope %s has no payload", e.Type, e.ID)
	}
	return json.Unmarshal(e.Payload, v)
}

// Validate checks the fields every envelope must carry. Payload requirements
// are type-specific and checked by the handlers that decode them.
func (e *Envelope) Validate() error {
	if e.Version != Version {
		return &ValidationError{Field: "v", Message: fmt.Sprintf("unsupported protocol version %d", e.Version)}
	}
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope id is required"}
	}
	if len(e.ID) > 32 {
		return &ValidationError{Field: "id", Message: "envelope id exceeds 32 characters"}
	}
	if !knownType(e.Type) {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown envelope type %q", e.Type)}
	}
	if e.Type == TypeDeliver && e.Delivery == nil {
		return &ValidationError{Field: "delivery", Message: "DELIVER requires a delivery block"}
	}
	return nil
}

func knownType(t Type) bool {
	switch t {
	case TypeHello, TypeSend, TypeDeliver, TypeAck,
		TypeSubscribe, TypeUnsubscribe,
		TypeChannelJoin, TypeChannelLeave, TypeChannelMessage,
		TypeSpawn, TypeSpawnResult, TypeRelease, TypeReleaseResult,
		TypeError:
		return true
	}
	return false
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Delivery != nil {
		d := *e.Delivery
		clone.Delivery = &d
	}
	return &clone
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
