// Package message defines the immutable envelope that flows through every
// stream in sequent: commands and events are both Messages, distinguished
// only by the Type string and by which registry (command vs event) a
// reactor declares interest in.
package message

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors from the message layer. Callers should use errors.Is.
var (
	ErrUnknownMessage  = errors.New("message: unknown type")
	ErrPastMessageDate = errors.New("message: delay target is before created_at")
	ErrInvalidMessage  = errors.New("message: failed schema validation")
)

// Metadata is a free-form bag of string-keyed values carried alongside a
// message's payload. It is merged, never overwritten, by correlate/follow.
type Metadata map[string]string

// Merge returns a new Metadata containing m's entries overlaid with other's.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Message is the immutable envelope persisted by a Backend. Payload is kept
// as raw JSON; reactors decode it into their own typed command/event structs
// via the registry in this package.
type Message struct {
	ID            uuid.UUID
	StreamID      string
	Type          string
	Seq           uint64 // per-stream sequence, 0 until appended
	GlobalSeq     uint64 // global log position, 0 until appended
	CausationID   uuid.UUID
	CorrelationID uuid.UUID
	Metadata      Metadata
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// New builds a fresh Message with a random ID and correlation/causation
// both defaulted to that new ID, per spec.md §4.1. seq is left at 0:
// AppendNextToStream assigns it on append, while AppendToStream expects the
// caller to have set it.
func New(streamID, msgType string, payload any, metadata Metadata) (*Message, error) {
	raw, err := encodePayload(msgType, payload)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	return &Message{
		ID:            id,
		StreamID:      streamID,
		Type:          msgType,
		CausationID:   id,
		CorrelationID: id,
		Metadata:      metadata,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func encodePayload(msgType string, payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	if err := ValidatePayload(msgType, payload); err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// Correlate returns a copy of other with CausationID set to m.ID,
// CorrelationID inherited from m, and metadata merged (other's entries win
// on key collision, so a follow-up can override context it has fresher
// information about).
func (m *Message) Correlate(other *Message) *Message {
	out := *other
	out.CausationID = m.ID
	out.CorrelationID = m.CorrelationID
	out.Metadata = m.Metadata.Merge(other.Metadata)
	return &out
}

// Follow builds a brand new message of msgType/payload on streamID, then
// correlates it against m — the standard way a reaction or actor produces a
// follow-up message from the one it is handling.
func (m *Message) Follow(streamID, msgType string, payload any, metadata Metadata) (*Message, error) {
	next, err := New(streamID, msgType, payload, metadata)
	if err != nil {
		return nil, err
	}
	return m.Correlate(next), nil
}

// Delay returns a copy of m with CreatedAt moved to t. It rejects moving the
// timestamp backwards relative to the original.
func (m *Message) Delay(t time.Time) (*Message, error) {
	if t.Before(m.CreatedAt) {
		return nil, ErrPastMessageDate
	}
	out := *m
	out.CreatedAt = t
	return &out, nil
}

// Decode unmarshals m.Payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}
