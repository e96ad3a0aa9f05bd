// Package wire defines the socket event formats exchanged with the server
// and the deterministic room naming shared by both parties.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names on the channel.
const (
	EventMessage  = "message"
	EventPresence = "presence"
	EventJoin     = "join"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrMalformed is wrapped by all decode failures. Malformed inbound events
// are dropped and logged, never fatal.
var ErrMalformed = errors.New("malformed event")

// Envelope is the frame format for every event on the channel.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Message is a single chat message on the wire. Seq is assigned by the
// server on confirmation; CorrelationID carries the client-generated id that
// links an optimistic local entry to its confirmation.
type Message struct {
	ID            string `json:"id"`
	Seq           int64  `json:"seq,omitempty"`
	SenderID      string `json:"senderId"`
	Text          string `json:"text"`
	Timestamp     int64  `json:"timestamp"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// MessageEvent is the payload of the "message" event, bidirectional.
type MessageEvent struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

// PresenceEvent is the payload of the "presence" event, server to client.
type PresenceEvent struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// JoinEvent is the payload of the "join" event, client to server.
type JoinEvent struct {
	RoomID string `json:"roomId"`
}

// RoomID derives the room name for a conversation between two participants.
// The pair is sorted so both sides derive the same name regardless of who
// derives it first.
func RoomID(a, b string) string {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return "room:" + lo + ":" + hi
}

// Counterpart returns the other participant encoded in roomID. Returns an
// error if roomID is not a pair room or self is not a member.
func Counterpart(roomID, self string) (string, error) {
	parts := strings.SplitN(roomID, ":", 3)
	if len(parts) != 3 || parts[0] != "room" {
		return "", fmt.Errorf("%w: bad room id %q", ErrMalformed, roomID)
	}
	switch self {
	case parts[1]:
		return parts[2], nil
	case parts[2]:
		return parts[1], nil
	}
	return "", fmt.Errorf("%w: %q is not a member of room %q", ErrMalformed, self, roomID)
}

// Encode wraps an event payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// DecodeEnvelope parses a raw frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return &env, nil
}

// DecodeMessage parses and validates a "message" payload.
func DecodeMessage(payload json.RawMessage) (*MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.RoomID == "" {
		return nil, fmt.Errorf("%w: message without roomId", ErrMalformed)
	}
	if ev.Message.SenderID == "" {
		return nil, fmt.Errorf("%w: message without senderId", ErrMalformed)
	}
	return &ev, nil
}

// DecodePresence parses and validates a "presence" payload.
func DecodePresence(payload json.RawMessage) (*PresenceEvent, error) {
	var ev PresenceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.UserID == "" {
		return nil, fmt.Errorf("%w: presence without userId", ErrMalformed)
	}
	if ev.Status != StatusOnline && ev.Status != StatusOffline {
		return nil, fmt.Errorf("%w: presence status %q", ErrMalformed, ev.Status)
	}
	return &ev, nil
}
