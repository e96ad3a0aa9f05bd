package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRoomIDStableUnderOrder(t *testing.T) {
	if RoomID("u1", "u2") != RoomID("u2", "u1") {
		t.Error("RoomID not stable under argument order")
	}
	if got := RoomID("u2", "u1"); got != "room:u1:u2" {
		t.Errorf("RoomID = %q, want room:u1:u2", got)
	}
}

func TestCounterpart(t *testing.T) {
	room := RoomID("u1", "u2")

	got, err := Counterpart(room, "u1")
	if err != nil || got != "u2" {
		t.Errorf("Counterpart(%q, u1) = %q, %v", room, got, err)
	}
	got, err = Counterpart(room, "u2")
	if err != nil || got != "u1" {
		t.Errorf("Counterpart(%q, u2) = %q, %v", room, got, err)
	}
	if _, err := Counterpart(room, "u3"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Counterpart non-member error = %v, want ErrMalformed", err)
	}
	if _, err := Counterpart("garbage", "u1"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Counterpart bad room error = %v, want ErrMalformed", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := MessageEvent{
		RoomID: RoomID("u1", "u2"),
		Message: Message{
			ID:            "srv-1",
			Seq:           5,
			SenderID:      "u1",
			Text:          "hello",
			Timestamp:     1700000000000,
			CorrelationID: "c1",
		},
	}

	frame, err := Encode(EventMessage, ev)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	env, err := DecodeEnvelope(frame)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Event != EventMessage {
		t.Errorf("event = %q, want %q", env.Event, EventMessage)
	}

	decoded, err := DecodeMessage(env.Payload)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if decoded.Message.Seq != 5 || decoded.Message.CorrelationID != "c1" {
		t.Errorf("decoded = %+v", decoded.Message)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	cases := []string{
		"not json",
		`{"payload": {}}`,
		`{"event": "", "payload": {}}`,
	}
	for _, c := range cases {
		if _, err := DecodeEnvelope([]byte(c)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeEnvelope(%q) error = %v, want ErrMalformed", c, err)
		}
	}
}

func TestDecodeMessageMalformed(t *testing.T) {
	cases := []string{
		`{"message": {"senderId": "u1"}}`,
		`{"roomId": "room:u1:u2", "message": {}}`,
		`[]`,
	}
	for _, c := range cases {
		if _, err := DecodeMessage(json.RawMessage(c)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeMessage(%q) error = %v, want ErrMalformed", c, err)
		}
	}
}

func TestDecodePresence(t *testing.T) {
	ev, err := DecodePresence(json.RawMessage(`{"userId":"u2","status":"online","timestamp":1}`))
	if err != nil {
		t.Fatalf("DecodePresence() error = %v", err)
	}
	if ev.UserID != "u2" || ev.Status != StatusOnline {
		t.Errorf("decoded = %+v", ev)
	}

	bad := []string{
		`{"status":"online"}`,
		`{"userId":"u2","status":"away"}`,
	}
	for _, c := range bad {
		if _, err := DecodePresence(json.RawMessage(c)); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodePresence(%q) error = %v, want ErrMalformed", c, err)
		}
	}
}
