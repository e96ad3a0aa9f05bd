package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/conn"
	"github.com/foundxnet/chatkit/internal/delivery"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/presence"
	"github.com/foundxnet/chatkit/internal/roster"
	"github.com/foundxnet/chatkit/internal/status"
	"github.com/foundxnet/chatkit/internal/wire"
)

// echoServer assigns sequence numbers to message frames and broadcasts them
// back, the way the real server confirms sends to the room.
type echoServer struct {
	srv      *httptest.Server
	accepted chan *websocket.Conn
	joins    chan wire.JoinEvent
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{
		accepted: make(chan *websocket.Conn, 4),
		joins:    make(chan wire.JoinEvent, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.accepted <- c
		var seq int64
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			env, err := wire.DecodeEnvelope(data)
			if err != nil {
				continue
			}
			switch env.Event {
			case wire.EventJoin:
				var join wire.JoinEvent
				if err := json.Unmarshal(env.Payload, &join); err == nil {
					s.joins <- join
				}
			case wire.EventMessage:
				ev, err := wire.DecodeMessage(env.Payload)
				if err != nil {
					continue
				}
				seq++
				ev.Message.Seq = seq
				ev.Message.ID = fmt.Sprintf("m%d", seq)
				if ev.Message.Timestamp == 0 {
					ev.Message.Timestamp = time.Now().UnixMilli()
				}
				frame, err := wire.Encode(wire.EventMessage, *ev)
				if err != nil {
					continue
				}
				_ = c.Write(context.Background(), websocket.MessageText, frame)
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *echoServer) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for server-side connection")
		return nil
	}
}

func (s *echoServer) push(t *testing.T, server *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := wire.Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Write(context.Background(), websocket.MessageText, frame); err != nil {
		t.Fatal(err)
	}
}

func newTestClient(t *testing.T, endpoint string) (*Client, *msgstore.Store, *status.Machine) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	m := conn.New(conn.Config{
		Endpoint:           endpoint,
		Token:              "t",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, machine, zap.NewNop())
	store := msgstore.New(b)
	tracker := presence.New(time.Minute, b)
	index := roster.New(store, tracker, b)
	d := delivery.New(m, store, b, zap.NewNop(), "u1", 2*time.Second, 3)
	c := New(Params{
		SelfID:   "u1",
		Conn:     m,
		Store:    store,
		Index:    index,
		Tracker:  tracker,
		Delivery: d,
		Logger:   zap.NewNop(),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, store, machine
}

func startClient(t *testing.T, c *Client, machine *status.Machine) {
	t.Helper()
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for machine.Current() != status.Ready {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want READY", machine.Current())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func eventually(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", desc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendMessageConfirmedByEcho(t *testing.T) {
	s := newEchoServer(t)
	c, store, machine := newTestClient(t, s.srv.URL)
	startClient(t, c, machine)

	msg, err := c.SendMessage(context.Background(), "u2", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.State != msgstore.StatePending {
		t.Fatalf("optimistic state = %s, want pending", msg.State)
	}

	eventually(t, "echo confirmation", func() bool {
		got, ok := store.Get("u2", msg.CorrelationID)
		return ok && got.State == msgstore.StateSent
	})

	got, _ := store.Get("u2", msg.CorrelationID)
	if got.Seq != 1 || got.Text != "hello" {
		t.Errorf("confirmed = %+v", got)
	}
	if msgs := c.Messages("u2"); len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (echo promotes, never duplicates)", len(msgs))
	}

	// Own echo never counts as unread.
	for _, row := range c.ListConversations("") {
		if row.ID == "u2" && row.Unread != 0 {
			t.Errorf("unread = %d, want 0 for own echo", row.Unread)
		}
	}
}

func TestInboundMessageCreatesConversation(t *testing.T) {
	s := newEchoServer(t)
	c, _, machine := newTestClient(t, s.srv.URL)
	startClient(t, c, machine)
	server := s.waitConn(t)

	s.push(t, server, wire.EventMessage, wire.MessageEvent{
		RoomID:  wire.RoomID("u1", "u2"),
		Message: wire.Message{ID: "m9", Seq: 9, SenderID: "u2", Text: "hey", Timestamp: 1000},
	})

	eventually(t, "conversation row", func() bool {
		rows := c.ListConversations("")
		return len(rows) == 1 && rows[0].ID == "u2" && rows[0].Unread == 1
	})
	rows := c.ListConversations("")
	if rows[0].LastMessage != "hey" {
		t.Errorf("last message = %q, want hey", rows[0].LastMessage)
	}

	msgs, err := c.OpenConversation(context.Background(), "u2")
	if err != nil {
		t.Fatalf("OpenConversation() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hey" {
		t.Errorf("messages = %+v", msgs)
	}
	if rows := c.ListConversations(""); rows[0].Unread != 0 {
		t.Errorf("unread after open = %d, want 0", rows[0].Unread)
	}
}

func TestOpenConversationJoinsRoom(t *testing.T) {
	s := newEchoServer(t)
	c, _, machine := newTestClient(t, s.srv.URL)
	startClient(t, c, machine)
	s.waitConn(t)

	if _, err := c.OpenConversation(context.Background(), "u2"); err != nil {
		t.Fatal(err)
	}
	select {
	case join := <-s.joins:
		if join.RoomID != wire.RoomID("u1", "u2") {
			t.Errorf("joined %q, want %q", join.RoomID, wire.RoomID("u1", "u2"))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for join frame")
	}
}

func TestPresenceEventUpdatesStatus(t *testing.T) {
	s := newEchoServer(t)
	c, _, machine := newTestClient(t, s.srv.URL)
	startClient(t, c, machine)
	server := s.waitConn(t)

	if got := c.PresenceOf("u2"); got != wire.StatusOffline {
		t.Fatalf("initial presence = %q, want offline", got)
	}
	s.push(t, server, wire.EventPresence, wire.PresenceEvent{
		UserID: "u2", Status: wire.StatusOnline, Timestamp: time.Now().UnixMilli(),
	})
	eventually(t, "presence online", func() bool {
		return c.PresenceOf("u2") == wire.StatusOnline
	})
}

func TestMalformedEventsAreDropped(t *testing.T) {
	s := newEchoServer(t)
	c, _, machine := newTestClient(t, s.srv.URL)
	startClient(t, c, machine)
	server := s.waitConn(t)

	// Missing senderId: dropped without killing the session.
	s.push(t, server, wire.EventMessage, map[string]any{
		"roomId":  wire.RoomID("u1", "u2"),
		"message": map[string]any{"text": "ghost"},
	})
	s.push(t, server, wire.EventMessage, wire.MessageEvent{
		RoomID:  wire.RoomID("u1", "u2"),
		Message: wire.Message{ID: "m1", Seq: 1, SenderID: "u2", Text: "real", Timestamp: 1000},
	})

	eventually(t, "valid message after malformed one", func() bool {
		msgs := c.Messages("u2")
		return len(msgs) == 1 && msgs[0].Text == "real"
	})
}

func TestEchoDuplicateDoesNotDoubleCount(t *testing.T) {
	s := newEchoServer(t)
	c, _, machine := newTestClient(t, s.srv.URL)
	startClient(t, c, machine)
	server := s.waitConn(t)

	ev := wire.MessageEvent{
		RoomID:  wire.RoomID("u1", "u2"),
		Message: wire.Message{ID: "m1", Seq: 1, SenderID: "u2", Text: "hey", Timestamp: 1000},
	}
	s.push(t, server, wire.EventMessage, ev)
	s.push(t, server, wire.EventMessage, ev)

	eventually(t, "first copy", func() bool {
		return len(c.Messages("u2")) == 1
	})
	// Give the duplicate time to arrive, then verify it changed nothing.
	time.Sleep(100 * time.Millisecond)
	if msgs := c.Messages("u2"); len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 after duplicate", len(msgs))
	}
	for _, row := range c.ListConversations("") {
		if row.ID == "u2" && row.Unread != 1 {
			t.Errorf("unread = %d, want 1 (duplicate not counted)", row.Unread)
		}
	}
}
