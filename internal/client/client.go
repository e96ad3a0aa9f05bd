// Package client is the in-process API surface. It composes the connection,
// message log, roster, presence tracker, and delivery coordinator into the
// operations a frontend calls, and routes inbound events to them.
package client

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/foundxnet/chatkit/internal/archive"
	"github.com/foundxnet/chatkit/internal/conn"
	"github.com/foundxnet/chatkit/internal/delivery"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/presence"
	"github.com/foundxnet/chatkit/internal/roster"
	"github.com/foundxnet/chatkit/internal/wire"
)

// Params collects the collaborators a Client needs.
type Params struct {
	SelfID   string
	Conn     *conn.Manager
	Store    *msgstore.Store
	Index    *roster.Index
	Tracker  *presence.Tracker
	Delivery *delivery.Coordinator
	DB       *archive.DB
	Logger   *zap.Logger
}

// Client is the façade over the messaging core. One Client per identity per
// process.
type Client struct {
	selfID   string
	conn     *conn.Manager
	store    *msgstore.Store
	index    *roster.Index
	tracker  *presence.Tracker
	delivery *delivery.Coordinator
	db       *archive.DB
	logger   *zap.Logger
}

// New creates a client. Start must be called before any operation that
// touches the network.
func New(p Params) *Client {
	return &Client{
		selfID:   p.SelfID,
		conn:     p.Conn,
		store:    p.Store,
		index:    p.Index,
		tracker:  p.Tracker,
		delivery: p.Delivery,
		db:       p.DB,
		logger:   p.Logger,
	}
}

// Start registers the inbound event handlers and initiates the connection.
// A transport failure here is transient: reconnection is already scheduled
// when it is returned.
func (c *Client) Start(ctx context.Context) error {
	c.conn.Subscribe(wire.EventMessage, c.handleMessage)
	c.conn.Subscribe(wire.EventPresence, c.handlePresence)
	return c.conn.Connect(ctx)
}

// Close tears down the delivery coordinator and the connection.
func (c *Client) Close() error {
	c.delivery.Close()
	return c.conn.Close()
}

// ListConversations returns the conversation summaries, favorites first,
// optionally filtered by a case-insensitive display-name query.
func (c *Client) ListConversations(query string) []roster.Summary {
	return c.index.List(query)
}

// OpenConversation marks a conversation as viewed, joins its room, and
// returns its messages in display order. The conversation is created lazily
// if this identity has never talked to the counterpart.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) ([]msgstore.Message, error) {
	c.index.Ensure(conversationID)
	if err := c.joinRoom(ctx, conversationID); err != nil {
		return nil, err
	}
	c.index.SetViewed(conversationID)
	return c.store.Messages(conversationID), nil
}

// CloseConversation marks no conversation as viewed, so inbound messages
// count as unread again.
func (c *Client) CloseConversation() {
	c.index.ClearViewed()
}

// Messages returns the current display order for a conversation: confirmed
// messages by sequence, then unconfirmed local sends.
func (c *Client) Messages(conversationID string) []msgstore.Message {
	return c.store.Messages(conversationID)
}

// SendMessage appends an optimistic message and dispatches it. The returned
// message is pending; confirmation or failure arrives through the message
// log. ErrNotConnected means the frame is queued for the reconnect flush.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (msgstore.Message, error) {
	c.index.Ensure(conversationID)
	if err := c.joinRoom(ctx, conversationID); err != nil {
		return msgstore.Message{}, err
	}
	return c.delivery.Send(conversationID, text)
}

// RetryMessage re-dispatches a failed message under its original correlation
// id.
func (c *Client) RetryMessage(conversationID, correlationID string) error {
	return c.delivery.Retry(conversationID, correlationID)
}

// ToggleFavorite flips favorite membership and returns the new value.
func (c *Client) ToggleFavorite(conversationID string) bool {
	return c.index.ToggleFavorite(conversationID)
}

// PresenceOf reports "online" or "offline" for a counterpart.
func (c *Client) PresenceOf(userID string) string {
	return c.tracker.Status(userID)
}

// SearchHistory runs a full-text search over the archived history. An empty
// conversationID searches all conversations.
func (c *Client) SearchHistory(query, conversationID string, limit int) ([]archive.SearchResult, error) {
	if c.db == nil {
		return nil, nil
	}
	return c.db.SearchMessages(query, conversationID, limit)
}

// joinRoom records membership and tolerates transport failures: the room is
// re-joined automatically once the channel comes back.
func (c *Client) joinRoom(ctx context.Context, conversationID string) error {
	err := c.conn.JoinRoom(ctx, wire.RoomID(c.selfID, conversationID))
	if err == nil {
		return nil
	}
	var te *conn.TransportError
	if errors.As(err, &te) {
		c.logger.Debug("join deferred to reconnect",
			zap.String("conversation", conversationID),
			zap.Error(err))
		return nil
	}
	return err
}

// handleMessage routes one inbound message event. Own echoes confirm the
// optimistic entry and ack the delivery timer; remote messages insert by
// sequence and bump the unread counter.
func (c *Client) handleMessage(payload json.RawMessage) {
	ev, err := wire.DecodeMessage(payload)
	if err != nil {
		c.logger.Warn("dropping malformed message event", zap.Error(err))
		return
	}

	var conversationID string
	if ev.Message.SenderID == c.selfID {
		conversationID, err = wire.Counterpart(ev.RoomID, c.selfID)
		if err != nil {
			c.logger.Warn("dropping echo from foreign room",
				zap.String("room", ev.RoomID), zap.Error(err))
			return
		}
	} else {
		conversationID = ev.Message.SenderID
	}

	c.index.Ensure(conversationID)
	_, outcome := c.store.Confirm(conversationID, msgstore.Message{
		SenderID:      ev.Message.SenderID,
		Text:          ev.Message.Text,
		Timestamp:     ev.Message.Timestamp,
		Seq:           ev.Message.Seq,
		CorrelationID: ev.Message.CorrelationID,
	})

	if ev.Message.SenderID == c.selfID {
		if ev.Message.CorrelationID != "" {
			c.delivery.Ack(ev.Message.CorrelationID)
		}
		return
	}
	if outcome != msgstore.ConfirmDuplicate {
		c.index.NoteInbound(conversationID)
	}
}

func (c *Client) handlePresence(payload json.RawMessage) {
	ev, err := wire.DecodePresence(payload)
	if err != nil {
		c.logger.Warn("dropping malformed presence event", zap.Error(err))
		return
	}
	c.tracker.Apply(*ev)
}
