// Package delivery drives the outbound send pipeline: optimistic append,
// frame dispatch, per-message ack timers, and bounded manual retry.
package delivery

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/conn"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/wire"
)

// ErrRetryExhausted is returned by Retry once a message has used up its
// retry budget. Further retries for the same message keep returning it.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrUnknownMessage is returned by Retry for a correlation id the
// coordinator never dispatched or that is not in a retryable state.
var ErrUnknownMessage = errors.New("no failed message with that id")

// FrameSender is the outbound half of the connection the coordinator needs.
// *conn.Manager satisfies it.
type FrameSender interface {
	Send(event string, payload any) error
}

type attempt struct {
	conversationID string
	timer          *time.Timer
}

// Coordinator owns every in-flight send. A message leaves the in-flight set
// either by Ack (confirmation observed) or by its ack timer firing, never
// both.
type Coordinator struct {
	mu       sync.Mutex
	sender   FrameSender
	store    *msgstore.Store
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string

	ackTimeout time.Duration
	maxRetries int

	inflight map[string]*attempt
	retries  map[string]int
	closed   bool
}

// New creates a coordinator sending as selfID.
func New(sender FrameSender, store *msgstore.Store, b *bus.Bus, logger *zap.Logger, selfID string, ackTimeout time.Duration, maxRetries int) *Coordinator {
	return &Coordinator{
		sender:     sender,
		store:      store,
		bus:        b,
		logger:     logger,
		selfID:     selfID,
		ackTimeout: ackTimeout,
		maxRetries: maxRetries,
		inflight:   make(map[string]*attempt),
		retries:    make(map[string]int),
	}
}

// Send appends an optimistic pending message and dispatches it. The message
// is returned immediately for display regardless of channel state: a
// disconnected channel queues the frame for the reconnect flush, and the ack
// timer decides the outcome either way. Only a terminal channel error
// prevents the append.
func (c *Coordinator) Send(conversationID, text string) (msgstore.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return msgstore.Message{}, conn.ErrClosed
	}
	c.mu.Unlock()

	corrID := uuid.NewString()
	msg := c.store.AppendLocal(conversationID, c.selfID, text, corrID)
	if err := c.dispatch(conversationID, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// dispatch sends the frame and arms the ack timer. Timer-first: the timeout
// path must exist before any confirmation can race in.
func (c *Coordinator) dispatch(conversationID string, msg msgstore.Message) error {
	c.arm(conversationID, msg.CorrelationID)

	ev := wire.MessageEvent{
		RoomID: wire.RoomID(c.selfID, conversationID),
		Message: wire.Message{
			SenderID:      c.selfID,
			Text:          msg.Text,
			Timestamp:     msg.Timestamp,
			CorrelationID: msg.CorrelationID,
		},
	}
	err := c.sender.Send(wire.EventMessage, ev)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, conn.ErrNotConnected):
		// Frame is queued for the in-order flush on reconnect; the entry
		// stays pending under its timer.
		c.logger.Debug("send deferred until reconnect",
			zap.String("conversation", conversationID),
			zap.String("correlation_id", msg.CorrelationID))
		return err
	default:
		c.logger.Warn("send failed",
			zap.String("conversation", conversationID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err))
		c.fail(msg.CorrelationID)
		return err
	}
}

func (c *Coordinator) arm(conversationID, corrID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	a := &attempt{conversationID: conversationID}
	a.timer = time.AfterFunc(c.ackTimeout, func() { c.onTimeout(corrID) })
	c.inflight[corrID] = a
}

func (c *Coordinator) onTimeout(corrID string) {
	c.mu.Lock()
	a, ok := c.inflight[corrID]
	if ok {
		delete(c.inflight, corrID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.store.MarkFailed(a.conversationID, corrID) {
		c.logger.Warn("no confirmation before deadline",
			zap.String("conversation", a.conversationID),
			zap.String("correlation_id", corrID),
			zap.Duration("timeout", c.ackTimeout))
	}
}

// fail marks an entry failed right away and disarms its timer.
func (c *Coordinator) fail(corrID string) {
	c.mu.Lock()
	a, ok := c.inflight[corrID]
	if ok {
		a.timer.Stop()
		delete(c.inflight, corrID)
	}
	c.mu.Unlock()
	if ok {
		c.store.MarkFailed(a.conversationID, corrID)
	}
}

// Ack cancels the timer for a confirmed message. A confirmation landing
// after the timer already fired is harmless: the store promotes the failed
// entry and there is no timer left to cancel.
func (c *Coordinator) Ack(corrID string) {
	c.mu.Lock()
	if a, ok := c.inflight[corrID]; ok {
		a.timer.Stop()
		delete(c.inflight, corrID)
	}
	delete(c.retries, corrID)
	c.mu.Unlock()
}

// Retry re-dispatches a failed message under the same correlation id. The
// retry budget is per message; an exhausted budget emits a
// message.retry_exhausted event and returns ErrRetryExhausted.
func (c *Coordinator) Retry(conversationID, corrID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return conn.ErrClosed
	}
	if c.retries[corrID] >= c.maxRetries {
		c.mu.Unlock()
		c.publishExhausted(conversationID, corrID)
		return ErrRetryExhausted
	}
	c.retries[corrID]++
	c.mu.Unlock()

	if !c.store.MarkPending(conversationID, corrID) {
		c.mu.Lock()
		c.retries[corrID]--
		c.mu.Unlock()
		return ErrUnknownMessage
	}
	msg, ok := c.store.Get(conversationID, corrID)
	if !ok {
		return ErrUnknownMessage
	}
	err := c.dispatch(conversationID, msg)
	if err != nil && !errors.Is(err, conn.ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Coordinator) publishExhausted(conversationID, corrID string) {
	if c.bus == nil {
		return
	}
	if msg, ok := c.store.Get(conversationID, corrID); ok {
		c.bus.Publish(bus.Event{
			Kind:      "message.retry_exhausted",
			Timestamp: time.Now(),
			Payload:   msg,
		})
	}
}

// Close disarms every outstanding timer. Entries still pending stay pending
// in the store; a later session's hydration decides what to show.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for corrID, a := range c.inflight {
		a.timer.Stop()
		delete(c.inflight, corrID)
	}
}
