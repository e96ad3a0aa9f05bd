// Package conn owns the single persistent channel to the messaging server:
// connect, ordered event dispatch, send queueing, room membership, and
// reconnection with exponential backoff.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/foundxnet/chatkit/internal/status"
	"github.com/foundxnet/chatkit/internal/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Send while the channel is down. The frame
// is still queued and will be flushed in submission order once the channel
// is ready again, so callers should treat this as transient.
var ErrNotConnected = errors.New("not connected")

// ErrClosed is returned after Close. Only Close is terminal.
var ErrClosed = errors.New("connection manager closed")

// TransportError wraps a network-level failure. It is never fatal: the
// manager keeps reconnecting until Close.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Handler is invoked for every inbound event of a subscribed name, in
// arrival order.
type Handler func(payload json.RawMessage)

// Config holds the connection parameters.
type Config struct {
	Endpoint           string
	Token              string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// Manager owns the websocket channel. At most one channel is active per
// session; all inbound events are dispatched synchronously from a single
// read loop to preserve arrival order.
type Manager struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger
	recon   *reconnector

	mu           sync.Mutex
	ws           *websocket.Conn
	handlers     map[string][]Handler
	rooms        map[string]struct{}
	queue        [][]byte
	reconnecting bool
	closed       bool
	readCancel   context.CancelFunc
	done         chan struct{}
}

// New creates a connection manager. Connect must be called before sending.
func New(cfg Config, machine *status.Machine, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		machine:  machine,
		logger:   logger,
		recon:    newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
		handlers: make(map[string][]Handler),
		rooms:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a handler for inbound events of the given name.
// Handlers registered for the same event run in registration order.
func (m *Manager) Subscribe(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Connect establishes the channel. Calling it while a channel is active or
// being established is a no-op. A failed dial schedules background
// reconnection and returns a TransportError.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.reconnecting {
		// Background reconnection already owns the dial.
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		if errors.Is(err, status.ErrInvalidTransition) {
			// Another dial already owns the channel.
			return nil
		}
		m.spawnReconnect()
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

// Close terminates the channel, cancels reconnection, and clears all
// subscriptions. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	if m.readCancel != nil {
		m.readCancel()
		m.readCancel = nil
	}
	ws := m.ws
	m.ws = nil
	m.handlers = make(map[string][]Handler)
	m.queue = nil
	m.mu.Unlock()

	_ = m.machine.Transition(status.Closed)
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// JoinRoom records room membership and, when the channel is ready, sends
// the join frame immediately. Recorded rooms are re-joined on every
// reconnect before the channel is declared ready.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.rooms[roomID] = struct{}{}
	ws := m.ws
	ready := ws != nil && m.machine.Current() == status.Ready
	m.mu.Unlock()

	if !ready {
		return nil
	}
	frame, err := wire.Encode(wire.EventJoin, wire.JoinEvent{RoomID: roomID})
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return &TransportError{Op: "join", Err: err}
	}
	return nil
}

// Send transmits an event. While disconnected the frame is queued for
// in-order flush on reconnect and ErrNotConnected is returned.
func (m *Manager) Send(event string, payload any) error {
	frame, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ws := m.ws
	if ws == nil || m.machine.Current() != status.Ready {
		m.queue = append(m.queue, frame)
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	if err := ws.Write(context.Background(), websocket.MessageText, frame); err != nil {
		return &TransportError{Op: "send " + event, Err: err}
	}
	return nil
}

// Rooms returns the rooms joined during this session.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// dial performs one connection attempt: dial, re-join rooms, drain the send
// queue, then declare ready and start the read loop. The Connecting
// transition doubles as the dial guard: the state machine refuses a second
// concurrent dial, so at most one channel is ever live.
func (m *Manager) dial(ctx context.Context) error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, m.wsURL(), nil)
	if err != nil {
		_ = m.machine.Transition(status.Reconnecting)
		return fmt.Errorf("dial %s: %w", m.cfg.Endpoint, err)
	}

	_ = m.machine.Transition(status.Joining)

	m.mu.Lock()
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, room := range rooms {
		frame, err := wire.Encode(wire.EventJoin, wire.JoinEvent{RoomID: room})
		if err != nil {
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			_ = conn.Close(websocket.StatusGoingAway, "rejoin failed")
			_ = m.machine.Transition(status.Reconnecting)
			return fmt.Errorf("rejoin %s: %w", room, err)
		}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	flushed := 0

	// Drain the queue before going ready: direct writes may only begin once
	// the backlog is empty, or submission order breaks. Frames queued while
	// a drain write is in flight are picked up on the next pass, and the
	// ready transition shares the lock with the final emptiness check, so no
	// Send can strand a frame between the two paths.
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			cancel()
			_ = conn.Close(websocket.StatusNormalClosure, "client close")
			return ErrClosed
		}
		if len(m.queue) == 0 {
			m.ws = conn
			m.readCancel = cancel
			m.reconnecting = false
			_ = m.machine.Transition(status.Ready)
			m.mu.Unlock()
			break
		}
		frame := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			m.mu.Lock()
			m.queue = append([][]byte{frame}, m.queue...)
			m.mu.Unlock()
			cancel()
			_ = conn.Close(websocket.StatusGoingAway, "flush failed")
			_ = m.machine.Transition(status.Reconnecting)
			return fmt.Errorf("flush queued frame: %w", err)
		}
		flushed++
	}

	m.logger.Info("channel ready", zap.Int("rejoined_rooms", len(rooms)), zap.Int("flushed_frames", flushed))

	go m.readLoop(readCtx, conn)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.handleDisconnect(err)
			return
		}

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		m.mu.Lock()
		handlers := make([]Handler, len(m.handlers[env.Event]))
		copy(handlers, m.handlers[env.Event])
		m.mu.Unlock()

		// Synchronous dispatch: per-channel arrival order is part of the
		// contract.
		for _, h := range handlers {
			h(env.Payload)
		}
	}
}

func (m *Manager) handleDisconnect(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.readCancel = nil
	m.mu.Unlock()

	m.logger.Warn("channel lost", zap.Error(cause))
	_ = m.machine.Transition(status.Reconnecting)
	m.spawnReconnect()
}

func (m *Manager) spawnReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	for {
		delay := m.recon.next()
		m.logger.Info("reconnect scheduled",
			zap.Duration("delay", delay),
			zap.Int("attempt", m.recon.attempts()))

		select {
		case <-time.After(delay):
		case <-m.done:
			m.clearReconnecting()
			return
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			m.clearReconnecting()
			return
		}

		// A successful dial clears the reconnecting flag itself, before the
		// read loop starts, so a disconnect right after ready can schedule a
		// fresh loop without racing this one.
		if err := m.dial(context.Background()); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, status.ErrInvalidTransition) {
				m.clearReconnecting()
				return
			}
			m.logger.Warn("reconnect failed", zap.Error(err))
			continue
		}
		m.recon.reset()
		return
	}
}

func (m *Manager) clearReconnecting() {
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

func (m *Manager) wsURL() string {
	url := m.cfg.Endpoint
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + "/ws?token=" + m.cfg.Token
}
