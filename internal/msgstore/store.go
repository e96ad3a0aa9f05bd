// Package msgstore keeps the per-conversation ordered message log: an
// optimistic local tail reconciled against server-confirmed messages.
package msgstore

import (
	"sort"
	"sync"
	"time"

	"github.com/foundxnet/chatkit/internal/bus"
)

// State is the delivery state of a message.
type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Message is one entry in a conversation log. Seq is assigned only once the
// server confirms the message; CorrelationID links an optimistic local entry
// to its confirmation. Sent messages are immutable.
type Message struct {
	ConversationID string
	SenderID       string
	Text           string
	Timestamp      int64
	Seq            int64
	State          State
	CorrelationID  string
}

// ConfirmOutcome describes what Confirm did with a server message.
type ConfirmOutcome int

const (
	// ConfirmPromoted means a pending local entry matched by correlation id
	// was promoted to sent in place.
	ConfirmPromoted ConfirmOutcome = iota
	// ConfirmInserted means the message originated remotely and was inserted
	// by sequence number.
	ConfirmInserted
	// ConfirmDuplicate means the message was already confirmed; the store is
	// unchanged.
	ConfirmDuplicate
)

// conversationLog holds confirmed messages sorted strictly by Seq, and the
// local tail (pending/failed) in append order. The two are never intermixed
// by timestamp: client clocks may skew.
type conversationLog struct {
	confirmed []Message
	local     []Message
	seqs      map[int64]struct{}
	corrs     map[string]struct{} // correlation ids already confirmed
}

// Store is the in-memory message log, safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	logs map[string]*conversationLog
	bus  *bus.Bus
}

// New creates an empty store. bus may be nil.
func New(b *bus.Bus) *Store {
	return &Store{
		logs: make(map[string]*conversationLog),
		bus:  b,
	}
}

func (s *Store) log(conversationID string) *conversationLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &conversationLog{
			seqs:  make(map[int64]struct{}),
			corrs: make(map[string]struct{}),
		}
		s.logs[conversationID] = l
	}
	return l
}

// AppendLocal inserts a pending message after the current tail and returns
// it for immediate display.
func (s *Store) AppendLocal(conversationID, senderID, text, correlationID string) Message {
	m := Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
		State:          StatePending,
		CorrelationID:  correlationID,
	}

	s.mu.Lock()
	l := s.log(conversationID)
	l.local = append(l.local, m)
	s.mu.Unlock()

	s.publish("message.pending", m)
	return m
}

// Confirm reconciles a server-confirmed message into the log. A pending (or
// failed) local entry with a matching correlation id is promoted in place;
// otherwise the message is inserted ordered by sequence number. Reapplying
// the same server message is a no-op.
func (s *Store) Confirm(conversationID string, server Message) (Message, ConfirmOutcome) {
	s.mu.Lock()
	l := s.log(conversationID)

	if _, dup := l.seqs[server.Seq]; dup {
		msg := l.bySeq(server.Seq)
		s.mu.Unlock()
		return msg, ConfirmDuplicate
	}
	if server.CorrelationID != "" {
		if _, dup := l.corrs[server.CorrelationID]; dup {
			msg := l.byCorrelation(server.CorrelationID)
			s.mu.Unlock()
			return msg, ConfirmDuplicate
		}
	}

	outcome := ConfirmInserted
	msg := server
	msg.ConversationID = conversationID
	msg.State = StateSent

	if server.CorrelationID != "" {
		if i := l.localIndex(server.CorrelationID); i >= 0 {
			// Promote the optimistic entry: keep its text, adopt the
			// server's sequence number and timestamp.
			msg = l.local[i]
			msg.Seq = server.Seq
			msg.Timestamp = server.Timestamp
			msg.State = StateSent
			l.local = append(l.local[:i], l.local[i+1:]...)
			outcome = ConfirmPromoted
		}
	}

	l.insertConfirmed(msg)
	if msg.CorrelationID != "" {
		l.corrs[msg.CorrelationID] = struct{}{}
	}
	s.mu.Unlock()

	s.publish("message.confirmed", msg)
	return msg, outcome
}

// MarkFailed transitions a pending local entry to failed. It is a no-op if
// the entry was already confirmed: a late success wins over a late timeout.
func (s *Store) MarkFailed(conversationID, correlationID string) bool {
	s.mu.Lock()
	l := s.log(conversationID)
	if _, confirmed := l.corrs[correlationID]; confirmed {
		s.mu.Unlock()
		return false
	}
	i := l.localIndex(correlationID)
	if i < 0 || l.local[i].State != StatePending {
		s.mu.Unlock()
		return false
	}
	l.local[i].State = StateFailed
	msg := l.local[i]
	s.mu.Unlock()

	s.publish("message.failed", msg)
	return true
}

// MarkPending moves a failed local entry back to pending for a retry.
func (s *Store) MarkPending(conversationID, correlationID string) bool {
	s.mu.Lock()
	l := s.log(conversationID)
	i := l.localIndex(correlationID)
	if i < 0 || l.local[i].State != StateFailed {
		s.mu.Unlock()
		return false
	}
	l.local[i].State = StatePending
	msg := l.local[i]
	s.mu.Unlock()

	s.publish("message.pending", msg)
	return true
}

// Get returns the local entry with the given correlation id, confirmed or
// not.
func (s *Store) Get(conversationID, correlationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	if i := l.localIndex(correlationID); i >= 0 {
		return l.local[i], true
	}
	if _, confirmed := l.corrs[correlationID]; confirmed {
		return l.byCorrelation(correlationID), true
	}
	return Message{}, false
}

// Messages returns the display-ordered log for a conversation: confirmed
// messages by sequence number, then the local tail in append order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(l.confirmed)+len(l.local))
	out = append(out, l.confirmed...)
	out = append(out, l.local...)
	return out
}

// Last returns the newest entry in display order, if any.
func (s *Store) Last(conversationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	if n := len(l.local); n > 0 {
		return l.local[n-1], true
	}
	if n := len(l.confirmed); n > 0 {
		return l.confirmed[n-1], true
	}
	return Message{}, false
}

// Conversations returns the ids of all conversations with at least one
// message.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.logs))
	for id, l := range s.logs {
		if len(l.confirmed) > 0 || len(l.local) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) publish(kind string, m Message) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: m})
}

func (l *conversationLog) localIndex(correlationID string) int {
	for i, m := range l.local {
		if m.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (l *conversationLog) insertConfirmed(m Message) {
	i := sort.Search(len(l.confirmed), func(i int) bool {
		return l.confirmed[i].Seq > m.Seq
	})
	l.confirmed = append(l.confirmed, Message{})
	copy(l.confirmed[i+1:], l.confirmed[i:])
	l.confirmed[i] = m
	l.seqs[m.Seq] = struct{}{}
}

func (l *conversationLog) bySeq(seq int64) Message {
	i := sort.Search(len(l.confirmed), func(i int) bool {
		return l.confirmed[i].Seq >= seq
	})
	if i < len(l.confirmed) && l.confirmed[i].Seq == seq {
		return l.confirmed[i]
	}
	return Message{}
}

func (l *conversationLog) byCorrelation(correlationID string) Message {
	for _, m := range l.confirmed {
		if m.CorrelationID == correlationID {
			return m
		}
	}
	return Message{}
}
