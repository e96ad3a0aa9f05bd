// Package roster derives the conversation summary list: ordering, search,
// favorites, and unread counters.
package roster

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/presence"
)

// Summary is one row of the conversation list. LastMessage/LastTimestamp are
// always derived from the message log at read time, and Presence from the
// tracker, so neither can go stale silently.
type Summary struct {
	ID            string
	DisplayName   string
	Avatar        string
	LastMessage   string
	LastTimestamp int64
	Unread        int
	Favorite      bool
	Presence      string
}

type convMeta struct {
	displayName string
	avatar      string
	unread      int
	favorite    bool
}

// Index owns favorite membership, unread counters, and profile metadata per
// conversation. Everything else in a Summary is derived.
type Index struct {
	mu       sync.Mutex
	store    *msgstore.Store
	presence *presence.Tracker
	bus      *bus.Bus
	meta     map[string]*convMeta
	viewing  string
}

// New creates an index over the given message store and presence tracker.
func New(store *msgstore.Store, tracker *presence.Tracker, b *bus.Bus) *Index {
	return &Index{
		store:    store,
		presence: tracker,
		bus:      b,
		meta:     make(map[string]*convMeta),
	}
}

func (x *Index) ensureLocked(conversationID string) *convMeta {
	m, ok := x.meta[conversationID]
	if !ok {
		m = &convMeta{}
		x.meta[conversationID] = m
	}
	return m
}

// Ensure lazily creates the conversation entry for a counterpart. Existing
// metadata is left untouched.
func (x *Index) Ensure(conversationID string) {
	x.mu.Lock()
	x.ensureLocked(conversationID)
	x.mu.Unlock()
}

// SetProfile records display name and avatar for a counterpart.
func (x *Index) SetProfile(conversationID, displayName, avatar string) {
	x.mu.Lock()
	m := x.ensureLocked(conversationID)
	if displayName != "" {
		m.displayName = displayName
	}
	if avatar != "" {
		m.avatar = avatar
	}
	x.mu.Unlock()
}

// SetFavorite forces the favorite flag, used when hydrating persisted state.
func (x *Index) SetFavorite(conversationID string, favorite bool) {
	x.mu.Lock()
	x.ensureLocked(conversationID).favorite = favorite
	x.mu.Unlock()
}

// ToggleFavorite flips favorite membership and returns the new value.
// Repeated toggles landing on the same final state are idempotent.
func (x *Index) ToggleFavorite(conversationID string) bool {
	x.mu.Lock()
	m := x.ensureLocked(conversationID)
	m.favorite = !m.favorite
	fav := m.favorite
	x.mu.Unlock()

	if x.bus != nil {
		x.bus.Publish(bus.Event{
			Kind:      "roster.favorite_changed",
			Timestamp: time.Now(),
			Payload:   FavoriteChange{ConversationID: conversationID, Favorite: fav},
		})
	}
	return fav
}

// NoteInbound counts an inbound confirmed message against the unread
// counter, unless the conversation is the currently viewed one.
func (x *Index) NoteInbound(conversationID string) {
	x.mu.Lock()
	m := x.ensureLocked(conversationID)
	if x.viewing != conversationID {
		m.unread++
	}
	x.mu.Unlock()
}

// SetViewed marks a conversation as the currently viewed one and resets its
// unread counter. Read receipts stay local: nothing is sent to the
// counterpart.
func (x *Index) SetViewed(conversationID string) {
	x.mu.Lock()
	m := x.ensureLocked(conversationID)
	x.viewing = conversationID
	m.unread = 0
	x.mu.Unlock()

	if x.bus != nil {
		x.bus.Publish(bus.Event{Kind: "roster.viewed", Timestamp: time.Now(), Payload: conversationID})
	}
}

// ClearViewed marks no conversation as viewed.
func (x *Index) ClearViewed() {
	x.mu.Lock()
	x.viewing = ""
	x.mu.Unlock()
}

// Unread returns the unread counter for a conversation.
func (x *Index) Unread(conversationID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if m, ok := x.meta[conversationID]; ok {
		return m.unread
	}
	return 0
}

// FavoriteChange is the payload for favorite toggle events.
type FavoriteChange struct {
	ConversationID string
	Favorite       bool
}

// List returns conversation summaries: favorites first ordered by most
// recent activity, then the rest by descending last activity. A non-empty
// query filters by case-insensitive substring match on the display name;
// filtering never mutates favorite or unread state.
func (x *Index) List(query string) []Summary {
	x.mu.Lock()
	ids := make([]string, 0, len(x.meta))
	for id := range x.meta {
		ids = append(ids, id)
	}
	metas := make(map[string]convMeta, len(x.meta))
	for id, m := range x.meta {
		metas[id] = *m
	}
	x.mu.Unlock()

	// Conversations known only to the message log (e.g. hydrated history)
	// still get a row.
	for _, id := range x.store.Conversations() {
		if _, ok := metas[id]; !ok {
			ids = append(ids, id)
			metas[id] = convMeta{}
		}
	}

	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		m := metas[id]
		name := m.displayName
		if name == "" {
			name = id
		}
		if query != "" && !strings.Contains(strings.ToLower(name), query) {
			continue
		}
		s := Summary{
			ID:          id,
			DisplayName: name,
			Avatar:      m.avatar,
			Unread:      m.unread,
			Favorite:    m.favorite,
			Presence:    x.presence.Status(id),
		}
		if last, ok := x.store.Last(id); ok {
			s.LastMessage = last.Text
			s.LastTimestamp = last.Timestamp
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Favorite != out[j].Favorite {
			return out[i].Favorite
		}
		if out[i].LastTimestamp != out[j].LastTimestamp {
			return out[i].LastTimestamp > out[j].LastTimestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}
