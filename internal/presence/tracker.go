// Package presence tracks counterpart online state fed by presence events,
// with staleness-based downgrade to offline.
package presence

import (
	"sync"
	"time"

	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/wire"
)

type record struct {
	status      string
	lastEventAt time.Time
}

// Tracker owns all presence records. Conversations never copy a status;
// every read re-queries the tracker.
type Tracker struct {
	mu          sync.RWMutex
	records     map[string]record
	staleWindow time.Duration
	now         func() time.Time
	bus         *bus.Bus
}

// New creates a tracker. An entry with no event for staleWindow is reported
// offline even without an explicit offline event, guarding against dropped
// disconnect notifications.
func New(staleWindow time.Duration, b *bus.Bus) *Tracker {
	return &Tracker{
		records:     make(map[string]record),
		staleWindow: staleWindow,
		now:         time.Now,
		bus:         b,
	}
}

// SetClock overrides the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Apply ingests a presence event.
func (t *Tracker) Apply(ev wire.PresenceEvent) {
	t.mu.Lock()
	prev := t.records[ev.UserID].status
	t.records[ev.UserID] = record{status: ev.Status, lastEventAt: t.now()}
	t.mu.Unlock()

	if t.bus != nil && prev != ev.Status {
		t.bus.Publish(bus.Event{
			Kind:      "presence.changed",
			Timestamp: time.Now(),
			Payload:   ev,
		})
	}
}

// Status returns "online" or "offline" for a user. Unknown users and stale
// online records report offline.
func (t *Tracker) Status(userID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userID]
	if !ok || r.status != wire.StatusOnline {
		return wire.StatusOffline
	}
	if t.now().Sub(r.lastEventAt) > t.staleWindow {
		return wire.StatusOffline
	}
	return wire.StatusOnline
}
