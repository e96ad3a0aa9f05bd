package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds in use:
//
//	conn.status_changed    connection lifecycle transition
//	message.pending        optimistic local append
//	message.confirmed      server-confirmed message (promoted or remote)
//	message.failed         delivery gave up on a pending message
//	message.retry_exhausted retry budget spent, permanently failed
//	presence.changed       counterpart presence update
//	roster.favorite_changed favorite flag toggled
//	roster.viewed          conversation became the viewed one
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
