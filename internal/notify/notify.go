package notify

import "time"

// EventKind labels a lifecycle event produced by the engine.
type EventKind string

const (
	// EventRoomLocked is sent to every member when moderation locks a room.
	EventRoomLocked EventKind = "room_locked"
	// EventRoomDeleted is sent to remaining members when a room cascades into deletion.
	EventRoomDeleted EventKind = "room_deleted"
	// EventMemberRemoved is sent to a member whose roster row was removed.
	EventMemberRemoved EventKind = "member_removed"
	// EventPostExpired is sent to a post's author when the sweep finalizes expiry.
	EventPostExpired EventKind = "post_expired"
	// EventPostExtended is sent to a post's author when the sweep defers expiry.
	EventPostExtended EventKind = "post_extended"
	// EventPostExpiring is sent to a post's author ahead of a pending expiry.
	EventPostExpiring EventKind = "post_expiring"
)

// Event describes one lifecycle notification addressed to a single recipient.
type Event struct {
	Recipient  string
	Kind       EventKind
	RoomID     string
	PostID     string
	Payload    string
	OccurredAt time.Time
}

// Sink receives lifecycle events for downstream delivery. Implementations
// must not block: the engine fires and forgets.
type Sink interface {
	Notify(event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Notify implements Sink.
func (NopSink) Notify(Event) {}
