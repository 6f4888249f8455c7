package bus

import "time"

// Event kinds published on the bus. Subscribers filter by prefix, so the
// part before the dot is the namespace.
const (
	KindRoomsUpdated    = "rooms.updated"
	KindMessagesUpdated = "messages.updated"
	KindConnectionState = "connection.state_changed"
	KindSyncCompleted   = "sync.completed"
	KindSessionClosed   = "session.closed"
	KindSetupUpdated    = "setup.updated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	UserID    string
	Timestamp time.Time
	Payload   any
}
