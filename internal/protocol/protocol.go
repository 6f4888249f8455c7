// Package protocol defines the capabilities the sync core needs from a live
// messaging-bridge client, and the raw room snapshots it hands back.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/roomsync/internal/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrRoomNotFound is returned by FetchRoom when the room is unknown to the server.
var ErrRoomNotFound = errors.New("room not found")

// Member is one room member as seen in the latest membership state.
type Member struct {
	UserID      id.UserID
	DisplayName string
	AvatarURL   string
	Membership  event.Membership
}

// TimelineEvent is a message-like event from a room timeline.
type TimelineEvent struct {
	ID        id.EventID
	Sender    id.UserID
	Type      event.Type
	MsgType   event.MessageType
	Body      string
	Timestamp int64
}

// Room is a snapshot of one room. Snapshots are never mutated after being
// handed out; clients produce a new value on every change.
type Room struct {
	ID        id.RoomID
	Name      string
	Topic     string
	AvatarURL string
	// Membership is the caller's own membership.
	Membership event.Membership
	Members    []Member
	// JoinedCount comes from the room summary when the server sent one, and
	// is zero otherwise.
	JoinedCount    int
	PowerLevels    *event.PowerLevelsEventContent
	Timeline       []TimelineEvent
	UnreadCount    int
	HighlightCount int
}

// MemberCount returns the number of joined members.
func (r *Room) MemberCount() int {
	if r.JoinedCount > 0 {
		return r.JoinedCount
	}
	n := 0
	for _, m := range r.Members {
		if m.Membership == event.MembershipJoin {
			n++
		}
	}
	return n
}

// LastEvent returns the newest timeline event.
func (r *Room) LastEvent() (TimelineEvent, bool) {
	if len(r.Timeline) == 0 {
		return TimelineEvent{}, false
	}
	last := r.Timeline[0]
	for _, evt := range r.Timeline[1:] {
		if evt.Timestamp >= last.Timestamp {
			last = evt
		}
	}
	return last, true
}

// StartOptions tunes a (re)start of the client's sync loop.
type StartOptions struct {
	// InitialSyncLimit bounds the timeline events per room in the first sync.
	InitialSyncLimit int
	LazyLoadMembers  bool
	// PollTimeout is the long-poll hold time of each sync request.
	PollTimeout time.Duration
}

// ConservativeStart is used by the soft-restart stage of recovery.
var ConservativeStart = StartOptions{
	InitialSyncLimit: 10,
	LazyLoadMembers:  true,
	PollTimeout:      60 * time.Second,
}

// EventKind enumerates the live events a client emits.
type EventKind string

const (
	TimelineEventKind   EventKind = "timeline"
	RoomStateEventKind  EventKind = "room_state"
	ConnectionStateKind EventKind = "connection_state"
)

// Event is delivered to subscribers. Room is set for timeline and room
// state events, State for connection state events.
type Event struct {
	Kind   EventKind
	RoomID id.RoomID
	Room   *Room
	State  status.State
}

// Client is the capability set of a protocol client. Every method is
// required.
type Client interface {
	UserID() id.UserID
	State() status.State
	Rooms() []*Room
	Room(roomID id.RoomID) (*Room, bool)
	// RetryImmediately asks an errored client to retry now instead of
	// waiting out its backoff. Reports whether a retry was scheduled.
	RetryImmediately() bool
	Start(ctx context.Context, opts StartOptions) error
	Stop()
	JoinRoom(ctx context.Context, roomID id.RoomID) error
	FetchRoom(ctx context.Context, roomID id.RoomID) (*Room, error)
	// Subscribe registers handler for live events, delivered in order from
	// a single goroutine. The returned function detaches it.
	Subscribe(handler func(Event)) (unsubscribe func())
}
