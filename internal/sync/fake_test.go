package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const self = id.UserID("@me:example.org")

// fakeClient is a scriptable protocol.Client.
type fakeClient struct {
	mu    stdsync.Mutex
	state status.State
	rooms []*protocol.Room

	// retryHeals makes RetryImmediately restore Syncing.
	retryHeals bool
	// startHeals makes Start restore Syncing.
	startHeals bool
	startErr   error
	// roomsWhenUnhealthy keeps Rooms returning the table in a bad state.
	roomsWhenUnhealthy bool

	fetch    map[id.RoomID]*protocol.Room
	fetchErr error
	joinErr  error

	retries, starts, stops, joins, fetches int

	// roomsHook runs inside Rooms, outside the lock.
	roomsHook func()

	handlers map[int]func(protocol.Event)
	next     int
}

func newFakeClient(rooms ...*protocol.Room) *fakeClient {
	return &fakeClient{
		state:    status.Syncing,
		rooms:    rooms,
		fetch:    make(map[id.RoomID]*protocol.Room),
		handlers: make(map[int]func(protocol.Event)),
	}
}

func (f *fakeClient) UserID() id.UserID { return self }

func (f *fakeClient) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) setState(s status.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeClient) Rooms() []*protocol.Room {
	f.mu.Lock()
	hook := f.roomsHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Healthy() && !f.roomsWhenUnhealthy {
		return nil
	}
	out := make([]*protocol.Room, len(f.rooms))
	copy(out, f.rooms)
	return out
}

func (f *fakeClient) Room(roomID id.RoomID) (*protocol.Room, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return nil, false
}

// put replaces or adds a room snapshot.
func (f *fakeClient) put(room *protocol.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rooms {
		if r.ID == room.ID {
			f.rooms[i] = room
			return
		}
	}
	f.rooms = append(f.rooms, room)
}

func (f *fakeClient) RetryImmediately() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	if f.retryHeals {
		f.state = status.Syncing
	}
	return true
}

func (f *fakeClient) Start(_ context.Context, opts protocol.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	if f.startHeals {
		f.state = status.Syncing
	}
	return nil
}

func (f *fakeClient) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = status.Stopped
}

func (f *fakeClient) JoinRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return f.joinErr
}

func (f *fakeClient) FetchRoom(_ context.Context, roomID id.RoomID) (*protocol.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	r, ok := f.fetch[roomID]
	if !ok {
		return nil, protocol.ErrRoomNotFound
	}
	return r, nil
}

func (f *fakeClient) Subscribe(handler func(protocol.Event)) func() {
	f.mu.Lock()
	n := f.next
	f.next++
	f.handlers[n] = handler
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, n)
		f.mu.Unlock()
	}
}

func (f *fakeClient) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// emit delivers evt to every handler on the calling goroutine.
func (f *fakeClient) emit(evt protocol.Event) {
	f.mu.Lock()
	hs := make([]func(protocol.Event), 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (f *fakeClient) counts() (retries, starts, joins, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries, f.starts, f.joins, f.fetches
}

// dm builds a joined one-on-one room with a telegram puppet.
func dm(n int, name string, ts int64, unread int) *protocol.Room {
	puppet := id.UserID(fmt.Sprintf("@telegram_%d:example.org", n))
	return &protocol.Room{
		ID:         id.RoomID(fmt.Sprintf("!dm%d:example.org", n)),
		Name:       name,
		Membership: event.MembershipJoin,
		Members: []protocol.Member{
			{UserID: self, Membership: event.MembershipJoin},
			{UserID: puppet, DisplayName: name, Membership: event.MembershipJoin},
		},
		Timeline: []protocol.TimelineEvent{{
			ID:        id.EventID(fmt.Sprintf("$e%d", n)),
			Sender:    puppet,
			Type:      event.EventMessage,
			MsgType:   event.MsgText,
			Body:      "hello from " + name,
			Timestamp: ts,
		}},
		UnreadCount: unread,
	}
}

// staticAnchors is an AnchorStore with fixed answers.
type staticAnchors map[string]string

func (a staticAnchors) AnchorRoom(_ context.Context, userID, platform string) (string, bool) {
	v, ok := a[userID+"/"+platform]
	return v, ok
}
