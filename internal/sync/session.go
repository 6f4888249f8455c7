package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/matheus3301/roomsync/internal/store"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"
)

// mergeState guards incremental merges of one room.
type mergeState int

const (
	mergeIdle mergeState = iota
	mergeMerging
	mergeNotifying
)

func (m mergeState) String() string {
	switch m {
	case mergeMerging:
		return "merging"
	case mergeNotifying:
		return "notifying"
	}
	return "idle"
}

// roomGuard is the merge state of one room. pending holds the latest
// snapshot that arrived while a merge was running.
type roomGuard struct {
	state   mergeState
	pending *protocol.Room
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	UserID       string
	Platform     string
	SortOrder    SortOrder
	RoomCount    int
	LastSyncedAt time.Time
	InProgress   bool
	// Synced is set once a full sync has completed.
	Synced bool
	State  status.State
}

// session is the runtime state of one user.
type session struct {
	userID       string
	client       protocol.Client
	platform     *platform.Platform
	platformName string
	sortOrder    SortOrder
	transformer  Transformer
	onUpdate     func([]store.RoomRecord)
	onMessages   func(roomID id.RoomID, msgs []store.Message)
	logger       *zap.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	// syncMu serializes full reconciliations and incremental merges.
	syncMu stdsync.Mutex

	mu           stdsync.Mutex
	rooms        []store.RoomRecord
	lastSyncedAt time.Time
	inProgress   bool
	synced       bool
	lastState    status.State
	guards       map[id.RoomID]*roomGuard
	msgThrottles map[id.RoomID]*throttle
	msgPending   map[id.RoomID]struct{}
	// remediated is the anchor room admitted by targeted remediation.
	remediated id.RoomID

	roomsThrottle *throttle
	roomsSignal   chan struct{}
	msgSignal     chan struct{}
}

// snapshot returns a copy of the current room list.
func (s *session) snapshot() []store.RoomRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.RoomRecord, len(s.rooms))
	copy(out, s.rooms)
	return out
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		UserID:       s.userID,
		Platform:     s.platformName,
		SortOrder:    s.sortOrder,
		RoomCount:    len(s.rooms),
		LastSyncedAt: s.lastSyncedAt,
		InProgress:   s.inProgress,
		Synced:       s.synced,
		State:        status.Stopped,
	}
	if s.client != nil {
		info.State = s.client.State()
	}
	return info
}

func (s *session) setInProgress(v bool) {
	s.mu.Lock()
	s.inProgress = v
	s.mu.Unlock()
}

// beginMerge moves roomID from idle to merging. When a merge is already
// running the snapshot is parked and false is returned; the running merge
// picks it up.
func (s *session) beginMerge(room *protocol.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[room.ID]
	if !ok {
		s.guards[room.ID] = &roomGuard{state: mergeMerging}
		return true
	}
	g.pending = room
	return false
}

func (s *session) setMergeState(roomID id.RoomID, state mergeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guards[roomID]; ok {
		g.state = state
	}
}

// nextMerge returns the parked snapshot of roomID and moves it back to
// merging, or returns the room to idle when nothing is parked.
func (s *session) nextMerge(roomID id.RoomID) *protocol.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[roomID]
	if !ok {
		return nil
	}
	if g.pending != nil {
		next := g.pending
		g.pending = nil
		g.state = mergeMerging
		return next
	}
	delete(s.guards, roomID)
	return nil
}

// mergeStateOf is used by tests.
func (s *session) mergeStateOf(roomID id.RoomID) mergeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.guards[roomID]; ok {
		return g.state
	}
	return mergeIdle
}

func (s *session) setRemediated(roomID id.RoomID) {
	s.mu.Lock()
	s.remediated = roomID
	s.mu.Unlock()
}

func (s *session) isRemediated(roomID id.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remediated != "" && s.remediated == roomID
}

// swapState records the latest connection state and returns the previous.
func (s *session) swapState(st status.State) status.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lastState
	s.lastState = st
	return prev
}

// signal performs a non-blocking send on a coalescing channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// notifyRooms requests a throttled room list notification.
func (s *session) notifyRooms() {
	s.roomsThrottle.Trigger()
}

// notifyMessages requests a throttled message notification for roomID.
func (s *session) notifyMessages(c *Coordinator, roomID id.RoomID) {
	if s.onMessages == nil && c.bus == nil {
		return
	}
	s.mu.Lock()
	t, ok := s.msgThrottles[roomID]
	if !ok {
		t = newThrottle(c.clk, c.cfg.MessagesThrottle, func() {
			s.mu.Lock()
			s.msgPending[roomID] = struct{}{}
			s.mu.Unlock()
			signal(s.msgSignal)
		})
		s.msgThrottles[roomID] = t
	}
	s.mu.Unlock()
	t.Trigger()
}

// takeMessagePending drains the set of rooms with due message updates.
func (s *session) takeMessagePending() []id.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]id.RoomID, 0, len(s.msgPending))
	for roomID := range s.msgPending {
		out = append(out, roomID)
	}
	s.msgPending = make(map[id.RoomID]struct{})
	return out
}

// stopTimers cancels every pending throttle call.
func (s *session) stopTimers() {
	s.roomsThrottle.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.msgThrottles {
		t.Stop()
	}
}
