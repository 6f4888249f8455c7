// Package sync keeps each user's room list consistent with a live
// protocol client: full reconciliations with staged recovery, incremental
// merges from live events, caching and throttled notification.
package sync

import (
	"context"
	"errors"
	"reflect"
	stdsync "sync"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/classify"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/filter"
	"github.com/matheus3301/roomsync/internal/organize"
	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/recovery"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/matheus3301/roomsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// ErrNoSession is returned for users without a live session.
var ErrNoSession = errors.New("no sync session")

var errUnavailable = errors.New("client unavailable")

// Config holds coordinator timings.
type Config struct {
	RoomsThrottle    time.Duration
	MessagesThrottle time.Duration
	// RetryGrace bounds the wait after an immediate retry.
	RetryGrace time.Duration
	// RestartGrace bounds the wait after a soft restart.
	RestartGrace time.Duration
	// PollInterval is how often the client state is re-checked while waiting.
	PollInterval time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		RoomsThrottle:    100 * time.Millisecond,
		MessagesThrottle: 200 * time.Millisecond,
		RetryGrace:       2 * time.Second,
		RestartGrace:     3 * time.Second,
		PollInterval:     250 * time.Millisecond,
	}
}

// AnchorStore looks up the persisted anchor room of a user's platform.
type AnchorStore interface {
	AnchorRoom(ctx context.Context, userID, platform string) (string, bool)
}

// Deps are the collaborators of a Coordinator. Any may be nil except where
// noted; nil collaborators disable the feature they back.
type Deps struct {
	Cache      *cache.Store
	Anchors    AnchorStore
	Reconciler *Reconciler
	Governor   *recovery.Governor
	Classifier *classify.Classifier
	Bus        *bus.Bus
	Clock      clock.Clock
	Logger     *zap.Logger
}

// SessionOptions configure one user's session.
type SessionOptions struct {
	// Platform restricts the room list to one bridged network.
	Platform  string
	SortOrder SortOrder
	// OnMessagesUpdated receives throttled timeline snapshots per room.
	OnMessagesUpdated func(roomID id.RoomID, msgs []store.Message)
}

// Coordinator owns one sync session per user id.
type Coordinator struct {
	cfg        Config
	cache      *cache.Store
	anchors    AnchorStore
	reconciler *Reconciler
	gov        *recovery.Governor
	classifier *classify.Classifier
	bus        *bus.Bus
	clk        clock.Clock
	logger     *zap.Logger

	flight singleflight.Group
	// initMu serializes InitRoomList so a replaced session is always
	// detached before its successor attaches.
	initMu stdsync.Mutex

	mu       stdsync.Mutex
	sessions map[string]*session
}

// New creates a coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	def := DefaultConfig()
	if cfg.RoomsThrottle <= 0 {
		cfg.RoomsThrottle = def.RoomsThrottle
	}
	if cfg.MessagesThrottle <= 0 {
		cfg.MessagesThrottle = def.MessagesThrottle
	}
	if cfg.RetryGrace <= 0 {
		cfg.RetryGrace = def.RetryGrace
	}
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = def.RestartGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New()
	}
	if deps.Governor == nil {
		deps.Governor = recovery.NewGovernor(recovery.DefaultConfig(), deps.Clock, deps.Logger)
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(nil, nil, deps.Logger, deps.Clock)
	}
	return &Coordinator{
		cfg:        cfg,
		cache:      deps.Cache,
		anchors:    deps.Anchors,
		reconciler: deps.Reconciler,
		gov:        deps.Governor,
		classifier: deps.Classifier,
		bus:        deps.Bus,
		clk:        deps.Clock,
		logger:     deps.Logger,
		sessions:   make(map[string]*session),
	}
}

// InitRoomList registers the session of userID, attaches to client's live
// events and dispatches the first full sync in the background. A previous
// session of the same user is cleaned up first. onUpdate receives full
// room list snapshots at the throttled rate. The session becomes visible
// only once it is fully attached.
func (c *Coordinator) InitRoomList(ctx context.Context, userID string, client protocol.Client, opts SessionOptions, onUpdate func([]store.RoomRecord)) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.Cleanup(userID)

	logger := c.logger.With(zap.String("user_id", userID))
	name, known := platform.Parse(opts.Platform)
	if !known {
		logger.Warn("unknown platform constraint; ignoring it", zap.String("platform", opts.Platform))
		name = ""
	}
	p, _ := platform.Lookup(name)
	order, ok := ParseSortOrder(string(opts.SortOrder))
	if !ok {
		logger.Warn("unknown sort order; using lastMessage", zap.String("sort_order", string(opts.SortOrder)))
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		userID:       userID,
		client:       client,
		platform:     p,
		platformName: string(name),
		sortOrder:    order,
		onUpdate:     onUpdate,
		onMessages:   opts.OnMessagesUpdated,
		logger:       logger,
		ctx:          sctx,
		cancel:       cancel,
		rooms:        []store.RoomRecord{},
		lastState:    status.Stopped,
		guards:       make(map[id.RoomID]*roomGuard),
		msgThrottles: make(map[id.RoomID]*throttle),
		msgPending:   make(map[id.RoomID]struct{}),
		roomsSignal:  make(chan struct{}, 1),
		msgSignal:    make(chan struct{}, 1),
	}
	s.roomsThrottle = newThrottle(c.clk, c.cfg.RoomsThrottle, func() { signal(s.roomsSignal) })

	if client != nil {
		s.transformer = Transformer{Classifier: c.classifier, Self: client.UserID(), Platform: p}
		s.lastState = client.State()
	}

	// A stale list is better than none while the first sync runs.
	scope := c.scope(s)
	if entry, ok := c.cache.Entry(sctx, scope); ok {
		s.rooms = presentable(entry.Rooms)
		Sort(s.rooms, s.sortOrder)
	}
	if at, ok := c.reconciler.LastSynced(sctx, userID); ok {
		s.lastSyncedAt = at
	}
	cached := len(s.rooms)

	go c.dispatch(s)
	if client != nil {
		s.unsubscribe = client.Subscribe(func(evt protocol.Event) { c.handleEvent(s, evt) })
	}

	c.mu.Lock()
	c.sessions[userID] = s
	c.mu.Unlock()

	if client == nil {
		c.gov.WarnOnce("no-client:"+userID, "session has no protocol client; room list stays empty", zap.String("user_id", userID))
		return
	}
	logger.Info("room list session created",
		zap.String("platform", s.platformName),
		zap.String("sort_order", string(s.sortOrder)),
		zap.Int("cached_rooms", cached),
	)
	if cached > 0 {
		s.notifyRooms()
	}

	go c.SyncRooms(sctx, userID, false)
}

// SyncRooms runs a full reconciliation and returns the resulting room
// list. A call while a reconciliation is in flight joins it unless force
// is set, in which case a fresh reconciliation runs after it. On failure
// the previous list is returned.
func (c *Coordinator) SyncRooms(ctx context.Context, userID string, force bool) []store.RoomRecord {
	s := c.session(userID)
	if s == nil {
		c.gov.WarnOnce("no-session:"+userID, "sync requested for unknown user", zap.String("user_id", userID))
		return []store.RoomRecord{}
	}
	if force {
		c.flight.Forget(userID)
	}
	ch := c.flight.DoChan(userID, func() (any, error) {
		return c.reconcile(s), nil
	})
	select {
	case res := <-ch:
		rooms, _ := res.Val.([]store.RoomRecord)
		out := make([]store.RoomRecord, len(rooms))
		copy(out, rooms)
		return out
	case <-ctx.Done():
		return s.snapshot()
	}
}

// reconcile performs one full sync of s.
func (c *Coordinator) reconcile(s *session) []store.RoomRecord {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.ctx.Err() != nil {
		return s.snapshot()
	}
	s.setInProgress(true)
	defer s.setInProgress(false)

	start := c.clk.Now()
	rooms, err := c.fullSync(s.ctx, s)
	if err != nil {
		s.logger.Error("room sync failed; keeping previous rooms", zap.Error(err))
		return c.previous(s)
	}

	now := c.clk.Now()
	s.mu.Lock()
	s.rooms = rooms
	s.synced = true
	s.lastSyncedAt = now
	s.mu.Unlock()

	c.cache.Write(s.ctx, c.scope(s), rooms)
	c.reconciler.RecordSynced(s.ctx, s.userID, now)
	s.notifyRooms()

	if c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindSyncCompleted,
			UserID:    s.userID,
			Timestamp: now,
			Payload:   SyncResult{Rooms: len(rooms), Duration: now.Sub(start)},
		})
	}
	s.logger.Info("room sync completed", zap.Int("rooms", len(rooms)), zap.Duration("took", now.Sub(start)))
	return s.snapshot()
}

// SyncResult is the payload of sync.completed events.
type SyncResult struct {
	Rooms    int
	Duration time.Duration
}

// previous returns the session's list, or the cached one when the session
// has none yet.
func (c *Coordinator) previous(s *session) []store.RoomRecord {
	if rooms := s.snapshot(); len(rooms) > 0 {
		return rooms
	}
	rooms := presentable(c.cache.Read(s.ctx, c.scope(s)))
	Sort(rooms, s.sortOrder)
	return rooms
}

func (c *Coordinator) fullSync(ctx context.Context, s *session) ([]store.RoomRecord, error) {
	if s.client == nil {
		return nil, errUnavailable
	}
	if s.client.State().Unhealthy() {
		c.recover(ctx, s)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rooms := c.pipeline(ctx, s, s.client.Rooms())
	if len(rooms) == 0 && !s.client.State().Healthy() {
		return nil, errUnavailable
	}
	return rooms, nil
}

// pipeline filters, transforms, deduplicates and sorts raw rooms.
func (c *Coordinator) pipeline(ctx context.Context, s *session, raw []*protocol.Room) []store.RoomRecord {
	rooms := filter.Keep(raw, filter.Membership)

	var extra []*protocol.Room
	needPlaceholder := false
	var anchor id.RoomID
	if s.platform != nil {
		rooms = filter.Keep(rooms, filter.Platform(s.platform))
		anchor, extra, needPlaceholder = c.remediate(ctx, s, rooms)
	}

	rooms = filter.Keep(rooms, filter.Relevant)
	rooms = filter.Keep(rooms, filter.Leakage(s.platform))
	rooms = append(rooms, extra...)

	records := make([]store.RoomRecord, 0, len(rooms)+1)
	for _, r := range rooms {
		rec, err := s.transformer.Transform(r)
		if err != nil {
			s.logger.Warn("skipping room", zap.String("room_id", r.ID.String()), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if needPlaceholder && len(records) == 0 {
		records = append(records, Placeholder(anchor, s.platform))
	}

	records = organize.Dedup(records)
	Sort(records, s.sortOrder)
	return records
}

// Rooms returns the current room list of userID.
func (c *Coordinator) Rooms(userID string) []store.RoomRecord {
	s := c.session(userID)
	if s == nil {
		return []store.RoomRecord{}
	}
	return s.snapshot()
}

// Session describes the session of userID.
func (c *Coordinator) Session(userID string) (SessionInfo, error) {
	s := c.session(userID)
	if s == nil {
		return SessionInfo{}, ErrNoSession
	}
	return s.info(), nil
}

// Sessions lists every live session.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	return out
}

// Cleanup detaches listeners, cancels pending timers and discards the
// session of userID. Callers must call it on logout or teardown.
func (c *Coordinator) Cleanup(userID string) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	delete(c.sessions, userID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.stopTimers()
	s.cancel()
	c.flight.Forget(userID)
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindSessionClosed, UserID: userID, Timestamp: c.clk.Now()})
	}
	s.logger.Info("room list session closed")
}

// CleanupAll cleans up every session.
func (c *Coordinator) CleanupAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for userID := range c.sessions {
		ids = append(ids, userID)
	}
	c.mu.Unlock()
	for _, userID := range ids {
		c.Cleanup(userID)
	}
}

func (c *Coordinator) session(userID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[userID]
}

func (c *Coordinator) scope(s *session) cache.Scope {
	return cache.Scope{UserID: s.userID, Platform: s.platformName}
}

// dispatch delivers throttled notifications of s until it is closed.
// Callbacks run here, never under a session lock.
func (c *Coordinator) dispatch(s *session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.roomsSignal:
			rooms := s.snapshot()
			if s.onUpdate != nil {
				s.onUpdate(rooms)
			}
			if c.bus != nil {
				c.bus.Publish(bus.Event{Kind: bus.KindRoomsUpdated, UserID: s.userID, Timestamp: c.clk.Now(), Payload: rooms})
			}
		case <-s.msgSignal:
			for _, roomID := range s.takeMessagePending() {
				room, ok := s.client.Room(roomID)
				if !ok {
					continue
				}
				msgs := Messages(room)
				if s.onMessages != nil {
					s.onMessages(roomID, msgs)
				}
				if c.bus != nil {
					c.bus.Publish(bus.Event{
						Kind:      bus.KindMessagesUpdated,
						UserID:    s.userID,
						Timestamp: c.clk.Now(),
						Payload:   MessagesUpdate{RoomID: roomID.String(), Messages: msgs},
					})
				}
			}
		}
	}
}

// MessagesUpdate is the payload of messages.updated events.
type MessagesUpdate struct {
	RoomID   string
	Messages []store.Message
}

// handleEvent routes one live client event. Events arrive in order from
// the client's delivery goroutine.
func (c *Coordinator) handleEvent(s *session, evt protocol.Event) {
	if s.ctx.Err() != nil {
		return
	}
	switch evt.Kind {
	case protocol.TimelineEventKind:
		if evt.Room != nil {
			c.updateRoom(s.ctx, s, evt.Room)
		}
		s.notifyMessages(c, evt.RoomID)
	case protocol.RoomStateEventKind:
		if evt.Room != nil {
			c.updateRoom(s.ctx, s, evt.Room)
		}
	case protocol.ConnectionStateKind:
		prev := s.swapState(evt.State)
		s.logger.Debug("connection state changed", zap.String("from", string(prev)), zap.String("to", string(evt.State)))
		if evt.State.Healthy() && !prev.Healthy() {
			go c.SyncRooms(s.ctx, s.userID, false)
		}
	}
}

// UpdateRoomInList merges one room snapshot into the user's list. Merges
// of the same room never nest: a snapshot arriving while that room is
// merging or notifying is parked and merged once the running merge ends,
// and a merge that changes nothing does not notify.
func (c *Coordinator) UpdateRoomInList(ctx context.Context, userID string, raw *protocol.Room) {
	s := c.session(userID)
	if s == nil {
		c.gov.WarnOnce("no-session:"+userID, "room update for unknown user", zap.String("user_id", userID))
		return
	}
	c.updateRoom(ctx, s, raw)
}

// updateRoom is UpdateRoomInList for a known session. Live events use it
// directly so they reach a session that is not registered yet.
func (c *Coordinator) updateRoom(ctx context.Context, s *session, raw *protocol.Room) {
	if raw == nil || raw.ID == "" {
		s.logger.Debug("ignoring malformed room update")
		return
	}
	if !s.beginMerge(raw) {
		return
	}
	for room := raw; room != nil; room = s.nextMerge(room.ID) {
		changed := c.merge(ctx, s, room)
		s.setMergeState(room.ID, mergeNotifying)
		if changed {
			s.notifyRooms()
		}
	}
}

// merge applies one room to the session list and reports whether the list
// changed.
func (c *Coordinator) merge(ctx context.Context, s *session, raw *protocol.Room) bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if s.client == nil || s.ctx.Err() != nil {
		return false
	}
	// Re-derive from the client's current state so a merge queued behind
	// a full sync does not apply an older snapshot.
	if latest, ok := s.client.Room(raw.ID); ok && latest != nil {
		raw = latest
	}

	rec, keep := c.evaluate(s, raw)

	s.mu.Lock()
	idx := -1
	for i, r := range s.rooms {
		if r.ID == raw.ID.String() {
			idx = i
			break
		}
	}
	switch {
	case keep && idx >= 0:
		if reflect.DeepEqual(s.rooms[idx], rec) {
			s.mu.Unlock()
			return false
		}
		s.rooms[idx] = rec
	case keep:
		s.rooms = append(s.rooms, rec)
	case idx >= 0:
		s.rooms = append(s.rooms[:idx], s.rooms[idx+1:]...)
	default:
		s.mu.Unlock()
		return false
	}
	if keep {
		s.rooms = dropPlaceholders(s.rooms)
	}
	s.rooms = organize.Dedup(s.rooms)
	Sort(s.rooms, s.sortOrder)
	rooms := make([]store.RoomRecord, len(s.rooms))
	copy(rooms, s.rooms)
	s.mu.Unlock()

	c.cache.Write(ctx, c.scope(s), rooms)
	return true
}

// evaluate runs the single-room form of the pipeline. A remediated anchor
// room skips the platform, relevance and leakage stages as it did in the
// full sync that admitted it.
func (c *Coordinator) evaluate(s *session, raw *protocol.Room) (store.RoomRecord, bool) {
	stages := []filter.Stage{filter.Membership, filter.Platform(s.platform), filter.Relevant, filter.Leakage(s.platform)}
	if s.isRemediated(raw.ID) {
		stages = stages[:1]
	}
	if !filter.All(raw, stages...) {
		return store.RoomRecord{}, false
	}
	rec, err := s.transformer.Transform(raw)
	if err != nil {
		s.logger.Warn("skipping room", zap.String("room_id", raw.ID.String()), zap.Error(err))
		return store.RoomRecord{}, false
	}
	return rec, true
}

func dropPlaceholders(recs []store.RoomRecord) []store.RoomRecord {
	out := recs[:0]
	for _, r := range recs {
		if !r.IsPlaceholder {
			out = append(out, r)
		}
	}
	return out
}

// presentable drops records that may never be shown, such as left rooms
// from an old cache entry.
func presentable(recs []store.RoomRecord) []store.RoomRecord {
	out := make([]store.RoomRecord, 0, len(recs))
	for _, r := range recs {
		if r.MembershipState.Presentable() {
			out = append(out, r)
		}
	}
	return out
}
