// Package matrix is the protocol client over a Matrix homeserver. It runs
// its own /sync long-poll loop, keeps a room table and reports connection
// state through a validated state machine.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	stdsync "sync"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// DefaultStart is used for the first start of a client.
var DefaultStart = protocol.StartOptions{
	InitialSyncLimit: 20,
	LazyLoadMembers:  true,
	PollTimeout:      30 * time.Second,
}

// api is the subset of *mautrix.Client the adapter calls.
type api interface {
	SyncRequest(ctx context.Context, timeout int, since, filterID string, fullState bool, setPresence event.Presence) (*mautrix.RespSync, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
	State(ctx context.Context, roomID id.RoomID) (mautrix.RoomStateMap, error)
}

// Options configure a Client.
type Options struct {
	Homeserver  string
	UserID      id.UserID
	AccessToken string
	// Bus receives connection state changes. May be nil.
	Bus    *bus.Bus
	Clock  clock.Clock
	Logger *zap.Logger
	// LogWriter receives the mautrix library's own logs. Defaults to stderr.
	LogWriter io.Writer
}

// Client implements protocol.Client.
type Client struct {
	api     api
	userID  id.UserID
	machine *status.Machine
	clk     clock.Clock
	logger  *zap.Logger

	mu       stdsync.Mutex
	rooms    *table
	cancel   context.CancelFunc
	done     chan struct{}
	retry    chan struct{}
	handlers map[int]func(protocol.Event)
	nextID   int

	queueMu stdsync.Mutex
	queue   []protocol.Event
	wake    chan struct{}
	closed  chan struct{}
	once    stdsync.Once
}

var _ protocol.Client = (*Client)(nil)

// New creates a client for an already logged-in account.
func New(opts Options) (*Client, error) {
	cli, err := mautrix.NewClient(opts.Homeserver, opts.UserID, opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stderr
	}
	cli.Log = zerolog.New(w).Level(zerolog.WarnLevel).With().
		Timestamp().
		Str("component", "mautrix").
		Str("user_id", opts.UserID.String()).
		Logger()
	return newClient(cli, opts.UserID, opts.Bus, opts.Clock, opts.Logger), nil
}

func newClient(a api, userID id.UserID, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Client {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		api:      a,
		userID:   userID,
		machine:  status.NewMachine(b, userID.String()),
		clk:      clk,
		logger:   logger.With(zap.String("user_id", userID.String())),
		rooms:    newTable(userID),
		retry:    make(chan struct{}, 1),
		handlers: make(map[int]func(protocol.Event)),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go c.deliver()
	return c
}

// UserID returns the account's user id.
func (c *Client) UserID() id.UserID { return c.userID }

// State returns the connection state.
func (c *Client) State() status.State { return c.machine.Current() }

// Rooms returns a snapshot of every known room.
func (c *Client) Rooms() []*protocol.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms.snapshots()
}

// Room returns the snapshot of one known room.
func (c *Client) Room(roomID id.RoomID) (*protocol.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms.rooms[roomID]
	if !ok {
		return nil, false
	}
	return r.snapshot(), true
}

// Start launches the sync loop. Starting a running client is a no-op.
func (c *Client) Start(ctx context.Context, opts protocol.StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	select {
	case <-c.closed:
		return errors.New("client closed")
	default:
	}
	if err := c.transition(status.Preparing); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx, opts, c.done)
	c.logger.Info("sync loop started", zap.Int("initial_sync_limit", opts.InitialSyncLimit))
	return nil
}

// Stop ends the sync loop and waits for it to exit. Pending event
// deliveries are not waited for.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.machine.Force(status.Stopped)
	c.emit(protocol.Event{Kind: protocol.ConnectionStateKind, State: status.Stopped})
	c.logger.Info("sync loop stopped")
}

// Close stops the client and its delivery goroutine.
func (c *Client) Close() {
	c.Stop()
	c.once.Do(func() { close(c.closed) })
}

// RetryImmediately cuts the backoff of an errored sync loop short.
func (c *Client) RetryImmediately() bool {
	if c.machine.Current() != status.Error {
		return false
	}
	select {
	case c.retry <- struct{}{}:
	default:
	}
	return true
}

// JoinRoom joins roomID by id.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.api.JoinRoomByID(ctx, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	c.logger.Info("joined room", zap.String("room_id", roomID.String()))
	return nil
}

// FetchRoom loads the full current state of roomID from the server.
func (c *Client) FetchRoom(ctx context.Context, roomID id.RoomID) (*protocol.Room, error) {
	state, err := c.api.State(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) || errors.Is(err, mautrix.MForbidden) {
			return nil, fmt.Errorf("fetch room %s: %w", roomID, protocol.ErrRoomNotFound)
		}
		return nil, fmt.Errorf("fetch room %s: %w", roomID, err)
	}
	return roomFromState(c.userID, roomID, state), nil
}

// Subscribe registers handler for live events.
func (c *Client) Subscribe(handler func(protocol.Event)) func() {
	c.mu.Lock()
	n := c.nextID
	c.nextID++
	c.handlers[n] = handler
	c.mu.Unlock()

	var once stdsync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, n)
			c.mu.Unlock()
		})
	}
}

func (c *Client) run(ctx context.Context, opts protocol.StartOptions, done chan struct{}) {
	defer close(done)

	filter := syncFilter(opts)
	since := ""
	backoff := minBackoff
	prepared := false
	for {
		timeout := 0
		if since != "" {
			timeout = int(opts.PollTimeout.Milliseconds())
		}
		resp, err := c.api.SyncRequest(ctx, timeout, since, filter, false, "")
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("sync failed", zap.Error(err), zap.Duration("backoff", backoff))
			c.setState(status.Error)
			select {
			case <-ctx.Done():
				return
			case <-c.retry:
			case <-c.clk.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		c.mu.Lock()
		changes := c.rooms.apply(resp)
		c.mu.Unlock()

		// The first response is the initial snapshot; consumers read it
		// through Rooms once the client turns healthy.
		if since != "" {
			for _, ch := range changes {
				kind := protocol.RoomStateEventKind
				if ch.messages {
					kind = protocol.TimelineEventKind
				}
				c.emit(protocol.Event{Kind: kind, RoomID: ch.room.ID, Room: ch.room})
			}
		}
		since = resp.NextBatch

		if !prepared {
			prepared = true
			c.setState(status.Prepared)
			c.logger.Info("initial sync complete", zap.Int("rooms", len(c.Rooms())))
			continue
		}
		c.setState(status.Syncing)
	}
}

// setState moves the machine and reports a changed state to subscribers.
func (c *Client) setState(to status.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(to); err != nil {
		c.logger.Debug("ignoring state transition", zap.Error(err))
	}
}

// transition must be called with c.mu held.
func (c *Client) transition(to status.State) error {
	from := c.machine.Current()
	if err := c.machine.Transition(to); err != nil {
		return err
	}
	if from != to {
		c.emit(protocol.Event{Kind: protocol.ConnectionStateKind, State: to})
	}
	return nil
}

// emit queues evt for in-order delivery. It never blocks.
func (c *Client) emit(evt protocol.Event) {
	c.queueMu.Lock()
	c.queue = append(c.queue, evt)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) deliver() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			evt := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			c.mu.Lock()
			handlers := make([]func(protocol.Event), 0, len(c.handlers))
			for _, h := range c.handlers {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h(evt)
			}
		}
	}
}
