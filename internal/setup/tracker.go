// Package setup reports the sync progress of freshly connected accounts to
// connection-setup flows, which poll it by request id.
package setup

import (
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/status"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"go.uber.org/zap"
)

// ErrUnknownRequest is returned for request ids the tracker never issued.
var ErrUnknownRequest = errors.New("unknown setup request")

// Progress values reported while a setup request is running.
const (
	ProgressWaiting   = 10
	ProgressPreparing = 25
	ProgressSyncing   = 50
	ProgressDone      = 100
)

// Config bounds how long a request is tracked.
type Config struct {
	PollInterval time.Duration
	MaxPolls     int
	// SafetyTimeout forces a request terminal regardless of poll outcome.
	SafetyTimeout time.Duration
}

// DefaultConfig returns one poll a second for up to a minute, with a two
// minute safety timer.
func DefaultConfig() Config {
	return Config{
		PollInterval:  time.Second,
		MaxPolls:      60,
		SafetyTimeout: 2 * time.Minute,
	}
}

// SessionSource exposes the sync sessions being watched.
type SessionSource interface {
	Session(userID string) (intsync.SessionInfo, error)
}

// Status is the state of one setup request.
type Status struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	IsSyncing bool   `json:"is_syncing"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	// Done is set once the request reached a terminal state.
	Done bool `json:"done"`
}

type request struct {
	status Status
	polls  int
	poll   clock.Timer
	safety clock.Timer
}

// Tracker polls sync sessions on behalf of setup flows.
type Tracker struct {
	cfg    Config
	src    SessionSource
	bus    *bus.Bus
	clk    clock.Clock
	logger *zap.Logger

	mu       stdsync.Mutex
	requests map[string]*request
	closed   bool
}

// NewTracker creates a tracker. The bus may be nil.
func NewTracker(cfg Config, src SessionSource, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.SafetyTimeout <= 0 {
		cfg.SafetyTimeout = def.SafetyTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		src:      src,
		bus:      b,
		clk:      clk,
		logger:   logger,
		requests: make(map[string]*request),
	}
}

// Start begins tracking userID and returns the request id to poll. The
// first poll happens immediately.
func (t *Tracker) Start(userID string) string {
	reqID := uuid.NewString()
	req := &request{status: Status{
		RequestID: reqID,
		UserID:    userID,
		IsSyncing: true,
		Progress:  ProgressWaiting,
		Message:   "waiting for session",
	}}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		req.status.IsSyncing = false
		req.status.Done = true
		req.status.Message = "tracker closed"
		return reqID
	}
	t.requests[reqID] = req
	req.safety = t.clk.AfterFunc(t.cfg.SafetyTimeout, func() { t.expire(reqID) })
	t.mu.Unlock()

	t.logger.Info("setup started", zap.String("request_id", reqID), zap.String("user_id", userID))
	t.poll(reqID)
	return reqID
}

// Status returns the latest state of a request.
func (t *Tracker) Status(requestID string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.requests[requestID]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return req.status, nil
}

// Close stops every pending timer and forgets all requests.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, req := range t.requests {
		req.stopTimers()
	}
	t.requests = make(map[string]*request)
}

func (r *request) stopTimers() {
	if r.poll != nil {
		r.poll.Stop()
	}
	if r.safety != nil {
		r.safety.Stop()
	}
}

func (t *Tracker) poll(reqID string) {
	t.mu.Lock()
	req, ok := t.requests[reqID]
	if !ok || req.status.Done {
		t.mu.Unlock()
		return
	}
	userID := req.status.UserID
	t.mu.Unlock()

	info, err := t.src.Session(userID)

	t.mu.Lock()
	req, ok = t.requests[reqID]
	if !ok || req.status.Done {
		t.mu.Unlock()
		return
	}
	req.polls++
	next := progress(info, err)
	next.RequestID = reqID
	next.UserID = userID
	switch {
	case next.Done:
	case req.polls >= t.cfg.MaxPolls:
		next.IsSyncing = false
		next.Done = true
		next.Message = fmt.Sprintf("gave up after %d polls", req.polls)
	default:
		req.poll = t.clk.AfterFunc(t.cfg.PollInterval, func() { t.poll(reqID) })
	}
	changed := next != req.status
	req.status = next
	if next.Done {
		req.stopTimers()
	}
	t.mu.Unlock()

	if changed {
		t.publish(next)
	}
}

// expire is the safety timer: the request becomes terminal no matter what
// the polls reported.
func (t *Tracker) expire(reqID string) {
	t.mu.Lock()
	req, ok := t.requests[reqID]
	if !ok || req.status.Done {
		t.mu.Unlock()
		return
	}
	req.stopTimers()
	req.status.IsSyncing = false
	req.status.Done = true
	req.status.Message = "timed out"
	st := req.status
	t.mu.Unlock()

	t.logger.Warn("setup timed out", zap.String("request_id", reqID), zap.String("user_id", st.UserID))
	t.publish(st)
}

func (t *Tracker) publish(st Status) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      bus.KindSetupUpdated,
		UserID:    st.UserID,
		Timestamp: t.clk.Now(),
		Payload:   st,
	})
}

// progress maps a session view to a setup status.
func progress(info intsync.SessionInfo, err error) Status {
	switch {
	case err != nil:
		return Status{IsSyncing: true, Progress: ProgressWaiting, Message: "waiting for session"}
	case info.Synced:
		return Status{
			Progress: ProgressDone,
			Message:  fmt.Sprintf("synced %d rooms", info.RoomCount),
			Done:     true,
		}
	case info.State == status.Preparing:
		return Status{IsSyncing: true, Progress: ProgressPreparing, Message: "preparing connection"}
	case info.State.Healthy():
		return Status{IsSyncing: true, Progress: ProgressSyncing, Message: "syncing rooms"}
	case info.State == status.Error:
		return Status{IsSyncing: true, Progress: ProgressWaiting, Message: "connection error, retrying"}
	}
	return Status{IsSyncing: true, Progress: ProgressWaiting, Message: "waiting for connection"}
}
