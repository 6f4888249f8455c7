package setup

import (
	"encoding/json"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/status"
	intsync "github.com/matheus3301/roomsync/internal/sync"
)

// fakeSessions serves a scripted session view.
type fakeSessions struct {
	mu    stdsync.Mutex
	info  intsync.SessionInfo
	found bool
	calls int
}

func (f *fakeSessions) Session(userID string) (intsync.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.found {
		return intsync.SessionInfo{}, intsync.ErrNoSession
	}
	return f.info, nil
}

func (f *fakeSessions) set(info intsync.SessionInfo) {
	f.mu.Lock()
	f.info = info
	f.found = true
	f.mu.Unlock()
}

func testConfig() Config {
	return Config{PollInterval: time.Second, MaxPolls: 5, SafetyTimeout: time.Minute}
}

func mustStatus(t *testing.T, tr *Tracker, reqID string) Status {
	t.Helper()
	st, err := tr.Status(reqID)
	if err != nil {
		t.Fatalf("Status(%s): %v", reqID, err)
	}
	return st
}

func TestTrackerProgress(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	src := &fakeSessions{}
	tr := NewTracker(testConfig(), src, nil, clk, nil)
	defer tr.Close()

	reqID := tr.Start("@alice:example.org")
	if st := mustStatus(t, tr, reqID); st.Progress != ProgressWaiting || !st.IsSyncing {
		t.Fatalf("initial status = %+v", st)
	}

	steps := []struct {
		info intsync.SessionInfo
		want int
	}{
		{intsync.SessionInfo{State: status.Preparing}, ProgressPreparing},
		{intsync.SessionInfo{State: status.Syncing}, ProgressSyncing},
		{intsync.SessionInfo{State: status.Syncing, Synced: true, RoomCount: 3}, ProgressDone},
	}
	for _, step := range steps {
		src.set(step.info)
		clk.Advance(time.Second)
		if st := mustStatus(t, tr, reqID); st.Progress != step.want {
			t.Fatalf("after %+v progress = %d, want %d", step.info, st.Progress, step.want)
		}
	}

	st := mustStatus(t, tr, reqID)
	if st.IsSyncing || !st.Done || st.Message != "synced 3 rooms" {
		t.Errorf("final status = %+v", st)
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d after completion, want 0", clk.Pending())
	}
}

func TestTrackerMaxPolls(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	src := &fakeSessions{}
	tr := NewTracker(testConfig(), src, nil, clk, nil)
	defer tr.Close()

	reqID := tr.Start("@alice:example.org")
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
	}
	st := mustStatus(t, tr, reqID)
	if !st.Done || st.IsSyncing {
		t.Fatalf("status = %+v, want terminal", st)
	}
	if src.calls != 5 {
		t.Errorf("polls = %d, want 5", src.calls)
	}
}

func TestTrackerSafetyTimeout(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	src := &fakeSessions{}
	cfg := testConfig()
	cfg.MaxPolls = 1000
	b := bus.New()
	events, unsub := b.Subscribe("setup.", 128)
	defer unsub()

	tr := NewTracker(cfg, src, b, clk, nil)
	defer tr.Close()
	reqID := tr.Start("@alice:example.org")

	src.set(intsync.SessionInfo{State: status.Syncing})
	clk.Advance(time.Minute)

	st := mustStatus(t, tr, reqID)
	if !st.Done || st.IsSyncing || st.Message != "timed out" {
		t.Fatalf("status = %+v, want timed out", st)
	}

	var last Status
	for len(events) > 0 {
		last = (<-events).Payload.(Status)
	}
	if last.Message != "timed out" {
		t.Errorf("last published status = %+v", last)
	}
}

func TestTrackerUnknownRequest(t *testing.T) {
	tr := NewTracker(testConfig(), &fakeSessions{}, nil, clock.NewFake(time.Unix(0, 0)), nil)
	defer tr.Close()
	if _, err := tr.Status("nope"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("err = %v, want ErrUnknownRequest", err)
	}
}

func TestTrackerClose(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(testConfig(), &fakeSessions{}, nil, clk, nil)
	reqID := tr.Start("@alice:example.org")
	tr.Close()

	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d after close", clk.Pending())
	}
	if _, err := tr.Status(reqID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("err = %v, want ErrUnknownRequest after close", err)
	}
}

func TestStatusJSONKeys(t *testing.T) {
	raw, err := json.Marshal(Status{RequestID: "r1", IsSyncing: true, Progress: ProgressSyncing, Message: "syncing rooms"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"is_syncing", "progress", "message"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing key %q in %s", key, raw)
		}
	}
	if got["is_syncing"] != true {
		t.Errorf("is_syncing = %v, want true", got["is_syncing"])
	}
}
