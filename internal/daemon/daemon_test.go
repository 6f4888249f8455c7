package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/roomsync/internal/api"
	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/cache"
	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/config"
	"github.com/matheus3301/roomsync/internal/lock"
	"github.com/matheus3301/roomsync/internal/setup"
	"github.com/matheus3301/roomsync/internal/status"
	"github.com/matheus3301/roomsync/internal/store"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const alice = "@alice:example.org"

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "roomsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	profileDir := filepath.Join(tmpDir, "test")
	socketPath := filepath.Join(profileDir, "d.sock")
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		t.Fatal(err)
	}

	lk, err := lock.Acquire(profileDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(profileDir, "roomsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	clk := clock.Real()
	rooms := cache.New(nil, cache.NewSQLiteTier(db), logger, clk)

	// A previous run left a cached list behind.
	rooms.Write(context.Background(), cache.Scope{UserID: alice}, []store.RoomRecord{
		{ID: "!dm:example.org", DisplayName: "Bob", EntityKind: store.KindDirectMessage, MembershipState: store.MembershipJoin},
	})

	coord := intsync.New(intsync.DefaultConfig(), intsync.Deps{
		Cache:      rooms,
		Anchors:    db,
		Reconciler: intsync.NewReconciler(db, logger),
		Bus:        b,
		Clock:      clk,
		Logger:     logger,
	})
	defer coord.CleanupAll()
	coord.InitRoomList(context.Background(), alice, nil, intsync.SessionOptions{}, nil)

	tracker := setup.NewTracker(setup.DefaultConfig(), coord, b, clk, logger)
	defer tracker.Close()

	svc := api.NewRoomsService(api.ServiceOptions{
		Coordinator: coord,
		Setup:       tracker,
		Bus:         b,
		DefaultUser: alice,
		Logger:      logger,
	})
	srv, err := NewServer(Params{ProfileName: "test", SocketPath: socketPath}, logger, svc)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	client, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	resp, err := client.ListRooms(ctx, &api.ListRoomsRequest{})
	if err != nil {
		t.Fatalf("ListRooms error = %v", err)
	}
	if len(resp.Rooms) != 1 || resp.Rooms[0].DisplayName != "Bob" {
		t.Errorf("rooms = %+v, want the cached list", resp.Rooms)
	}

	sessions, err := client.ListSessions(ctx, &api.ListSessionsRequest{})
	if err != nil {
		t.Fatalf("ListSessions error = %v", err)
	}
	if len(sessions.Sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions.Sessions)
	}
	if got := sessions.Sessions[0]; got.UserID != alice || got.State != string(status.Stopped) {
		t.Errorf("session = %+v, want %s STOPPED", got, alice)
	}

	start, err := client.StartSetup(ctx, &api.StartSetupRequest{})
	if err != nil {
		t.Fatalf("StartSetup error = %v", err)
	}
	st, err := client.GetSetupStatus(ctx, &api.GetSetupStatusRequest{RequestID: start.RequestID})
	if err != nil {
		t.Fatalf("GetSetupStatus error = %v", err)
	}
	if st.Status.UserID != alice || st.Status.Done {
		t.Errorf("setup status = %+v, want an unfinished request for %s", st.Status, alice)
	}
}

// TestNewServerUsesParams verifies the server listens on the socket path
// from Params.
// Regression test: NewServer previously took a bare `string` param which fx
// cannot resolve, causing a silent startup crash ("missing type: string").
func TestNewServerUsesParams(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "roomsync-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	socketPath := filepath.Join(tmpDir, "d.sock")
	p := Params{ProfileName: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, zap.NewNop(), api.NewRoomsService(api.ServiceOptions{}))
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	// The socket must be created where Params says, not under ~/.roomsync.
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	if srv.SocketPath() != socketPath {
		t.Errorf("SocketPath() = %q, want %q", srv.SocketPath(), socketPath)
	}

	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket left behind after Stop: %v", statErr)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without
// running any constructor.
func TestFxModuleWiring(t *testing.T) {
	cfg := config.Default()
	cfg.Accounts = []config.Account{{UserID: alice, Homeserver: "https://example.org"}}
	if err := fx.ValidateApp(Module(Params{ProfileName: "fxtest", Config: cfg}), fx.NopLogger); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestAccountsWithoutAccounts(t *testing.T) {
	coord := intsync.New(intsync.DefaultConfig(), intsync.Deps{})
	a := NewAccounts(nil, coord, nil, bus.New(), clock.Real(), &bytes.Buffer{}, zap.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d, want 0", a.Len())
	}
	a.Stop()
}

func TestAccountsStartAfterStopIsNoop(t *testing.T) {
	coord := intsync.New(intsync.DefaultConfig(), intsync.Deps{})
	accts := []config.Account{{UserID: alice, Homeserver: "https://matrix.invalid"}}
	a := NewAccounts(accts, coord, nil, bus.New(), clock.Real(), &bytes.Buffer{}, zap.NewNop())
	a.Stop()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d after Stop, want 0", a.Len())
	}
	if _, err := coord.Session(alice); err == nil {
		t.Error("session created after Stop")
	}
}
