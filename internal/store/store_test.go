package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 3 {
		t.Errorf("version = %d, want 3 (init + connection_status + room_cache platform)", result.Version)
	}
}

func TestMigrateFreshFile(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "profile", "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 3 || !result.Changed {
		t.Errorf("result = %+v, want 0 -> 3 changed", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirty) {
		t.Errorf("err = %v, want ErrDirty", err)
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	db := testDB(t)

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var timeout, fk int
	if err := db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != BusyTimeoutMs {
		t.Errorf("busy_timeout = %d, want %d", timeout, BusyTimeoutMs)
	}
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestCloseCheckpointsWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoomCache(context.Background(), CacheEntry{UserID: "@a:s", Rooms: []RoomRecord{{ID: "!1:s"}}}); err != nil {
		t.Fatal(err)
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if info, err := os.Stat(path + "-wal"); err == nil && info.Size() != 0 {
		t.Errorf("wal file holds %d bytes after close", info.Size())
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.GetRoomCache(context.Background(), "@a:s")
	if err != nil || got == nil || len(got.Rooms) != 1 {
		t.Errorf("GetRoomCache after reopen = %+v, %v", got, err)
	}
}

func TestRoomCacheUpsertReplacesWholesale(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := CacheEntry{UserID: "@a:s", LastUpdated: 1000, Rooms: []RoomRecord{
		{ID: "!1:s", DisplayName: "One"},
		{ID: "!2:s", DisplayName: "Two"},
	}}
	if err := db.UpsertRoomCache(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := CacheEntry{UserID: "@a:s", LastUpdated: 2000, Rooms: []RoomRecord{
		{ID: "!3:s", DisplayName: "Three", UnreadCount: 4, PlatformContact: &PlatformContact{ID: "42", FirstName: "Ann"}},
	}}
	if err := db.UpsertRoomCache(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetRoomCache(ctx, "@a:s")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("GetRoomCache returned nil")
	}
	if got.LastUpdated != 2000 {
		t.Errorf("LastUpdated = %d, want 2000", got.LastUpdated)
	}
	if len(got.Rooms) != 1 || got.Rooms[0].ID != "!3:s" {
		t.Fatalf("rooms = %+v, want only !3:s", got.Rooms)
	}
	if got.Rooms[0].PlatformContact == nil || got.Rooms[0].PlatformContact.FirstName != "Ann" {
		t.Errorf("platform contact = %+v, want FirstName=Ann", got.Rooms[0].PlatformContact)
	}

	count, err := db.RoomCacheCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("RoomCacheCount = %d, want 1", count)
	}
}

func TestRoomCacheKeepsPlatform(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	entry := CacheEntry{UserID: "@a:s", Platform: "telegram", LastUpdated: 5, Rooms: []RoomRecord{{ID: "!1:s"}}}
	if err := db.UpsertRoomCache(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetRoomCache(ctx, "@a:s")
	if err != nil {
		t.Fatal(err)
	}
	if got.Platform != "telegram" {
		t.Errorf("platform = %q, want telegram", got.Platform)
	}

	entry.Platform = ""
	if err := db.UpsertRoomCache(ctx, entry); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetRoomCache(ctx, "@a:s")
	if err != nil {
		t.Fatal(err)
	}
	if got.Platform != "" {
		t.Errorf("platform = %q after unscoped upsert, want empty", got.Platform)
	}
}

func TestGetRoomCacheMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.GetRoomCache(context.Background(), "@nobody:s")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestRoomCacheNilRoomsStoredAsEmpty(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertRoomCache(ctx, CacheEntry{UserID: "@a:s"}); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetRoomCache(ctx, "@a:s")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Rooms == nil || len(got.Rooms) != 0 {
		t.Errorf("got %+v, want empty non-nil rooms", got)
	}
}

func TestConnectionStatusKeepsKnownAnchor(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok := db.AnchorRoom(ctx, "@a:s", "telegram"); ok {
		t.Fatal("AnchorRoom reported a value before any write")
	}
	if err := db.UpsertConnectionStatus(ctx, ConnectionStatus{UserID: "@a:s", Platform: "telegram", AnchorRoomID: "!bot:s"}); err != nil {
		t.Fatal(err)
	}
	// An empty anchor must not erase the known one.
	if err := db.UpsertConnectionStatus(ctx, ConnectionStatus{UserID: "@a:s", Platform: "telegram"}); err != nil {
		t.Fatal(err)
	}

	anchor, ok := db.AnchorRoom(ctx, "@a:s", "telegram")
	if !ok || anchor != "!bot:s" {
		t.Errorf("AnchorRoom = %q, %v; want !bot:s, true", anchor, ok)
	}
	if _, ok := db.AnchorRoom(ctx, "@a:s", "whatsapp"); ok {
		t.Error("AnchorRoom leaked across platforms")
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok, err := db.Checkpoint(ctx, "k"); err != nil || ok {
		t.Fatalf("Checkpoint(k) = ok=%v err=%v, want missing", ok, err)
	}
	if err := db.SetCheckpoint(ctx, "k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, "k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Errorf("Checkpoint(k) = %q, %v, %v; want v2, true, nil", v, ok, err)
	}
}
