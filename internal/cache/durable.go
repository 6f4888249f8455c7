package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/matheus3301/roomsync/internal/store"
)

// Durable backends selectable from configuration.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// SQLiteTier keeps entries in the room_cache table, keyed by user id. An
// entry written under another platform scope reads as a miss.
type SQLiteTier struct {
	db *store.DB
}

// NewSQLiteTier wraps an open, migrated store.
func NewSQLiteTier(db *store.DB) *SQLiteTier {
	return &SQLiteTier{db: db}
}

func (t *SQLiteTier) Name() string { return BackendSQLite }

func (t *SQLiteTier) Get(ctx context.Context, scope Scope) (store.CacheEntry, error) {
	entry, err := t.db.GetRoomCache(ctx, scope.UserID)
	if err != nil {
		return store.CacheEntry{}, err
	}
	if entry == nil || entry.Platform != scope.Platform {
		return store.CacheEntry{}, ErrMiss
	}
	return *entry, nil
}

func (t *SQLiteTier) Put(ctx context.Context, scope Scope, entry store.CacheEntry) error {
	entry.Platform = scope.Platform
	if err := t.db.UpsertRoomCache(ctx, entry); err != nil {
		return fmt.Errorf("upsert room cache: %w", err)
	}
	return nil
}

// BadgerTier keeps entries in a badger key-value store under
// "room_cache/<userId>".
type BadgerTier struct {
	db *badger.DB
}

// OpenBadgerTier opens a badger tier in dir. An empty dir opens an
// in-memory store.
func OpenBadgerTier(dir string) (*BadgerTier, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerTier{db: db}, nil
}

func badgerKey(userID string) []byte {
	return []byte("room_cache/" + userID)
}

func (t *BadgerTier) Name() string { return BackendBadger }

func (t *BadgerTier) Get(_ context.Context, scope Scope) (store.CacheEntry, error) {
	var entry store.CacheEntry
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(scope.UserID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.CacheEntry{}, ErrMiss
	}
	if err != nil {
		return store.CacheEntry{}, fmt.Errorf("read badger entry: %w", err)
	}
	if entry.Platform != scope.Platform {
		return store.CacheEntry{}, ErrMiss
	}
	return entry, nil
}

func (t *BadgerTier) Put(_ context.Context, scope Scope, entry store.CacheEntry) error {
	entry.Platform = scope.Platform
	if entry.Rooms == nil {
		entry.Rooms = []store.RoomRecord{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode badger entry: %w", err)
	}
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(entry.UserID), data)
	})
}

func (t *BadgerTier) Close() error {
	return t.db.Close()
}
