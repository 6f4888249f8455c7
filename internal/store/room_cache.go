package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertRoomCache replaces the cached room list for entry.UserID.
func (db *DB) UpsertRoomCache(ctx context.Context, entry CacheEntry) error {
	rooms := entry.Rooms
	if rooms == nil {
		rooms = []RoomRecord{}
	}
	data, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("encode rooms: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO room_cache (user_id, platform, rooms, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			platform = excluded.platform,
			rooms = excluded.rooms,
			last_updated = excluded.last_updated`,
		entry.UserID, entry.Platform, string(data), entry.LastUpdated)
	return err
}

// GetRoomCache returns the cached room list for userID, or nil when none
// has been written.
func (db *DB) GetRoomCache(ctx context.Context, userID string) (*CacheEntry, error) {
	var (
		platform    string
		data        string
		lastUpdated int64
	)
	err := db.QueryRowContext(ctx, `SELECT platform, rooms, last_updated FROM room_cache WHERE user_id = ?`, userID).
		Scan(&platform, &data, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := &CacheEntry{UserID: userID, Platform: platform, LastUpdated: lastUpdated}
	if err := json.Unmarshal([]byte(data), &entry.Rooms); err != nil {
		return nil, fmt.Errorf("decode rooms for %q: %w", userID, err)
	}
	return entry, nil
}

// RoomCacheCount returns the number of users with a cached room list.
func (db *DB) RoomCacheCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_cache`).Scan(&count)
	return count, err
}
