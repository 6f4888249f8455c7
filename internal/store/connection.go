package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertConnectionStatus records the per-platform connection info of a user.
// An empty AnchorRoomID never overwrites a known one.
func (db *DB) UpsertConnectionStatus(ctx context.Context, cs ConnectionStatus) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO connection_status (user_id, platform, anchor_room_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, platform) DO UPDATE SET
			anchor_room_id = CASE WHEN excluded.anchor_room_id != '' THEN excluded.anchor_room_id ELSE connection_status.anchor_room_id END,
			updated_at = excluded.updated_at`,
		cs.UserID, cs.Platform, cs.AnchorRoomID, now)
	return err
}

// GetConnectionStatus returns the stored status, or nil when unknown.
func (db *DB) GetConnectionStatus(ctx context.Context, userID, platform string) (*ConnectionStatus, error) {
	cs := ConnectionStatus{UserID: userID, Platform: platform}
	err := db.QueryRowContext(ctx, `
		SELECT anchor_room_id, updated_at FROM connection_status
		WHERE user_id = ? AND platform = ?`, userID, platform).
		Scan(&cs.AnchorRoomID, &cs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// AnchorRoom returns the persisted anchor room id for a user's platform.
func (db *DB) AnchorRoom(ctx context.Context, userID, platform string) (string, bool) {
	cs, err := db.GetConnectionStatus(ctx, userID, platform)
	if err != nil || cs == nil || cs.AnchorRoomID == "" {
		return "", false
	}
	return cs.AnchorRoomID, true
}
