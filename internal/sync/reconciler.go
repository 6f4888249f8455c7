package sync

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// CheckpointStore persists sync checkpoints.
type CheckpointStore interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context, key string) (value string, ok bool, err error)
}

// Reconciler manages per-user sync checkpoints.
type Reconciler struct {
	db     CheckpointStore
	logger *zap.Logger
}

// NewReconciler creates a new reconciler. A nil db disables persistence.
func NewReconciler(db CheckpointStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

func lastSyncedKey(userID string) string {
	return "last_synced_at:" + userID
}

// RecordSynced stores the completion time of a full sync.
func (r *Reconciler) RecordSynced(ctx context.Context, userID string, at time.Time) {
	if r == nil || r.db == nil {
		return
	}
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := r.db.SetCheckpoint(ctx, lastSyncedKey(userID), value); err != nil {
		r.logger.Error("failed to store sync checkpoint", zap.String("user_id", userID), zap.Error(err))
	}
}

// LastSynced returns the stored completion time of the last full sync.
func (r *Reconciler) LastSynced(ctx context.Context, userID string) (time.Time, bool) {
	if r == nil || r.db == nil {
		return time.Time{}, false
	}
	value, ok, err := r.db.Checkpoint(ctx, lastSyncedKey(userID))
	if err != nil {
		r.logger.Error("failed to read sync checkpoint", zap.String("user_id", userID), zap.Error(err))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.logger.Warn("malformed sync checkpoint", zap.String("user_id", userID), zap.String("value", value))
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
