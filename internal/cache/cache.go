// Package cache is the two-tier room list cache: a bounded in-process
// fast tier in front of an unbounded durable tier.
package cache

import (
	"context"
	"errors"

	"github.com/matheus3301/roomsync/internal/clock"
	"github.com/matheus3301/roomsync/internal/filter"
	"github.com/matheus3301/roomsync/internal/store"
	"go.uber.org/zap"
)

// ErrMiss is returned by a Tier that holds nothing for a scope.
var ErrMiss = errors.New("cache miss")

// Scope addresses one cached room list.
type Scope struct {
	UserID string
	// Platform is the platform constraint of the list, empty for none.
	Platform string
}

// Tier is one cache backend.
type Tier interface {
	// Name identifies the tier in logs.
	Name() string
	Get(ctx context.Context, scope Scope) (store.CacheEntry, error)
	Put(ctx context.Context, scope Scope, entry store.CacheEntry) error
}

// Store reads through the fast tier and writes through both tiers. The two
// tiers may disagree; reads tolerate that.
type Store struct {
	fast    Tier
	durable Tier
	logger  *zap.Logger
	clk     clock.Clock
}

// New creates a cache store. Either tier may be nil.
func New(fast, durable Tier, logger *zap.Logger, clk clock.Clock) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{fast: fast, durable: durable, logger: logger, clk: clk}
}

// Write persists rooms for scope, minus irrelevant records. A failure in
// one tier never prevents the write to the other.
func (s *Store) Write(ctx context.Context, scope Scope, rooms []store.RoomRecord) {
	kept := make([]store.RoomRecord, 0, len(rooms))
	for _, r := range rooms {
		if filter.IrrelevantRecord(r) {
			continue
		}
		kept = append(kept, r)
	}
	entry := store.CacheEntry{
		UserID:      scope.UserID,
		Platform:    scope.Platform,
		Rooms:       kept,
		LastUpdated: s.clk.Now().UnixMilli(),
	}

	if s.fast != nil {
		if err := s.fast.Put(ctx, scope, entry); err != nil {
			s.logger.Debug("fast tier write failed",
				zap.String("tier", s.fast.Name()),
				zap.String("user_id", scope.UserID),
				zap.Error(err),
			)
		}
	}
	if s.durable != nil {
		if err := s.durable.Put(ctx, scope, entry); err != nil {
			s.logger.Error("durable tier write failed",
				zap.String("tier", s.durable.Name()),
				zap.String("user_id", scope.UserID),
				zap.Error(err),
			)
		}
	}
}

// Read returns the cached rooms for scope, preferring the fast tier. A
// durable hit repopulates the fast tier. Absence yields an empty slice.
func (s *Store) Read(ctx context.Context, scope Scope) []store.RoomRecord {
	entry, ok := s.Entry(ctx, scope)
	if !ok {
		return []store.RoomRecord{}
	}
	return entry.Rooms
}

// Entry is Read with the entry metadata. ok is false when neither tier
// has a non-empty list.
func (s *Store) Entry(ctx context.Context, scope Scope) (store.CacheEntry, bool) {
	if s.fast != nil {
		entry, err := s.fast.Get(ctx, scope)
		if err == nil && len(entry.Rooms) > 0 {
			return entry, true
		}
		if err != nil && !errors.Is(err, ErrMiss) {
			s.logger.Debug("fast tier read failed", zap.String("tier", s.fast.Name()), zap.Error(err))
		}
	}
	if s.durable == nil {
		return store.CacheEntry{}, false
	}

	entry, err := s.durable.Get(ctx, scope)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.logger.Error("durable tier read failed",
				zap.String("tier", s.durable.Name()),
				zap.String("user_id", scope.UserID),
				zap.Error(err),
			)
		}
		return store.CacheEntry{}, false
	}
	if len(entry.Rooms) == 0 {
		return store.CacheEntry{}, false
	}
	if s.fast != nil {
		if err := s.fast.Put(ctx, scope, entry); err != nil {
			s.logger.Debug("fast tier repopulate failed", zap.String("tier", s.fast.Name()), zap.Error(err))
		}
	}
	return entry, true
}

// Close closes the tiers that hold resources of their own.
func (s *Store) Close() error {
	var errs []error
	for _, t := range []Tier{s.fast, s.durable} {
		if c, ok := t.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
