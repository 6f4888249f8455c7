package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/matheus3301/roomsync/internal/store"
)

// ErrRejected is returned when the fast tier declines to admit an entry,
// either for capacity or by its admission policy.
var ErrRejected = errors.New("fast tier rejected entry")

// FastKey is the fast-tier key of scope.
func FastKey(scope Scope) string {
	p := scope.Platform
	if p == "" {
		p = "all"
	}
	return "rooms_" + p + "_" + scope.UserID
}

// FastTier is a bounded in-process tier. Entries are kept JSON-encoded and
// cost their encoded size.
type FastTier struct {
	cache *ristretto.Cache
}

// NewFastTier creates a fast tier holding at most maxBytes of entries,
// sized for about maxEntries keys.
func NewFastTier(maxBytes int64, maxEntries int) (*FastTier, error) {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create fast tier: %w", err)
	}
	return &FastTier{cache: c}, nil
}

func (t *FastTier) Name() string { return "ristretto" }

func (t *FastTier) Get(_ context.Context, scope Scope) (store.CacheEntry, error) {
	v, ok := t.cache.Get(FastKey(scope))
	if !ok {
		return store.CacheEntry{}, ErrMiss
	}
	data, ok := v.([]byte)
	if !ok {
		return store.CacheEntry{}, ErrMiss
	}
	var entry store.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return store.CacheEntry{}, fmt.Errorf("decode fast entry: %w", err)
	}
	return entry, nil
}

func (t *FastTier) Put(_ context.Context, scope Scope, entry store.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode fast entry: %w", err)
	}
	if !t.cache.Set(FastKey(scope), data, int64(len(data))) {
		return ErrRejected
	}
	// Sets are buffered; make the write visible to the next Get.
	t.cache.Wait()
	return nil
}

// Delete drops the entry of scope.
func (t *FastTier) Delete(scope Scope) {
	t.cache.Del(FastKey(scope))
}

func (t *FastTier) Close() error {
	t.cache.Close()
	return nil
}
