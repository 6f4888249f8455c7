package organize

import (
	"strings"

	"github.com/matheus3301/roomsync/internal/store"
)

// NormalizeName is the key under which duplicate contacts collapse.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Dedup collapses records sharing a normalized display name, keeping the
// one with the newest activity. Ties keep the first seen. Survivors keep
// the position of the first record of their name. Records without a name
// are never collapsed.
func Dedup(records []store.RoomRecord) []store.RoomRecord {
	out := make([]store.RoomRecord, 0, len(records))
	index := make(map[string]int, len(records))
	for _, rec := range records {
		key := NormalizeName(rec.DisplayName)
		if key == "" {
			out = append(out, rec)
			continue
		}
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, rec)
			continue
		}
		if rec.LastActivityTimestamp > out[i].LastActivityTimestamp {
			out[i] = rec
		}
	}
	return out
}
