package sync

import (
	"sort"
	"strings"

	"github.com/matheus3301/roomsync/internal/store"
)

// SortOrder selects how a session's room list is ordered.
type SortOrder string

const (
	SortLastMessage SortOrder = "lastMessage"
	SortName        SortOrder = "name"
	SortUnread      SortOrder = "unread"
)

// ParseSortOrder validates a configured sort order. Empty means
// SortLastMessage.
func ParseSortOrder(s string) (SortOrder, bool) {
	switch SortOrder(s) {
	case "", SortLastMessage:
		return SortLastMessage, true
	case SortName, SortUnread:
		return SortOrder(s), true
	}
	return SortLastMessage, false
}

// Sort orders recs in place. Every order ends in a tie-break on id so the
// result is deterministic.
func Sort(recs []store.RoomRecord, order SortOrder) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch order {
		case SortName:
			return nameLess(a, b)
		case SortUnread:
			if ua, ub := a.EffectiveUnread(), b.EffectiveUnread(); ua != ub {
				return ua > ub
			}
		}
		return recencyLess(a, b)
	})
}

func recencyLess(a, b store.RoomRecord) bool {
	if a.LastActivityTimestamp != b.LastActivityTimestamp {
		return a.LastActivityTimestamp > b.LastActivityTimestamp
	}
	return nameLess(a, b)
}

func nameLess(a, b store.RoomRecord) bool {
	na, nb := strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName)
	if na != nb {
		return na < nb
	}
	return a.ID < b.ID
}
