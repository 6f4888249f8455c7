// Package organize buckets classified contacts into presentation
// categories.
package organize

import (
	"sort"
	"strings"

	"github.com/matheus3301/roomsync/internal/filter"
	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/store"
)

// Category names one bucket.
type Category string

const (
	Priority       Category = "priority"
	Unread         Category = "unread"
	Mentions       Category = "mentions"
	DirectMessages Category = "direct_messages"
	Bots           Category = "bots"
	Groups         Category = "groups"
	PrivateGroups  Category = "private_groups"
	Channels       Category = "channels"
	Supergroups    Category = "supergroups"
	Muted          Category = "muted"
	Archived       Category = "archived"
)

// Categories lists every bucket in presentation order.
var Categories = []Category{
	Priority, Unread, Mentions, DirectMessages, Bots, Groups,
	PrivateGroups, Channels, Supergroups, Muted, Archived,
}

// DefaultMentionKeywords are used when Options.MentionKeywords is empty.
var DefaultMentionKeywords = []string{"@all", "@room", "@everyone"}

// Set is a set of room ids.
type Set map[string]struct{}

// NewSet builds a Set from ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil Set is empty.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Options carries the user's pin, mute and archive choices.
type Options struct {
	Pinned   Set
	Muted    Set
	Archived Set

	ShowMuted    bool
	ShowArchived bool

	MentionKeywords []string
}

// Buckets maps every Category to its ordered contacts.
type Buckets map[Category][]store.RoomRecord

// Organize buckets contacts. Every category is present in the result,
// empty categories as empty slices. It does not modify contacts.
func Organize(contacts []store.RoomRecord, opts Options) Buckets {
	out := make(Buckets, len(Categories))
	for _, c := range Categories {
		out[c] = []store.RoomRecord{}
	}

	keywords := opts.MentionKeywords
	if len(keywords) == 0 {
		keywords = DefaultMentionKeywords
	}

	for _, rec := range Dedup(contacts) {
		if IsServiceRoom(rec) {
			continue
		}
		archived := opts.Archived.Has(rec.ID)
		muted := opts.Muted.Has(rec.ID)
		switch {
		case archived && !opts.ShowArchived:
			continue
		case muted && !opts.ShowMuted:
			continue
		case archived:
			out[Archived] = append(out[Archived], rec)
		case muted:
			out[Muted] = append(out[Muted], rec)
		case opts.Pinned.Has(rec.ID):
			out[Priority] = append(out[Priority], rec)
		case rec.EffectiveUnread() > 0:
			out[Unread] = append(out[Unread], rec)
			if mentions(rec.LastMessagePreview, keywords) {
				out[Mentions] = append(out[Mentions], rec)
			}
		default:
			c := kindCategory(rec)
			out[c] = append(out[c], rec)
		}
	}

	for c := range out {
		sortBucket(out[c], opts.Pinned)
	}
	return out
}

func kindCategory(rec store.RoomRecord) Category {
	switch rec.EntityKind {
	case store.KindBot:
		return Bots
	case store.KindPublicGroup:
		return Groups
	case store.KindPrivateGroup:
		return PrivateGroups
	case store.KindChannel:
		return Channels
	case store.KindSupergroup:
		return Supergroups
	case store.KindDirectMessage:
		return DirectMessages
	}
	// Unclassified rooms go where their shape suggests.
	if rec.IsGroup || rec.MemberCount > 2 {
		return Groups
	}
	return DirectMessages
}

// IsServiceRoom reports whether rec is a bridge or service room that never
// belongs in a contact list.
func IsServiceRoom(rec store.RoomRecord) bool {
	if rec.IsPlaceholder {
		return false
	}
	if filter.IrrelevantRecord(rec) {
		return true
	}
	return platform.IsGenericName(rec.DisplayName) && rec.MemberCount <= 2
}

func mentions(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func sortBucket(recs []store.RoomRecord, pinned Set) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if pa, pb := pinned.Has(a.ID), pinned.Has(b.ID); pa != pb {
			return pa
		}
		if ua, ub := a.EffectiveUnread() > 0, b.EffectiveUnread() > 0; ua != ub {
			return ua
		}
		if a.LastActivityTimestamp != b.LastActivityTimestamp {
			return a.LastActivityTimestamp > b.LastActivityTimestamp
		}
		return a.ID < b.ID
	})
}
