package sync

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/roomsync/internal/classify"
	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/store"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// previewLimit is the rune limit of text previews.
const previewLimit = 100

var errMalformedRoom = errors.New("malformed room")

// Transformer turns raw room snapshots into RoomRecords for one user.
type Transformer struct {
	Classifier *classify.Classifier
	Self       id.UserID
	// Platform, when set, is preferred when looking for the remote contact.
	Platform *platform.Platform
}

// Transform builds the RoomRecord of room. Rooms without a valid id are
// rejected.
func (t Transformer) Transform(room *protocol.Room) (store.RoomRecord, error) {
	if room == nil {
		return store.RoomRecord{}, fmt.Errorf("%w: nil room", errMalformedRoom)
	}
	if !strings.HasPrefix(room.ID.String(), "!") {
		return store.RoomRecord{}, fmt.Errorf("%w: bad room id %q", errMalformedRoom, room.ID)
	}

	cls := t.Classifier.Classify(room, t.Self)
	other, hasOther := t.soleOther(room)
	contact := t.contact(room, cls.Kind)

	rec := store.RoomRecord{
		ID:              room.ID.String(),
		AvatarRef:       room.AvatarURL,
		MemberCount:     room.MemberCount(),
		IsGroup:         cls.IsGroup || cls.IsChannel,
		EntityKind:      cls.Kind,
		CanSendMessages: cls.CanSendMessages,
		MembershipState: membershipOf(room.Membership),
		PlatformContact: contact,
		UnreadCount:     capUnread(room.UnreadCount),
	}

	switch {
	case strings.TrimSpace(room.Name) != "":
		rec.DisplayName = strings.TrimSpace(room.Name)
	case hasOther && strings.TrimSpace(other.DisplayName) != "":
		rec.DisplayName = strings.TrimSpace(other.DisplayName)
	case contact != nil && contactName(contact) != "":
		rec.DisplayName = contactName(contact)
	default:
		rec.DisplayName = room.ID.String()
	}

	if rec.AvatarRef == "" && hasOther {
		rec.AvatarRef = other.AvatarURL
	}

	if last, ok := room.LastEvent(); ok {
		rec.LastMessagePreview = Preview(last)
		rec.LastActivityTimestamp = last.Timestamp
	}
	return rec, nil
}

// soleOther returns the only joined member besides self.
func (t Transformer) soleOther(room *protocol.Room) (protocol.Member, bool) {
	var (
		found protocol.Member
		n     int
	)
	for _, m := range room.Members {
		if m.UserID == t.Self || m.Membership != event.MembershipJoin {
			continue
		}
		if platform.IsServiceAccount(m.UserID) {
			continue
		}
		found = m
		n++
	}
	return found, n == 1
}

// contact extracts the remote identity behind a direct message.
func (t Transformer) contact(room *protocol.Room, kind store.EntityKind) *store.PlatformContact {
	if kind != store.KindDirectMessage && kind != store.KindBot {
		return nil
	}
	candidates := platform.All()
	if t.Platform != nil {
		candidates = append([]*platform.Platform{t.Platform}, candidates...)
	}
	for _, p := range candidates {
		for _, m := range room.Members {
			if m.UserID == t.Self || !p.IsPuppet(m.UserID) {
				continue
			}
			c := &store.PlatformContact{
				ID:     p.RemoteID(m.UserID),
				Avatar: m.AvatarURL,
			}
			if fields := strings.Fields(m.DisplayName); len(fields) > 0 {
				c.FirstName = fields[0]
				c.LastName = strings.Join(fields[1:], " ")
			}
			return c
		}
	}
	return nil
}

func contactName(c *store.PlatformContact) string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Preview is the type-aware one-line summary of evt.
func Preview(evt protocol.TimelineEvent) string {
	if evt.Type == event.EventSticker {
		return "[Sticker]"
	}
	switch evt.MsgType {
	case event.MsgImage:
		return "[Image]"
	case event.MsgVideo:
		return "[Video]"
	case event.MsgAudio:
		return "[Audio]"
	case event.MsgFile:
		return "[File]"
	case event.MsgLocation:
		return "[Location]"
	}
	return truncate(strings.TrimSpace(evt.Body), previewLimit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

func capUnread(n int) int {
	switch {
	case n < 0:
		return 0
	case n > store.MaxUnread:
		return store.MaxUnread
	}
	return n
}

func membershipOf(m event.Membership) store.Membership {
	switch m {
	case event.MembershipJoin:
		return store.MembershipJoin
	case event.MembershipInvite:
		return store.MembershipInvite
	case event.MembershipLeave:
		return store.MembershipLeave
	case event.MembershipBan:
		return store.MembershipBan
	}
	return store.MembershipUnknown
}

// Placeholder is the stand-in record for an anchor room that could not be
// fetched or joined.
func Placeholder(anchor id.RoomID, p *platform.Platform) store.RoomRecord {
	title := "Bridge"
	if p != nil {
		title = p.Title
	}
	return store.RoomRecord{
		ID:              anchor.String(),
		DisplayName:     title + " (connecting…)",
		EntityKind:      store.KindDirectMessage,
		MembershipState: store.MembershipJoin,
		IsPlaceholder:   true,
	}
}

// Messages converts room's timeline into message updates, oldest first.
func Messages(room *protocol.Room) []store.Message {
	out := make([]store.Message, 0, len(room.Timeline))
	for _, evt := range room.Timeline {
		typ := string(evt.MsgType)
		if typ == "" {
			typ = evt.Type.Type
		}
		out = append(out, store.Message{
			ID:        evt.ID.String(),
			RoomID:    room.ID.String(),
			Sender:    evt.Sender.String(),
			Type:      typ,
			Body:      evt.Body,
			Timestamp: evt.Timestamp,
		})
	}
	return out
}
