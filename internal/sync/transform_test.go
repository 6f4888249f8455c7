package sync

import (
	"errors"
	"strings"
	"testing"

	"github.com/matheus3301/roomsync/internal/classify"
	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/store"
	"maunium.net/go/mautrix/event"
)

func testTransformer() Transformer {
	tg, _ := platform.Lookup(platform.Telegram)
	return Transformer{Classifier: classify.New(), Self: self, Platform: tg}
}

func TestTransformDirectMessage(t *testing.T) {
	room := dm(7, "", 1234, 150)
	room.Members[1].DisplayName = "Alex Smith"
	room.Members[1].AvatarURL = "mxc://example.org/alex"

	rec, err := testTransformer().Transform(room)
	if err != nil {
		t.Fatal(err)
	}
	if rec.DisplayName != "Alex Smith" {
		t.Errorf("DisplayName = %q, want member name fallback", rec.DisplayName)
	}
	if rec.UnreadCount != store.MaxUnread {
		t.Errorf("UnreadCount = %d, want capped %d", rec.UnreadCount, store.MaxUnread)
	}
	if rec.AvatarRef != "mxc://example.org/alex" {
		t.Errorf("AvatarRef = %q", rec.AvatarRef)
	}
	if rec.LastActivityTimestamp != 1234 {
		t.Errorf("LastActivityTimestamp = %d", rec.LastActivityTimestamp)
	}
	c := rec.PlatformContact
	if c == nil || c.ID != "7" || c.FirstName != "Alex" || c.LastName != "Smith" {
		t.Errorf("PlatformContact = %+v", c)
	}
	if rec.MembershipState != store.MembershipJoin || !rec.CanSendMessages {
		t.Errorf("record = %+v", rec)
	}
}

func TestTransformNameFallbackToID(t *testing.T) {
	room := &protocol.Room{ID: "!lonely:example.org", Membership: event.MembershipInvite}
	rec, err := testTransformer().Transform(room)
	if err != nil {
		t.Fatal(err)
	}
	if rec.DisplayName != "!lonely:example.org" {
		t.Errorf("DisplayName = %q, want room id", rec.DisplayName)
	}
	if rec.MembershipState != store.MembershipInvite {
		t.Errorf("MembershipState = %s", rec.MembershipState)
	}
}

func TestTransformRejectsMalformed(t *testing.T) {
	for _, room := range []*protocol.Room{nil, {ID: ""}, {ID: "not-a-room"}} {
		if _, err := testTransformer().Transform(room); !errors.Is(err, errMalformedRoom) {
			t.Errorf("Transform(%v) err = %v, want errMalformedRoom", room, err)
		}
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		evt  protocol.TimelineEvent
		want string
	}{
		{protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgImage}, "[Image]"},
		{protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgVideo}, "[Video]"},
		{protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgAudio}, "[Audio]"},
		{protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgFile}, "[File]"},
		{protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgLocation}, "[Location]"},
		{protocol.TimelineEvent{Type: event.EventSticker, Body: "a cat"}, "[Sticker]"},
		{protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgText, Body: "  hi  "}, "hi"},
	}
	for _, tt := range tests {
		if got := Preview(tt.evt); got != tt.want {
			t.Errorf("Preview(%+v) = %q, want %q", tt.evt, got, tt.want)
		}
	}

	long := strings.Repeat("é", 150)
	got := Preview(protocol.TimelineEvent{Type: event.EventMessage, MsgType: event.MsgText, Body: long})
	if n := len([]rune(got)); n != previewLimit {
		t.Errorf("preview runes = %d, want %d", n, previewLimit)
	}
}

func TestPreviewUsesNewestEvent(t *testing.T) {
	room := dm(1, "Alex", 100, 0)
	room.Timeline = append(room.Timeline, protocol.TimelineEvent{
		Type: event.EventMessage, MsgType: event.MsgImage, Timestamp: 200,
	})
	rec, err := testTransformer().Transform(room)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastMessagePreview != "[Image]" || rec.LastActivityTimestamp != 200 {
		t.Errorf("preview = %q at %d", rec.LastMessagePreview, rec.LastActivityTimestamp)
	}
}

func TestPlaceholder(t *testing.T) {
	wa, _ := platform.Lookup(platform.WhatsApp)
	ph := Placeholder("!anchor:x", wa)
	if !ph.IsPlaceholder || ph.DisplayName != "WhatsApp (connecting…)" || ph.MembershipState != store.MembershipJoin {
		t.Errorf("placeholder = %+v", ph)
	}
	if Placeholder("!anchor:x", nil).DisplayName != "Bridge (connecting…)" {
		t.Error("placeholder without platform has wrong name")
	}
}

func TestMessages(t *testing.T) {
	room := dm(3, "Kim", 42, 0)
	msgs := Messages(room)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	m := msgs[0]
	if m.RoomID != "!dm3:example.org" || m.Type != "m.text" || m.Timestamp != 42 || m.Sender != "@telegram_3:example.org" {
		t.Errorf("message = %+v", m)
	}
}
