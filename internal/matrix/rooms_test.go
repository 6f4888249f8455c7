package matrix

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const self = id.UserID("@me:example.org")

const initialSync = `{
  "next_batch": "s1",
  "rooms": {
    "join": {
      "!dm:example.org": {
        "summary": {"m.joined_member_count": 2},
        "unread_notifications": {"notification_count": 4, "highlight_count": 1},
        "state": {"events": [
          {"type": "m.room.member", "state_key": "@me:example.org", "sender": "@me:example.org",
           "event_id": "$m1", "origin_server_ts": 1, "content": {"membership": "join", "displayname": "Me"}},
          {"type": "m.room.member", "state_key": "@telegram_42:example.org", "sender": "@telegram_42:example.org",
           "event_id": "$m2", "origin_server_ts": 2,
           "content": {"membership": "join", "displayname": "Alex Smith", "avatar_url": "mxc://example.org/alex"}},
          {"type": "m.room.power_levels", "state_key": "", "sender": "@telegrambot:example.org",
           "event_id": "$p1", "origin_server_ts": 3,
           "content": {"users": {"@me:example.org": 50}, "events_default": 0}}
        ]},
        "timeline": {"events": [
          {"type": "m.room.message", "sender": "@telegram_42:example.org", "event_id": "$t1",
           "origin_server_ts": 100, "content": {"msgtype": "m.text", "body": "hi there"}},
          {"type": "m.reaction", "sender": "@me:example.org", "event_id": "$t2",
           "origin_server_ts": 101, "content": {}}
        ]}
      }
    },
    "invite": {
      "!inv:example.org": {
        "invite_state": {"events": [
          {"type": "m.room.name", "state_key": "", "sender": "@bob:example.org", "content": {"name": "Book club"}}
        ]}
      }
    },
    "leave": {
      "!old:example.org": {
        "state": {"events": []},
        "timeline": {"events": []}
      }
    }
  }
}`

func parseSync(t *testing.T, raw string) *mautrix.RespSync {
	t.Helper()
	var resp mautrix.RespSync
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal sync response: %v", err)
	}
	return &resp
}

func TestTableApplyInitialSync(t *testing.T) {
	tbl := newTable(self)
	changes := tbl.apply(parseSync(t, initialSync))
	if len(changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(changes))
	}

	rooms := tbl.snapshots()
	byID := make(map[id.RoomID]int)
	for i, r := range rooms {
		byID[r.ID] = i
	}

	dm := rooms[byID["!dm:example.org"]]
	if dm.Membership != event.MembershipJoin {
		t.Errorf("dm membership = %s", dm.Membership)
	}
	if dm.JoinedCount != 2 || dm.MemberCount() != 2 {
		t.Errorf("dm joined count = %d", dm.JoinedCount)
	}
	if dm.UnreadCount != 4 || dm.HighlightCount != 1 {
		t.Errorf("dm counts = %d/%d", dm.UnreadCount, dm.HighlightCount)
	}
	if len(dm.Members) != 2 || dm.Members[1].DisplayName != "Alex Smith" || dm.Members[1].AvatarURL != "mxc://example.org/alex" {
		t.Errorf("dm members = %+v", dm.Members)
	}
	if dm.PowerLevels == nil || dm.PowerLevels.GetUserLevel(self) != 50 {
		t.Errorf("dm power levels = %+v", dm.PowerLevels)
	}
	if len(dm.Timeline) != 1 {
		t.Fatalf("dm timeline = %+v, want only the message", dm.Timeline)
	}
	if msg := dm.Timeline[0]; msg.Body != "hi there" || msg.MsgType != event.MsgText || msg.Timestamp != 100 {
		t.Errorf("dm message = %+v", msg)
	}

	inv := rooms[byID["!inv:example.org"]]
	if inv.Membership != event.MembershipInvite || inv.Name != "Book club" {
		t.Errorf("invite = %+v", inv)
	}
	if old := rooms[byID["!old:example.org"]]; old.Membership != event.MembershipLeave {
		t.Errorf("left room membership = %s", old.Membership)
	}
}

func TestTableApplyInvite(t *testing.T) {
	tbl := newTable(self)
	changes := tbl.apply(parseSync(t, `{
  "next_batch": "s1",
  "rooms": {"invite": {"!inv:example.org": {"invite_state": {"events": [
    {"type": "m.room.name", "state_key": "", "sender": "@bob:example.org", "content": {"name": "Book club"}},
    {"type": "m.room.member", "state_key": "@bob:example.org", "sender": "@bob:example.org",
     "content": {"membership": "join", "displayname": "Bob"}},
    {"type": "m.room.member", "state_key": "@carol:example.org", "sender": "@carol:example.org",
     "content": {"membership": "join", "displayname": "Carol"}},
    {"type": "m.room.member", "state_key": "@me:example.org", "sender": "@bob:example.org",
     "content": {"membership": "invite"}}
  ]}}}}
}`))
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	inv := changes[0].room
	if inv.Membership != event.MembershipInvite || inv.Name != "Book club" {
		t.Errorf("invite = %+v", inv)
	}
	if inv.JoinedCount != 0 {
		t.Errorf("joined count = %d, want 0 without a summary", inv.JoinedCount)
	}
	if got := inv.MemberCount(); got != 2 {
		t.Errorf("MemberCount() = %d, want the 2 joined members of the invite state", got)
	}
	if changes[0].messages {
		t.Error("invite reported messages")
	}
}

func TestTableIncrementalMessage(t *testing.T) {
	tbl := newTable(self)
	tbl.apply(parseSync(t, initialSync))

	changes := tbl.apply(parseSync(t, `{"next_batch": "s2", "rooms": {"join": {"!dm:example.org": {
	  "timeline": {"events": [
	    {"type": "m.room.message", "sender": "@telegram_42:example.org", "event_id": "$t3",
	     "origin_server_ts": 200, "content": {"msgtype": "m.image", "body": "cat.png"}}
	  ]}}}}}`))
	if len(changes) != 1 || !changes[0].messages {
		t.Fatalf("changes = %+v, want one timeline change", changes)
	}
	last, ok := changes[0].room.LastEvent()
	if !ok || last.MsgType != event.MsgImage {
		t.Errorf("last event = %+v", last)
	}
}

func TestTableNoChange(t *testing.T) {
	tbl := newTable(self)
	tbl.apply(parseSync(t, initialSync))
	changes := tbl.apply(parseSync(t, `{"next_batch": "s2", "rooms": {"join": {"!dm:example.org": {
	  "unread_notifications": {"notification_count": 4, "highlight_count": 1}}}}}`))
	if len(changes) != 0 {
		t.Errorf("changes = %+v, want none", changes)
	}
}

func TestTableBannedStaysBanned(t *testing.T) {
	tbl := newTable(self)
	tbl.apply(parseSync(t, initialSync))
	tbl.apply(parseSync(t, `{"next_batch": "s2", "rooms": {"leave": {"!dm:example.org": {
	  "timeline": {"events": [
	    {"type": "m.room.member", "state_key": "@me:example.org", "sender": "@admin:example.org",
	     "event_id": "$b1", "origin_server_ts": 300, "content": {"membership": "ban"}}
	  ]}}}}}`))
	r, ok := tbl.rooms["!dm:example.org"]
	if !ok || r.membership != event.MembershipBan {
		t.Errorf("membership = %v, want ban", r.membership)
	}
}

func TestTimelineBounded(t *testing.T) {
	var events []string
	for i := 0; i < timelineKeep+5; i++ {
		events = append(events, fmt.Sprintf(`{"type": "m.room.message", "sender": "@a:x", "event_id": "$e%d",
		  "origin_server_ts": %d, "content": {"msgtype": "m.text", "body": "m%d"}}`, i, i, i))
	}
	raw := `{"next_batch": "s1", "rooms": {"join": {"!r:x": {"timeline": {"events": [` + strings.Join(events, ",") + `]}}}}}`

	tbl := newTable(self)
	tbl.apply(parseSync(t, raw))
	room := tbl.snapshots()[0]
	if len(room.Timeline) != timelineKeep {
		t.Fatalf("timeline = %d, want %d", len(room.Timeline), timelineKeep)
	}
	if room.Timeline[0].Body != "m5" {
		t.Errorf("oldest kept = %q, want m5", room.Timeline[0].Body)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	tbl := newTable(self)
	tbl.apply(parseSync(t, initialSync))
	a := tbl.rooms["!dm:example.org"]
	snap := a.snapshot()
	snap.Timeline[0].Body = "mutated"
	snap.Members[0].DisplayName = "mutated"
	again := a.snapshot()
	if again.Timeline[0].Body == "mutated" || again.Members[0].DisplayName == "mutated" {
		t.Error("snapshot shares memory with the room table")
	}
}

func parseEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	var evt event.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return &evt
}

func TestRoomFromState(t *testing.T) {
	state := mautrix.RoomStateMap{
		event.StateRoomName: {
			"": parseEvent(t, `{"type": "m.room.name", "state_key": "", "sender": "@bot:x", "content": {"name": "Telegram"}}`),
		},
		event.StateMember: {
			"@me:example.org": parseEvent(t, `{"type": "m.room.member", "state_key": "@me:example.org", "sender": "@me:example.org", "content": {"membership": "join"}}`),
		},
	}
	room := roomFromState(self, "!anchor:x", state)
	if room.Name != "Telegram" || room.Membership != event.MembershipJoin || room.ID != "!anchor:x" {
		t.Errorf("room = %+v", room)
	}
}

func TestSyncFilter(t *testing.T) {
	var f struct {
		Room struct {
			Timeline struct {
				Limit int      `json:"limit"`
				Types []string `json:"types"`
			} `json:"timeline"`
			State struct {
				LazyLoadMembers bool `json:"lazy_load_members"`
			} `json:"state"`
		} `json:"room"`
	}
	raw := syncFilter(DefaultStart)
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("filter is not JSON: %v", err)
	}
	if f.Room.Timeline.Limit != 20 || !f.Room.State.LazyLoadMembers {
		t.Errorf("filter = %s", raw)
	}
	if len(f.Room.Timeline.Types) == 0 || f.Room.Timeline.Types[0] != "m.room.message" {
		t.Errorf("timeline types = %v", f.Room.Timeline.Types)
	}
}
