package matrix

import (
	"encoding/json"
	"sort"

	"github.com/matheus3301/roomsync/internal/protocol"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// timelineKeep bounds the timeline events retained per room.
const timelineKeep = 20

// roomState is the mutable per-room view built from /sync responses.
// Snapshots handed out are copies.
type roomState struct {
	id          id.RoomID
	name        string
	topic       string
	avatar      string
	membership  event.Membership
	members     map[id.UserID]protocol.Member
	joinedCount int
	power       *event.PowerLevelsEventContent
	timeline    []protocol.TimelineEvent
	unread      int
	highlight   int
}

func newRoomState(roomID id.RoomID) *roomState {
	return &roomState{id: roomID, members: make(map[id.UserID]protocol.Member)}
}

// applyState folds one state event into the room. Reports whether anything
// the room list shows changed.
func (r *roomState) applyState(self id.UserID, evt *event.Event) bool {
	if evt == nil || evt.StateKey == nil {
		return false
	}
	switch evt.Type.Type {
	case event.StateMember.Type:
		var content event.MemberEventContent
		if json.Unmarshal(evt.Content.VeryRaw, &content) != nil {
			return false
		}
		userID := id.UserID(*evt.StateKey)
		r.members[userID] = protocol.Member{
			UserID:      userID,
			DisplayName: content.Displayname,
			AvatarURL:   string(content.AvatarURL),
			Membership:  content.Membership,
		}
		if userID == self {
			r.membership = content.Membership
		}
	case event.StateRoomName.Type:
		var content event.RoomNameEventContent
		if json.Unmarshal(evt.Content.VeryRaw, &content) != nil {
			return false
		}
		r.name = content.Name
	case event.StateTopic.Type:
		var content event.TopicEventContent
		if json.Unmarshal(evt.Content.VeryRaw, &content) != nil {
			return false
		}
		r.topic = content.Topic
	case event.StateRoomAvatar.Type:
		var content struct {
			URL string `json:"url"`
		}
		if json.Unmarshal(evt.Content.VeryRaw, &content) != nil {
			return false
		}
		r.avatar = content.URL
	case event.StatePowerLevels.Type:
		var content event.PowerLevelsEventContent
		if json.Unmarshal(evt.Content.VeryRaw, &content) != nil {
			return false
		}
		r.power = &content
	default:
		return false
	}
	return true
}

// applyTimeline appends message-like events and applies state events found
// in the timeline. Returns the number of new messages and whether state
// changed.
func (r *roomState) applyTimeline(self id.UserID, events []*event.Event) (messages int, stateChanged bool) {
	for _, evt := range events {
		if evt == nil {
			continue
		}
		if evt.StateKey != nil {
			if r.applyState(self, evt) {
				stateChanged = true
			}
			continue
		}
		msg, ok := timelineEvent(evt)
		if !ok {
			continue
		}
		r.timeline = append(r.timeline, msg)
		messages++
	}
	if len(r.timeline) > timelineKeep {
		r.timeline = append([]protocol.TimelineEvent(nil), r.timeline[len(r.timeline)-timelineKeep:]...)
	}
	return messages, stateChanged
}

func (r *roomState) applySummary(summary mautrix.LazyLoadSummary) {
	if summary.JoinedMemberCount != nil {
		r.joinedCount = *summary.JoinedMemberCount
	}
}

func (r *roomState) applyCounts(counts *mautrix.UnreadNotificationCounts) bool {
	if counts == nil {
		return false
	}
	changed := r.unread != counts.NotificationCount || r.highlight != counts.HighlightCount
	r.unread = counts.NotificationCount
	r.highlight = counts.HighlightCount
	return changed
}

// snapshot copies the room into an immutable protocol.Room. Members are
// ordered by user id.
func (r *roomState) snapshot() *protocol.Room {
	room := &protocol.Room{
		ID:             r.id,
		Name:           r.name,
		Topic:          r.topic,
		AvatarURL:      r.avatar,
		Membership:     r.membership,
		JoinedCount:    r.joinedCount,
		PowerLevels:    r.power,
		UnreadCount:    r.unread,
		HighlightCount: r.highlight,
	}
	room.Members = make([]protocol.Member, 0, len(r.members))
	for _, m := range r.members {
		room.Members = append(room.Members, m)
	}
	sort.Slice(room.Members, func(i, j int) bool { return room.Members[i].UserID < room.Members[j].UserID })
	room.Timeline = append([]protocol.TimelineEvent(nil), r.timeline...)
	return room
}

// timelineEvent converts a message or sticker event.
func timelineEvent(evt *event.Event) (protocol.TimelineEvent, bool) {
	switch evt.Type.Type {
	case event.EventMessage.Type, event.EventSticker.Type:
	default:
		return protocol.TimelineEvent{}, false
	}
	var content event.MessageEventContent
	if json.Unmarshal(evt.Content.VeryRaw, &content) != nil {
		return protocol.TimelineEvent{}, false
	}
	typ := event.EventMessage
	if evt.Type.Type == event.EventSticker.Type {
		typ = event.EventSticker
	}
	return protocol.TimelineEvent{
		ID:        evt.ID,
		Sender:    evt.Sender,
		Type:      typ,
		MsgType:   content.MsgType,
		Body:      content.Body,
		Timestamp: evt.Timestamp,
	}, true
}

// roomFromState builds a snapshot from a full /rooms/{id}/state response.
func roomFromState(self id.UserID, roomID id.RoomID, state mautrix.RoomStateMap) *protocol.Room {
	r := newRoomState(roomID)
	for _, byKey := range state {
		for _, evt := range byKey {
			r.applyState(self, evt)
		}
	}
	return r.snapshot()
}

// change is what one /sync response did to one room.
type change struct {
	room     *protocol.Room
	messages bool
}

// table is the client's room table.
type table struct {
	self  id.UserID
	rooms map[id.RoomID]*roomState
}

func newTable(self id.UserID) *table {
	return &table{self: self, rooms: make(map[id.RoomID]*roomState)}
}

func (t *table) room(roomID id.RoomID) *roomState {
	r, ok := t.rooms[roomID]
	if !ok {
		r = newRoomState(roomID)
		t.rooms[roomID] = r
	}
	return r
}

// apply folds a /sync response into the table and returns the rooms that
// changed, ordered by room id.
func (t *table) apply(resp *mautrix.RespSync) []change {
	var out []change
	for roomID, data := range resp.Rooms.Join {
		if data == nil {
			continue
		}
		r := t.room(roomID)
		changed := r.membership != event.MembershipJoin
		r.applySummary(data.Summary)
		for _, evt := range data.State.Events {
			if r.applyState(t.self, evt) {
				changed = true
			}
		}
		msgs, stateChanged := r.applyTimeline(t.self, data.Timeline.Events)
		if r.applyCounts(data.UnreadNotifications) {
			changed = true
		}
		// Our own member event in the timeline may not say join yet.
		r.membership = event.MembershipJoin
		if msgs > 0 || stateChanged || changed {
			out = append(out, change{room: r.snapshot(), messages: msgs > 0})
		}
	}
	for roomID, data := range resp.Rooms.Invite {
		if data == nil {
			continue
		}
		// Stripped invite state carries no summary; member counts come
		// from the member events it includes.
		r := t.room(roomID)
		for _, evt := range data.State.Events {
			r.applyState(t.self, evt)
		}
		r.membership = event.MembershipInvite
		out = append(out, change{room: r.snapshot()})
	}
	for roomID, data := range resp.Rooms.Leave {
		if data == nil {
			continue
		}
		r := t.room(roomID)
		for _, evt := range data.State.Events {
			r.applyState(t.self, evt)
		}
		r.applyTimeline(t.self, data.Timeline.Events)
		if r.membership != event.MembershipBan {
			r.membership = event.MembershipLeave
		}
		out = append(out, change{room: r.snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].room.ID < out[j].room.ID })
	return out
}

// snapshots returns every room, ordered by room id.
func (t *table) snapshots() []*protocol.Room {
	out := make([]*protocol.Room, 0, len(t.rooms))
	for _, r := range t.rooms {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
