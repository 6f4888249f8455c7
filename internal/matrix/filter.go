package matrix

import (
	"encoding/json"

	"github.com/matheus3301/roomsync/internal/protocol"
)

// timelineTypes are the timeline events the room list cares about. State
// events arrive in the timeline regardless of this list.
var timelineTypes = []string{"m.room.message", "m.sticker", "m.room.member", "m.room.name", "m.room.topic", "m.room.avatar", "m.room.power_levels"}

// syncFilter builds the inline JSON filter sent with every /sync request.
func syncFilter(opts protocol.StartOptions) string {
	timeline := map[string]any{"types": timelineTypes}
	if opts.InitialSyncLimit > 0 {
		timeline["limit"] = opts.InitialSyncLimit
	}
	room := map[string]any{
		"timeline":     timeline,
		"state":        map[string]any{"lazy_load_members": opts.LazyLoadMembers},
		"ephemeral":    map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	top := map[string]any{
		"room":         room,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}
	data, _ := json.Marshal(top)
	return string(data)
}
