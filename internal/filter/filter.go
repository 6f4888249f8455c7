// Package filter holds the room filter stages shared by full sync,
// incremental merges and cache writes.
package filter

import (
	"regexp"
	"strings"

	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/store"
	"maunium.net/go/mautrix/event"
)

// Stage reports whether a room survives a filter step.
type Stage func(room *protocol.Room) bool

var (
	operationalName = regexp.MustCompile(`(?i)\b(bridge status|bridge bot|logged in|login|connection status|management room)\b`)
	uuidName        = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	matrixIDName    = regexp.MustCompile(`^[!@#$+][^\s:]+:[A-Za-z0-9.\-]+(:[0-9]+)?$`)
)

// Membership keeps joined and invited rooms.
func Membership(room *protocol.Room) bool {
	if room == nil {
		return false
	}
	return room.Membership == event.MembershipJoin || room.Membership == event.MembershipInvite
}

// Platform keeps rooms attributable to p. A nil p keeps everything.
func Platform(p *platform.Platform) Stage {
	return func(room *protocol.Room) bool {
		if room == nil {
			return false
		}
		return p == nil || p.Attributed(room)
	}
}

// Irrelevant reports whether room is malformed or a bridge/service room.
func Irrelevant(room *protocol.Room) bool {
	if room == nil || room.ID == "" {
		return true
	}
	return IrrelevantName(room.Name)
}

// Relevant is the Stage form of Irrelevant.
func Relevant(room *protocol.Room) bool {
	return !Irrelevant(room)
}

// IrrelevantName reports whether a display name is on the operational
// denylist. The empty name is not: it is resolved later from members.
func IrrelevantName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if strings.EqualFold(name, "empty") {
		return true
	}
	if platform.IsBridgeBotName(name) || platform.IsControlRoomName(name) {
		return true
	}
	return operationalName.MatchString(name) ||
		uuidName.MatchString(name) ||
		matrixIDName.MatchString(name)
}

// IrrelevantRecord applies the same denylist to a transformed record. It
// guards the cache write path.
func IrrelevantRecord(rec store.RoomRecord) bool {
	if rec.ID == "" || strings.TrimSpace(rec.DisplayName) == "" {
		return true
	}
	return IrrelevantName(rec.DisplayName)
}

// Leakage drops rooms whose name or id follows another platform's naming
// convention. A nil p keeps everything.
func Leakage(p *platform.Platform) Stage {
	return func(room *protocol.Room) bool {
		if room == nil {
			return false
		}
		if p == nil {
			return true
		}
		for _, other := range platform.All() {
			if other.Name == p.Name {
				continue
			}
			if other.ClaimsName(room.Name) || other.ClaimsName(room.ID.String()) {
				return false
			}
		}
		if !p.UsesPhoneIdentity() && platform.IsPhoneNumber(room.Name) {
			return false
		}
		return true
	}
}

// Keep returns the rooms that pass stage, preserving order.
func Keep(rooms []*protocol.Room, stage Stage) []*protocol.Room {
	out := make([]*protocol.Room, 0, len(rooms))
	for _, r := range rooms {
		if stage(r) {
			out = append(out, r)
		}
	}
	return out
}

// All reports whether room passes every stage.
func All(room *protocol.Room, stages ...Stage) bool {
	for _, s := range stages {
		if !s(room) {
			return false
		}
	}
	return true
}
