// Package classify decides what kind of conversation a room is.
//
// Classification is an ordered rule list: the first rule whose Match
// reports true decides the kind. More specific signals come before the
// member-count fallbacks.
package classify

import (
	"strings"
	"unicode"

	"github.com/matheus3301/roomsync/internal/platform"
	"github.com/matheus3301/roomsync/internal/protocol"
	"github.com/matheus3301/roomsync/internal/store"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Facts are the signals rules look at, extracted once per room.
type Facts struct {
	Name  string // lowercased
	Topic string // lowercased
	// Tokens are the alphanumeric words of the room name, case kept.
	Tokens      []string
	MemberCount int
	// OtherMembers counts joined members other than self.
	OtherMembers int
	// PlatformMembers counts joined bridge puppets of any platform.
	PlatformMembers int
	// SendPower is the power level required to send messages.
	SendPower int
	// SelfPower is the caller's power level.
	SelfPower   int
	ControlRoom bool
}

// Rule is one step of the decision order.
type Rule struct {
	Name    string
	Match   func(f Facts) bool
	Resolve func(f Facts) store.EntityKind
}

// Result is the outcome for one room.
type Result struct {
	Kind            store.EntityKind
	Rule            string
	CanSendMessages bool
	IsGroup         bool
	IsChannel       bool
	IsPrivate       bool
	IsBot           bool
}

// Classifier applies Rules in order.
type Classifier struct {
	Rules []Rule
}

// New returns a classifier with the default rules.
func New() *Classifier {
	return &Classifier{Rules: DefaultRules()}
}

func kind(k store.EntityKind) func(Facts) store.EntityKind {
	return func(Facts) store.EntityKind { return k }
}

func isControlRoom(f Facts) bool { return f.ControlRoom && f.MemberCount <= 2 }

func isBot(f Facts) bool {
	if f.MemberCount > 3 {
		return false
	}
	for _, tok := range f.Tokens {
		if isBotToken(tok) {
			return true
		}
	}
	return false
}

// isBotToken matches "bot" on its own or as a CamelCase suffix like
// "GifBot". Words that merely end in "bot", such as "Talbot", do not.
func isBotToken(tok string) bool {
	if strings.EqualFold(tok, "bot") {
		return true
	}
	return len(tok) > 3 && strings.HasSuffix(tok, "Bot")
}

func isChannel(f Facts) bool {
	return strings.Contains(f.Name, "channel") ||
		f.MemberCount > 50 ||
		(f.SendPower > 0 && f.MemberCount > 10)
}

func isSupergroup(f Facts) bool {
	return strings.Contains(f.Name, "supergroup") || f.MemberCount > 200
}

func isGroup(f Facts) bool {
	return f.MemberCount > 2 ||
		f.OtherMembers > 1 ||
		(strings.Contains(f.Name, "group") && !strings.Contains(f.Name, "channel")) ||
		strings.Contains(f.Topic, "group")
}

func isDirect(f Facts) bool {
	return f.PlatformMembers == 1 &&
		f.OtherMembers == 1 &&
		f.MemberCount <= 2 &&
		!isGroup(f) && !isChannel(f) && !isSupergroup(f)
}

// DefaultRules returns the built-in decision order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "control-room", Match: isControlRoom, Resolve: kind(store.KindUnknown)},
		{Name: "bot", Match: isBot, Resolve: kind(store.KindBot)},
		{Name: "channel", Match: isChannel, Resolve: kind(store.KindChannel)},
		{Name: "supergroup", Match: isSupergroup, Resolve: kind(store.KindSupergroup)},
		{Name: "group", Match: isGroup, Resolve: func(f Facts) store.EntityKind {
			if f.SelfPower >= f.SendPower {
				return store.KindPublicGroup
			}
			return store.KindPrivateGroup
		}},
		{Name: "direct-message", Match: isDirect, Resolve: kind(store.KindDirectMessage)},
	}
}

// Classify returns the kind of room from self's point of view. It has no
// side effects.
func (c *Classifier) Classify(room *protocol.Room, self id.UserID) Result {
	f := Extract(room, self)
	res := Result{Kind: store.KindUnknown, Rule: "fallback"}
	for _, r := range c.Rules {
		if r.Match(f) {
			res.Kind = r.Resolve(f)
			res.Rule = r.Name
			break
		}
	}
	res.CanSendMessages = f.SelfPower >= f.SendPower
	switch res.Kind {
	case store.KindPublicGroup, store.KindPrivateGroup, store.KindSupergroup:
		res.IsGroup = true
	case store.KindChannel:
		res.IsChannel = true
	case store.KindBot:
		res.IsBot = true
	}
	res.IsPrivate = res.Kind == store.KindPrivateGroup || res.Kind == store.KindDirectMessage
	return res
}

// Extract computes the facts of room.
func Extract(room *protocol.Room, self id.UserID) Facts {
	f := Facts{
		Name:        strings.ToLower(strings.TrimSpace(room.Name)),
		Topic:       strings.ToLower(room.Topic),
		MemberCount: room.MemberCount(),
	}
	f.Tokens = strings.FieldsFunc(strings.TrimSpace(room.Name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, m := range room.Members {
		if m.Membership != event.MembershipJoin {
			continue
		}
		if platform.IsServiceAccount(m.UserID) {
			f.ControlRoom = true
		}
		if m.UserID == self {
			continue
		}
		f.OtherMembers++
		for _, p := range platform.All() {
			if p.IsPuppet(m.UserID) {
				f.PlatformMembers++
				break
			}
		}
	}
	if platform.IsControlRoomName(room.Name) || platform.IsBridgeBotName(room.Name) {
		f.ControlRoom = true
	}
	if room.PowerLevels != nil {
		f.SendPower = room.PowerLevels.GetEventLevel(event.EventMessage)
		f.SelfPower = room.PowerLevels.GetUserLevel(self)
	}
	return f
}
