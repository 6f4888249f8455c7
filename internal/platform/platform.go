// Package platform knows the naming conventions of the messaging bridges:
// how their puppet users, bridge bots and control rooms are named, and
// which display names betray a room from a given network.
package platform

import (
	"regexp"
	"strings"

	"github.com/matheus3301/roomsync/internal/protocol"
	"go.mau.fi/whatsmeow/types"
	"maunium.net/go/mautrix/id"
)

// Name identifies a bridged network. The empty Name means no platform
// constraint.
type Name string

const (
	Telegram  Name = "telegram"
	WhatsApp  Name = "whatsapp"
	Signal    Name = "signal"
	Instagram Name = "instagram"
	Messenger Name = "messenger"
	Discord   Name = "discord"
	Slack     Name = "slack"
	LinkedIn  Name = "linkedin"
)

// Platform describes one bridge.
type Platform struct {
	Name Name
	// Title is the human-readable network name.
	Title string
	// PuppetPrefix is the localpart prefix of ghost users, e.g. "telegram_".
	PuppetPrefix string
	// BotLocalparts are the localparts of the bridge's service accounts.
	BotLocalparts []string
	// BotNames are display names the bridge bot uses.
	BotNames []string
	// ControlRoomNames are reserved names of the bridge's management rooms.
	ControlRoomNames []string
	// leakage matches display names or ids that only this network produces.
	leakage []*regexp.Regexp
	// phoneIdentity marks networks whose contacts often surface as bare
	// phone numbers.
	phoneIdentity bool
	// jids marks networks whose raw ids are WhatsApp JIDs.
	jids bool
}

var phoneNumber = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{6,}[0-9]$`)

var registry = []*Platform{
	{
		Name: Telegram, Title: "Telegram", PuppetPrefix: "telegram_",
		BotLocalparts:    []string{"telegrambot", "telegram"},
		BotNames:         []string{"telegram bridge bot", "telegram bridge", "telegrambot"},
		ControlRoomNames: []string{"telegram", "telegram bridge", "telegram bridge status", "telegram login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(telegram\)$`),
			regexp.MustCompile(`(?i)@telegram_\d+:`),
			regexp.MustCompile(`(?i)^t\.me/`),
		},
		phoneIdentity: true,
	},
	{
		Name: WhatsApp, Title: "WhatsApp", PuppetPrefix: "whatsapp_",
		BotLocalparts:    []string{"whatsappbot", "whatsapp"},
		BotNames:         []string{"whatsapp bridge bot", "whatsapp bridge", "whatsappbot"},
		ControlRoomNames: []string{"whatsapp", "whatsapp bridge", "whatsapp bridge status", "whatsapp login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(whatsapp\)$`),
			regexp.MustCompile(`(?i)@whatsapp_(lid-)?\d+:`),
		},
		phoneIdentity: true,
		jids:          true,
	},
	{
		Name: Signal, Title: "Signal", PuppetPrefix: "signal_",
		BotLocalparts:    []string{"signalbot", "signal"},
		BotNames:         []string{"signal bridge bot", "signal bridge", "signalbot"},
		ControlRoomNames: []string{"signal", "signal bridge", "signal bridge status", "signal login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(signal\)$`),
			regexp.MustCompile(`(?i)@signal_[0-9a-f-]{36}:`),
		},
		phoneIdentity: true,
	},
	{
		Name: Instagram, Title: "Instagram", PuppetPrefix: "instagram_",
		BotLocalparts:    []string{"instagrambot", "instagram", "metabot"},
		BotNames:         []string{"instagram bridge bot", "instagram bridge", "instagrambot"},
		ControlRoomNames: []string{"instagram", "instagram bridge", "instagram bridge status", "instagram login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(instagram\)$`),
			regexp.MustCompile(`(?i)@instagram_\d+:`),
		},
	},
	{
		Name: Messenger, Title: "Messenger", PuppetPrefix: "facebook_",
		BotLocalparts:    []string{"facebookbot", "messengerbot", "facebook"},
		BotNames:         []string{"facebook bridge bot", "messenger bridge bot", "facebookbot"},
		ControlRoomNames: []string{"facebook", "messenger", "facebook bridge", "messenger bridge"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\((facebook|messenger)\)$`),
			regexp.MustCompile(`(?i)@facebook_\d+:`),
		},
	},
	{
		Name: Discord, Title: "Discord", PuppetPrefix: "discord_",
		BotLocalparts:    []string{"discordbot", "discord"},
		BotNames:         []string{"discord bridge bot", "discord bridge", "discordbot"},
		ControlRoomNames: []string{"discord", "discord bridge", "discord bridge status", "discord login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(discord\)$`),
			regexp.MustCompile(`(?i)@discord_\d+:`),
			regexp.MustCompile(`^.{2,32}#\d{4}$`),
		},
	},
	{
		Name: Slack, Title: "Slack", PuppetPrefix: "slack_",
		BotLocalparts:    []string{"slackbot", "slack"},
		BotNames:         []string{"slack bridge bot", "slack bridge", "slackbot"},
		ControlRoomNames: []string{"slack", "slack bridge", "slack bridge status", "slack login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(slack\)$`),
			regexp.MustCompile(`(?i)@slack_[a-z0-9]+-[a-z0-9]+:`),
		},
	},
	{
		Name: LinkedIn, Title: "LinkedIn", PuppetPrefix: "linkedin_",
		BotLocalparts:    []string{"linkedinbot", "linkedin"},
		BotNames:         []string{"linkedin bridge bot", "linkedin bridge", "linkedinbot"},
		ControlRoomNames: []string{"linkedin", "linkedin bridge", "linkedin bridge status", "linkedin login"},
		leakage: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\(linkedin\)$`),
			regexp.MustCompile(`(?i)@linkedin_[a-z0-9_-]+:`),
		},
	},
}

// All returns every known platform.
func All() []*Platform {
	return registry
}

// Lookup returns the platform with the given name.
func Lookup(name Name) (*Platform, bool) {
	for _, p := range registry {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Parse normalises a configured platform name. Unknown names are returned
// with ok=false.
func Parse(s string) (Name, bool) {
	name := Name(strings.ToLower(strings.TrimSpace(s)))
	if name == "" {
		return "", true
	}
	if name == "facebook" {
		return Messenger, true
	}
	_, ok := Lookup(name)
	return name, ok
}

// IsPuppet reports whether userID is a ghost user of this platform.
func (p *Platform) IsPuppet(userID id.UserID) bool {
	return strings.HasPrefix(strings.ToLower(userID.Localpart()), p.PuppetPrefix)
}

// IsBot reports whether userID is one of this platform's service accounts.
func (p *Platform) IsBot(userID id.UserID) bool {
	local := strings.ToLower(userID.Localpart())
	for _, bot := range p.BotLocalparts {
		if local == bot {
			return true
		}
	}
	return false
}

// RemoteID strips the puppet prefix from a ghost user's localpart.
func (p *Platform) RemoteID(userID id.UserID) string {
	local := userID.Localpart()
	if len(local) < len(p.PuppetPrefix) {
		return local
	}
	return local[len(p.PuppetPrefix):]
}

// IsBotName reports whether name is one of the bridge bot's display names.
func (p *Platform) IsBotName(name string) bool {
	name = normalize(name)
	for _, n := range p.BotNames {
		if name == n {
			return true
		}
	}
	return false
}

// IsControlRoomName reports whether name is a reserved bridge room name.
func (p *Platform) IsControlRoomName(name string) bool {
	name = normalize(name)
	for _, n := range p.ControlRoomNames {
		if name == n {
			return true
		}
	}
	return false
}

// ClaimsName reports whether a display name or id follows this platform's
// naming convention.
func (p *Platform) ClaimsName(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, re := range p.leakage {
		if re.MatchString(s) {
			return true
		}
	}
	if p.jids && isWhatsAppJID(s) {
		return true
	}
	return false
}

// Attributed reports whether room belongs to this platform, judged by its
// members' ids and its timeline senders.
func (p *Platform) Attributed(room *protocol.Room) bool {
	for _, m := range room.Members {
		if p.IsPuppet(m.UserID) || p.IsBot(m.UserID) {
			return true
		}
	}
	for _, evt := range room.Timeline {
		if p.IsPuppet(evt.Sender) || p.IsBot(evt.Sender) {
			return true
		}
	}
	return false
}

// UsesPhoneIdentity reports whether contacts of this network may be named
// by their phone number.
func (p *Platform) UsesPhoneIdentity() bool {
	return p.phoneIdentity
}

// IsPhoneNumber reports whether name is a bare phone number.
func IsPhoneNumber(name string) bool {
	return phoneNumber.MatchString(strings.TrimSpace(name))
}

// IsServiceAccount reports whether userID is a bridge bot of any platform.
func IsServiceAccount(userID id.UserID) bool {
	for _, p := range registry {
		if p.IsBot(userID) {
			return true
		}
	}
	return false
}

// IsBridgeBotName reports whether name is any platform's bridge bot name.
func IsBridgeBotName(name string) bool {
	for _, p := range registry {
		if p.IsBotName(name) {
			return true
		}
	}
	return false
}

// IsControlRoomName reports whether name is any platform's reserved room name.
func IsControlRoomName(name string) bool {
	for _, p := range registry {
		if p.IsControlRoomName(name) {
			return true
		}
	}
	return false
}

// IsGenericName reports whether name is just a platform's title, e.g.
// "Telegram" or "WhatsApp".
func IsGenericName(name string) bool {
	name = normalize(name)
	for _, p := range registry {
		if name == strings.ToLower(p.Title) || name == string(p.Name) {
			return true
		}
	}
	return false
}

// Owner returns the first platform claiming s by naming convention.
func Owner(s string) (*Platform, bool) {
	for _, p := range registry {
		if p.ClaimsName(s) {
			return p, true
		}
	}
	return nil, false
}

func isWhatsAppJID(s string) bool {
	if !strings.Contains(s, "@") || strings.ContainsAny(s, " :") {
		return false
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return false
	}
	switch jid.Server {
	case types.DefaultUserServer, types.GroupServer, types.HiddenUserServer, types.BroadcastServer:
		return jid.User != ""
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
