package store

// Membership is the caller's membership state in a room.
type Membership string

const (
	MembershipJoin    Membership = "join"
	MembershipInvite  Membership = "invite"
	MembershipLeave   Membership = "leave"
	MembershipBan     Membership = "ban"
	MembershipUnknown Membership = "unknown"
)

// Presentable reports whether rooms in this state may appear in a room list.
func (m Membership) Presentable() bool {
	return m == MembershipJoin || m == MembershipInvite
}

// EntityKind classifies a room.
type EntityKind string

const (
	KindDirectMessage EntityKind = "direct_message"
	KindBot           EntityKind = "bot"
	KindChannel       EntityKind = "channel"
	KindSupergroup    EntityKind = "supergroup"
	KindPublicGroup   EntityKind = "public_group"
	KindPrivateGroup  EntityKind = "private_group"
	KindUnknown       EntityKind = "unknown"
)

// MaxUnread is the cap applied to RoomRecord.UnreadCount.
const MaxUnread = 99

// PlatformContact is the remote identity behind a bridged direct message.
type PlatformContact struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// RoomRecord is the canonical conversation unit handed to the UI.
type RoomRecord struct {
	ID                    string           `json:"id"`
	DisplayName           string           `json:"displayName"`
	AvatarRef             string           `json:"avatarRef,omitempty"`
	LastMessagePreview    string           `json:"lastMessagePreview"`
	LastActivityTimestamp int64            `json:"lastActivityTimestamp"`
	UnreadCount           int              `json:"unreadCount"`
	MemberCount           int              `json:"memberCount"`
	IsGroup               bool             `json:"isGroup"`
	EntityKind            EntityKind       `json:"entityKind"`
	CanSendMessages       bool             `json:"canSendMessages"`
	MembershipState       Membership       `json:"membershipState"`
	PlatformContact       *PlatformContact `json:"platformContact,omitempty"`
	IsPlaceholder         bool             `json:"isPlaceholder"`
}

// EffectiveUnread is the unread count used for ordering and bucketing.
// Placeholders never count as unread.
func (r RoomRecord) EffectiveUnread() int {
	if r.IsPlaceholder || r.UnreadCount < 0 {
		return 0
	}
	return r.UnreadCount
}

// Message is a timeline entry delivered with message updates.
type Message struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	Sender    string `json:"sender"`
	Type      string `json:"type"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

// CacheEntry is one user's cached room list in a cache tier. Platform is
// the platform constraint the list was built under, empty for none.
type CacheEntry struct {
	UserID      string       `json:"userId"`
	Platform    string       `json:"platform,omitempty"`
	Rooms       []RoomRecord `json:"rooms"`
	LastUpdated int64        `json:"lastUpdated"`
}

// ConnectionStatus is the persisted per-platform connection info of a user.
type ConnectionStatus struct {
	UserID       string
	Platform     string
	AnchorRoomID string
	UpdatedAt    int64
}
