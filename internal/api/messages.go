package api

import (
	"github.com/matheus3301/roomsync/internal/setup"
	"github.com/matheus3301/roomsync/internal/store"
)

type ListRoomsRequest struct {
	UserID string `json:"userId"`
}

type ListRoomsResponse struct {
	UserID string             `json:"userId"`
	Rooms  []store.RoomRecord `json:"rooms"`
}

// OrganizeRoomsRequest overrides the account's configured organizer
// options. Empty lists keep the configured values.
type OrganizeRoomsRequest struct {
	UserID          string   `json:"userId"`
	Pinned          []string `json:"pinned,omitempty"`
	Muted           []string `json:"muted,omitempty"`
	Archived        []string `json:"archived,omitempty"`
	ShowMuted       bool     `json:"showMuted"`
	ShowArchived    bool     `json:"showArchived"`
	MentionKeywords []string `json:"mentionKeywords,omitempty"`
}

// Bucket is one organizer category.
type Bucket struct {
	Category string             `json:"category"`
	Rooms    []store.RoomRecord `json:"rooms"`
}

// OrganizeRoomsResponse lists every category in presentation order.
type OrganizeRoomsResponse struct {
	UserID  string   `json:"userId"`
	Buckets []Bucket `json:"buckets"`
}

type SyncRoomsRequest struct {
	UserID string `json:"userId"`
	Force  bool   `json:"force"`
}

type SyncRoomsResponse struct {
	UserID string             `json:"userId"`
	Rooms  []store.RoomRecord `json:"rooms"`
}

type StartSetupRequest struct {
	UserID string `json:"userId"`
}

type StartSetupResponse struct {
	RequestID string `json:"requestId"`
}

type GetSetupStatusRequest struct {
	RequestID string `json:"requestId"`
}

type GetSetupStatusResponse struct {
	Status setup.Status `json:"status"`
}

type ListSessionsRequest struct{}

// SessionSummary describes one live sync session.
type SessionSummary struct {
	UserID         string `json:"userId"`
	Platform       string `json:"platform,omitempty"`
	SortOrder      string `json:"sortOrder"`
	State          string `json:"state"`
	RoomCount      int    `json:"roomCount"`
	Synced         bool   `json:"synced"`
	InProgress     bool   `json:"inProgress"`
	LastSyncedAtMs int64  `json:"lastSyncedAtMs,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type WatchRoomsRequest struct {
	UserID string `json:"userId"`
}

// RoomsSnapshot is one full room list delivered by WatchRooms. Snapshots
// are never diffs.
type RoomsSnapshot struct {
	EventID          string             `json:"eventId"`
	UserID           string             `json:"userId"`
	OccurredAtUnixMs int64              `json:"occurredAtUnixMs"`
	Rooms            []store.RoomRecord `json:"rooms"`
}
