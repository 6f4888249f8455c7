package api

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/roomsync/internal/bus"
	"github.com/matheus3301/roomsync/internal/organize"
	"github.com/matheus3301/roomsync/internal/setup"
	"github.com/matheus3301/roomsync/internal/store"
	intsync "github.com/matheus3301/roomsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Coordinator is the part of the sync coordinator the service reads from.
type Coordinator interface {
	Rooms(userID string) []store.RoomRecord
	SyncRooms(ctx context.Context, userID string, force bool) []store.RoomRecord
	Session(userID string) (intsync.SessionInfo, error)
	Sessions() []intsync.SessionInfo
}

// SetupTracker tracks initial-sync progress requests.
type SetupTracker interface {
	Start(userID string) string
	Status(requestID string) (setup.Status, error)
}

// ServiceOptions configure a RoomsService.
type ServiceOptions struct {
	Coordinator Coordinator
	Setup       SetupTracker
	Bus         *bus.Bus
	// Organize holds the configured organizer options per user id.
	Organize map[string]organize.Options
	// DefaultUser answers requests that leave the user id empty.
	DefaultUser string
	Logger      *zap.Logger
}

// RoomsService implements RoomSyncServer.
type RoomsService struct {
	coord       Coordinator
	setup       SetupTracker
	bus         *bus.Bus
	organize    map[string]organize.Options
	defaultUser string
	logger      *zap.Logger
}

var _ RoomSyncServer = (*RoomsService)(nil)

// NewRoomsService creates the service.
func NewRoomsService(opts ServiceOptions) *RoomsService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RoomsService{
		coord:       opts.Coordinator,
		setup:       opts.Setup,
		bus:         opts.Bus,
		organize:    opts.Organize,
		defaultUser: opts.DefaultUser,
		logger:      opts.Logger,
	}
}

func (s *RoomsService) user(requested string) (string, error) {
	userID := strings.TrimSpace(requested)
	if userID == "" {
		userID = s.defaultUser
	}
	if userID == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "user id is required")
	}
	if s.coord == nil {
		return "", grpcstatus.Errorf(codes.Unavailable, "coordinator not initialized")
	}
	if _, err := s.coord.Session(userID); err != nil {
		if errors.Is(err, intsync.ErrNoSession) {
			return "", grpcstatus.Errorf(codes.NotFound, "no session for %s", userID)
		}
		return "", grpcstatus.Errorf(codes.Internal, "session %s: %v", userID, err)
	}
	return userID, nil
}

func (s *RoomsService) ListRooms(_ context.Context, req *ListRoomsRequest) (*ListRoomsResponse, error) {
	userID, err := s.user(req.UserID)
	if err != nil {
		return nil, err
	}
	return &ListRoomsResponse{UserID: userID, Rooms: s.coord.Rooms(userID)}, nil
}

func (s *RoomsService) OrganizeRooms(_ context.Context, req *OrganizeRoomsRequest) (*OrganizeRoomsResponse, error) {
	userID, err := s.user(req.UserID)
	if err != nil {
		return nil, err
	}
	opts := s.organize[userID]
	if len(req.Pinned) > 0 {
		opts.Pinned = organize.NewSet(req.Pinned...)
	}
	if len(req.Muted) > 0 {
		opts.Muted = organize.NewSet(req.Muted...)
	}
	if len(req.Archived) > 0 {
		opts.Archived = organize.NewSet(req.Archived...)
	}
	if len(req.MentionKeywords) > 0 {
		opts.MentionKeywords = req.MentionKeywords
	}
	opts.ShowMuted = opts.ShowMuted || req.ShowMuted
	opts.ShowArchived = opts.ShowArchived || req.ShowArchived

	buckets := organize.Organize(s.coord.Rooms(userID), opts)
	resp := &OrganizeRoomsResponse{UserID: userID, Buckets: make([]Bucket, 0, len(organize.Categories))}
	for _, cat := range organize.Categories {
		rooms := buckets[cat]
		if rooms == nil {
			rooms = []store.RoomRecord{}
		}
		resp.Buckets = append(resp.Buckets, Bucket{Category: string(cat), Rooms: rooms})
	}
	return resp, nil
}

func (s *RoomsService) SyncRooms(ctx context.Context, req *SyncRoomsRequest) (*SyncRoomsResponse, error) {
	userID, err := s.user(req.UserID)
	if err != nil {
		return nil, err
	}
	rooms := s.coord.SyncRooms(ctx, userID, req.Force)
	if err := ctx.Err(); err != nil {
		return nil, grpcstatus.FromContextError(err).Err()
	}
	return &SyncRoomsResponse{UserID: userID, Rooms: rooms}, nil
}

func (s *RoomsService) StartSetup(_ context.Context, req *StartSetupRequest) (*StartSetupResponse, error) {
	if s.setup == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "setup tracker not initialized")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = s.defaultUser
	}
	if userID == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "user id is required")
	}
	requestID := s.setup.Start(userID)
	s.logger.Info("setup tracking started", zap.String("user_id", userID), zap.String("request_id", requestID))
	return &StartSetupResponse{RequestID: requestID}, nil
}

func (s *RoomsService) GetSetupStatus(_ context.Context, req *GetSetupStatusRequest) (*GetSetupStatusResponse, error) {
	if s.setup == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "setup tracker not initialized")
	}
	st, err := s.setup.Status(req.RequestID)
	if errors.Is(err, setup.ErrUnknownRequest) {
		return nil, grpcstatus.Errorf(codes.NotFound, "unknown setup request %q", req.RequestID)
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "setup status: %v", err)
	}
	return &GetSetupStatusResponse{Status: st}, nil
}

func (s *RoomsService) ListSessions(_ context.Context, _ *ListSessionsRequest) (*ListSessionsResponse, error) {
	if s.coord == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "coordinator not initialized")
	}
	infos := s.coord.Sessions()
	slices.SortFunc(infos, func(a, b intsync.SessionInfo) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	resp := &ListSessionsResponse{Sessions: make([]SessionSummary, 0, len(infos))}
	for _, info := range infos {
		sum := SessionSummary{
			UserID:     info.UserID,
			Platform:   info.Platform,
			SortOrder:  string(info.SortOrder),
			State:      string(info.State),
			RoomCount:  info.RoomCount,
			Synced:     info.Synced,
			InProgress: info.InProgress,
		}
		if !info.LastSyncedAt.IsZero() {
			sum.LastSyncedAtMs = info.LastSyncedAt.UnixMilli()
		}
		resp.Sessions = append(resp.Sessions, sum)
	}
	return resp, nil
}

// WatchRooms sends the current room list, then every throttled update
// until the client goes away or the session closes.
func (s *RoomsService) WatchRooms(req *WatchRoomsRequest, stream RoomsStream) error {
	if s.bus == nil {
		return grpcstatus.Errorf(codes.Unavailable, "event bus not initialized")
	}
	userID, err := s.user(req.UserID)
	if err != nil {
		return err
	}

	// Subscribe before reading the snapshot so no update falls between them.
	ch, unsub := s.bus.SubscribeUser("rooms.", userID, 64)
	defer unsub()
	closed, unsubClosed := s.bus.SubscribeUser("session.", userID, 1)
	defer unsubClosed()

	if err := stream.Send(s.snapshot(userID, s.coord.Rooms(userID), 0)); err != nil {
		return err
	}
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			rooms, ok := evt.Payload.([]store.RoomRecord)
			if !ok {
				s.logger.Warn("unexpected rooms payload", zap.String("kind", evt.Kind))
				continue
			}
			if err := stream.Send(s.snapshot(userID, rooms, evt.Timestamp.UnixMilli())); err != nil {
				return err
			}
		case <-closed:
			return nil
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *RoomsService) snapshot(userID string, rooms []store.RoomRecord, atMs int64) *RoomsSnapshot {
	if rooms == nil {
		rooms = []store.RoomRecord{}
	}
	return &RoomsSnapshot{
		EventID:          uuid.New().String(),
		UserID:           userID,
		OccurredAtUnixMs: atMs,
		Rooms:            rooms,
	}
}
