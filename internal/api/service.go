package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the full gRPC service name.
const ServiceName = "roomsync.v1.RoomSync"

// RoomSyncServer is the server API of the RoomSync service.
type RoomSyncServer interface {
	ListRooms(context.Context, *ListRoomsRequest) (*ListRoomsResponse, error)
	OrganizeRooms(context.Context, *OrganizeRoomsRequest) (*OrganizeRoomsResponse, error)
	SyncRooms(context.Context, *SyncRoomsRequest) (*SyncRoomsResponse, error)
	StartSetup(context.Context, *StartSetupRequest) (*StartSetupResponse, error)
	GetSetupStatus(context.Context, *GetSetupStatusRequest) (*GetSetupStatusResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	WatchRooms(*WatchRoomsRequest, RoomsStream) error
}

// RoomsStream is the server side of a WatchRooms stream.
type RoomsStream interface {
	Send(*RoomsSnapshot) error
	grpc.ServerStream
}

type roomsStream struct {
	grpc.ServerStream
}

func (s roomsStream) Send(m *RoomsSnapshot) error {
	return s.ServerStream.SendMsg(m)
}

func unary[Req, Resp any](name string, call func(RoomSyncServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RoomSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(RoomSyncServer), ctx, req.(*Req))
			})
		},
	}
}

func watchRoomsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRoomsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RoomSyncServer).WatchRooms(in, roomsStream{stream})
}

// ServiceDesc describes the RoomSync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListRooms", RoomSyncServer.ListRooms),
		unary("OrganizeRooms", RoomSyncServer.OrganizeRooms),
		unary("SyncRooms", RoomSyncServer.SyncRooms),
		unary("StartSetup", RoomSyncServer.StartSetup),
		unary("GetSetupStatus", RoomSyncServer.GetSetupStatus),
		unary("ListSessions", RoomSyncServer.ListSessions),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchRooms",
		Handler:       watchRoomsHandler,
		ServerStreams: true,
	}},
	Metadata: "roomsync/v1/roomsync.proto",
}

// Register attaches srv to s.
func Register(s *grpc.Server, srv RoomSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
