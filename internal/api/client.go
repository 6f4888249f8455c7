package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps a gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

func (c *Client) ListRooms(ctx context.Context, req *ListRoomsRequest) (*ListRoomsResponse, error) {
	out := new(ListRoomsResponse)
	if err := c.invoke(ctx, "ListRooms", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) OrganizeRooms(ctx context.Context, req *OrganizeRoomsRequest) (*OrganizeRoomsResponse, error) {
	out := new(OrganizeRoomsResponse)
	if err := c.invoke(ctx, "OrganizeRooms", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SyncRooms(ctx context.Context, req *SyncRoomsRequest) (*SyncRoomsResponse, error) {
	out := new(SyncRoomsResponse)
	if err := c.invoke(ctx, "SyncRooms", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartSetup(ctx context.Context, req *StartSetupRequest) (*StartSetupResponse, error) {
	out := new(StartSetupResponse)
	if err := c.invoke(ctx, "StartSetup", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetSetupStatus(ctx context.Context, req *GetSetupStatusRequest) (*GetSetupStatusResponse, error) {
	out := new(GetSetupStatusResponse)
	if err := c.invoke(ctx, "GetSetupStatus", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	out := new(ListSessionsResponse)
	if err := c.invoke(ctx, "ListSessions", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RoomsWatcher receives WatchRooms snapshots.
type RoomsWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next snapshot.
func (w *RoomsWatcher) Recv() (*RoomsSnapshot, error) {
	m := new(RoomsSnapshot)
	if err := w.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchRooms opens a snapshot stream. Cancel ctx to end it.
func (c *Client) WatchRooms(ctx context.Context, req *WatchRoomsRequest) (*RoomsWatcher, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+desc.StreamName)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &RoomsWatcher{stream: stream}, nil
}
