package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// SnapshotServiceServer is the server API for SnapshotService
type SnapshotServiceServer interface {
	Push(SnapshotService_PushServer) error
}

// SnapshotService_PushServer is the server side of a Push stream
type SnapshotService_PushServer interface {
	SendAndClose(*MPushAck) error
	Recv() (*MSnapshotChunk, error)
	grpc.ServerStream
}

type snapshotServicePushServer struct {
	grpc.ServerStream
}

func (x *snapshotServicePushServer) SendAndClose(m *MPushAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *snapshotServicePushServer) Recv() (*MSnapshotChunk, error) {
	m := new(MSnapshotChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func snapshotServicePushHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SnapshotServiceServer).Push(&snapshotServicePushServer{stream})
}

// SnapshotService_ServiceDesc is the grpc.ServiceDesc for SnapshotService
var SnapshotService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "rpc.SnapshotService",
	HandlerType: (*SnapshotServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Push",
			Handler:       snapshotServicePushHandler,
			ClientStreams: true,
		},
	},
	Metadata: "s_snapshot.proto",
}

// RegisterSnapshotServiceServer registers srv with s. The server must be created with
// ServerOptions, so that it speaks this package's Codec.
func RegisterSnapshotServiceServer(s grpc.ServiceRegistrar, srv SnapshotServiceServer) {
	s.RegisterService(&SnapshotService_ServiceDesc, srv)
}

// ServerOptions returns the grpc.ServerOptions required to serve SnapshotService
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(Codec{})}
}

// SnapshotServiceClient is the client API for SnapshotService
type SnapshotServiceClient interface {
	Push(ctx context.Context, opts ...grpc.CallOption) (SnapshotService_PushClient, error)
}

type snapshotServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSnapshotServiceClient creates a SnapshotServiceClient
func NewSnapshotServiceClient(cc grpc.ClientConnInterface) SnapshotServiceClient {
	return &snapshotServiceClient{cc}
}

func (c *snapshotServiceClient) Push(ctx context.Context, opts ...grpc.CallOption) (SnapshotService_PushClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &SnapshotService_ServiceDesc.Streams[0], "/rpc.SnapshotService/Push", opts...)
	if err != nil {
		return nil, err
	}
	return &snapshotServicePushClient{stream}, nil
}

// SnapshotService_PushClient is the client side of a Push stream
type SnapshotService_PushClient interface {
	Send(*MSnapshotChunk) error
	CloseAndRecv() (*MPushAck, error)
	grpc.ClientStream
}

type snapshotServicePushClient struct {
	grpc.ClientStream
}

func (x *snapshotServicePushClient) Send(m *MSnapshotChunk) error {
	return x.ClientStream.SendMsg(m)
}

func (x *snapshotServicePushClient) CloseAndRecv() (*MPushAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(MPushAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
