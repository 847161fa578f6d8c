package telemetry

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "dronemarker.v1.StatusService"
	// GetStatusMethod is the full method path of GetStatus.
	GetStatusMethod = "/" + ServiceName + "/GetStatus"
)

// StatusServiceServer is the server API for StatusService.
type StatusServiceServer interface {
	GetStatus(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// StatusServiceClient is the client API for StatusService.
type StatusServiceClient interface {
	GetStatus(ctx context.Context, req *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

// StatusServiceDesc describes StatusService for grpc.Server registration.
//
//nolint:gochecknoglobals // Service descriptors are package-level by convention.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    getStatusHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dronemarker/v1/status.proto",
}

// RegisterStatusServiceServer registers srv on the given registrar.
func RegisterStatusServiceServer(registrar grpc.ServiceRegistrar, srv StatusServiceServer) {
	registrar.RegisterService(&StatusServiceDesc, srv)
}

func getStatusHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}

	server, ok := srv.(StatusServiceServer)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "status service is not implemented")
	}

	if interceptor == nil {
		return server.GetStatus(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetStatusMethod,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		empty, _ := req.(*emptypb.Empty)

		return server.GetStatus(ctx, empty)
	}

	return interceptor(ctx, in, info, handler)
}

type statusServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewStatusServiceClient creates a client bound to the connection.
func NewStatusServiceClient(cc grpc.ClientConnInterface) StatusServiceClient {
	return &statusServiceClient{cc: cc}
}

func (c *statusServiceClient) GetStatus(
	ctx context.Context,
	req *emptypb.Empty,
	opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetStatusMethod, req, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}
