package hook

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server is the service side of the hook, implemented by external
// processors written in Go and by tests.
type Server interface {
	Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	FindChessboardCorners(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Calibrate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServer attaches srv to a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler(method string, call func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Server), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Process",
			Handler:    unaryHandler(processMethod, Server.Process),
		},
		{
			MethodName: "FindChessboardCorners",
			Handler:    unaryHandler(findCornersMethod, Server.FindChessboardCorners),
		},
		{
			MethodName: "Calibrate",
			Handler:    unaryHandler(calibrateMethod, Server.Calibrate),
		},
	},
	Metadata: "strandcam/hook.proto",
}

// PointsResponse builds a Process reply.
func PointsResponse(points [][2]float64) (*structpb.Struct, error) {
	list := make([]any, 0, len(points))
	for _, p := range points {
		list = append(list, map[string]any{"x": p[0], "y": p[1]})
	}
	return structpb.NewStruct(map[string]any{"points": list})
}

// CornersResponse builds a FindChessboardCorners reply.
func CornersResponse(corners [][2]float64) (*structpb.Struct, error) {
	list := make([]any, 0, len(corners))
	for _, c := range corners {
		list = append(list, []any{c[0], c[1]})
	}
	return structpb.NewStruct(map[string]any{
		"found":   len(corners) > 0,
		"corners": list,
	})
}

// IntrinsicsResponse builds a Calibrate reply.
func IntrinsicsResponse(in Intrinsics) (*structpb.Struct, error) {
	k := make([]any, 0, len(in.CameraMatrix))
	for _, v := range in.CameraMatrix {
		k = append(k, v)
	}
	d := make([]any, 0, len(in.Distortion))
	for _, v := range in.Distortion {
		d = append(d, v)
	}
	return structpb.NewStruct(map[string]any{"camera_matrix": k, "distortion": d})
}
