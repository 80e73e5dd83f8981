package alarm

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "alarmengine.v1.AlarmEngine"

// Method names.
const (
	MethodGetActiveRules        = "GetActiveRules"
	MethodListRules             = "ListRules"
	MethodCreateRule            = "CreateRule"
	MethodDeleteRule            = "DeleteRule"
	MethodListActivationHistory = "ListActivationHistory"
	MethodWatchEvents           = "WatchEvents"
)

// Handler is the server side of the AlarmEngine service.
type Handler interface {
	GetActiveRules(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	ListRules(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	CreateRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteRule(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	ListActivationHistory(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
	WatchEvents(req *emptypb.Empty, stream EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(event *structpb.Struct) error
	Context() context.Context
}

// ServiceDesc describes the AlarmEngine service for grpc.Server.
//
//nolint:gochecknoglobals // Mirrors the descriptor protoc would generate.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetActiveRules, Handler.GetActiveRules),
		unary(MethodListRules, Handler.ListRules),
		unary(MethodCreateRule, Handler.CreateRule),
		unary(MethodDeleteRule, Handler.DeleteRule),
		unary(MethodListActivationHistory, Handler.ListActivationHistory),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "alarmengine/v1/alarm_engine.proto",
}

// Register adds the handler to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, handler Handler) {
	registrar.RegisterService(&ServiceDesc, handler)
}

// FullMethod returns the "/service/method" path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds a method descriptor that decodes Req and calls the handler method.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](
	method string,
	call func(Handler, context.Context, PReq) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(
			srv any,
			ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}

			handler, _ := srv.(Handler)

			if interceptor == nil {
				return call(handler, ctx, in)
			}

			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(method),
			}

			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				typed, _ := req.(PReq)

				return call(handler, ctx, typed)
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	handler, _ := srv.(Handler)

	return handler.WatchEvents(in, &eventServerStream{ServerStream: stream})
}

type eventServerStream struct {
	grpc.ServerStream
}

func (s *eventServerStream) Send(event *structpb.Struct) error {
	return s.SendMsg(event)
}
