package alarm

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the typed client side of the AlarmEngine service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// GetActiveRules calls AlarmEngine.GetActiveRules.
func (c *Client) GetActiveRules(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(MethodGetActiveRules), new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

// ListRules calls AlarmEngine.ListRules.
func (c *Client) ListRules(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(MethodListRules), new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

// CreateRule calls AlarmEngine.CreateRule.
func (c *Client) CreateRule(
	ctx context.Context,
	in *structpb.Struct,
	opts ...grpc.CallOption,
) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(MethodCreateRule), in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

// DeleteRule calls AlarmEngine.DeleteRule.
func (c *Client) DeleteRule(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, FullMethod(MethodDeleteRule), in, new(emptypb.Empty), opts...)
}

// ListActivationHistory calls AlarmEngine.ListActivationHistory.
func (c *Client) ListActivationHistory(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(MethodListActivationHistory), new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

// EventReceiver is the client side of WatchEvents.
type EventReceiver interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// WatchEvents opens the server stream of engine events.
//
//nolint:ireturn // Mirrors generated streaming clients.
func (c *Client) WatchEvents(ctx context.Context, opts ...grpc.CallOption) (EventReceiver, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchEvents), opts...)
	if err != nil {
		return nil, err
	}

	receiver := &eventClientStream{ClientStream: stream}

	if err = receiver.SendMsg(new(emptypb.Empty)); err != nil {
		return nil, fmt.Errorf("send watch request: %w", err)
	}

	if err = receiver.CloseSend(); err != nil {
		return nil, fmt.Errorf("close watch request: %w", err)
	}

	return receiver, nil
}

type eventClientStream struct {
	grpc.ClientStream
}

func (s *eventClientStream) Recv() (*structpb.Struct, error) {
	event := new(structpb.Struct)
	if err := s.RecvMsg(event); err != nil {
		return nil, err
	}

	return event, nil
}
