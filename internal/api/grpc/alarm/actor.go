package alarm

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// ActorMetadataKey carries the user@host of the caller on mutating calls.
const ActorMetadataKey = "x-alarm-actor"

// unknownActor is logged when the caller did not identify itself.
const unknownActor = "<unknown>"

// WithActor attaches the caller identity to outgoing metadata.
func WithActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}

	return metadata.AppendToOutgoingContext(ctx, ActorMetadataKey, actor)
}

// ActorFromContext returns the caller identity sent with an incoming call.
func ActorFromContext(ctx context.Context) string {
	values := metadata.ValueFromIncomingContext(ctx, ActorMetadataKey)
	if len(values) == 0 || values[0] == "" {
		return unknownActor
	}

	return values[0]
}
