package alarm

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/alarm-engine/internal/backend"
	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/engine"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/store"
)

// watchBuffer bounds events queued for one slow WatchEvents client.
const watchBuffer = 64

// Service abstracts the engine operations the transport layer depends on.
type Service interface {
	ActiveRuleIDs(ctx context.Context) []string
	ListRules(ctx context.Context) []engine.Status
	CreateRule(ctx context.Context, rule domain.Rule) (domain.Rule, error)
	DeleteRule(ctx context.Context, ruleID, confirmation string) error
	ListActivations(ctx context.Context) ([]domain.ActivationRecord, error)
	// Subscribe registers a handler for every event and returns its cancel func.
	Subscribe(handler func(domain.Event)) func()
}

// Server implements the AlarmEngine gRPC API.
type Server struct {
	// service provides the engine and store operations.
	service Service
}

// NewServer wires the provided service implementation into a gRPC handler.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// GetActiveRules returns the ids of active rules.
func (s *Server) GetActiveRules(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return encodeResponse(ActiveRules{RuleIDs: s.service.ActiveRuleIDs(ctx)})
}

// ListRules returns every rule with its runtime phase.
func (s *Server) ListRules(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	statuses := s.service.ListRules(ctx)

	list := RuleList{Rules: make([]RuleView, 0, len(statuses))}
	for _, st := range statuses {
		list.Rules = append(list.Rules, toRuleView(st))
	}

	return encodeResponse(list)
}

// CreateRule persists a new rule and returns it with its backend id.
func (s *Server) CreateRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	var rule domain.Rule
	if err := Decode(req, &rule); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode rule: %v", err)
	}

	created, err := s.service.CreateRule(ctx, rule)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(ctx, "Rule created over API", "rule_id", created.ID, "actor", ActorFromContext(ctx))

	return encodeResponse(created)
}

// DeleteRule removes a rule after the confirmation phrase is checked.
func (s *Server) DeleteRule(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	var deleteReq DeleteRequest
	if err := Decode(req, &deleteReq); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}

	if deleteReq.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}

	if err := s.service.DeleteRule(ctx, deleteReq.ID, deleteReq.Confirmation); err != nil {
		return nil, toStatus(ctx, err)
	}

	logger.InfoKV(ctx, "Rule deleted over API", "rule_id", deleteReq.ID, "actor", ActorFromContext(ctx))

	return &emptypb.Empty{}, nil
}

// ListActivationHistory returns past activations from the backend.
func (s *Server) ListActivationHistory(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	records, err := s.service.ListActivations(ctx)
	if err != nil {
		return nil, toStatus(ctx, err)
	}

	if records == nil {
		records = []domain.ActivationRecord{}
	}

	return encodeResponse(ActivationHistory{Activations: records})
}

// WatchEvents streams activation and deactivation events until the client leaves.
// Events are dropped for a client that falls more than watchBuffer events behind.
func (s *Server) WatchEvents(_ *emptypb.Empty, stream EventStream) error {
	ctx := logger.WithName(stream.Context(), "watch-events")
	events := make(chan domain.Event, watchBuffer)

	cancel := s.service.Subscribe(func(event domain.Event) {
		select {
		case events <- event:
		default:
			logger.WarnKV(ctx, "Watcher is too slow, event dropped", "rule_id", event.RuleID)
		}
	})
	defer cancel()

	logger.Info(ctx, "Watcher connected")

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Watcher disconnected")

			return nil
		case event := <-events:
			payload, err := Encode(event)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}

			if err = stream.Send(payload); err != nil {
				return err
			}
		}
	}
}

func encodeResponse(value any) (*structpb.Struct, error) {
	payload, err := Encode(value)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}

	return payload, nil
}

// toStatus maps domain and store errors to gRPC status codes.
func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrConfirmationMismatch),
		errors.Is(err, domain.ErrInvalidRule):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrBackendUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, backend.ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrMissingID):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		logger.ErrorKV(ctx, "Request failed", "error", err)

		return status.Error(codes.Internal, "internal error")
	}
}
