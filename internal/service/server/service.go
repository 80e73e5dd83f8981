package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oshokin/alarm-engine/internal/backend"
	"github.com/oshokin/alarm-engine/internal/config"
	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/engine"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/notify"
	"github.com/oshokin/alarm-engine/internal/store"
	"github.com/oshokin/alarm-engine/internal/subscription"
	"github.com/oshokin/alarm-engine/internal/telemetry"
)

// backendClient is everything the service needs from the CRUD backend.
type backendClient interface {
	store.RuleBackend
	store.RecipientBackend
	ListActivations(ctx context.Context) ([]domain.ActivationRecord, error)
}

// service ties the rule pipeline together and backs the gRPC API.
type service struct {
	backend    backendClient
	rules      *store.RuleStore
	recipients *store.RecipientStore
	resolver   *subscription.Resolver
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	// outbox is closed on shutdown when the service opened it.
	outbox  interface{ Close() error }
	refresh time.Duration
}

// newService builds the pipeline: rule changes flow to the resolver, the
// engine and the dispatcher's active set; engine events flow to the dispatcher.
func newService(
	ctx context.Context,
	cfg *config.Config,
	client backendClient,
	source telemetry.Source,
	subscriber telemetry.Subscriber,
	outbox notify.Outbox,
) *service {
	session := domain.Session{AccountID: cfg.AccountID}
	recipients := store.NewRecipientStore(client)

	dispatcher := notify.NewDispatcher(ctx, session,
		notify.WithOutbox(outbox),
		notify.WithRecipients(recipients),
		notify.WithDigestInterval(cfg.Notify.DigestInterval),
		notify.WithToastBuffer(cfg.Notify.ToastBuffer))

	s := &service{
		backend:    client,
		rules:      store.NewRuleStore(client, store.WithConfirmation(cfg.DeleteConfirmation)),
		recipients: recipients,
		resolver:   subscription.NewResolver(subscriber),
		engine:     engine.New(ctx, source, dispatcher),
		dispatcher: dispatcher,
		refresh:    cfg.Backend.RefreshInterval,
	}

	s.rules.OnChange(s.rulesChanged)

	return s
}

// rulesChanged keeps subscriptions, runtime state and the active set in line with the store.
func (s *service) rulesChanged(ctx context.Context, rules []domain.Rule) {
	s.resolver.Resolve(ctx, rules)
	s.engine.SyncRules(rules)

	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}

	s.dispatcher.Retain(ids)
}

// reload fetches rules and recipients; failures keep the cached state.
func (s *service) reload(ctx context.Context) error {
	errRules := s.rules.Load(ctx)
	if errRules != nil {
		logger.WarnKV(ctx, "Unable to load rules, keeping cached ones", "error", errRules)
	}

	errRecipients := s.recipients.Load(ctx)
	if errRecipients != nil {
		logger.WarnKV(ctx, "Unable to load recipients, keeping cached ones", "error", errRecipients)
	}

	return errors.Join(errRules, errRecipients)
}

// keepFresh reloads from the backend on every refresh interval until ctx is done.
func (s *service) keepFresh(ctx context.Context) {
	if s.refresh <= 0 {
		return
	}

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.reload(ctx)
		}
	}
}

// ActiveRuleIDs returns the ids in the dispatcher's active set.
func (s *service) ActiveRuleIDs(context.Context) []string {
	return s.dispatcher.ActiveRuleIDs()
}

// ListRules returns every tracked rule with its runtime state.
func (s *service) ListRules(context.Context) []engine.Status {
	return s.engine.Statuses()
}

// CreateRule persists a rule through the store.
func (s *service) CreateRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	return s.rules.Add(ctx, rule)
}

// DeleteRule removes a rule through the store.
func (s *service) DeleteRule(ctx context.Context, ruleID, confirmation string) error {
	return s.rules.Remove(ctx, ruleID, confirmation)
}

// ListActivations reads the activation history from the backend.
func (s *service) ListActivations(ctx context.Context) ([]domain.ActivationRecord, error) {
	records, err := s.backend.ListActivations(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			return nil, fmt.Errorf("list activations: %w: %w", store.ErrBackendUnavailable, err)
		}

		return nil, fmt.Errorf("list activations: %w", err)
	}

	return records, nil
}

// Subscribe forwards every engine event to handler.
func (s *service) Subscribe(handler func(domain.Event)) func() {
	return s.dispatcher.OnEvent(notify.Handler(handler))
}

// close stops debounce timers.
func (s *service) close() {
	s.engine.Close()
}
