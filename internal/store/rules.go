package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oshokin/alarm-engine/internal/backend"
	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
)

// DefaultConfirmation is the phrase Remove expects unless configured otherwise.
const DefaultConfirmation = "delete"

var (
	// ErrBackendUnavailable wraps backend failures; the store is left unchanged.
	ErrBackendUnavailable = errors.New("rule backend unavailable")
	// ErrConfirmationMismatch is returned when the delete phrase is wrong.
	ErrConfirmationMismatch = errors.New("confirmation phrase does not match")
	// ErrNotFound is returned for an id the store does not hold.
	ErrNotFound = errors.New("rule not found")
	// ErrMissingID is returned when the backend did not assign an id.
	ErrMissingID = errors.New("backend returned no rule id")
)

// RuleBackend is the part of the backend client the rule store needs.
type RuleBackend interface {
	ListRules(ctx context.Context) ([]alarm.Rule, error)
	CreateRule(ctx context.Context, rule alarm.Rule) (string, error)
	DeleteRule(ctx context.Context, ruleID string) error
}

// Listener is notified with the full rule list after every change.
type Listener func(ctx context.Context, rules []alarm.Rule)

// RuleStore is the authoritative in-memory copy of the session's rules.
type RuleStore struct {
	backend      RuleBackend
	confirmation string
	// sem admits one backend round trip at a time, so a slow Load cannot
	// overwrite a rule added or removed while its list was in flight.
	sem chan struct{}

	mu        sync.RWMutex
	rules     []alarm.Rule
	listeners []Listener
	// notifyMu keeps listener calls in change order.
	notifyMu sync.Mutex
}

// RuleOption configures a RuleStore.
type RuleOption func(*RuleStore)

// WithConfirmation sets the phrase Remove expects.
func WithConfirmation(phrase string) RuleOption {
	return func(s *RuleStore) {
		if phrase = strings.TrimSpace(phrase); phrase != "" {
			s.confirmation = phrase
		}
	}
}

// NewRuleStore creates an empty store backed by backend.
func NewRuleStore(backend RuleBackend, opts ...RuleOption) *RuleStore {
	s := &RuleStore{
		backend:      backend,
		confirmation: DefaultConfirmation,
		sem:          make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnChange registers a listener called after Load, Add and Remove.
func (s *RuleStore) OnChange(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, listener)
}

// Load replaces the cached rules with the backend's list.
func (s *RuleStore) Load(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	defer s.release()

	rules, err := s.backend.ListRules(ctx)
	if err != nil {
		return backendError("load rules", err)
	}

	loaded := make([]alarm.Rule, 0, len(rules))

	for _, rule := range rules {
		if strings.TrimSpace(rule.ID) == "" {
			logger.WarnKV(ctx, "Skipping rule without id", "rule_name", rule.Name)

			continue
		}

		loaded = append(loaded, rule)
	}

	s.mu.Lock()
	s.rules = loaded
	s.mu.Unlock()

	logger.InfoKV(ctx, "Rules loaded", "count", len(loaded))
	s.changed(ctx)

	return nil
}

// Add persists the rule and stores it under the backend-assigned id.
func (s *RuleStore) Add(ctx context.Context, rule alarm.Rule) (alarm.Rule, error) {
	if err := rule.Validate(); err != nil {
		return alarm.Rule{}, err
	}

	if err := s.acquire(ctx); err != nil {
		return alarm.Rule{}, fmt.Errorf("create rule: %w", err)
	}
	defer s.release()

	id, err := s.backend.CreateRule(ctx, rule)
	if err != nil {
		return alarm.Rule{}, backendError("create rule", err)
	}

	if strings.TrimSpace(id) == "" {
		return alarm.Rule{}, fmt.Errorf("create rule: %w", ErrMissingID)
	}

	rule.ID = id

	s.mu.Lock()
	s.rules = append(slices.DeleteFunc(s.rules, func(r alarm.Rule) bool { return r.ID == id }), rule)
	s.mu.Unlock()

	logger.InfoKV(ctx, "Rule created", "rule_id", id, "rule_name", rule.Name)
	s.changed(ctx)

	return rule, nil
}

// Remove deletes a rule after checking the confirmation phrase locally.
func (s *RuleStore) Remove(ctx context.Context, ruleID, confirmation string) error {
	if !strings.EqualFold(strings.TrimSpace(confirmation), s.confirmation) {
		return ErrConfirmationMismatch
	}

	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	defer s.release()

	if _, ok := s.Get(ruleID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ruleID)
	}

	if err := s.backend.DeleteRule(ctx, ruleID); err != nil {
		return backendError("delete rule", err)
	}

	s.mu.Lock()
	s.rules = slices.DeleteFunc(s.rules, func(r alarm.Rule) bool { return r.ID == ruleID })
	s.mu.Unlock()

	logger.InfoKV(ctx, "Rule deleted", "rule_id", ruleID)
	s.changed(ctx)

	return nil
}

// List returns a copy of the cached rules.
func (s *RuleStore) List() []alarm.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.rules)
}

// Get returns a cached rule by id.
func (s *RuleStore) Get(ruleID string) (alarm.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := slices.IndexFunc(s.rules, func(r alarm.Rule) bool { return r.ID == ruleID })
	if idx < 0 {
		return alarm.Rule{}, false
	}

	return s.rules[idx], true
}

func (s *RuleStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RuleStore) release() {
	<-s.sem
}

func (s *RuleStore) changed(ctx context.Context) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.RLock()
	rules := slices.Clone(s.rules)
	listeners := slices.Clone(s.listeners)
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(ctx, rules)
	}
}

// backendError wraps a backend failure. Rejections keep their own identity;
// anything else is reported as ErrBackendUnavailable.
func backendError(operation string, err error) error {
	switch {
	case errors.Is(err, backend.ErrMissingID):
		return fmt.Errorf("%s: %w", operation, ErrMissingID)
	case errors.Is(err, backend.ErrRejected):
		return fmt.Errorf("%s: %w", operation, err)
	default:
		return fmt.Errorf("%s: %w: %w", operation, ErrBackendUnavailable, err)
	}
}
