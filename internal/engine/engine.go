package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/metrics"
	"github.com/oshokin/alarm-engine/internal/telemetry"
)

// Publisher receives activation and deactivation events.
// Publish is called with the engine lock held and must not block.
type Publisher interface {
	Publish(event alarm.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(event alarm.Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event alarm.Event) {
	f(event)
}

// Status is a snapshot of one rule's runtime state.
type Status struct {
	Rule         alarm.Rule
	Phase        alarm.Phase
	PendingSince time.Time
	LastValue    float64
	LastSeen     time.Time
}

// Engine evaluates rules against telemetry ticks.
type Engine struct {
	// ctx carries the named logger used from timer goroutines.
	ctx       context.Context
	source    telemetry.Source
	publisher Publisher
	timers    *DebounceTimers
	now       func() time.Time

	// states holds the runtime state of every known rule by id.
	states map[string]*ruleState
	// byChannel indexes evaluable rule ids by the channel they listen on.
	byChannel map[string]map[string]struct{}
	// generation is bumped on every arm so timer callbacks are never reused.
	generation uint64
	// closed stops timer callbacks that were already running when Close ran.
	closed bool
	mu     sync.Mutex
}

// ruleState is the long-lived runtime state of one rule.
type ruleState struct {
	rule         alarm.Rule
	phase        alarm.Phase
	pendingSince time.Time
	lastValue    float64
	lastSeen     time.Time
	// armed is the generation of the timer that may activate this rule.
	armed uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine reading telemetry from source and publishing to publisher.
func New(ctx context.Context, source telemetry.Source, publisher Publisher, opts ...Option) *Engine {
	e := &Engine{
		ctx:       logger.WithName(ctx, "engine"),
		source:    source,
		publisher: publisher,
		timers:    NewDebounceTimers(),
		now:       time.Now,
		states:    make(map[string]*ruleState),
		byChannel: make(map[string]map[string]struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// SyncRules makes the engine track exactly the given rules.
// Rules that are new get Idle state and rules that vanished are discarded.
// A changed rule keeps its phase when its condition is unchanged; otherwise
// it restarts from Idle, and an Active rule is deactivated first.
func (e *Engine) SyncRules(rules []alarm.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wanted := make(map[string]struct{}, len(rules))

	for _, rule := range rules {
		if rule.ID == "" {
			continue
		}

		wanted[rule.ID] = struct{}{}

		if current, ok := e.states[rule.ID]; ok {
			if e.updateLocked(current, rule) {
				continue
			}

			e.discardLocked(rule.ID)
		}

		e.addLocked(rule)
	}

	for id := range e.states {
		if _, ok := wanted[id]; !ok {
			e.discardLocked(id)
		}
	}
}

// AddRule starts tracking a rule. A rule that is already tracked is left as is.
func (e *Engine) AddRule(rule alarm.Rule) {
	if rule.ID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.states[rule.ID]; ok {
		return
	}

	e.addLocked(rule)
}

// RemoveRule cancels the rule's timer and discards its state in one step.
// No event is emitted, even if the rule was Active.
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.discardLocked(ruleID)
}

// HandleTick evaluates every rule listening on channelID against the latest values.
func (e *Engine) HandleTick(ctx context.Context, channelID string) {
	metrics.TicksTotal.Inc()

	channel, ok := e.source.Channel(channelID)
	if !ok {
		logger.DebugKV(ctx, "Tick for unknown channel", "channel", channelID)

		return
	}

	at, ok := channel.LatestTimestamp()
	if !ok {
		at = e.now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for ruleID := range e.byChannel[channelID] {
		state := e.states[ruleID]

		value, ok := channel.Latest(state.rule.Variable)
		if !ok {
			metrics.EvaluationsTotal.WithLabelValues(metrics.VerdictMissing).Inc()
			logger.DebugKV(ctx, "No value for rule variable, skipping",
				"rule_id", ruleID, "channel", channelID, "variable", state.rule.Variable)

			continue
		}

		verdict := alarm.Evaluate(state.rule.Operator, value, state.rule.Threshold)
		if verdict {
			metrics.EvaluationsTotal.WithLabelValues(metrics.VerdictTrue).Inc()
		} else {
			metrics.EvaluationsTotal.WithLabelValues(metrics.VerdictFalse).Inc()
		}

		e.stepLocked(ctx, state, verdict, value, at)
	}
}

// Phase returns the current phase of a tracked rule.
func (e *Engine) Phase(ruleID string) (alarm.Phase, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[ruleID]
	if !ok {
		return alarm.PhaseIdle, false
	}

	return state.phase, true
}

// ActiveRuleIDs returns the sorted ids of rules in the Active phase.
func (e *Engine) ActiveRuleIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0)

	for id, state := range e.states {
		if state.phase == alarm.PhaseActive {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

// Statuses returns a snapshot of every tracked rule, sorted by rule id.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]Status, 0, len(e.states))

	for _, state := range e.states {
		result = append(result, Status{
			Rule:         state.rule,
			Phase:        state.phase,
			PendingSince: state.pendingSince,
			LastValue:    state.lastValue,
			LastSeen:     state.lastSeen,
		})
	}

	slices.SortFunc(result, func(a, b Status) int {
		switch {
		case a.Rule.ID < b.Rule.ID:
			return -1
		case a.Rule.ID > b.Rule.ID:
			return 1
		default:
			return 0
		}
	})

	return result
}

// Close stops every armed timer. Ticks handled after Close still evaluate
// but no rule activates afterwards, not even through a timer callback that
// was already waiting for the lock.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	e.timers.Stop()

	for _, state := range e.states {
		state.armed = 0
	}
}

func (e *Engine) addLocked(rule alarm.Rule) {
	e.states[rule.ID] = &ruleState{rule: rule}

	if !rule.Evaluable() {
		logger.WarnKV(e.ctx, "Rule has no device topic or variable and will never be evaluated",
			"rule_id", rule.ID, "rule_name", rule.Name)

		return
	}

	if !rule.Operator.Valid() {
		logger.WarnKV(e.ctx, "Rule has an unsupported operator and will never activate",
			"rule_id", rule.ID, "rule_name", rule.Name, "operator", string(rule.Operator))
	}

	channelID := rule.Channel()

	ids, ok := e.byChannel[channelID]
	if !ok {
		ids = make(map[string]struct{})
		e.byChannel[channelID] = ids
	}

	ids[rule.ID] = struct{}{}
}

// updateLocked applies a new definition of a tracked rule in place when its
// runtime state stays valid. It returns false when the state must be rebuilt.
func (e *Engine) updateLocked(state *ruleState, rule alarm.Rule) bool {
	switch {
	case state.rule == rule:
		return true
	case !state.rule.SameCondition(rule):
		if state.phase == alarm.PhaseActive {
			e.transitioned(e.ctx, state.rule.ID, alarm.PhaseActive, alarm.PhaseIdle)
			e.publishLocked(alarm.EventDeactivation, state, e.now())
		}

		return false
	case state.phase == alarm.PhasePending && state.rule.WaitTime() != rule.WaitTime():
		// The armed timer still counts the old wait time.
		return false
	}

	state.rule = rule

	return true
}

func (e *Engine) discardLocked(ruleID string) bool {
	state, ok := e.states[ruleID]
	if !ok {
		return false
	}

	e.timers.Cancel(ruleID)
	delete(e.states, ruleID)

	channelID := state.rule.Channel()
	if ids, ok := e.byChannel[channelID]; ok {
		delete(ids, ruleID)

		if len(ids) == 0 {
			delete(e.byChannel, channelID)
		}
	}

	return true
}

// stepLocked applies one verdict to the rule's phase.
func (e *Engine) stepLocked(ctx context.Context, state *ruleState, verdict bool, value float64, at time.Time) {
	state.lastValue = value
	state.lastSeen = at

	switch state.phase {
	case alarm.PhaseIdle:
		if !verdict {
			return
		}

		e.generation++
		generation := e.generation
		ruleID := state.rule.ID

		state.phase = alarm.PhasePending
		state.pendingSince = at
		state.armed = generation

		e.timers.Arm(ruleID, state.rule.WaitTime(), func() {
			e.fire(ruleID, generation)
		})

		e.transitioned(ctx, state.rule.ID, alarm.PhaseIdle, alarm.PhasePending)

	case alarm.PhasePending:
		if verdict {
			return
		}

		e.timers.Cancel(state.rule.ID)

		state.phase = alarm.PhaseIdle
		state.pendingSince = time.Time{}
		state.armed = 0

		e.transitioned(ctx, state.rule.ID, alarm.PhasePending, alarm.PhaseIdle)

	case alarm.PhaseActive:
		if verdict {
			return
		}

		state.phase = alarm.PhaseIdle
		state.pendingSince = time.Time{}

		e.transitioned(ctx, state.rule.ID, alarm.PhaseActive, alarm.PhaseIdle)
		e.publishLocked(alarm.EventDeactivation, state, at)
	}
}

// fire is the debounce timer callback.
func (e *Engine) fire(ruleID string, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.states[ruleID]
	if e.closed || !ok || state.phase != alarm.PhasePending || state.armed != generation {
		logger.DebugKV(e.ctx, "Stale debounce timer ignored", "rule_id", ruleID)

		return
	}

	state.phase = alarm.PhaseActive
	state.armed = 0

	e.transitioned(e.ctx, ruleID, alarm.PhasePending, alarm.PhaseActive)
	e.publishLocked(alarm.EventActivation, state, e.now())
}

func (e *Engine) publishLocked(kind alarm.EventKind, state *ruleState, at time.Time) {
	if e.publisher == nil {
		return
	}

	e.publisher.Publish(alarm.Event{
		Kind:      kind,
		RuleID:    state.rule.ID,
		RuleName:  state.rule.Name,
		Device:    state.rule.DeviceTopic,
		Variable:  state.rule.Variable,
		Value:     state.lastValue,
		Severity:  state.rule.Severity,
		Timestamp: at,
	})
}

func (e *Engine) transitioned(ctx context.Context, ruleID string, from, to alarm.Phase) {
	metrics.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	logger.DebugKV(ctx, "Rule phase changed", "rule_id", ruleID, "from", from.String(), "to", to.String())
}
