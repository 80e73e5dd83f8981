package engine

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/telemetry"
)

const testChannel = "plant/boiler/sensors/#"

// fakeSource serves exactly the channel contents set by the test.
type fakeSource struct {
	channels map[string]telemetry.Channel
	mu       sync.Mutex
}

func newFakeSource() *fakeSource {
	return &fakeSource{channels: make(map[string]telemetry.Channel)}
}

func (s *fakeSource) Channel(channelID string) (telemetry.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]

	return ch, ok
}

func (s *fakeSource) set(channelID string, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := telemetry.Channel{
		Timestamps: []time.Time{time.Now()},
		Values:     make(map[string][]float64, len(values)),
	}

	for variable, value := range values {
		ch.Values[variable] = []float64{value}
	}

	s.channels[channelID] = ch
}

// recorder collects published events.
type recorder struct {
	events []alarm.Event
	mu     sync.Mutex
}

func (r *recorder) Publish(event alarm.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) snapshot() []alarm.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]alarm.Event(nil), r.events...)
}

func boilerRule(id string, waitSeconds int) alarm.Rule {
	return alarm.Rule{
		ID:              id,
		Name:            "Boiler overheat " + id,
		DeviceTopic:     "plant/boiler/#",
		Subtopic:        "sensors",
		Variable:        "temp",
		Operator:        alarm.OperatorGreater,
		Threshold:       10,
		WaitTimeSeconds: waitSeconds,
		Severity:        "high",
	}
}

type harness struct {
	engine   *Engine
	source   *fakeSource
	recorder *recorder
}

func newHarness(rules ...alarm.Rule) *harness {
	h := &harness{
		source:   newFakeSource(),
		recorder: &recorder{},
	}

	h.engine = New(context.Background(), h.source, h.recorder)
	h.engine.SyncRules(rules)

	return h
}

func (h *harness) tick(value float64) {
	h.source.set(testChannel, map[string]float64{"temp": value})
	h.engine.HandleTick(context.Background(), testChannel)
}

func (h *harness) phase(t *testing.T, ruleID string) alarm.Phase {
	t.Helper()

	phase, ok := h.engine.Phase(ruleID)
	require.True(t, ok)

	return phase
}

// TestEngine_SustainedActivation follows values 8, 11, 12, 13 at t=0, 1, 2, 6.
func TestEngine_SustainedActivation(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 5))
		defer h.engine.Close()

		h.tick(8)
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "r1"))

		time.Sleep(time.Second)
		h.tick(11)
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		activationAt := time.Now().Add(5 * time.Second)

		time.Sleep(time.Second)
		h.tick(12)
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		time.Sleep(4*time.Second - time.Millisecond)
		synctest.Wait()
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))
		require.Empty(t, h.recorder.snapshot())

		time.Sleep(time.Millisecond)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))

		h.tick(13)
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))

		events := h.recorder.snapshot()
		require.Len(t, events, 1)
		require.Equal(t, alarm.EventActivation, events[0].Kind)
		require.Equal(t, "r1", events[0].RuleID)
		require.Equal(t, "plant/boiler/#", events[0].Device)
		require.Equal(t, "temp", events[0].Variable)
		require.InDelta(t, 12.0, events[0].Value, 0)
		require.Equal(t, "high", events[0].Severity)
		require.True(t, events[0].Timestamp.Equal(activationAt))
		require.Equal(t, []string{"r1"}, h.engine.ActiveRuleIDs())
	})
}

// TestEngine_ShortSpikeNeverActivates follows values 11, 9 at t=0, 2.
func TestEngine_ShortSpikeNeverActivates(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 5))
		defer h.engine.Close()

		h.tick(11)
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		time.Sleep(2 * time.Second)
		h.tick(9)
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "r1"))
		require.Zero(t, h.engine.timers.Len())

		time.Sleep(10 * time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "r1"))
		require.Empty(t, h.recorder.snapshot())
	})
}

// TestEngine_RemoveWhilePending deletes the rule at t=3 with a timer due at t=5.
func TestEngine_RemoveWhilePending(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 5))
		defer h.engine.Close()

		h.tick(11)
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		time.Sleep(3 * time.Second)
		require.True(t, h.engine.RemoveRule("r1"))
		require.Zero(t, h.engine.timers.Len())

		time.Sleep(10 * time.Second)
		synctest.Wait()

		_, ok := h.engine.Phase("r1")
		require.False(t, ok)
		require.Empty(t, h.recorder.snapshot())
	})
}

// TestEngine_DataGapKeepsActive ticks an Active rule without its variable.
func TestEngine_DataGapKeepsActive(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 1))
		defer h.engine.Close()

		h.tick(11)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))

		h.source.set(testChannel, map[string]float64{"pressure": 2})
		h.engine.HandleTick(context.Background(), testChannel)

		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))
		require.Len(t, h.recorder.snapshot(), 1)
	})
}

// TestEngine_ImmediateDeactivation expects Active to drop to Idle on the first false tick.
func TestEngine_ImmediateDeactivation(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 1))
		defer h.engine.Close()

		h.tick(11)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))

		h.tick(4)
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "r1"))

		events := h.recorder.snapshot()
		require.Len(t, events, 2)
		require.Equal(t, alarm.EventDeactivation, events[1].Kind)
		require.InDelta(t, 4.0, events[1].Value, 0)
		require.Empty(t, h.engine.ActiveRuleIDs())

		// A new sustained condition activates again.
		h.tick(15)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))
		require.Len(t, h.recorder.snapshot(), 3)
	})
}

// TestEngine_PendingDoesNotRearm keeps the original deadline across true ticks.
func TestEngine_PendingDoesNotRearm(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 5))
		defer h.engine.Close()

		h.tick(11)

		for range 4 {
			time.Sleep(time.Second)
			h.tick(20)
		}

		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))
	})
}

// TestEngine_DefaultWaitTime applies 30 seconds to a rule without a wait time.
func TestEngine_DefaultWaitTime(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 0))
		defer h.engine.Close()

		h.tick(11)

		time.Sleep(29 * time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))
	})
}

// TestEngine_MalformedRules never activates on a bad operator and ignores untracked inputs.
func TestEngine_MalformedRules(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		badOperator := boilerRule("bad-op", 1)
		badOperator.Operator = "~"

		noVariable := boilerRule("no-var", 1)
		noVariable.Variable = ""

		h := newHarness(badOperator, noVariable, alarm.Rule{Name: "unsaved"})
		defer h.engine.Close()

		h.tick(100)
		time.Sleep(5 * time.Second)
		synctest.Wait()

		require.Equal(t, alarm.PhaseIdle, h.phase(t, "bad-op"))
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "no-var"))
		require.Len(t, h.engine.Statuses(), 2)
		require.Empty(t, h.recorder.snapshot())

		h.engine.HandleTick(context.Background(), "unknown/#")
	})
}

// TestEngine_SyncRules adds, keeps, replaces and discards rules.
func TestEngine_SyncRules(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("keep", 1), boilerRule("drop", 1), boilerRule("change", 1))
		defer h.engine.Close()

		h.tick(11)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, []string{"change", "drop", "keep"}, h.engine.ActiveRuleIDs())

		changed := boilerRule("change", 1)
		changed.Threshold = 50

		h.engine.SyncRules([]alarm.Rule{boilerRule("keep", 1), changed, boilerRule("new", 1)})

		require.Equal(t, []string{"keep"}, h.engine.ActiveRuleIDs())

		events := h.recorder.snapshot()
		require.Len(t, events, 4)
		require.Equal(t, alarm.EventDeactivation, events[3].Kind)
		require.Equal(t, "change", events[3].RuleID)
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "change"))
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "new"))

		_, ok := h.engine.Phase("drop")
		require.False(t, ok)

		statuses := h.engine.Statuses()
		require.Len(t, statuses, 3)
		require.Equal(t, "change", statuses[0].Rule.ID)
		require.InDelta(t, 50.0, statuses[0].Rule.Threshold, 0)

		// Re-adding a tracked rule does not reset it.
		h.engine.AddRule(boilerRule("keep", 1))
		require.Equal(t, alarm.PhaseActive, h.phase(t, "keep"))
	})
}

// TestEngine_CloseStopsTimers leaves pending rules pending after Close.
func TestEngine_CloseStopsTimers(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 2))

		h.tick(11)
		h.engine.Close()

		time.Sleep(5 * time.Second)
		synctest.Wait()

		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))
		require.Empty(t, h.recorder.snapshot())
	})
}

// TestEngine_SyncRulesConditionChangeWhileActive deactivates the rule before
// it restarts under its new condition.
func TestEngine_SyncRulesConditionChangeWhileActive(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 1))
		defer h.engine.Close()

		h.tick(11)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))

		raised := boilerRule("r1", 1)
		raised.Threshold = 50
		h.engine.SyncRules([]alarm.Rule{raised})

		require.Equal(t, alarm.PhaseIdle, h.phase(t, "r1"))

		events := h.recorder.snapshot()
		require.Len(t, events, 2)
		require.Equal(t, alarm.EventActivation, events[0].Kind)
		require.Equal(t, alarm.EventDeactivation, events[1].Kind)
		require.Equal(t, "r1", events[1].RuleID)
		require.InDelta(t, 11.0, events[1].Value, 0)

		// The new threshold is now in force.
		h.tick(60)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))
		require.Len(t, h.recorder.snapshot(), 3)
	})
}

// TestEngine_SyncRulesRenameKeepsPhase updates display fields without
// touching the phase or emitting events.
func TestEngine_SyncRulesRenameKeepsPhase(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 1))
		defer h.engine.Close()

		h.tick(11)
		time.Sleep(time.Second)
		synctest.Wait()
		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))

		renamed := boilerRule("r1", 1)
		renamed.Name = "Boiler too hot"
		renamed.Severity = "critical"
		h.engine.SyncRules([]alarm.Rule{renamed})

		require.Equal(t, alarm.PhaseActive, h.phase(t, "r1"))
		require.Len(t, h.recorder.snapshot(), 1)

		h.tick(5)

		events := h.recorder.snapshot()
		require.Len(t, events, 2)
		require.Equal(t, alarm.EventDeactivation, events[1].Kind)
		require.Equal(t, "Boiler too hot", events[1].RuleName)
		require.Equal(t, "critical", events[1].Severity)
	})
}

// TestEngine_SyncRulesWaitTimeChangeWhilePending restarts the debounce under
// the new wait time.
func TestEngine_SyncRulesWaitTimeChangeWhilePending(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 2))
		defer h.engine.Close()

		h.tick(11)
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		h.engine.SyncRules([]alarm.Rule{boilerRule("r1", 10)})
		require.Equal(t, alarm.PhaseIdle, h.phase(t, "r1"))

		time.Sleep(5 * time.Second)
		synctest.Wait()
		require.Empty(t, h.recorder.snapshot())
	})
}

// TestEngine_FireAfterClose ignores a timer callback that runs after Close.
func TestEngine_FireAfterClose(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		h := newHarness(boilerRule("r1", 2))

		h.tick(11)
		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))

		h.engine.mu.Lock()
		generation := h.engine.generation
		h.engine.mu.Unlock()

		h.engine.Close()
		h.engine.fire("r1", generation)

		require.Equal(t, alarm.PhasePending, h.phase(t, "r1"))
		require.Empty(t, h.recorder.snapshot())
	})
}
