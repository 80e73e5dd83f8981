package engine

import (
	"sync"
	"time"

	"github.com/oshokin/alarm-engine/internal/metrics"
)

// DebounceTimers owns at most one live suppression timer per rule id.
// Arming an id that already has a timer replaces it; a timer that was
// cancelled or replaced never runs its callback, even if it had already
// expired when the cancel happened.
type DebounceTimers struct {
	timers map[string]*debounceTimer
	seq    uint64
	mu     sync.Mutex
}

type debounceTimer struct {
	timer *time.Timer
	seq   uint64
}

// NewDebounceTimers creates an empty timer manager.
func NewDebounceTimers() *DebounceTimers {
	return &DebounceTimers{
		timers: make(map[string]*debounceTimer),
	}
}

// Arm schedules onFire after the duration for ruleID, cancelling any live timer first.
func (d *DebounceTimers) Arm(ruleID string, after time.Duration, onFire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.timers[ruleID]; ok {
		existing.timer.Stop()
	}

	d.seq++
	seq := d.seq

	entry := &debounceTimer{seq: seq}
	entry.timer = time.AfterFunc(after, func() {
		if d.claim(ruleID, seq) {
			onFire()
		}
	})

	d.timers[ruleID] = entry
	metrics.ArmedTimers.Set(float64(len(d.timers)))
}

// Cancel stops the timer of ruleID. It reports whether a live timer existed.
func (d *DebounceTimers) Cancel(ruleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.timers[ruleID]
	if !ok {
		return false
	}

	entry.timer.Stop()
	delete(d.timers, ruleID)
	metrics.ArmedTimers.Set(float64(len(d.timers)))

	return true
}

// Armed reports whether ruleID has a live timer.
func (d *DebounceTimers) Armed(ruleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.timers[ruleID]

	return ok
}

// Len returns the number of live timers.
func (d *DebounceTimers) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.timers)
}

// Stop cancels every live timer.
func (d *DebounceTimers) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ruleID, entry := range d.timers {
		entry.timer.Stop()
		delete(d.timers, ruleID)
	}

	metrics.ArmedTimers.Set(0)
}

// claim removes the timer if it is still the current one for ruleID.
func (d *DebounceTimers) claim(ruleID string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.timers[ruleID]
	if !ok || entry.seq != seq {
		return false
	}

	delete(d.timers, ruleID)
	metrics.ArmedTimers.Set(float64(len(d.timers)))

	return true
}
