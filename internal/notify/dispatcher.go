package notify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/metrics"
)

// Defaults applied when an option is not given.
const (
	DefaultDigestInterval = 30 * time.Minute
	DefaultToastBuffer    = 64
	DefaultEventBuffer    = 256
	// shutdownFlushTimeout bounds the final flush when Run returns.
	shutdownFlushTimeout = 5 * time.Second
)

// ErrNoOutbox is returned by Flush when the dispatcher has no outbox.
var ErrNoOutbox = errors.New("no outbox configured")

// Toast is an in-app notification naming an activated rule.
type Toast struct {
	RuleID   string    `json:"ruleId"`
	RuleName string    `json:"ruleName"`
	Severity string    `json:"severity,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Handler receives events on the dispatcher goroutine.
type Handler func(event alarm.Event)

type subscription struct {
	// kind filters events; empty means every kind.
	kind    alarm.EventKind
	handler Handler
}

// Dispatcher fans engine events out to toasts, handlers and digests.
type Dispatcher struct {
	ctx        context.Context
	session    alarm.Session
	outbox     Outbox
	recipients RecipientLister
	interval   time.Duration
	now        func() time.Time

	events chan alarm.Event
	toasts chan Toast

	// mu guards active, pending and subscriptions.
	mu            sync.Mutex
	active        map[string]struct{}
	pending       batch
	subscriptions map[uint64]subscription
	nextID        uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOutbox sets where digests are delivered.
func WithOutbox(outbox Outbox) Option {
	return func(d *Dispatcher) {
		d.outbox = outbox
	}
}

// WithRecipients sets the source of digest recipients.
func WithRecipients(recipients RecipientLister) Option {
	return func(d *Dispatcher) {
		d.recipients = recipients
	}
}

// WithDigestInterval sets the digest flush interval.
func WithDigestInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithToastBuffer sets the capacity of the toast channel.
func WithToastBuffer(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.toasts = make(chan Toast, size)
		}
	}
}

// WithEventBuffer sets how many events may wait for the dispatcher goroutine.
func WithEventBuffer(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.events = make(chan alarm.Event, size)
		}
	}
}

// WithClock overrides the clock used to stamp digests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher creates a dispatcher for the session's account.
func NewDispatcher(ctx context.Context, session alarm.Session, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctx:           logger.WithName(ctx, "dispatcher"),
		session:       session,
		interval:      DefaultDigestInterval,
		now:           time.Now,
		events:        make(chan alarm.Event, DefaultEventBuffer),
		toasts:        make(chan Toast, DefaultToastBuffer),
		active:        make(map[string]struct{}),
		pending:       make(batch),
		subscriptions: make(map[uint64]subscription),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Publish records the event and queues it for handlers. It never blocks.
func (d *Dispatcher) Publish(event alarm.Event) {
	d.mu.Lock()

	switch event.Kind {
	case alarm.EventActivation:
		d.active[event.RuleID] = struct{}{}
		d.pending.add(event)
	case alarm.EventDeactivation:
		delete(d.active, event.RuleID)
	}

	metrics.ActiveRules.Set(float64(len(d.active)))
	d.mu.Unlock()

	select {
	case d.events <- event:
	default:
		logger.WarnKV(d.ctx, "Event queue is full, handlers will miss an event",
			"rule_id", event.RuleID, "kind", string(event.Kind))
	}
}

// ActiveRuleIDs returns the sorted ids of rules currently active.
func (d *Dispatcher) ActiveRuleIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Sorted(maps.Keys(d.active))
}

// IsActive reports whether the rule is in the active set.
func (d *Dispatcher) IsActive(ruleID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.active[ruleID]

	return ok
}

// Retain drops active ids of rules that no longer exist.
func (d *Dispatcher) Retain(ruleIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id := range d.active {
		if !slices.Contains(ruleIDs, id) {
			delete(d.active, id)
		}
	}

	metrics.ActiveRules.Set(float64(len(d.active)))
}

// OnActivation registers a handler for activations and returns its cancel func.
func (d *Dispatcher) OnActivation(handler Handler) func() {
	return d.subscribe(alarm.EventActivation, handler)
}

// OnDeactivation registers a handler for deactivations and returns its cancel func.
func (d *Dispatcher) OnDeactivation(handler Handler) func() {
	return d.subscribe(alarm.EventDeactivation, handler)
}

// OnEvent registers a handler for every event and returns its cancel func.
func (d *Dispatcher) OnEvent(handler Handler) func() {
	return d.subscribe("", handler)
}

// Toasts returns the channel toasts are delivered on.
func (d *Dispatcher) Toasts() <-chan Toast {
	return d.toasts
}

// PendingEntries returns how many rules wait in the current digest batch.
func (d *Dispatcher) PendingEntries() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Run delivers queued events and flushes digests until ctx is done.
// The remaining batch is flushed once more before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	logger.InfoKV(d.ctx, "Dispatcher started", "digest_interval", d.interval.String())

	for {
		select {
		case <-ctx.Done():
			d.drain()

			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			err := d.Flush(flushCtx)

			cancel()

			if err != nil && !errors.Is(err, ErrNoOutbox) {
				logger.WarnKV(d.ctx, "Final digest flush failed", "error", err)
			}

			logger.Info(d.ctx, "Dispatcher stopped")

			return nil
		case event := <-d.events:
			d.deliver(event)
		case <-ticker.C:
			if err := d.Flush(ctx); err != nil && !errors.Is(err, ErrNoOutbox) {
				logger.WarnKV(d.ctx, "Digest flush failed, batch kept for the next interval", "error", err)
			}
		}
	}
}

// Flush sends the current batch to the outbox. An empty batch or an empty
// recipient list sends nothing and keeps the batch.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if d.outbox == nil {
		return ErrNoOutbox
	}

	var recipients []string
	if d.recipients != nil {
		recipients = recipientEmails(d.recipients.List())
	}

	d.mu.Lock()

	if len(d.pending) == 0 {
		d.mu.Unlock()

		return nil
	}

	if len(recipients) == 0 {
		d.mu.Unlock()
		logger.Debug(d.ctx, "No digest recipients, keeping batch")

		return nil
	}

	entries := d.pending.entries()
	d.pending = make(batch)
	d.mu.Unlock()

	digest := Digest{
		ID:          uuid.NewString(),
		AccountID:   d.session.AccountID,
		Recipients:  recipients,
		Entries:     entries,
		GeneratedAt: d.now(),
	}

	if err := d.outbox.Enqueue(ctx, digest); err != nil {
		d.mu.Lock()
		d.pending.merge(entries)
		d.mu.Unlock()

		metrics.DigestsTotal.WithLabelValues("failed").Inc()

		return fmt.Errorf("enqueue digest: %w", err)
	}

	metrics.DigestsTotal.WithLabelValues("sent").Inc()
	logger.InfoKV(d.ctx, "Digest enqueued",
		"digest_id", digest.ID, "entries", len(entries), "recipients", len(recipients))

	return nil
}

func (d *Dispatcher) subscribe(kind alarm.EventKind, handler Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.subscriptions[id] = subscription{kind: kind, handler: handler}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		delete(d.subscriptions, id)
	}
}

// drain delivers events still queued at shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(event alarm.Event) {
	if event.Kind == alarm.EventActivation {
		d.pushToast(event)
	}

	d.mu.Lock()
	handlers := make([]Handler, 0, len(d.subscriptions))

	for _, id := range slices.Sorted(maps.Keys(d.subscriptions)) {
		sub := d.subscriptions[id]
		if sub.kind == "" || sub.kind == event.Kind {
			handlers = append(handlers, sub.handler)
		}
	}
	d.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (d *Dispatcher) pushToast(event alarm.Event) {
	toast := Toast{
		RuleID:   event.RuleID,
		RuleName: event.RuleName,
		Severity: event.Severity,
		Message:  fmt.Sprintf("Alarm %q activated: %s is %g", event.RuleName, event.Variable, event.Value),
		At:       event.Timestamp,
	}

	select {
	case d.toasts <- toast:
	default:
		metrics.ToastsDroppedTotal.Inc()
		logger.WarnKV(d.ctx, "Toast queue is full, toast dropped", "rule_id", event.RuleID)
	}
}
