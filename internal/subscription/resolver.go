// Package subscription derives the telemetry channels a rule set needs and
// keeps the transport subscribed to exactly those channels.
package subscription

import (
	"context"
	"slices"
	"sync"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/telemetry"
)

// Resolver turns rule-set changes into subscribe (and unsubscribe) calls.
// It remembers what was already requested, so a channel is never
// subscribed twice no matter how often Resolve runs.
type Resolver struct {
	transport telemetry.Subscriber
	requested map[string]struct{}
	mu        sync.Mutex
}

// NewResolver creates a resolver bound to the transport.
func NewResolver(transport telemetry.Subscriber) *Resolver {
	return &Resolver{
		transport: transport,
		requested: make(map[string]struct{}),
	}
}

// Channels derives the minimal channel set for rules, skipping rules that
// cannot be evaluated.
func Channels(rules []alarm.Rule) []string {
	set := make(map[string]struct{}, len(rules))

	for i := range rules {
		if !rules[i].Evaluable() {
			continue
		}

		set[rules[i].Channel()] = struct{}{}
	}

	channels := make([]string, 0, len(set))
	for channelID := range set {
		channels = append(channels, channelID)
	}

	slices.Sort(channels)

	return channels
}

// Resolve subscribes to channels newly needed by rules and, when the
// transport supports it, releases channels no rule needs anymore.
func (r *Resolver) Resolve(ctx context.Context, rules []alarm.Rule) {
	wanted := Channels(rules)

	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]struct{}, len(wanted))

	for _, channelID := range wanted {
		keep[channelID] = struct{}{}

		if _, ok := r.requested[channelID]; ok {
			continue
		}

		r.requested[channelID] = struct{}{}
		r.transport.Subscribe(channelID)

		logger.DebugKV(ctx, "Subscribed to channel", "channel", channelID)
	}

	unsubscriber, canRelease := r.transport.(telemetry.Unsubscriber)

	for channelID := range r.requested {
		if _, ok := keep[channelID]; ok {
			continue
		}

		if !canRelease {
			continue
		}

		delete(r.requested, channelID)
		unsubscriber.Unsubscribe(channelID)

		logger.DebugKV(ctx, "Released channel", "channel", channelID)
	}
}

// Requested returns the channels currently requested from the transport.
func (r *Resolver) Requested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.requested))
	for channelID := range r.requested {
		channels = append(channels, channelID)
	}

	slices.Sort(channels)

	return channels
}
