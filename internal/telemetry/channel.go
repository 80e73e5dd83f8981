package telemetry

import (
	"sync"
	"time"
)

// DefaultHistory bounds how many samples are kept per channel and variable.
const DefaultHistory = 64

// Channel is the read-only view of one telemetry feed.
type Channel struct {
	// Timestamps of received samples, oldest first.
	Timestamps []time.Time
	// Values maps a variable to its samples, oldest first.
	Values map[string][]float64
}

// Latest returns the most recent value of variable.
func (c Channel) Latest(variable string) (float64, bool) {
	values := c.Values[variable]
	if len(values) == 0 {
		return 0, false
	}

	return values[len(values)-1], true
}

// LatestTimestamp returns the time of the most recent sample.
func (c Channel) LatestTimestamp() (time.Time, bool) {
	if len(c.Timestamps) == 0 {
		return time.Time{}, false
	}

	return c.Timestamps[len(c.Timestamps)-1], true
}

// Source gives the engine read access to channels.
type Source interface {
	Channel(channelID string) (Channel, bool)
}

// Subscriber requests delivery of a channel. It is fire-and-forget.
type Subscriber interface {
	Subscribe(channelID string)
}

// Unsubscriber is optionally implemented by transports that can release a channel.
type Unsubscriber interface {
	Unsubscribe(channelID string)
}

// TickHandler is called after new data has been stored for a channel.
type TickHandler func(channelID string)

// Store keeps a bounded history per channel.
type Store struct {
	channels map[string]*Channel
	// last holds the values of the newest message per channel.
	last    map[string]map[string]float64
	history int
	mu      sync.RWMutex
}

// NewStore creates a store keeping up to history samples per variable.
func NewStore(history int) *Store {
	if history <= 0 {
		history = DefaultHistory
	}

	return &Store{
		channels: make(map[string]*Channel),
		last:     make(map[string]map[string]float64),
		history:  history,
	}
}

// Append records a sample for the channel. Variables missing from values
// keep their previous history but are absent from the newest message.
func (s *Store) Append(channelID string, at time.Time, values map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		ch = &Channel{Values: make(map[string][]float64, len(values))}
		s.channels[channelID] = ch
	}

	ch.Timestamps = trimTimes(append(ch.Timestamps, at), s.history)

	last := make(map[string]float64, len(values))

	for variable, value := range values {
		ch.Values[variable] = trimValues(append(ch.Values[variable], value), s.history)
		last[variable] = value
	}

	s.last[channelID] = last
}

// Latest returns only the newest message of a channel: its timestamp and the
// variables it carried. A variable the message lacked is missing, which is how
// data gaps show up to the engine.
func (s *Store) Latest(channelID string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return Channel{}, false
	}

	last := s.last[channelID]

	latest := Channel{Values: make(map[string][]float64, len(last))}
	if n := len(ch.Timestamps); n > 0 {
		latest.Timestamps = []time.Time{ch.Timestamps[n-1]}
	}

	for variable, value := range last {
		latest.Values[variable] = []float64{value}
	}

	return latest, true
}

// Channel returns a copy of the full retained history of a channel.
func (s *Store) Channel(channelID string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return Channel{}, false
	}

	cloned := Channel{
		Timestamps: append([]time.Time(nil), ch.Timestamps...),
		Values:     make(map[string][]float64, len(ch.Values)),
	}

	for variable, values := range ch.Values {
		cloned.Values[variable] = append([]float64(nil), values...)
	}

	return cloned, true
}

// Drop forgets a channel, used when it is no longer subscribed.
func (s *Store) Drop(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.channels, channelID)
	delete(s.last, channelID)
}

func trimTimes(values []time.Time, limit int) []time.Time {
	if len(values) <= limit {
		return values
	}

	return append([]time.Time(nil), values[len(values)-limit:]...)
}

func trimValues(values []float64, limit int) []float64 {
	if len(values) <= limit {
		return values
	}

	return append([]float64(nil), values[len(values)-limit:]...)
}

// LatestView returns a Source that exposes only the newest sample per channel.
//
//nolint:ireturn // The engine depends on the Source interface only.
func (s *Store) LatestView() Source {
	return latestView{store: s}
}

type latestView struct {
	store *Store
}

func (v latestView) Channel(channelID string) (Channel, bool) {
	return v.store.Latest(channelID)
}
