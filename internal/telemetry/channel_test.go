package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestStore_AppendAndLatest checks that Latest exposes only the newest message.
func TestStore_AppendAndLatest(t *testing.T) {
	t.Parallel()

	store := NewStore(0)
	t0 := time.Unix(1_700_000_000, 0)

	_, ok := store.Latest("plant/dev/#")
	require.False(t, ok)

	store.Append("plant/dev/#", t0, map[string]float64{"temp": 20, "hum": 40})
	store.Append("plant/dev/#", t0.Add(time.Second), map[string]float64{"temp": 21})

	latest, ok := store.Latest("plant/dev/#")
	require.True(t, ok)

	temp, ok := latest.Latest("temp")
	require.True(t, ok)
	require.InDelta(t, 21.0, temp, 0)

	// The newest message lacks "hum", so it is missing from the latest view.
	_, ok = latest.Latest("hum")
	require.False(t, ok)

	// The full history still has it.
	full, ok := store.Channel("plant/dev/#")
	require.True(t, ok)
	require.Equal(t, []float64{40}, full.Values["hum"])

	_, ok = latest.Latest("pressure")
	require.False(t, ok)

	ts, ok := latest.LatestTimestamp()
	require.True(t, ok)
	require.Equal(t, t0.Add(time.Second), ts)
}

// TestStore_HistoryBounded verifies the history limit and that Channel returns a copy.
func TestStore_HistoryBounded(t *testing.T) {
	t.Parallel()

	store := NewStore(3)
	t0 := time.Unix(0, 0)

	for i := range 5 {
		store.Append("c", t0.Add(time.Duration(i)*time.Second), map[string]float64{"v": float64(i)})
	}

	ch, ok := store.Channel("c")
	require.True(t, ok)
	require.Equal(t, []float64{2, 3, 4}, ch.Values["v"])
	require.Len(t, ch.Timestamps, 3)

	ch.Values["v"][0] = 100

	again, _ := store.Channel("c")
	require.InDelta(t, 2.0, again.Values["v"][0], 0)

	store.Drop("c")

	_, ok = store.Channel("c")
	require.False(t, ok)
}

// TestLatestView exposes the newest sample through the Source interface.
func TestLatestView(t *testing.T) {
	t.Parallel()

	store := NewStore(10)
	store.Append("c", time.Unix(1, 0), map[string]float64{"v": 1})
	store.Append("c", time.Unix(2, 0), map[string]float64{"v": 2})

	ch, ok := store.LatestView().Channel("c")
	require.True(t, ok)
	require.Equal(t, []float64{2}, ch.Values["v"])
}

// TestChannel_EmptyAccessors covers the zero-value channel.
func TestChannel_EmptyAccessors(t *testing.T) {
	t.Parallel()

	var ch Channel

	_, ok := ch.Latest("v")
	require.False(t, ok)

	_, ok = ch.LatestTimestamp()
	require.False(t, ok)
}
