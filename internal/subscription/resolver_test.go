package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
)

// recordingTransport counts subscribe calls per channel.
type recordingTransport struct {
	subscribes map[string]int
}

func (t *recordingTransport) Subscribe(channelID string) {
	t.subscribes[channelID]++
}

// releasingTransport also supports Unsubscribe.
type releasingTransport struct {
	recordingTransport

	unsubscribes []string
}

func (t *releasingTransport) Unsubscribe(channelID string) {
	t.unsubscribes = append(t.unsubscribes, channelID)
}

func rules() []alarm.Rule {
	return []alarm.Rule{
		{ID: "1", DeviceTopic: "plant/boiler/#", Subtopic: "sensors", Variable: "temp"},
		{ID: "2", DeviceTopic: "plant/boiler", Subtopic: "sensors", Variable: "pressure"},
		{ID: "3", DeviceTopic: "plant/pump/#", Subtopic: "flow", Variable: "rate"},
		{ID: "4", DeviceTopic: "plant/pump/#", Subtopic: "flow"},
		{ID: "5", Subtopic: "flow", Variable: "rate"},
	}
}

// TestChannels deduplicates rules sharing a channel and skips non-evaluable ones.
func TestChannels(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"plant/boiler/sensors/#", "plant/pump/flow/#"}, Channels(rules()))
	require.Empty(t, Channels(nil))
}

// TestResolver_NoDuplicateSubscribes resolves repeatedly and expects one call per channel.
func TestResolver_NoDuplicateSubscribes(t *testing.T) {
	t.Parallel()

	transport := &recordingTransport{subscribes: make(map[string]int)}
	resolver := NewResolver(transport)

	resolver.Resolve(context.Background(), rules())
	resolver.Resolve(context.Background(), rules())
	resolver.Resolve(context.Background(), rules()[:1])

	require.Equal(t, map[string]int{
		"plant/boiler/sensors/#": 1,
		"plant/pump/flow/#":      1,
	}, transport.subscribes)

	// Without Unsubscribe support the channel stays requested.
	require.Equal(t, []string{"plant/boiler/sensors/#", "plant/pump/flow/#"}, resolver.Requested())
}

// TestResolver_ReleasesUnusedChannels checks channels are released and re-subscribed when needed again.
func TestResolver_ReleasesUnusedChannels(t *testing.T) {
	t.Parallel()

	transport := &releasingTransport{recordingTransport: recordingTransport{subscribes: make(map[string]int)}}
	resolver := NewResolver(transport)

	resolver.Resolve(context.Background(), rules())
	resolver.Resolve(context.Background(), rules()[:1])

	require.Equal(t, []string{"plant/pump/flow/#"}, transport.unsubscribes)
	require.Equal(t, []string{"plant/boiler/sensors/#"}, resolver.Requested())

	resolver.Resolve(context.Background(), rules())
	require.Equal(t, 2, transport.subscribes["plant/pump/flow/#"])
}
