package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/alarm-engine/internal/backend"
	"github.com/oshokin/alarm-engine/internal/backend/backendtest"
	"github.com/oshokin/alarm-engine/internal/config"
	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/notify"
	"github.com/oshokin/alarm-engine/internal/store"
	"github.com/oshokin/alarm-engine/internal/telemetry"
)

const (
	testAccount = "acc-1"
	testChannel = "plant/boiler/sensors/#"
)

// memoryBackend is an in-memory backendClient.
type memoryBackend struct {
	mu          sync.Mutex
	rules       []domain.Rule
	recipients  []domain.Recipient
	activations []domain.ActivationRecord
	nextID      int
	err         error
}

func (b *memoryBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.err = err
}

func (b *memoryBackend) ListRules(context.Context) ([]domain.Rule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}

	return append([]domain.Rule(nil), b.rules...), nil
}

func (b *memoryBackend) CreateRule(_ context.Context, rule domain.Rule) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return "", b.err
	}

	b.nextID++
	rule.ID = "rule-" + strconv.Itoa(b.nextID)
	b.rules = append(b.rules, rule)

	return rule.ID, nil
}

func (b *memoryBackend) DeleteRule(_ context.Context, ruleID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	for i, rule := range b.rules {
		if rule.ID == ruleID {
			b.rules = append(b.rules[:i], b.rules[i+1:]...)

			return nil
		}
	}

	return nil
}

func (b *memoryBackend) ListRecipients(context.Context) ([]domain.Recipient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}

	return append([]domain.Recipient(nil), b.recipients...), nil
}

func (b *memoryBackend) CreateRecipient(_ context.Context, email string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := "recipient-" + strconv.Itoa(b.nextID)
	b.recipients = append(b.recipients, domain.Recipient{ID: id, Email: email})

	return id, nil
}

func (b *memoryBackend) DeleteRecipient(context.Context, string) error {
	return nil
}

func (b *memoryBackend) ListActivations(context.Context) ([]domain.ActivationRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}

	return append([]domain.ActivationRecord(nil), b.activations...), nil
}

// channelRecorder records subscribe and unsubscribe requests.
type channelRecorder struct {
	mu         sync.Mutex
	subscribed map[string]int
}

func newChannelRecorder() *channelRecorder {
	return &channelRecorder{subscribed: make(map[string]int)}
}

func (r *channelRecorder) Subscribe(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribed[channelID]++
}

func (r *channelRecorder) Unsubscribe(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subscribed, channelID)
}

func (r *channelRecorder) count(channelID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.subscribed[channelID]
}

// memoryOutbox keeps enqueued digests.
type memoryOutbox struct {
	mu      sync.Mutex
	digests []notify.Digest
}

func (o *memoryOutbox) Enqueue(_ context.Context, digest notify.Digest) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.digests = append(o.digests, digest)

	return nil
}

func (o *memoryOutbox) sent() []notify.Digest {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]notify.Digest(nil), o.digests...)
}

func testConfig() *config.Config {
	return &config.Config{
		AccountID:          testAccount,
		DeleteConfirmation: config.DefaultDeleteConfirmation,
		Backend:            config.BackendConfig{RefreshInterval: time.Minute},
		Notify: config.NotifyConfig{
			DigestInterval: config.DefaultDigestInterval,
			ToastBuffer:    config.DefaultToastBuffer,
		},
	}
}

func boilerRule(id string) domain.Rule {
	return domain.Rule{
		ID:              id,
		Name:            "Boiler overheat",
		DeviceTopic:     "plant/boiler/#",
		Subtopic:        "sensors",
		Variable:        "temp",
		Operator:        domain.OperatorGreater,
		Threshold:       80,
		WaitTimeSeconds: 10,
		Severity:        "critical",
	}
}

// TestService_PipelineActivatesAndSendsDigest drives a sample through the
// whole pipeline: subscription, debounce, activation and the digest.
func TestService_PipelineActivatesAndSendsDigest(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())

		client := &memoryBackend{
			rules:      []domain.Rule{boilerRule("r1")},
			recipients: []domain.Recipient{{ID: "p1", Email: "ops@example.com"}},
		}
		channels := newChannelRecorder()
		samples := telemetry.NewStore(telemetry.DefaultHistory)
		outbox := &memoryOutbox{}

		svc := newService(ctx, testConfig(), client, samples.LatestView(), channels, outbox)
		defer svc.close()

		require.NoError(t, svc.reload(ctx))
		require.Equal(t, 1, channels.count(testChannel))

		var (
			mu     sync.Mutex
			events []domain.Event
		)

		unsubscribe := svc.Subscribe(func(event domain.Event) {
			mu.Lock()
			defer mu.Unlock()

			events = append(events, event)
		})
		defer unsubscribe()

		done := make(chan struct{})

		go func() {
			defer close(done)

			_ = svc.dispatcher.Run(ctx)
		}()

		samples.Append(testChannel, time.Now(), map[string]float64{"temp": 95})
		svc.engine.HandleTick(ctx, testChannel)

		phase, ok := svc.engine.Phase("r1")
		require.True(t, ok)
		require.Equal(t, domain.PhasePending, phase)
		require.Empty(t, svc.ActiveRuleIDs(ctx))

		time.Sleep(10 * time.Second)
		synctest.Wait()

		require.Equal(t, []string{"r1"}, svc.ActiveRuleIDs(ctx))

		mu.Lock()
		require.Len(t, events, 1)
		require.Equal(t, domain.EventActivation, events[0].Kind)
		require.InDelta(t, 95, events[0].Value, 0)
		mu.Unlock()

		time.Sleep(config.DefaultDigestInterval)
		synctest.Wait()

		digests := outbox.sent()
		require.Len(t, digests, 1)
		require.Equal(t, testAccount, digests[0].AccountID)
		require.Equal(t, []string{"ops@example.com"}, digests[0].Recipients)
		require.Len(t, digests[0].Entries, 1)

		samples.Append(testChannel, time.Now(), map[string]float64{"temp": 20})
		svc.engine.HandleTick(ctx, testChannel)
		synctest.Wait()

		require.Empty(t, svc.ActiveRuleIDs(ctx))

		cancel()
		<-done
	})
}

// TestService_RemovedRuleLeavesActiveSet asserts a reload without an active
// rule drops it from the active set and releases its channel.
func TestService_RemovedRuleLeavesActiveSet(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()

		client := &memoryBackend{rules: []domain.Rule{boilerRule("r1")}}
		channels := newChannelRecorder()
		samples := telemetry.NewStore(telemetry.DefaultHistory)

		svc := newService(ctx, testConfig(), client, samples.LatestView(), channels, nil)
		defer svc.close()

		require.NoError(t, svc.reload(ctx))

		samples.Append(testChannel, time.Now(), map[string]float64{"temp": 95})
		svc.engine.HandleTick(ctx, testChannel)

		time.Sleep(10 * time.Second)
		synctest.Wait()

		require.Equal(t, []string{"r1"}, svc.ActiveRuleIDs(ctx))

		client.mu.Lock()
		client.rules = nil
		client.mu.Unlock()

		require.NoError(t, svc.reload(ctx))
		require.Empty(t, svc.ActiveRuleIDs(ctx))
		require.Empty(t, svc.ListRules(ctx))
		require.Zero(t, channels.count(testChannel))
	})
}

// TestService_ReloadEditedRule covers rules edited on the backend while
// Active: a new condition deactivates the rule, a new name does not.
func TestService_ReloadEditedRule(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())

		client := &memoryBackend{rules: []domain.Rule{boilerRule("r1"), boilerRule("r2")}}
		samples := telemetry.NewStore(telemetry.DefaultHistory)

		svc := newService(ctx, testConfig(), client, samples.LatestView(), newChannelRecorder(), &memoryOutbox{})
		defer svc.close()

		done := make(chan struct{})

		go func() {
			defer close(done)

			_ = svc.dispatcher.Run(ctx)
		}()

		require.NoError(t, svc.reload(ctx))

		var (
			mu     sync.Mutex
			events []domain.Event
		)

		unsubscribe := svc.Subscribe(func(event domain.Event) {
			mu.Lock()
			defer mu.Unlock()

			events = append(events, event)
		})
		defer unsubscribe()

		samples.Append(testChannel, time.Now(), map[string]float64{"temp": 95})
		svc.engine.HandleTick(ctx, testChannel)

		time.Sleep(10 * time.Second)
		synctest.Wait()

		require.Equal(t, []string{"r1", "r2"}, svc.ActiveRuleIDs(ctx))

		raised := boilerRule("r1")
		raised.Threshold = 120

		renamed := boilerRule("r2")
		renamed.Name = "Boiler too hot"

		client.mu.Lock()
		client.rules = []domain.Rule{raised, renamed}
		client.mu.Unlock()

		require.NoError(t, svc.reload(ctx))
		synctest.Wait()

		require.Equal(t, []string{"r2"}, svc.ActiveRuleIDs(ctx))

		statuses := svc.ListRules(ctx)
		require.Len(t, statuses, 2)
		require.Equal(t, domain.PhaseIdle, statuses[0].Phase)
		require.InDelta(t, 120, statuses[0].Rule.Threshold, 0)
		require.Equal(t, domain.PhaseActive, statuses[1].Phase)
		require.Equal(t, "Boiler too hot", statuses[1].Rule.Name)

		mu.Lock()
		require.Len(t, events, 3)
		require.Equal(t, domain.EventDeactivation, events[2].Kind)
		require.Equal(t, "r1", events[2].RuleID)
		mu.Unlock()

		cancel()
		<-done
	})
}

// TestService_DataGapIgnoresStaleValue evaluates only the variables of the
// newest message, so a rule added later never sees an older value.
func TestService_DataGapIgnoresStaleValue(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := t.Context()

		client := &memoryBackend{}
		samples := telemetry.NewStore(telemetry.DefaultHistory)

		svc := newService(ctx, testConfig(), client, samples.LatestView(), newChannelRecorder(), nil)
		defer svc.close()

		require.NoError(t, svc.reload(ctx))

		samples.Append(testChannel, time.Now(), map[string]float64{"temp": 95})
		svc.engine.HandleTick(ctx, testChannel)

		client.mu.Lock()
		client.rules = []domain.Rule{boilerRule("r1")}
		client.mu.Unlock()

		require.NoError(t, svc.reload(ctx))

		samples.Append(testChannel, time.Now(), map[string]float64{"pressure": 2})
		svc.engine.HandleTick(ctx, testChannel)

		phase, ok := svc.engine.Phase("r1")
		require.True(t, ok)
		require.Equal(t, domain.PhaseIdle, phase)

		time.Sleep(10 * time.Second)
		synctest.Wait()
		require.Empty(t, svc.ActiveRuleIDs(ctx))

		samples.Append(testChannel, time.Now(), map[string]float64{"temp": 95})
		svc.engine.HandleTick(ctx, testChannel)

		phase, _ = svc.engine.Phase("r1")
		require.Equal(t, domain.PhasePending, phase)
	})
}

// TestService_ReloadKeepsCacheOnFailure asserts backend outages keep the last rules.
func TestService_ReloadKeepsCacheOnFailure(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	client := &memoryBackend{rules: []domain.Rule{boilerRule("r1")}}

	svc := newService(ctx, testConfig(), client, telemetry.NewStore(1), newChannelRecorder(), nil)
	defer svc.close()

	require.NoError(t, svc.reload(ctx))

	client.fail(fmt.Errorf("list rules: %w", backend.ErrUnavailable))

	require.Error(t, svc.reload(ctx))

	statuses := svc.ListRules(ctx)
	require.Len(t, statuses, 1)
	require.Equal(t, "r1", statuses[0].Rule.ID)
}

// TestService_CreateAndDeleteRule covers the API operations backed by the store.
func TestService_CreateAndDeleteRule(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	client := &memoryBackend{}
	channels := newChannelRecorder()

	svc := newService(ctx, testConfig(), client, telemetry.NewStore(1), channels, nil)
	defer svc.close()

	created, err := svc.CreateRule(ctx, boilerRule(""))
	require.NoError(t, err)
	require.Equal(t, "rule-1", created.ID)
	require.Equal(t, 1, channels.count(testChannel))
	require.Len(t, svc.ListRules(ctx), 1)

	_, err = svc.CreateRule(ctx, domain.Rule{Name: "broken"})
	require.ErrorIs(t, err, domain.ErrInvalidRule)

	err = svc.DeleteRule(ctx, created.ID, "remove")
	require.ErrorIs(t, err, store.ErrConfirmationMismatch)
	require.Len(t, svc.ListRules(ctx), 1)

	require.NoError(t, svc.DeleteRule(ctx, created.ID, " Delete "))
	require.Empty(t, svc.ListRules(ctx))
	require.Empty(t, client.rules)
}

// TestService_ListActivations asserts history passes through and outages are classified.
func TestService_ListActivations(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	client := &memoryBackend{
		activations: []domain.ActivationRecord{{RuleID: "r1", Device: "plant/boiler/#", Variable: "temp", Value: 95, Timestamp: at}},
	}

	svc := newService(ctx, testConfig(), client, telemetry.NewStore(1), newChannelRecorder(), nil)
	defer svc.close()

	records, err := svc.ListActivations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, at, records[0].Timestamp)

	client.fail(fmt.Errorf("list activations: %w", backend.ErrUnavailable))

	_, err = svc.ListActivations(ctx)
	require.ErrorIs(t, err, store.ErrBackendUnavailable)

	client.fail(errors.New("boom"))

	_, err = svc.ListActivations(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, store.ErrBackendUnavailable)
}

// TestService_WithHTTPBackend wires the service to the HTTP client and an in-memory backend.
func TestService_WithHTTPBackend(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	srv := backendtest.NewServer(t)
	seeded := srv.SeedRules(testAccount, boilerRule(""))

	client, err := backend.New(srv.URL, domain.Session{AccountID: testAccount})
	require.NoError(t, err)

	channels := newChannelRecorder()

	svc := newService(ctx, testConfig(), client, telemetry.NewStore(1), channels, nil)
	defer svc.close()

	require.NoError(t, svc.reload(ctx))

	statuses := svc.ListRules(ctx)
	require.Len(t, statuses, 1)
	require.Equal(t, seeded[0].ID, statuses[0].Rule.ID)
	require.Equal(t, domain.PhaseIdle, statuses[0].Phase)
	require.Equal(t, 1, channels.count(testChannel))

	rule := boilerRule("")
	rule.Name = "Boiler underheat"
	rule.Operator = domain.OperatorLess
	rule.Threshold = 40

	created, err := svc.CreateRule(ctx, rule)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Len(t, srv.Rules(testAccount), 2)

	require.NoError(t, svc.DeleteRule(ctx, seeded[0].ID, config.DefaultDeleteConfirmation))
	require.Len(t, srv.Rules(testAccount), 1)
	require.Len(t, svc.ListRules(ctx), 1)
}
