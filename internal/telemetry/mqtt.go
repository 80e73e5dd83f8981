package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oshokin/alarm-engine/internal/logger"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// disconnectQuiesce is how long Disconnect waits for in-flight work, in milliseconds.
const disconnectQuiesce = 250

// timestampKey is the optional payload field carrying the sample time.
const timestampKey = "timestamp"

var (
	// ErrBrokerRequired is returned when no broker URL is configured.
	ErrBrokerRequired = errors.New("mqtt broker must be provided")
	// ErrConnectTimeout is returned when the broker does not answer in time.
	ErrConnectTimeout = errors.New("mqtt connect timed out")
	// ErrInvalidPayload is returned for payloads that are not a JSON object.
	ErrInvalidPayload = errors.New("telemetry payload must be a JSON object")
)

// MQTTTransport subscribes to telemetry channels on an MQTT broker, stores
// every decoded sample and reports a tick for the channel.
type MQTTTransport struct {
	client mqtt.Client
	store  *Store
	onTick TickHandler
	qos    byte
	// ctx carries the transport logger into paho callbacks.
	ctx context.Context //nolint:containedctx // Callbacks are invoked by paho without a context.
	// subscribed tracks requested channels so they survive reconnects.
	subscribed map[string]struct{}
	mu         sync.Mutex
	now        func() time.Time
}

// MQTTOption customises the transport.
type MQTTOption func(*MQTTTransport)

// WithClient replaces the paho client, used by tests.
func WithClient(client mqtt.Client) MQTTOption {
	return func(t *MQTTTransport) {
		t.client = client
	}
}

// WithNow overrides the clock used for payloads without a timestamp.
func WithNow(now func() time.Time) MQTTOption {
	return func(t *MQTTTransport) {
		if now != nil {
			t.now = now
		}
	}
}

// NewMQTTTransport prepares a transport; Connect must be called before use
// unless a client is injected with WithClient.
func NewMQTTTransport(
	ctx context.Context,
	opts MQTTOptions,
	store *Store,
	onTick TickHandler,
	options ...MQTTOption,
) (*MQTTTransport, error) {
	t := &MQTTTransport{
		store:      store,
		onTick:     onTick,
		qos:        opts.QoS,
		ctx:        logger.WithName(ctx, "mqtt"),
		subscribed: make(map[string]struct{}),
		now:        time.Now,
	}

	for _, option := range options {
		option(t)
	}

	if t.client != nil {
		return t, nil
	}

	if opts.Broker == "" {
		return nil, ErrBrokerRequired
	}

	clientOptions := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(func(mqtt.Client) { t.resubscribe() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.WarnKV(t.ctx, "MQTT connection lost", "error", err)
		})

	if opts.Username != "" {
		clientOptions.SetUsername(opts.Username)
	}

	if opts.Password != "" {
		clientOptions.SetPassword(opts.Password)
	}

	if opts.ConnectTimeout > 0 {
		clientOptions.SetConnectTimeout(opts.ConnectTimeout)
	}

	t.client = mqtt.NewClient(clientOptions)

	return t, nil
}

// Connect dials the broker and waits until connected or ctx is done.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	token := t.client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrConnectTimeout, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}

	logger.Info(t.ctx, "Connected to MQTT broker")

	return nil
}

// Subscribe requests delivery of channelID. Repeated calls for the same
// channel are ignored; failures are logged and retried on reconnect.
func (t *MQTTTransport) Subscribe(channelID string) {
	t.mu.Lock()
	if _, ok := t.subscribed[channelID]; ok {
		t.mu.Unlock()
		return
	}

	t.subscribed[channelID] = struct{}{}
	t.mu.Unlock()

	t.subscribe(channelID)
}

// Unsubscribe releases channelID and forgets its data.
func (t *MQTTTransport) Unsubscribe(channelID string) {
	t.mu.Lock()
	if _, ok := t.subscribed[channelID]; !ok {
		t.mu.Unlock()
		return
	}

	delete(t.subscribed, channelID)
	t.mu.Unlock()

	token := t.client.Unsubscribe(channelID)
	go t.await(token, "MQTT unsubscribe failed", channelID)

	t.store.Drop(channelID)
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() {
	if t.client.IsConnected() {
		t.client.Disconnect(disconnectQuiesce)
	}
}

func (t *MQTTTransport) subscribe(channelID string) {
	token := t.client.Subscribe(channelID, t.qos, t.handler(channelID))
	go t.await(token, "MQTT subscribe failed", channelID)
}

// resubscribe restores subscriptions after a clean-session reconnect.
func (t *MQTTTransport) resubscribe() {
	t.mu.Lock()
	channels := make([]string, 0, len(t.subscribed))

	for channelID := range t.subscribed {
		channels = append(channels, channelID)
	}
	t.mu.Unlock()

	for _, channelID := range channels {
		t.subscribe(channelID)
	}
}

func (t *MQTTTransport) await(token mqtt.Token, message, channelID string) {
	<-token.Done()

	if err := token.Error(); err != nil {
		logger.WarnKV(t.ctx, message, "channel", channelID, "error", err)
	}
}

// handler returns the paho callback for one subscription. Messages from any
// topic under the wildcard are merged into the subscribed channel.
func (t *MQTTTransport) handler(channelID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		at, values, err := DecodePayload(msg.Payload(), t.now())
		if err != nil {
			logger.DebugKV(t.ctx, "Dropping telemetry message", "topic", msg.Topic(), "error", err)
			return
		}

		if len(values) == 0 {
			return
		}

		t.store.Append(channelID, at, values)

		if t.onTick != nil {
			t.onTick(channelID)
		}
	}
}

// DecodePayload parses a JSON object of variable -> number. Numeric strings
// and booleans are accepted; other fields are ignored. An optional
// "timestamp" field (unix seconds, unix milliseconds or RFC 3339) sets the
// sample time, otherwise now is used.
func DecodePayload(payload []byte, now time.Time) (time.Time, map[string]float64, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		return time.Time{}, nil, ErrInvalidPayload
	}

	at := now
	if ts, ok := raw[timestampKey]; ok {
		if parsed, ok := parseTimestamp(ts); ok {
			at = parsed
		}

		delete(raw, timestampKey)
	}

	values := make(map[string]float64, len(raw))

	for key, value := range raw {
		if number, ok := toNumber(value); ok {
			values[key] = number
		}
	}

	return at, values, nil
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case bool:
		if v {
			return 1, true
		}

		return 0, true
	case string:
		number, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(number) {
			return 0, false
		}

		return number, true
	default:
		return 0, false
	}
}

// millisThreshold separates unix seconds from unix milliseconds.
const millisThreshold = 1e11

func parseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		if v > millisThreshold {
			return time.UnixMilli(int64(v)), true
		}

		return time.Unix(int64(v), 0), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}

		return parsed, true
	default:
		return time.Time{}, false
	}
}
