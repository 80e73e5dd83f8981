//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	api "github.com/oshokin/alarm-engine/internal/api/grpc/alarm"
	"github.com/oshokin/alarm-engine/internal/config"
	domain "github.com/oshokin/alarm-engine/internal/domain/alarm"
)

// Client wraps the AlarmEngine gRPC client and decodes its payloads.
type Client struct {
	// conn is the underlying gRPC connection, nil when built with NewClient.
	conn *grpc.ClientConn
	// api is the typed AlarmEngine client.
	api *api.Client

	// callTimeout is the default timeout for individual unary calls.
	callTimeout time.Duration
	// actor is sent with calls that change rules.
	actor string
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for unary calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithActor sets the identity sent with CreateRule and DeleteRule.
func WithActor(actor Actor) Option {
	return func(c *Client) {
		c.actor = actor.String()
	}
}

var (
	// errAddressRequired is returned when a required address value is missing.
	errAddressRequired = errors.New("address must be provided")
	// errRuleIDRequired is returned when a rule id is missing.
	errRuleIDRequired = errors.New("rule id must be provided")
)

// Dial establishes a gRPC connection to the engine.
// Note: this uses insecure transport credentials; deploy on a trusted network
// or terminate TLS in a proxy until native TLS is added.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial alarm engine: %w", err)
	}

	client := NewClient(conn, opts...)
	client.conn = conn

	return client, nil
}

// NewClient wraps an existing connection, which the caller keeps ownership of.
func NewClient(conn grpc.ClientConnInterface, opts ...Option) *Client {
	client := &Client{
		api:         api.NewClient(conn),
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// ActiveRuleIDs returns the ids of currently active rules.
func (c *Client) ActiveRuleIDs(ctx context.Context) ([]string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.GetActiveRules(callCtx)
	if err != nil {
		return nil, fmt.Errorf("get active rules: %w", err)
	}

	var active api.ActiveRules
	if err = api.Decode(resp, &active); err != nil {
		return nil, err
	}

	return active.RuleIDs, nil
}

// ListRules returns every rule with its runtime state.
func (c *Client) ListRules(ctx context.Context) ([]api.RuleView, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ListRules(callCtx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var list api.RuleList
	if err = api.Decode(resp, &list); err != nil {
		return nil, err
	}

	return list.Rules, nil
}

// CreateRule persists a rule and returns it with its assigned id.
func (c *Client) CreateRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	req, err := api.Encode(rule)
	if err != nil {
		return domain.Rule{}, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.CreateRule(api.WithActor(callCtx, c.actor), req)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	var created domain.Rule
	if err = api.Decode(resp, &created); err != nil {
		return domain.Rule{}, err
	}

	return created, nil
}

// DeleteRule removes a rule; confirmation must match the engine's phrase.
func (c *Client) DeleteRule(ctx context.Context, ruleID, confirmation string) error {
	if ruleID == "" {
		return errRuleIDRequired
	}

	req, err := api.Encode(api.DeleteRequest{ID: ruleID, Confirmation: confirmation})
	if err != nil {
		return err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	if err = c.api.DeleteRule(api.WithActor(callCtx, c.actor), req); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	return nil
}

// ListActivations returns the activation history.
func (c *Client) ListActivations(ctx context.Context) ([]domain.ActivationRecord, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.api.ListActivationHistory(callCtx)
	if err != nil {
		return nil, fmt.Errorf("list activation history: %w", err)
	}

	var history api.ActivationHistory
	if err = api.Decode(resp, &history); err != nil {
		return nil, err
	}

	return history.Activations, nil
}

// WatchEvents calls handler for every engine event until ctx is done or the
// stream ends. It returns nil when the server closes the stream.
func (c *Client) WatchEvents(ctx context.Context, handler func(domain.Event)) error {
	stream, err := c.api.WatchEvents(ctx)
	if err != nil {
		return fmt.Errorf("watch events: %w", err)
	}

	for {
		payload, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("receive event: %w", err)
		}

		var event domain.Event
		if err = api.Decode(payload, &event); err != nil {
			return err
		}

		handler(event)
	}
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
