package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
	"github.com/oshokin/alarm-engine/internal/metrics"
	"github.com/oshokin/alarm-engine/internal/version"
)

// Defaults for the HTTP client.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultRetryCount    = 2
	defaultRetryWait     = 200 * time.Millisecond
	defaultRetryMaxWait  = 2 * time.Second
	requestIDHeader      = "X-Request-ID"
	maxErrorBodyInLogs   = 256
	statusOK             = "ok"
	statusError          = "error"
	rulesPath            = "/alarms"
	recipientsPath       = "/recipients"
	activationsPath      = "/activatedAlarms"
	accountParam         = "userId"
	ruleParam            = "alarmId"
	recipientParam       = "recipientId"
	firstServerErrorCode = http.StatusInternalServerError
)

var (
	// ErrUnavailable means the backend could not be reached or failed with 5xx.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRejected means the backend refused the request with a 4xx status.
	ErrRejected = errors.New("backend rejected request")
	// ErrMissingID means a create call succeeded without returning an id.
	ErrMissingID = errors.New("backend returned no id")
	// ErrNoAccount is returned when the session carries no account id.
	ErrNoAccount = errors.New("session has no account id")
)

// Client calls the rule, recipient and activation history endpoints.
type Client struct {
	http    *resty.Client
	session alarm.Session
}

// Option configures a Client.
type Option func(*resty.Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *resty.Client) {
		if timeout > 0 {
			c.SetTimeout(timeout)
		}
	}
}

// WithRetryCount sets how many times idempotent calls are retried.
func WithRetryCount(count int) Option {
	return func(c *resty.Client) {
		if count >= 0 {
			c.SetRetryCount(count)
		}
	}
}

// WithRetryWait sets the backoff bounds between retries.
func WithRetryWait(wait, maxWait time.Duration) Option {
	return func(c *resty.Client) {
		c.SetRetryWaitTime(wait).SetRetryMaxWaitTime(maxWait)
	}
}

// New creates a client for baseURL working on behalf of session.
func New(baseURL string, session alarm.Session, opts ...Option) (*Client, error) {
	if strings.TrimSpace(session.AccountID) == "" {
		return nil, ErrNoAccount
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultTimeout).
		SetRetryCount(DefaultRetryCount).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(defaultRetryMaxWait).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", version.UserAgent()).
		AddRetryCondition(retryable)

	for _, opt := range opts {
		opt(httpClient)
	}

	return &Client{
		http:    httpClient,
		session: session,
	}, nil
}

// ListRules returns every rule of the account.
func (c *Client) ListRules(ctx context.Context) ([]alarm.Rule, error) {
	var wire []ruleWire

	err := c.do(ctx, "list_rules", c.request(ctx).SetResult(&wire), http.MethodGet, rulesPath)
	if err != nil {
		return nil, err
	}

	rules := make([]alarm.Rule, 0, len(wire))
	for _, w := range wire {
		rules = append(rules, w.rule())
	}

	return rules, nil
}

// CreateRule persists a rule and returns the id assigned by the backend.
func (c *Client) CreateRule(ctx context.Context, rule alarm.Rule) (string, error) {
	rule.ID = ""
	rule.AccountID = c.session.AccountID

	var created createdResponse

	err := c.do(ctx, "create_rule", c.request(ctx).SetBody(rule).SetResult(&created), http.MethodPost, rulesPath)
	if err != nil {
		return "", err
	}

	if created.ID == "" {
		return "", ErrMissingID
	}

	return string(created.ID), nil
}

// DeleteRule removes a rule by id.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	req := c.request(ctx).SetQueryParam(ruleParam, ruleID)

	return c.do(ctx, "delete_rule", req, http.MethodDelete, rulesPath)
}

// ListRecipients returns the digest recipients of the account.
func (c *Client) ListRecipients(ctx context.Context) ([]alarm.Recipient, error) {
	var wire []recipientWire

	err := c.do(ctx, "list_recipients", c.request(ctx).SetResult(&wire), http.MethodGet, recipientsPath)
	if err != nil {
		return nil, err
	}

	recipients := make([]alarm.Recipient, 0, len(wire))
	for _, w := range wire {
		recipients = append(recipients, alarm.Recipient{ID: string(w.ID), Email: w.Email})
	}

	return recipients, nil
}

// CreateRecipient adds an email address and returns its id.
func (c *Client) CreateRecipient(ctx context.Context, email string) (string, error) {
	body := recipientRequest{
		AccountID: c.session.AccountID,
		Email:     email,
	}

	var created createdResponse

	err := c.do(ctx, "create_recipient",
		c.request(ctx).SetBody(body).SetResult(&created), http.MethodPost, recipientsPath)
	if err != nil {
		return "", err
	}

	if created.ID == "" {
		return "", ErrMissingID
	}

	return string(created.ID), nil
}

// DeleteRecipient removes a recipient by id.
func (c *Client) DeleteRecipient(ctx context.Context, recipientID string) error {
	req := c.request(ctx).SetQueryParam(recipientParam, recipientID)

	return c.do(ctx, "delete_recipient", req, http.MethodDelete, recipientsPath)
}

// ListActivations returns past activations recorded by the backend.
func (c *Client) ListActivations(ctx context.Context) ([]alarm.ActivationRecord, error) {
	var wire []activationWire

	err := c.do(ctx, "list_activations", c.request(ctx).SetResult(&wire), http.MethodGet, activationsPath)
	if err != nil {
		return nil, err
	}

	records := make([]alarm.ActivationRecord, 0, len(wire))
	for _, w := range wire {
		record := w.ActivationRecord
		record.RuleID = string(w.RuleID)
		records = append(records, record)
	}

	return records, nil
}

// request starts a request scoped to the account with a fresh request id.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetHeader(requestIDHeader, uuid.NewString()).
		SetQueryParam(accountParam, c.session.AccountID)
}

// do executes the request and classifies failures.
func (c *Client) do(ctx context.Context, operation string, req *resty.Request, method, path string) error {
	started := time.Now()

	resp, err := req.Execute(method, path)

	metrics.BackendRequestDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())

	err = classify(resp, err)
	if err != nil {
		metrics.BackendRequestsTotal.WithLabelValues(operation, statusError).Inc()
		logger.WarnKV(ctx, "Backend request failed",
			"operation", operation,
			"request_id", req.Header.Get(requestIDHeader),
			"error", err)

		return fmt.Errorf("%s: %w", operation, err)
	}

	metrics.BackendRequestsTotal.WithLabelValues(operation, statusOK).Inc()
	logger.DebugKV(ctx, "Backend request done",
		"operation", operation, "status", resp.StatusCode(), "duration", time.Since(started).String())

	return nil
}

func classify(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	switch code := resp.StatusCode(); {
	case code >= firstServerErrorCode:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	case resp.IsError():
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, truncate(resp.String()))
	}

	return nil
}

// retryable retries transport failures and 5xx answers of idempotent calls.
// Creates are never retried so a slow backend cannot store a rule twice.
func retryable(resp *resty.Response, err error) bool {
	if resp != nil && resp.Request != nil && resp.Request.Method == http.MethodPost {
		return false
	}

	return err != nil || (resp != nil && resp.StatusCode() >= firstServerErrorCode)
}

func truncate(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > maxErrorBodyInLogs {
		return body[:maxErrorBodyInLogs] + "..."
	}

	return body
}

// createdResponse is the body of a successful create call.
type createdResponse struct {
	ID identifier `json:"id"`
}

// recipientRequest is the body of a recipient create call.
type recipientRequest struct {
	AccountID string `json:"userId"`
	Email     string `json:"email"`
}

// ruleWire decodes a rule whose ids may be JSON strings or numbers.
// The outer fields shadow the embedded ones with the same JSON name.
type ruleWire struct {
	alarm.Rule

	ID        identifier `json:"id"`
	AccountID identifier `json:"userId"`
}

func (w ruleWire) rule() alarm.Rule {
	rule := w.Rule
	rule.ID = string(w.ID)
	rule.AccountID = string(w.AccountID)

	return rule
}

type recipientWire struct {
	ID    identifier `json:"id"`
	Email string     `json:"email"`
}

type activationWire struct {
	alarm.ActivationRecord

	RuleID identifier `json:"alarmId"`
}

// identifier accepts ids encoded as JSON strings or numbers.
type identifier string

// UnmarshalJSON implements json.Unmarshaler.
func (id *identifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""

		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode id: %w", err)
		}

		*id = identifier(strings.TrimSpace(s))

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}

	*id = identifier(n.String())

	return nil
}
