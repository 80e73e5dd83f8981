package alarm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operator is the comparison applied between the current value and the threshold.
type Operator string

// Supported operators.
const (
	OperatorGreater        Operator = ">"
	OperatorLess           Operator = "<"
	OperatorEqual          Operator = "=="
	OperatorGreaterOrEqual Operator = ">="
	OperatorLessOrEqual    Operator = "<="
	OperatorNotEqual       Operator = "!="
)

// DefaultWaitTime is used when a rule has no sustain duration configured.
const DefaultWaitTime = 30 * time.Second

// topicWildcard is the multi-level wildcard used by the telemetry transport.
const topicWildcard = "#"

var (
	// ErrInvalidRule wraps every rule validation failure.
	ErrInvalidRule = errors.New("invalid rule")
)

// Valid reports whether the operator is one of the supported comparisons.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorLess, OperatorEqual,
		OperatorGreaterOrEqual, OperatorLessOrEqual, OperatorNotEqual:
		return true
	default:
		return false
	}
}

// Rule is a user-defined alarm condition over one telemetry variable.
type Rule struct {
	// ID is assigned by the backend; empty until the rule is persisted.
	ID string `json:"id,omitempty"`
	// AccountID owns the rule.
	AccountID string `json:"userId,omitempty"`
	// Name is the display label.
	Name string `json:"name"`
	// DeviceTopic and Subtopic compose the channel to subscribe to.
	DeviceTopic string `json:"deviceTopic"`
	Subtopic    string `json:"subtopic"`
	// Variable is the key into the channel's value map.
	Variable string `json:"variable"`
	// Operator compares the current value against Threshold.
	Operator Operator `json:"operator"`
	// Threshold is the comparison operand.
	Threshold float64 `json:"value"`
	// ThresholdPercent is shown in the dashboard only and never evaluated.
	ThresholdPercent float64 `json:"threshold,omitempty"`
	// WaitTimeSeconds is how long the condition must hold before activation.
	WaitTimeSeconds int `json:"waitTime"`
	// Severity is a free-text display classification.
	Severity string `json:"severity,omitempty"`
}

// Clone returns a copy of the rule.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}

// WaitTime returns the sustain duration, falling back to DefaultWaitTime.
func (r *Rule) WaitTime() time.Duration {
	if r.WaitTimeSeconds <= 0 {
		return DefaultWaitTime
	}

	return time.Duration(r.WaitTimeSeconds) * time.Second
}

// Evaluable reports whether the rule names both a device topic and a variable.
// Rules that are not evaluable are never subscribed to nor evaluated.
func (r *Rule) Evaluable() bool {
	return strings.TrimSpace(r.Variable) != "" && topicBase(r.DeviceTopic) != ""
}

// Channel returns the telemetry channel the rule listens on.
func (r *Rule) Channel() string {
	return ChannelFor(r.DeviceTopic, r.Subtopic)
}

// SameCondition reports whether other is evaluated exactly like r: same
// channel, variable, operator and threshold. Name, severity, the display
// percentage and the wait time are not part of the condition.
func (r *Rule) SameCondition(other Rule) bool {
	return r.Channel() == other.Channel() &&
		strings.TrimSpace(r.Variable) == strings.TrimSpace(other.Variable) &&
		r.Operator == other.Operator &&
		r.Threshold == other.Threshold
}

// Validate checks the rule before it is sent to the backend for creation.
func (r *Rule) Validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	case topicBase(r.DeviceTopic) == "":
		return fmt.Errorf("%w: device topic is required", ErrInvalidRule)
	case strings.TrimSpace(r.Variable) == "":
		return fmt.Errorf("%w: variable is required", ErrInvalidRule)
	case !r.Operator.Valid():
		return fmt.Errorf("%w: unsupported operator %q", ErrInvalidRule, r.Operator)
	case r.WaitTimeSeconds < 0:
		return fmt.Errorf("%w: wait time must not be negative", ErrInvalidRule)
	}

	return nil
}

// ChannelFor derives the subscription channel from a device topic and subtopic:
// the trailing wildcard of the device topic is stripped, the subtopic appended,
// and a wildcard added so every variable under the subtopic is received.
//
//	ChannelFor("plant/dev-1/#", "sensors") == "plant/dev-1/sensors/#"
func ChannelFor(deviceTopic, subtopic string) string {
	base := topicBase(deviceTopic)

	if sub := strings.Trim(strings.TrimSpace(subtopic), "/"); sub != "" {
		base += "/" + sub
	}

	return base + "/" + topicWildcard
}

// topicBase strips whitespace, the trailing wildcard and trailing separators.
func topicBase(deviceTopic string) string {
	base := strings.TrimSpace(deviceTopic)
	base = strings.TrimSuffix(base, topicWildcard)

	return strings.TrimRight(base, "/")
}
