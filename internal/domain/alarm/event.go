package alarm

import "time"

// Phase is the runtime state of a rule.
type Phase int

// Rule phases. Idle is the zero value.
const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseActive
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePending:
		return "pending"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the two observable outputs of a rule.
type EventKind string

// Event kinds.
const (
	EventActivation   EventKind = "activation"
	EventDeactivation EventKind = "deactivation"
)

// Event is emitted when a rule becomes active or returns to idle.
// It carries everything a collaborator needs to persist an activation record.
type Event struct {
	Kind      EventKind `json:"kind"`
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	Device    string    `json:"device"`
	Variable  string    `json:"variable"`
	Value     float64   `json:"value"`
	Severity  string    `json:"severity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recipient is an email address that receives activation digests.
type Recipient struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
}

// ActivationRecord is a past activation as stored by the backend.
type ActivationRecord struct {
	RuleID    string    `json:"alarmId,omitempty"`
	RuleName  string    `json:"name,omitempty"`
	Device    string    `json:"device"`
	Variable  string    `json:"variable"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Session identifies the account the engine works for.
// It is passed explicitly to every component that talks to the backend.
type Session struct {
	AccountID string
}
