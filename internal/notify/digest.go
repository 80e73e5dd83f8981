package notify

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
)

// Digest is one batched email notification.
type Digest struct {
	ID          string        `json:"id"`
	AccountID   string        `json:"accountId"`
	Recipients  []string      `json:"recipients"`
	Entries     []DigestEntry `json:"entries"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// DigestEntry summarizes the activations of one rule within a batch.
type DigestEntry struct {
	RuleID      string    `json:"ruleId"`
	RuleName    string    `json:"ruleName"`
	Device      string    `json:"device"`
	Variable    string    `json:"variable"`
	Value       float64   `json:"value"`
	Severity    string    `json:"severity,omitempty"`
	ActivatedAt time.Time `json:"activatedAt"`
	// Occurrences counts activations of the rule since the last flush.
	Occurrences int `json:"occurrences"`
}

// Outbox accepts digests for delivery by the email collaborator.
type Outbox interface {
	Enqueue(ctx context.Context, digest Digest) error
}

// RecipientLister returns the current recipient list.
type RecipientLister interface {
	List() []alarm.Recipient
}

// batch accumulates digest entries keyed by rule id.
type batch map[string]DigestEntry

// add records an activation; the latest activation of a rule wins.
func (b batch) add(event alarm.Event) {
	entry := b[event.RuleID]

	b[event.RuleID] = DigestEntry{
		RuleID:      event.RuleID,
		RuleName:    event.RuleName,
		Device:      event.Device,
		Variable:    event.Variable,
		Value:       event.Value,
		Severity:    event.Severity,
		ActivatedAt: event.Timestamp,
		Occurrences: entry.Occurrences + 1,
	}
}

// merge puts back entries of a failed flush without hiding newer activations.
func (b batch) merge(entries []DigestEntry) {
	for _, entry := range entries {
		current, ok := b[entry.RuleID]
		if !ok {
			b[entry.RuleID] = entry

			continue
		}

		current.Occurrences += entry.Occurrences
		b[entry.RuleID] = current
	}
}

// entries returns the batch ordered by activation time, then rule id.
func (b batch) entries() []DigestEntry {
	result := make([]DigestEntry, 0, len(b))
	for _, entry := range b {
		result = append(result, entry)
	}

	slices.SortFunc(result, func(x, y DigestEntry) int {
		if c := x.ActivatedAt.Compare(y.ActivatedAt); c != 0 {
			return c
		}

		return strings.Compare(x.RuleID, y.RuleID)
	})

	return result
}

func recipientEmails(recipients []alarm.Recipient) []string {
	emails := make([]string, 0, len(recipients))

	for _, recipient := range recipients {
		email := strings.TrimSpace(recipient.Email)
		if email == "" || slices.Contains(emails, email) {
			continue
		}

		emails = append(emails, email)
	}

	return emails
}
