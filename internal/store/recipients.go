package store

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"sync"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
	"github.com/oshokin/alarm-engine/internal/logger"
)

// ErrInvalidEmail is returned for an address that does not parse.
var ErrInvalidEmail = errors.New("invalid email address")

// RecipientBackend is the part of the backend client the recipient store needs.
type RecipientBackend interface {
	ListRecipients(ctx context.Context) ([]alarm.Recipient, error)
	CreateRecipient(ctx context.Context, email string) (string, error)
	DeleteRecipient(ctx context.Context, recipientID string) error
}

// RecipientStore caches the account's digest recipients.
type RecipientStore struct {
	backend    RecipientBackend
	recipients []alarm.Recipient
	mu         sync.RWMutex
}

// NewRecipientStore creates an empty store backed by backend.
func NewRecipientStore(backend RecipientBackend) *RecipientStore {
	return &RecipientStore{backend: backend}
}

// Load replaces the cached recipients with the backend's list.
func (s *RecipientStore) Load(ctx context.Context) error {
	recipients, err := s.backend.ListRecipients(ctx)
	if err != nil {
		return backendError("load recipients", err)
	}

	s.mu.Lock()
	s.recipients = slices.Clone(recipients)
	s.mu.Unlock()

	logger.InfoKV(ctx, "Recipients loaded", "count", len(recipients))

	return nil
}

// Add validates and persists an email address.
func (s *RecipientStore) Add(ctx context.Context, email string) (alarm.Recipient, error) {
	address, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return alarm.Recipient{}, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	id, err := s.backend.CreateRecipient(ctx, address.Address)
	if err != nil {
		return alarm.Recipient{}, backendError("create recipient", err)
	}

	if strings.TrimSpace(id) == "" {
		return alarm.Recipient{}, fmt.Errorf("create recipient: %w", ErrMissingID)
	}

	recipient := alarm.Recipient{ID: id, Email: address.Address}

	s.mu.Lock()
	s.recipients = append(s.recipients, recipient)
	s.mu.Unlock()

	return recipient, nil
}

// Remove deletes a recipient by id.
func (s *RecipientStore) Remove(ctx context.Context, recipientID string) error {
	if err := s.backend.DeleteRecipient(ctx, recipientID); err != nil {
		return backendError("delete recipient", err)
	}

	s.mu.Lock()
	s.recipients = slices.DeleteFunc(s.recipients, func(r alarm.Recipient) bool { return r.ID == recipientID })
	s.mu.Unlock()

	return nil
}

// List returns a copy of the cached recipients.
func (s *RecipientStore) List() []alarm.Recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.recipients)
}
