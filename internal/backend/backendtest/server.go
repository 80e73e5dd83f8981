// Package backendtest provides an in-memory CRUD backend over httptest.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/oshokin/alarm-engine/internal/domain/alarm"
)

// Server mimics the dashboard backend for one or more accounts.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	rules       map[string][]alarm.Rule
	recipients  map[string][]alarm.Recipient
	activations map[string][]alarm.ActivationRecord
	nextID      int
	// failStatus, when set, is returned for every request.
	failStatus int
	// blankIDs makes create calls answer without an id.
	blankIDs bool
	requests []*http.Request
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		rules:       make(map[string][]alarm.Rule),
		recipients:  make(map[string][]alarm.Recipient),
		activations: make(map[string][]alarm.ActivationRecord),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/alarms", s.handleRules)
	mux.HandleFunc("/recipients", s.handleRecipients)
	mux.HandleFunc("GET /activatedAlarms", s.handleActivations)

	s.Server = httptest.NewServer(s.record(mux))
	t.Cleanup(s.Close)

	return s
}

// Fail makes every following request answer with status; zero restores normal behaviour.
func (s *Server) Fail(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failStatus = status
}

// BlankIDs makes create calls succeed without returning an id.
func (s *Server) BlankIDs(blank bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blankIDs = blank
}

// SeedRules stores rules for account, assigning ids to rules without one.
func (s *Server) SeedRules(account string, rules ...alarm.Rule) []alarm.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = s.newIDLocked()
		}

		rules[i].AccountID = account
		s.rules[account] = append(s.rules[account], rules[i])
	}

	return rules
}

// SeedActivations stores activation history for account.
func (s *Server) SeedActivations(account string, records ...alarm.ActivationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activations[account] = append(s.activations[account], records...)
}

// Rules returns the rules stored for account.
func (s *Server) Rules(account string) []alarm.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.rules[account])
}

// Recipients returns the recipients stored for account.
func (s *Server) Recipients(account string) []alarm.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.recipients[account])
}

// Requests returns every request received so far.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.requests)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(r.Context()))
		status := s.failStatus
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("userId")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, nonNil(s.rules[account]))
	case http.MethodPost:
		var rule alarm.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if s.blankIDs {
			writeJSON(w, http.StatusOK, map[string]string{"id": ""})

			return
		}

		rule.ID = s.newIDLocked()
		s.rules[rule.AccountID] = append(s.rules[rule.AccountID], rule)
		writeJSON(w, http.StatusCreated, map[string]string{"id": rule.ID})
	case http.MethodDelete:
		id := r.URL.Query().Get("alarmId")

		before := len(s.rules[account])
		s.rules[account] = slices.DeleteFunc(s.rules[account], func(rule alarm.Rule) bool {
			return rule.ID == id
		})

		if len(s.rules[account]) == before {
			http.Error(w, "alarm not found", http.StatusNotFound)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("userId")

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, nonNil(s.recipients[account]))
	case http.MethodPost:
		var body struct {
			AccountID string `json:"userId"`
			Email     string `json:"email"`
		}

		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		if s.blankIDs {
			writeJSON(w, http.StatusOK, map[string]string{"id": ""})

			return
		}

		recipient := alarm.Recipient{ID: s.newIDLocked(), Email: body.Email}
		s.recipients[body.AccountID] = append(s.recipients[body.AccountID], recipient)
		writeJSON(w, http.StatusCreated, map[string]string{"id": recipient.ID})
	case http.MethodDelete:
		id := r.URL.Query().Get("recipientId")
		s.recipients[account] = slices.DeleteFunc(s.recipients[account], func(recipient alarm.Recipient) bool {
			return recipient.ID == id
		})

		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleActivations(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("userId")

	s.mu.Lock()
	defer s.mu.Unlock()

	writeJSON(w, http.StatusOK, nonNil(s.activations[account]))
}

func (s *Server) newIDLocked() string {
	s.nextID++

	return strconv.Itoa(s.nextID)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}

	return items
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
