package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"fleetgate/internal/store"
)

var ErrNotAuthenticated = errors.New("not authenticated")

type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

type SessionSnapshot struct {
	State           SessionState `json:"-"`
	StateName       string       `json:"state"`
	Username        string       `json:"username,omitempty"`
	AuthenticatedAt time.Time    `json:"authenticatedAt,omitzero"`
	LastError       string       `json:"lastError,omitempty"`
}

const sessionKey = "session:current"

type persistedSession struct {
	Username        string    `json:"username"`
	Token           string    `json:"token"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
}

// Session is the single source of truth for authentication state:
// unauthenticated -> authenticating -> authenticated, with failures
// returning to unauthenticated and keeping the error. When a store is
// configured the token survives restarts.
type Session struct {
	mu              sync.RWMutex
	state           SessionState
	username        string
	token           string
	authenticatedAt time.Time
	lastErr         string

	persist *store.Store // nil disables persistence
}

func NewSession(persist *store.Store) *Session {
	return &Session{persist: persist}
}

// Restore rehydrates a previously persisted session, if any.
func (s *Session) Restore(ctx context.Context) bool {
	if s.persist == nil {
		return false
	}
	data, ok := s.persist.Get(ctx, sessionKey)
	if !ok {
		return false
	}
	var p persistedSession
	if err := json.Unmarshal(data, &p); err != nil || p.Token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthenticated
	s.username = p.Username
	s.token = p.Token
	s.authenticatedAt = p.AuthenticatedAt
	s.lastErr = ""
	return true
}

func (s *Session) beginAuth(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthenticating
	s.username = username
	s.lastErr = ""
}

func (s *Session) establish(ctx context.Context, username, token string, at time.Time) {
	s.mu.Lock()
	s.state = StateAuthenticated
	s.username = username
	s.token = token
	s.authenticatedAt = at
	s.lastErr = ""
	s.mu.Unlock()

	if s.persist != nil {
		data, _ := json.Marshal(persistedSession{Username: username, Token: token, AuthenticatedAt: at})
		_ = s.persist.Set(ctx, sessionKey, data, time.Hour)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateUnauthenticated
	s.token = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}

// Invalidate drops the session, local and persisted.
func (s *Session) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.state = StateUnauthenticated
	s.token = ""
	s.lastErr = ""
	s.mu.Unlock()

	if s.persist != nil {
		_ = s.persist.Delete(ctx, sessionKey)
	}
}

// Token returns the current session token, or ErrNotAuthenticated.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated || s.token == "" {
		return "", ErrNotAuthenticated
	}
	return s.token, nil
}

func (s *Session) Current() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		State:           s.state,
		StateName:       s.state.String(),
		Username:        s.username,
		AuthenticatedAt: s.authenticatedAt,
		LastError:       s.lastErr,
	}
}
