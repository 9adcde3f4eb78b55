// Package memory provides in-memory implementations of the plugauth storage
// ports for tests and single process deployments.  Everything is lost when the
// process restarts.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/panyam/plugauth"
)

type flowEntry struct {
	value     []byte
	expiresAt time.Time
}

// Store implements UserStore, SessionStore and FlowStateStore behind a single
// mutex.  Values are copied on the way in and out so callers never share
// memory with the store.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*plugauth.User
	credentials map[string]*plugauth.Credential // by identity key
	sessions    map[string]*plugauth.Session
	flows       map[string]flowEntry
	now         func() time.Time
}

var (
	_ plugauth.UserStore      = (*Store)(nil)
	_ plugauth.SessionStore   = (*Store)(nil)
	_ plugauth.FlowStateStore = (*Store)(nil)
)

// New creates an empty store
func New() *Store {
	return &Store{
		users:       map[string]*plugauth.User{},
		credentials: map[string]*plugauth.Credential{},
		sessions:    map[string]*plugauth.Session{},
		flows:       map[string]flowEntry{},
		now:         time.Now,
	}
}

// WithClock replaces the clock used for flow state expiry
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Storage returns the store wired into all three ports
func (s *Store) Storage() *plugauth.Storage {
	return &plugauth.Storage{Users: s, Sessions: s, Flows: s}
}

// User store

func (s *Store) CreateUser(ctx context.Context, user *plugauth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, userID string) (*plugauth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, plugauth.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) FindUserByCredential(ctx context.Context, method, identifier string) (*plugauth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[plugauth.IdentityKey(method, identifier)]
	if !ok {
		return nil, plugauth.ErrUserNotFound
	}
	u, ok := s.users[c.UserID]
	if !ok {
		return nil, plugauth.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) LinkCredential(ctx context.Context, userID, method, identifier string, data map[string]any) (*plugauth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, plugauth.ErrUserNotFound
	}
	key := plugauth.IdentityKey(method, identifier)
	if _, exists := s.credentials[key]; exists {
		return nil, plugauth.ErrDuplicateIdentity
	}
	now := s.now()
	cred := &plugauth.Credential{
		UserID:     userID,
		Method:     method,
		Identifier: identifier,
		Data:       maps.Clone(data),
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	s.credentials[key] = cred
	u.Identifiers = append(u.Identifiers, key)
	slices.Sort(u.Identifiers)
	u.UpdatedAt = now
	return cloneCredential(cred), nil
}

func (s *Store) FindCredential(ctx context.Context, method, identifier string) (*plugauth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[plugauth.IdentityKey(method, identifier)]
	if !ok {
		return nil, plugauth.ErrCredentialNotFound
	}
	return cloneCredential(c), nil
}

func (s *Store) ListCredentials(ctx context.Context, userID, method string) ([]*plugauth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plugauth.Credential
	for _, c := range s.credentials {
		if c.UserID == userID && (method == "" || c.Method == method) {
			out = append(out, cloneCredential(c))
		}
	}
	slices.SortFunc(out, func(a, b *plugauth.Credential) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateCredential(ctx context.Context, cred *plugauth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.credentials[cred.Key()]
	if !ok {
		return plugauth.ErrCredentialNotFound
	}
	if stored.Version != cred.Version {
		return plugauth.ErrVersionConflict
	}
	stored.Data = maps.Clone(cred.Data)
	stored.Version++
	stored.UpdatedAt = s.now()
	cred.Version = stored.Version
	cred.UpdatedAt = stored.UpdatedAt
	return nil
}

// Session store

func (s *Store) CreateSession(ctx context.Context, session *plugauth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists")
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *Store) FindSession(ctx context.Context, sessionID string) (*plugauth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, plugauth.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return plugauth.ErrSessionNotFound
	}
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

// Flow state store

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[key] = flowEntry{value: slices.Clone(value), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.flows[key]
	if !ok {
		return nil, plugauth.ErrFlowStateNotFound
	}
	delete(s.flows, key)
	if !s.now().Before(e.expiresAt) {
		return nil, plugauth.ErrFlowStateNotFound
	}
	return e.value, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.flows {
		if !now.Before(e.expiresAt) {
			delete(s.flows, k)
			n++
		}
	}
	return n, nil
}

func cloneUser(u *plugauth.User) *plugauth.User {
	out := *u
	out.Identifiers = slices.Clone(u.Identifiers)
	out.Profile = maps.Clone(u.Profile)
	return &out
}

func cloneCredential(c *plugauth.Credential) *plugauth.Credential {
	out := *c
	out.Data = maps.Clone(c.Data)
	return &out
}

func cloneSession(sess *plugauth.Session) *plugauth.Session {
	out := *sess
	out.Metadata = maps.Clone(sess.Metadata)
	return &out
}
