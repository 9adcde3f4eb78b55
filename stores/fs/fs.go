// Package fs stores users, credentials, sessions and flow states as JSON
// files under a root folder.  It is meant for development and small single
// host deployments:
//
//	<root>/users/<user id>.json
//	<root>/credentials/<sha256 of method:identifier>.json
//	<root>/sessions/<session id>.json
//	<root>/flows/<sha256 of key>.json
//
// Creating a credential is exclusive across processes (hard link of a fully
// written temp file) and Take is an atomic rename, so the uniqueness and
// single-use guarantees hold even with several processes sharing the folder.
// Version checked credential updates are serialized within one process.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/panyam/plugauth"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]*$`)

// Store implements the three storage ports on the file system
type Store struct {
	StoragePath string

	mu  sync.Mutex
	now func() time.Time
}

var (
	_ plugauth.UserStore      = (*Store)(nil)
	_ plugauth.SessionStore   = (*Store)(nil)
	_ plugauth.FlowStateStore = (*Store)(nil)
	_ plugauth.Migrator       = (*Store)(nil)
)

func New(storagePath string) *Store {
	return &Store{StoragePath: storagePath, now: time.Now}
}

// WithClock replaces the clock used for flow state expiry
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Storage() *plugauth.Storage {
	return &plugauth.Storage{Users: s, Sessions: s, Flows: s}
}

// Migrate creates the folder layout
func (s *Store) Migrate(ctx context.Context) error {
	for _, dir := range []string{"users", "credentials", "sessions", "flows"} {
		if err := os.MkdirAll(filepath.Join(s.StoragePath, dir), 0755); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) userPath(userID string) (string, bool) {
	if !safeID.MatchString(userID) {
		return "", false
	}
	return filepath.Join(s.StoragePath, "users", userID+".json"), true
}

func (s *Store) credentialPath(method, identifier string) string {
	return filepath.Join(s.StoragePath, "credentials", hashName(plugauth.IdentityKey(method, identifier))+".json")
}

func (s *Store) sessionPath(sessionID string) (string, bool) {
	if !safeID.MatchString(sessionID) {
		return "", false
	}
	return filepath.Join(s.StoragePath, "sessions", sessionID+".json"), true
}

func (s *Store) flowPath(key string) string {
	return filepath.Join(s.StoragePath, "flows", hashName(key)+".json")
}

func hashName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Users

func (s *Store) CreateUser(ctx context.Context, user *plugauth.User) error {
	path, ok := s.userPath(user.ID)
	if !ok {
		return fmt.Errorf("invalid user id %q", user.ID)
	}
	if err := writeExclusiveJSON(path, user); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("user %s already exists", user.ID)
		}
		return err
	}
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, userID string) (*plugauth.User, error) {
	path, ok := s.userPath(userID)
	if !ok {
		return nil, plugauth.ErrUserNotFound
	}
	var user plugauth.User
	if err := readJSON(path, &user); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, plugauth.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) FindUserByCredential(ctx context.Context, method, identifier string) (*plugauth.User, error) {
	cred, err := s.FindCredential(ctx, method, identifier)
	if err != nil {
		if errors.Is(err, plugauth.ErrCredentialNotFound) {
			return nil, plugauth.ErrUserNotFound
		}
		return nil, err
	}
	return s.FindUserByID(ctx, cred.UserID)
}

func (s *Store) LinkCredential(ctx context.Context, userID, method, identifier string, data map[string]any) (*plugauth.Credential, error) {
	if _, err := s.FindUserByID(ctx, userID); err != nil {
		return nil, err
	}
	now := s.now()
	cred := &plugauth.Credential{
		UserID:     userID,
		Method:     method,
		Identifier: identifier,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if err := writeExclusiveJSON(s.credentialPath(method, identifier), cred); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, plugauth.ErrDuplicateIdentity
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.Identifiers = append(user.Identifiers, cred.Key())
	slices.Sort(user.Identifiers)
	user.UpdatedAt = now
	path, _ := s.userPath(userID)
	if err := writeJSON(path, user); err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *Store) FindCredential(ctx context.Context, method, identifier string) (*plugauth.Credential, error) {
	var cred plugauth.Credential
	if err := readJSON(s.credentialPath(method, identifier), &cred); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, plugauth.ErrCredentialNotFound
		}
		return nil, err
	}
	return &cred, nil
}

func (s *Store) ListCredentials(ctx context.Context, userID, method string) ([]*plugauth.Credential, error) {
	var out []*plugauth.Credential
	err := scanDir(filepath.Join(s.StoragePath, "credentials"), func(path string) error {
		var cred plugauth.Credential
		if err := readJSON(path, &cred); err != nil {
			return nil
		}
		if cred.UserID == userID && (method == "" || cred.Method == method) {
			out = append(out, &cred)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *plugauth.Credential) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, err
}

func (s *Store) UpdateCredential(ctx context.Context, cred *plugauth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.FindCredential(ctx, cred.Method, cred.Identifier)
	if err != nil {
		return err
	}
	if stored.Version != cred.Version {
		return plugauth.ErrVersionConflict
	}
	stored.Data = cred.Data
	stored.Version++
	stored.UpdatedAt = s.now()
	if err := writeJSON(s.credentialPath(cred.Method, cred.Identifier), stored); err != nil {
		return err
	}
	cred.Version = stored.Version
	cred.UpdatedAt = stored.UpdatedAt
	return nil
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, session *plugauth.Session) error {
	path, ok := s.sessionPath(session.ID)
	if !ok {
		return fmt.Errorf("invalid session id")
	}
	return writeJSON(path, session)
}

func (s *Store) FindSession(ctx context.Context, sessionID string) (*plugauth.Session, error) {
	path, ok := s.sessionPath(sessionID)
	if !ok {
		return nil, plugauth.ErrSessionNotFound
	}
	var session plugauth.Session
	if err := readJSON(path, &session); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, plugauth.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	path, ok := s.sessionPath(sessionID)
	if !ok {
		return nil
	}
	return removeIfExists(path)
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return s.deleteSessions(func(session *plugauth.Session) bool {
		return session.IsExpired(now)
	})
}

func (s *Store) UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.ExpiresAt = expiresAt
	path, _ := s.sessionPath(sessionID)
	return writeJSON(path, session)
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := s.deleteSessions(func(session *plugauth.Session) bool {
		return session.UserID == userID
	})
	return err
}

func (s *Store) deleteSessions(match func(*plugauth.Session) bool) (int, error) {
	n := 0
	err := scanDir(filepath.Join(s.StoragePath, "sessions"), func(path string) error {
		var session plugauth.Session
		if err := readJSON(path, &session); err != nil {
			return nil
		}
		if match(&session) {
			if err := removeIfExists(path); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Flow states

type flowFile struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return writeJSON(s.flowPath(key), &flowFile{Value: value, ExpiresAt: s.now().Add(ttl)})
}

// Take renames the flow file to a unique name before reading it.  Only one
// rename of a given file can succeed, so only one caller gets the value.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	path := s.flowPath(key)
	token, err := plugauth.GenerateURLToken(8)
	if err != nil {
		return nil, err
	}
	taken := path + ".taken-" + token
	if err := os.Rename(path, taken); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, plugauth.ErrFlowStateNotFound
		}
		return nil, err
	}
	defer os.Remove(taken)

	var flow flowFile
	if err := readJSON(taken, &flow); err != nil {
		return nil, err
	}
	if !s.now().Before(flow.ExpiresAt) {
		return nil, plugauth.ErrFlowStateNotFound
	}
	return flow.Value, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	n := 0
	err := scanDir(filepath.Join(s.StoragePath, "flows"), func(path string) error {
		var flow flowFile
		if err := readJSON(path, &flow); err != nil {
			return nil
		}
		if !now.Before(flow.ExpiresAt) {
			if err := os.Remove(path); err == nil {
				n++
			}
		}
		return nil
	})
	return n, err
}
