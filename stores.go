package plugauth

import (
	"context"
	"sort"
	"time"
)

// User represents a unified user account.  A user is created the first time
// any plugin registers an identity and is never deleted by the core.
type User struct {
	ID string `json:"id"`

	// Identifiers holds IdentityKey(method, identifier) for every credential
	// linked to this user, e.g. "password:alice@example.com" or "google:1234".
	Identifiers []string `json:"identifiers,omitempty"`

	Profile   map[string]any `json:"profile,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HasIdentifier reports whether the user has a credential linked for method/identifier.
func (u *User) HasIdentifier(method, identifier string) bool {
	key := IdentityKey(method, identifier)
	for _, id := range u.Identifiers {
		if id == key {
			return true
		}
	}
	return false
}

// Credential is the per-plugin record binding an identifier to a user.
//
//   - password: Identifier is the normalized email, Data holds "password_hash"
//   - oauth providers: Method is the provider name, Identifier the provider subject id
//   - passkey: Identifier is the base64url credential id, Data holds the public key
//     and the last seen sign counter
type Credential struct {
	UserID     string         `json:"user_id"`
	Method     string         `json:"method"`
	Identifier string         `json:"identifier"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Version    int            `json:"version"` // optimistic locking version
}

// Key returns the identity key of the credential.
func (c *Credential) Key() string {
	return IdentityKey(c.Method, c.Identifier)
}

// Session is an authenticated session issued by the SessionManager.
type Session struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Method    string            `json:"method,omitempty"` // plugin that authenticated the user
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// IsExpired returns true if the session expiry has passed at the given time
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// UserStore manages users and the credentials linked to them
type UserStore interface {
	// CreateUser persists a new user.  Fails if the id is taken.
	CreateUser(ctx context.Context, user *User) error

	// FindUserByID returns ErrUserNotFound if there is no such user
	FindUserByID(ctx context.Context, userID string) (*User, error)

	// FindUserByCredential resolves the owner of a credential.
	// Returns ErrUserNotFound if no credential is linked for method/identifier.
	FindUserByCredential(ctx context.Context, method, identifier string) (*User, error)

	// LinkCredential binds method/identifier to an existing user.
	// Returns ErrDuplicateIdentity if the pair is already linked to any user.
	LinkCredential(ctx context.Context, userID, method, identifier string, data map[string]any) (*Credential, error)

	// FindCredential returns ErrCredentialNotFound if nothing is linked
	FindCredential(ctx context.Context, method, identifier string) (*Credential, error)

	// ListCredentials returns the credentials of a user for a method.  An
	// empty method returns all of them.
	ListCredentials(ctx context.Context, userID, method string) ([]*Credential, error)

	// UpdateCredential replaces the Data of a credential if the stored Version
	// still equals cred.Version, and increments the version.  Returns
	// ErrVersionConflict when somebody else updated it first.
	UpdateCredential(ctx context.Context, cred *Credential) error
}

// SessionStore persists sessions
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error

	// FindSession returns ErrSessionNotFound if the session does not exist.
	// Expiry is checked by the SessionManager, not the store.
	FindSession(ctx context.Context, sessionID string) (*Session, error)

	// DeleteSession is idempotent
	DeleteSession(ctx context.Context, sessionID string) error

	// DeleteExpired removes every session whose expiry is before now
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// UpdateSessionExpiry changes the expiry of an existing session (renewal).
	UpdateSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error

	// DeleteUserSessions removes all sessions of a user
	DeleteUserSessions(ctx context.Context, userID string) error
}

// FlowStateStore holds short lived single-use records: OAuth flow states and
// passkey challenges.
type FlowStateStore interface {
	// Put stores value under key for at most ttl
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take atomically fetches and deletes the value under key.  At most one
	// caller can ever Take a given Put.  Returns ErrFlowStateNotFound if the
	// key is missing or expired.
	Take(ctx context.Context, key string) ([]byte, error)

	// PurgeExpired deletes abandoned entries and returns how many were removed
	PurgeExpired(ctx context.Context) (int, error)
}

// Migrator is implemented by backends that need to create their schema
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Storage bundles the ports.  It is shared by reference between the manager,
// the session manager and every plugin; none of them own it.
type Storage struct {
	Users    UserStore
	Sessions SessionStore
	Flows    FlowStateStore
}

// Validate checks that all ports are present
func (s *Storage) Validate() error {
	if s == nil || s.Users == nil || s.Sessions == nil || s.Flows == nil {
		return &ConfigError{Op: "storage", Err: errMissingPort}
	}
	return nil
}

// Migrate runs the migrations of every distinct backend behind the ports.
func (s *Storage) Migrate(ctx context.Context) error {
	seen := map[Migrator]bool{}
	for _, port := range []any{s.Users, s.Sessions, s.Flows} {
		m, ok := port.(Migrator)
		if !ok || seen[m] {
			continue
		}
		seen[m] = true
		if err := m.Migrate(ctx); err != nil {
			return &ConfigError{Op: "migrate storage", Err: err}
		}
	}
	return nil
}

// IdentityKey creates a consistent identity key from method and identifier
func IdentityKey(method, identifier string) string {
	return method + ":" + identifier
}

// SortedIdentifiers builds User.Identifiers from a set of credentials.
// Backends use it so every store reports identifiers in the same order.
func SortedIdentifiers(creds []*Credential) []string {
	out := make([]string, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Key())
	}
	sort.Strings(out)
	return out
}
