package plugauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSessionTTL is used when SessionConfig.TTL is not set
const DefaultSessionTTL = 24 * time.Hour

// SessionConfig configures the SessionManager
type SessionConfig struct {
	// How long a session is valid for after it was issued or renewed.
	TTL time.Duration `yaml:"ttl"`

	// Now returns the current time.  Defaults to time.Now; tests swap it for
	// a fake clock.
	Now func() time.Time `yaml:"-"`

	Logger  *slog.Logger `yaml:"-"`
	Metrics *Metrics     `yaml:"-"`
}

func (c *SessionConfig) EnsureDefaults() *SessionConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultSessionTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// SessionManager issues and checks sessions for users authenticated by any
// plugin.  Sessions are never mutated except for their expiry on Renew.
type SessionManager struct {
	users    UserStore
	sessions SessionStore
	cfg      SessionConfig
}

// NewSessionManager creates a session manager over the given storage
func NewSessionManager(storage *Storage, cfg SessionConfig) *SessionManager {
	cfg.EnsureDefaults()
	return &SessionManager{
		users:    storage.Users,
		sessions: storage.Sessions,
		cfg:      cfg,
	}
}

// TTL returns the configured session lifetime
func (m *SessionManager) TTL() time.Duration { return m.cfg.TTL }

// Create issues a new session for an existing user.  method records the plugin
// that authenticated the user.
func (m *SessionManager) Create(ctx context.Context, userID, method string, metadata map[string]string) (*Session, error) {
	if _, err := m.users.FindUserByID(ctx, userID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up user %s: %w", userID, err)
	}

	id, err := GenerateSecureToken()
	if err != nil {
		return nil, err
	}
	now := m.cfg.Now()
	session := &Session{
		ID:        id,
		UserID:    userID,
		Method:    method,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	m.cfg.Metrics.sessionIssued(method)
	m.cfg.Logger.Debug("session created", "user", userID, "method", method, "expires", session.ExpiresAt)
	return session, nil
}

// Validate returns the session if it exists and has not expired.  Expired
// sessions are deleted on the way out.
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (session *Session, err error) {
	defer func() { m.cfg.Metrics.sessionValidated(err) }()
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	session, err = m.sessions.FindSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.IsExpired(m.cfg.Now()) {
		if derr := m.sessions.DeleteSession(ctx, sessionID); derr != nil {
			m.cfg.Logger.Warn("failed to reap expired session", "err", derr)
		}
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Revoke deletes a session.  Revoking a missing session is not an error.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeUser deletes every session of a user, e.g. after a password change
func (m *SessionManager) RevokeUser(ctx context.Context, userID string) error {
	if err := m.sessions.DeleteUserSessions(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke sessions of user %s: %w", userID, err)
	}
	return nil
}

// Renew pushes the expiry of a still valid session out by a full TTL
func (m *SessionManager) Renew(ctx context.Context, sessionID string) (*Session, error) {
	session, err := m.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	expiresAt := m.cfg.Now().Add(m.cfg.TTL)
	if err := m.sessions.UpdateSessionExpiry(ctx, sessionID, expiresAt); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to renew session: %w", err)
	}
	session.ExpiresAt = expiresAt
	return session, nil
}

// Sweep deletes every expired session and returns how many were removed.
// Not needed for correctness since Validate already refuses expired sessions.
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	n, err := m.sessions.DeleteExpired(ctx, m.cfg.Now())
	if err != nil {
		return n, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}
