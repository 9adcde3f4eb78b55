// Package password implements email + password authentication.  Passwords
// are stored as argon2id hashes in the credential linked under the "password"
// method, keyed by the normalized email.
package password

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/panyam/plugauth"
)

// Name is the method name the plugin registers under
const Name = "password"

const hashKey = "password_hash"

// Signup validation errors.  Both also match plugauth.ErrInvalidPayload.
var (
	ErrWeakPassword = errors.New("password is too short")
	ErrInvalidEmail = errors.New("invalid email address")
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Plugin is the password authentication method
type Plugin struct {
	cfg       plugauth.PasswordConfig
	hasher    *Hasher
	dummyHash string

	users    plugauth.UserStore
	sessions *plugauth.SessionManager
	logger   *slog.Logger
	now      func() time.Time
}

var _ plugauth.Plugin = (*Plugin)(nil)

// New creates the plugin.  Zero values in cfg take their defaults.
func New(cfg plugauth.PasswordConfig) *Plugin {
	cfg.EnsureDefaults()
	return &Plugin{cfg: cfg}
}

func (p *Plugin) Name() string { return Name }

// Setup builds the hasher and a dummy hash with the same parameters, which is
// verified against when the email is unknown so that both failures cost the
// same.
func (p *Plugin) Setup(ctx context.Context, svc *plugauth.Services) error {
	if svc.Storage == nil || svc.Storage.Users == nil {
		return fmt.Errorf("password plugin needs a user store")
	}
	p.users = svc.Storage.Users
	p.sessions = svc.Sessions
	p.logger = svc.Logger
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.now = svc.Now
	if p.now == nil {
		p.now = time.Now
	}

	p.hasher = NewHasher(p.cfg)
	secret, err := plugauth.GenerateSecureToken()
	if err != nil {
		return err
	}
	if p.dummyHash, err = p.hasher.Hash(secret); err != nil {
		return err
	}
	return nil
}

func (p *Plugin) Migrate(ctx context.Context, svc *plugauth.Services) error { return nil }

// Validate checks an email/password pair against the signup policy and
// returns the normalized email
func (p *Plugin) Validate(email, password string) (string, error) {
	email = plugauth.NormalizeEmail(email)
	if !emailRegex.MatchString(email) {
		return "", fmt.Errorf("%w: %w", plugauth.ErrInvalidPayload, ErrInvalidEmail)
	}
	if len(password) < p.cfg.MinLength {
		return "", fmt.Errorf("%w: %w: must be at least %d characters", plugauth.ErrInvalidPayload, ErrWeakPassword, p.cfg.MinLength)
	}
	return email, nil
}

// Register creates a new user with a password credential.  Fails with
// ErrDuplicateIdentity if the email is already registered.
func (p *Plugin) Register(ctx context.Context, email, password string) (*plugauth.User, error) {
	email, err := p.Validate(email, password)
	if err != nil {
		return nil, err
	}

	if _, err := p.users.FindCredential(ctx, Name, email); err == nil {
		return nil, plugauth.ErrDuplicateIdentity
	} else if !errors.Is(err, plugauth.ErrCredentialNotFound) {
		return nil, fmt.Errorf("failed to look up %s: %w", email, err)
	}

	hash, err := p.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	now := p.now()
	user := &plugauth.User{
		ID:        uuid.NewString(),
		Profile:   map[string]any{"email": email},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	// A concurrent Register for the same email loses here and leaves an
	// identity-less user behind.
	if _, err := p.users.LinkCredential(ctx, user.ID, Name, email, map[string]any{hashKey: hash}); err != nil {
		if errors.Is(err, plugauth.ErrDuplicateIdentity) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store password: %w", err)
	}
	user.Identifiers = []string{plugauth.IdentityKey(Name, email)}
	p.logger.Info("registered password user", "user", user.ID)
	return user, nil
}

// Authenticate reads the email from creds.Identifier and the password from
// creds.Secret.  Wrong passwords and unknown emails both fail with
// ErrInvalidCredentials after the same amount of hashing work.
func (p *Plugin) Authenticate(ctx context.Context, creds *plugauth.Credentials) (*plugauth.User, error) {
	if creds == nil {
		return nil, plugauth.ErrInvalidPayload
	}
	cred, err := p.check(ctx, plugauth.NormalizeEmail(creds.Identifier), creds.Secret)
	if err != nil {
		return nil, err
	}
	if p.hasher.NeedsRehash(hashOf(cred)) {
		p.rehash(ctx, cred, creds.Secret)
	}
	user, err := p.users.FindUserByID(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces the password after checking the old one, then
// revokes every session of the user.
func (p *Plugin) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) error {
	email = plugauth.NormalizeEmail(email)
	cred, err := p.check(ctx, email, oldPassword)
	if err != nil {
		return err
	}
	if _, err := p.Validate(email, newPassword); err != nil {
		return err
	}
	hash, err := p.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	cred.Data[hashKey] = hash
	if err := p.users.UpdateCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if p.sessions != nil {
		return p.sessions.RevokeUser(ctx, cred.UserID)
	}
	return nil
}

func (p *Plugin) check(ctx context.Context, email, password string) (*plugauth.Credential, error) {
	cred, err := p.users.FindCredential(ctx, Name, email)
	if err != nil {
		if !errors.Is(err, plugauth.ErrCredentialNotFound) {
			return nil, fmt.Errorf("failed to look up credential: %w", err)
		}
		_, _ = p.hasher.Verify(password, p.dummyHash)
		return nil, plugauth.ErrInvalidCredentials
	}
	ok, err := p.hasher.Verify(password, hashOf(cred))
	if err != nil {
		p.logger.Warn("unreadable password hash", "user", cred.UserID, "err", err)
		return nil, plugauth.ErrInvalidCredentials
	}
	if !ok {
		return nil, plugauth.ErrInvalidCredentials
	}
	if cred.Data == nil {
		cred.Data = map[string]any{}
	}
	return cred, nil
}

func (p *Plugin) rehash(ctx context.Context, cred *plugauth.Credential, password string) {
	hash, err := p.hasher.Hash(password)
	if err != nil {
		p.logger.Warn("rehash failed", "user", cred.UserID, "err", err)
		return
	}
	cred.Data[hashKey] = hash
	if err := p.users.UpdateCredential(ctx, cred); err != nil {
		p.logger.Warn("failed to store upgraded password hash", "user", cred.UserID, "err", err)
	}
}

func hashOf(cred *plugauth.Credential) string {
	h, _ := cred.Data[hashKey].(string)
	return h
}
