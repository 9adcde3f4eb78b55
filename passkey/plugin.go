// Package passkey implements WebAuthn registration and login.  Each passkey
// is linked to its user as a credential under the "passkey" method, keyed by
// the base64url credential id, with the public key and the last seen sign
// counter in its data.
package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/panyam/plugauth"
)

// Name is the method name the plugin registers under
const Name = "passkey"

// Plugin is the passkey authentication method
type Plugin struct {
	cfg      plugauth.PasskeyConfig
	verifier Verifier

	flowTTL  time.Duration
	users    plugauth.UserStore
	flows    plugauth.FlowStateStore
	sessions *plugauth.SessionManager
	logger   *slog.Logger
	now      func() time.Time
}

var _ plugauth.Plugin = (*Plugin)(nil)

// New creates the plugin for the relying party in cfg.  Display name and
// origins are derived from the app config in Setup when left empty.
func New(cfg plugauth.PasskeyConfig) *Plugin {
	return &Plugin{cfg: cfg}
}

// WithVerifier replaces the go-webauthn verifier
func (p *Plugin) WithVerifier(v Verifier) *Plugin {
	p.verifier = v
	return p
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) Setup(ctx context.Context, svc *plugauth.Services) error {
	cfg := svc.Config
	if cfg == nil {
		cfg = plugauth.DefaultConfig()
	}
	if svc.Storage == nil || svc.Storage.Users == nil || svc.Storage.Flows == nil {
		return fmt.Errorf("passkey plugin needs user and flow state stores")
	}
	p.cfg.EnsureDefaults(cfg.AppName)
	if !p.cfg.Enabled() {
		return fmt.Errorf("passkey plugin needs a relying party id")
	}
	if p.verifier == nil {
		v, err := NewWebAuthnVerifier(p.cfg)
		if err != nil {
			return err
		}
		p.verifier = v
	}

	p.users = svc.Storage.Users
	p.flows = svc.Storage.Flows
	p.sessions = svc.Sessions
	p.flowTTL = cfg.FlowTTL
	p.logger = svc.Logger
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.now = svc.Now
	if p.now == nil {
		p.now = time.Now
	}
	return nil
}

func (p *Plugin) Migrate(ctx context.Context, svc *plugauth.Services) error { return nil }

// StartRegistration begins adding a passkey.  An empty userID starts a
// passwordless signup: the user id is allocated now and the user is created
// when the ceremony finishes.
func (p *Plugin) StartRegistration(ctx context.Context, userID string) (*Options, error) {
	if err := p.ready("start registration"); err != nil {
		return nil, err
	}
	newUser := userID == ""
	var account *Account
	if newUser {
		account = &Account{UserID: uuid.NewString()}
	} else {
		user, err := p.users.FindUserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if account, err = p.account(ctx, user); err != nil {
			return nil, err
		}
	}

	ceremony, err := p.verifier.BeginRegistration(account)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}
	ch := &Challenge{Kind: KindRegistration, UserID: account.UserID, NewUser: newUser}
	return p.store(ctx, ch, ceremony)
}

// FinishRegistration verifies the attestation in response and links the new
// passkey to its user, creating the user for a passwordless signup.
func (p *Plugin) FinishRegistration(ctx context.Context, response []byte) (*plugauth.User, error) {
	if err := p.ready("finish registration"); err != nil {
		return nil, err
	}
	parsed, err := p.verifier.ParseResponse(response, KindRegistration)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugauth.ErrInvalidPayload, err)
	}
	ch, err := p.take(ctx, KindRegistration, parsed.Challenge)
	if err != nil {
		return nil, err
	}

	var (
		user    *plugauth.User
		account = &Account{UserID: ch.UserID}
	)
	if !ch.NewUser {
		if user, err = p.users.FindUserByID(ctx, ch.UserID); err != nil {
			return nil, err
		}
		if account, err = p.account(ctx, user); err != nil {
			return nil, err
		}
	}

	cred, err := p.verifier.FinishRegistration(account, ch.Session, response)
	if err != nil {
		return nil, fmt.Errorf("%w: attestation: %v", plugauth.ErrInvalidCredentials, err)
	}

	now := p.now()
	if ch.NewUser {
		user = &plugauth.User{ID: ch.UserID, Profile: map[string]any{}, CreatedAt: now, UpdatedAt: now}
		if err := p.users.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
	}

	id := EncodeID(cred.ID)
	if _, err := p.users.LinkCredential(ctx, user.ID, Name, id, credentialData(cred, now)); err != nil {
		return nil, fmt.Errorf("failed to link passkey: %w", err)
	}
	user.Identifiers = append(user.Identifiers, plugauth.IdentityKey(Name, id))
	p.logger.Info("registered passkey", "user", user.ID, "new_user", ch.NewUser)
	return user, nil
}

// StartAuthentication begins a login.  With an empty userID the login is
// discoverable and the authenticator picks the account.
func (p *Plugin) StartAuthentication(ctx context.Context, userID string) (*Options, error) {
	if err := p.ready("start authentication"); err != nil {
		return nil, err
	}
	var account *Account
	if userID != "" {
		user, err := p.users.FindUserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if account, err = p.account(ctx, user); err != nil {
			return nil, err
		}
		if len(account.Credentials) == 0 {
			return nil, fmt.Errorf("%w: user has no passkeys", plugauth.ErrCredentialNotFound)
		}
	}

	ceremony, err := p.verifier.BeginLogin(account)
	if err != nil {
		return nil, fmt.Errorf("failed to begin login: %w", err)
	}
	ch := &Challenge{Kind: KindAuthentication, UserID: userID}
	if account != nil {
		for _, c := range account.Credentials {
			ch.Allowed = append(ch.Allowed, EncodeID(c.ID))
		}
	}
	return p.store(ctx, ch, ceremony)
}

// FinishAuthentication verifies the assertion in response and issues a
// session
func (p *Plugin) FinishAuthentication(ctx context.Context, response []byte) (*plugauth.User, *plugauth.Session, error) {
	user, err := p.verify(ctx, response)
	if err != nil {
		return nil, nil, err
	}
	if p.sessions == nil {
		return nil, nil, &plugauth.ConfigError{Plugin: Name, Op: "finish authentication", Err: fmt.Errorf("no session manager")}
	}
	session, err := p.sessions.Create(ctx, user.ID, Name, nil)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// Authenticate verifies the assertion in Params "response" without issuing a
// session.
func (p *Plugin) Authenticate(ctx context.Context, creds *plugauth.Credentials) (*plugauth.User, error) {
	response := creds.Param("response")
	if response == "" {
		return nil, fmt.Errorf("%w: missing response", plugauth.ErrInvalidPayload)
	}
	return p.verify(ctx, []byte(response))
}

// Credentials lists the passkeys registered to a user
func (p *Plugin) Credentials(ctx context.Context, userID string) ([]*plugauth.Credential, error) {
	if err := p.ready("credentials"); err != nil {
		return nil, err
	}
	return p.users.ListCredentials(ctx, userID, Name)
}

func (p *Plugin) verify(ctx context.Context, response []byte) (*plugauth.User, error) {
	if err := p.ready("authenticate"); err != nil {
		return nil, err
	}
	parsed, err := p.verifier.ParseResponse(response, KindAuthentication)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugauth.ErrInvalidPayload, err)
	}
	ch, err := p.take(ctx, KindAuthentication, parsed.Challenge)
	if err != nil {
		return nil, err
	}

	cred, err := p.users.FindCredential(ctx, Name, EncodeID(parsed.CredentialID))
	if err != nil {
		if errors.Is(err, plugauth.ErrCredentialNotFound) {
			return nil, plugauth.ErrInvalidCredentials
		}
		return nil, err
	}
	if ch.UserID != "" && cred.UserID != ch.UserID {
		return nil, plugauth.ErrInvalidCredentials
	}
	if len(parsed.UserHandle) > 0 && !bytes.Equal(parsed.UserHandle, []byte(cred.UserID)) {
		return nil, plugauth.ErrInvalidCredentials
	}

	user, err := p.users.FindUserByID(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}
	account, err := p.account(ctx, user)
	if err != nil {
		return nil, err
	}
	assertion, err := p.verifier.FinishLogin(account, ch.Session, response)
	if err != nil {
		return nil, fmt.Errorf("%w: assertion: %v", plugauth.ErrInvalidCredentials, err)
	}

	stored := uintValue(cred.Data["sign_count"])
	if err := CheckSignCount(stored, assertion.SignCount); err != nil {
		p.logger.Warn("passkey sign count did not advance", "user", user.ID, "credential", cred.Identifier,
			"stored", stored, "reported", assertion.SignCount)
		return nil, err
	}

	cred.Data["sign_count"] = assertion.SignCount
	cred.Data["backup_state"] = assertion.BackupState
	cred.Data["last_used_at"] = p.now().UTC().Format(time.RFC3339)
	if err := p.users.UpdateCredential(ctx, cred); err != nil {
		if errors.Is(err, plugauth.ErrVersionConflict) {
			// another assertion with the same counter got in first
			p.logger.Warn("concurrent passkey assertion", "user", user.ID, "credential", cred.Identifier)
			return nil, plugauth.ErrPossibleCloneDetected
		}
		return nil, fmt.Errorf("failed to update sign count: %w", err)
	}
	return user, nil
}

func (p *Plugin) store(ctx context.Context, ch *Challenge, ceremony *Ceremony) (*Options, error) {
	now := p.now()
	ch.Challenge = ceremony.Challenge
	ch.RPID = p.cfg.RPID
	ch.UserVerification = p.cfg.UserVerification
	ch.Session = ceremony.Session
	ch.CreatedAt = now
	ch.ExpiresAt = now.Add(p.flowTTL)

	data, err := json.Marshal(ch)
	if err != nil {
		return nil, err
	}
	if err := p.flows.Put(ctx, challengeKey(ch.Kind, ch.Challenge), data, p.flowTTL); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}
	return &Options{
		RPID:      ch.RPID,
		UserID:    ch.UserID,
		Challenge: ch.Challenge,
		PublicKey: ceremony.Options,
		ExpiresAt: ch.ExpiresAt,
	}, nil
}

// take consumes the challenge a response answers.  Unknown, used and expired
// challenges all count as replays.
func (p *Plugin) take(ctx context.Context, kind Kind, challenge string) (*Challenge, error) {
	if challenge == "" {
		return nil, fmt.Errorf("%w: missing challenge", plugauth.ErrInvalidPayload)
	}
	data, err := p.flows.Take(ctx, challengeKey(kind, challenge))
	if err != nil {
		if errors.Is(err, plugauth.ErrFlowStateNotFound) {
			return nil, plugauth.ErrReplayedFlow
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("corrupt challenge: %w", err)
	}
	if ch.Kind != kind || !p.now().Before(ch.ExpiresAt) {
		return nil, plugauth.ErrReplayedFlow
	}
	return &ch, nil
}

// account loads the passkeys of user for the verifier
func (p *Plugin) account(ctx context.Context, user *plugauth.User) (*Account, error) {
	creds, err := p.users.ListCredentials(ctx, user.ID, Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list passkeys: %w", err)
	}
	account := &Account{UserID: user.ID}
	if email, ok := user.Profile["email"].(string); ok {
		account.Name = email
	}
	if name, ok := user.Profile["name"].(string); ok {
		account.DisplayName = name
	}
	for _, c := range creds {
		sc, err := storedCredential(c)
		if err != nil {
			p.logger.Warn("skipping unreadable passkey", "user", user.ID, "credential", c.Identifier, "err", err)
			continue
		}
		account.Credentials = append(account.Credentials, *sc)
	}
	return account, nil
}

func (p *Plugin) ready(op string) error {
	if p.users == nil || p.verifier == nil {
		return &plugauth.ConfigError{Plugin: Name, Op: op, Err: fmt.Errorf("plugin is not set up")}
	}
	return nil
}

// credentialData is what gets stored for a new passkey.  The counter starts
// at zero; the first assertion from a counting authenticator moves it past.
func credentialData(c *StoredCredential, now time.Time) map[string]any {
	return map[string]any{
		"public_key":       base64.RawURLEncoding.EncodeToString(c.PublicKey),
		"sign_count":       uint32(0),
		"aaguid":           base64.RawURLEncoding.EncodeToString(c.AAGUID),
		"transports":       c.Transports,
		"attestation_type": c.AttestationType,
		"user_verified":    c.UserVerified,
		"backup_eligible":  c.BackupEligible,
		"backup_state":     c.BackupState,
		"registered_at":    now.UTC().Format(time.RFC3339),
	}
}

func storedCredential(c *plugauth.Credential) (*StoredCredential, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.Identifier)
	if err != nil {
		return nil, err
	}
	pub, _ := c.Data["public_key"].(string)
	key, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("bad public key")
	}
	aaguid, _ := c.Data["aaguid"].(string)
	out := &StoredCredential{ID: id, PublicKey: key, SignCount: uintValue(c.Data["sign_count"])}
	out.AAGUID, _ = base64.RawURLEncoding.DecodeString(aaguid)
	out.AttestationType, _ = c.Data["attestation_type"].(string)
	out.UserVerified, _ = c.Data["user_verified"].(bool)
	out.BackupEligible, _ = c.Data["backup_eligible"].(bool)
	out.BackupState, _ = c.Data["backup_state"].(bool)
	switch ts := c.Data["transports"].(type) {
	case []string:
		out.Transports = ts
	case []any:
		for _, t := range ts {
			if s, ok := t.(string); ok {
				out.Transports = append(out.Transports, s)
			}
		}
	}
	return out, nil
}
