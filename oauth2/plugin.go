package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/panyam/plugauth"
)

// Plugin runs the authorization code flow against one provider
type Plugin struct {
	provider *Provider

	keys     *keySet
	client   *http.Client
	flowTTL  time.Duration
	timeout  time.Duration
	storage  *plugauth.Storage
	sessions *plugauth.SessionManager
	logger   *slog.Logger
	now      func() time.Time
}

var _ plugauth.Plugin = (*Plugin)(nil)

// New creates a plugin for provider
func New(provider *Provider) *Plugin {
	return &Plugin{provider: provider}
}

// NewFromConfig builds the provider from configuration and wraps it
func NewFromConfig(cfg plugauth.OAuthProviderConfig) (*Plugin, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	return New(p), nil
}

func (p *Plugin) Name() string { return p.provider.Name }

// Provider returns the provider description
func (p *Plugin) Provider() *Provider { return p.provider }

func (p *Plugin) Setup(ctx context.Context, svc *plugauth.Services) error {
	cfg := svc.Config
	if cfg == nil {
		cfg = plugauth.DefaultConfig()
	}
	if svc.Storage == nil || svc.Storage.Users == nil || svc.Storage.Flows == nil {
		return fmt.Errorf("oauth2 plugin needs user and flow state stores")
	}
	p.storage = svc.Storage
	p.sessions = svc.Sessions
	p.flowTTL = cfg.FlowTTL
	p.timeout = cfg.ProviderTimeout
	p.logger = svc.Logger
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.now = svc.Now
	if p.now == nil {
		p.now = time.Now
	}
	p.client = p.provider.HTTPClient
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}

	if p.provider.Discover {
		dctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.provider.discover(dctx, p.client); err != nil {
			return err
		}
	}
	if err := p.provider.validate(); err != nil {
		return err
	}
	if p.provider.OIDC() {
		p.keys = newKeySet(p.provider.JWKSURL, p.client)
	}
	return nil
}

func (p *Plugin) Migrate(ctx context.Context, svc *plugauth.Services) error { return nil }

// BeginAuth starts a login.  redirectURL overrides the configured callback
// URL for this attempt when non empty.
func (p *Plugin) BeginAuth(ctx context.Context, redirectURL string) (*AuthFlow, error) {
	if p.storage == nil {
		return nil, &plugauth.ConfigError{Plugin: p.Name(), Op: "begin", Err: fmt.Errorf("plugin is not set up")}
	}
	if redirectURL == "" {
		redirectURL = p.provider.Config.RedirectURL
	}
	state, err := plugauth.GenerateURLToken(plugauth.StateTokenBytes)
	if err != nil {
		return nil, err
	}
	nonce, err := plugauth.GenerateURLToken(plugauth.StateTokenBytes)
	if err != nil {
		return nil, err
	}
	nonceKey, err := plugauth.GenerateURLToken(16)
	if err != nil {
		return nil, err
	}

	now := p.now()
	flow := FlowState{
		CSRFState:    state,
		NonceKey:     nonceKey,
		Provider:     p.Name(),
		RedirectURL:  redirectURL,
		PKCEVerifier: oauth2.GenerateVerifier(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.flowTTL),
	}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(flow.PKCEVerifier)}
	if p.provider.OIDC() {
		flow.Nonce = nonce
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return nil, err
	}
	if err := p.storage.Flows.Put(ctx, flowKey(p.Name(), state), data, p.flowTTL); err != nil {
		return nil, fmt.Errorf("failed to store flow state: %w", err)
	}

	conf := p.config(redirectURL)
	return &AuthFlow{
		AuthorizationURL: conf.AuthCodeURL(state, opts...),
		CSRFState:        state,
		NonceKey:         nonceKey,
		ExpiresAt:        flow.ExpiresAt,
	}, nil
}

// Callback completes a login and issues a session for the user
func (p *Plugin) Callback(ctx context.Context, req CallbackRequest) (*plugauth.User, *plugauth.Session, error) {
	user, err := p.complete(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if p.sessions == nil {
		return nil, nil, &plugauth.ConfigError{Plugin: p.Name(), Op: "callback", Err: fmt.Errorf("no session manager")}
	}
	session, err := p.sessions.Create(ctx, user.ID, p.Name(), map[string]string{"provider": p.Name()})
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

// Authenticate completes a login from Params "code", "state",
// "expected_state" and "nonce_key" without issuing a session.
func (p *Plugin) Authenticate(ctx context.Context, creds *plugauth.Credentials) (*plugauth.User, error) {
	if creds == nil {
		return nil, plugauth.ErrInvalidPayload
	}
	return p.complete(ctx, CallbackRequest{
		Code:          creds.Param("code"),
		State:         creds.Param("state"),
		ExpectedState: creds.Param("expected_state"),
		NonceKey:      creds.Param("nonce_key"),
	})
}

func (p *Plugin) complete(ctx context.Context, req CallbackRequest) (*plugauth.User, error) {
	if p.storage == nil {
		return nil, &plugauth.ConfigError{Plugin: p.Name(), Op: "callback", Err: fmt.Errorf("plugin is not set up")}
	}
	if !plugauth.TokensEqual(req.State, req.ExpectedState) {
		return nil, plugauth.ErrCsrfMismatch
	}

	flow, err := p.takeFlow(ctx, req.State)
	if err != nil {
		return nil, err
	}
	if !plugauth.TokensEqual(flow.NonceKey, req.NonceKey) {
		return nil, plugauth.ErrNonceMismatch
	}
	if req.Code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", plugauth.ErrInvalidPayload)
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	pctx = context.WithValue(pctx, oauth2.HTTPClient, p.client)

	token, err := p.config(flow.RedirectURL).Exchange(pctx, req.Code, oauth2.VerifierOption(flow.PKCEVerifier))
	if err != nil {
		return nil, plugauth.NewProviderError(p.Name(), "exchange", err)
	}

	identity, err := p.identify(pctx, token, flow)
	if err != nil {
		return nil, err
	}
	return p.resolveUser(ctx, identity)
}

// takeFlow atomically consumes the flow state for state
func (p *Plugin) takeFlow(ctx context.Context, state string) (*FlowState, error) {
	data, err := p.storage.Flows.Take(ctx, flowKey(p.Name(), state))
	if err != nil {
		if errors.Is(err, plugauth.ErrFlowStateNotFound) {
			return nil, plugauth.ErrReplayedFlow
		}
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}
	var flow FlowState
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("corrupt flow state: %w", err)
	}
	if flow.Provider != p.Name() || !p.now().Before(flow.ExpiresAt) {
		return nil, plugauth.ErrReplayedFlow
	}
	return &flow, nil
}

// identify reads the identity from the ID token when the provider issues one,
// otherwise from the userinfo endpoint
func (p *Plugin) identify(ctx context.Context, token *oauth2.Token, flow *FlowState) (*Identity, error) {
	var identity *Identity
	if p.provider.OIDC() {
		raw, _ := token.Extra("id_token").(string)
		if raw == "" {
			return nil, plugauth.NewProviderError(p.Name(), "exchange", fmt.Errorf("token response has no id_token"))
		}
		claims, err := verifyIDToken(ctx, p.keys, raw, p.provider.Issuer, p.provider.Config.ClientID, p.now)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenUnverifiable) && !errors.Is(err, errUnknownKey) {
				return nil, plugauth.NewProviderError(p.Name(), "jwks", err)
			}
			return nil, fmt.Errorf("%w: id token: %v", plugauth.ErrInvalidCredentials, err)
		}
		if !plugauth.TokensEqual(claims.Nonce, flow.Nonce) {
			return nil, plugauth.ErrNonceMismatch
		}
		identity = &Identity{
			Subject:       claims.Subject,
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			Name:          claims.Name,
			Picture:       claims.Picture,
		}
	} else {
		var info map[string]any
		if err := getJSON(ctx, p.client, p.provider.UserInfoURL, token.AccessToken, &info); err != nil {
			return nil, plugauth.NewProviderError(p.Name(), "userinfo", err)
		}
		parse := p.provider.ParseUserInfo
		if parse == nil {
			parse = parseStandardClaims
		}
		var err error
		if identity, err = parse(info); err != nil {
			return nil, plugauth.NewProviderError(p.Name(), "userinfo", err)
		}
	}

	if identity.Email == "" && p.provider.FetchEmail != nil {
		email, err := p.provider.FetchEmail(ctx, p.client, token)
		if err != nil {
			p.logger.Warn("could not fetch email", "provider", p.Name(), "err", err)
		} else {
			identity.Email, identity.EmailVerified = email, email != ""
		}
	}
	return identity, nil
}

// resolveUser finds the user linked to the provider subject, creating one on
// first login
func (p *Plugin) resolveUser(ctx context.Context, id *Identity) (*plugauth.User, error) {
	users := p.storage.Users
	user, err := users.FindUserByCredential(ctx, p.Name(), id.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, plugauth.ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	now := p.now()
	profile := map[string]any{}
	for k, v := range map[string]string{"email": id.Email, "name": id.Name, "picture": id.Picture} {
		if v != "" {
			profile[k] = v
		}
	}
	user = &plugauth.User{ID: uuid.NewString(), Profile: profile, CreatedAt: now, UpdatedAt: now}
	if err := users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	data := map[string]any{"email": id.Email, "email_verified": id.EmailVerified, "name": id.Name}
	if _, err := users.LinkCredential(ctx, user.ID, p.Name(), id.Subject, data); err != nil {
		if errors.Is(err, plugauth.ErrDuplicateIdentity) {
			// a concurrent first login for the same subject won
			return users.FindUserByCredential(ctx, p.Name(), id.Subject)
		}
		return nil, fmt.Errorf("failed to link %s identity: %w", p.Name(), err)
	}
	user.Identifiers = []string{plugauth.IdentityKey(p.Name(), id.Subject)}
	p.logger.Info("created user from provider", "provider", p.Name(), "user", user.ID)
	return user, nil
}

func (p *Plugin) config(redirectURL string) *oauth2.Config {
	conf := p.provider.Config
	conf.RedirectURL = redirectURL
	return &conf
}
