// Package oauth2 implements OAuth2 / OpenID Connect login as a plugauth
// plugin.  Each configured provider (Google, GitHub or any OIDC issuer) is its
// own plugin, registered under the provider name.
//
// A login is two calls.  BeginAuth stores a single-use flow state and returns
// the provider URL to redirect to, along with a CSRF state and a nonce key the
// host must carry (usually in cookies) until the callback.  Callback checks
// both, consumes the flow state atomically, exchanges the code and resolves the
// provider subject to a user.
package oauth2

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/panyam/plugauth"
)

// Provider describes an identity provider
type Provider struct {
	// Plugin name, also the credential method under which subjects are linked
	Name string

	Config oauth2.Config

	// Set for OpenID Connect providers.  ID tokens are verified against the
	// keys at JWKSURL and must be issued by Issuer to Config.ClientID.
	Issuer  string
	JWKSURL string

	// Queried with the access token when the provider returns no ID token
	UserInfoURL string

	// Turns a userinfo response into an Identity.  Defaults to reading "sub".
	ParseUserInfo func(info map[string]any) (*Identity, error)

	// Called after ParseUserInfo when the identity has no email, e.g. GitHub
	// users with a private email
	FetchEmail func(ctx context.Context, client *http.Client, token *oauth2.Token) (string, error)

	// Fetch the OpenID discovery document from Issuer during Setup
	Discover bool

	// Optional client for every call to the provider
	HTTPClient *http.Client
}

// Identity is what a provider asserts about the user
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// OIDC reports whether the provider issues ID tokens
func (p *Provider) OIDC() bool { return p.Issuer != "" }

// NewProvider builds a provider from configuration, picking the preset by Kind
func NewProvider(cfg plugauth.OAuthProviderConfig) (*Provider, error) {
	cfg.EnsureDefaults()
	var p *Provider
	switch cfg.Kind {
	case "google":
		p = NewGoogleProvider(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL)
	case "github":
		p = NewGithubProvider(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL)
	case "oidc":
		p = NewOIDCProvider(cfg.Issuer, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
	if cfg.Name != "" {
		p.Name = cfg.Name
	}
	if len(cfg.Scopes) > 0 {
		p.Config.Scopes = cfg.Scopes
	}
	if cfg.Issuer != "" {
		p.Issuer = strings.TrimSuffix(cfg.Issuer, "/")
	}
	if cfg.AuthURL != "" {
		p.Config.Endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		p.Config.Endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.UserInfoURL != "" {
		p.UserInfoURL = cfg.UserInfoURL
	}
	if cfg.JWKSURL != "" {
		p.JWKSURL = cfg.JWKSURL
	}
	return p, nil
}

// NewOIDCProvider creates a generic OpenID Connect provider.  Endpoints are
// read from the issuer's discovery document during Setup.
func NewOIDCProvider(issuer, clientId, clientSecret, callbackUrl string) *Provider {
	return &Provider{
		Name:   "oidc",
		Issuer: strings.TrimSuffix(issuer, "/"),
		Config: oauth2.Config{
			ClientID:     clientId,
			ClientSecret: clientSecret,
			RedirectURL:  callbackUrl,
			Scopes:       []string{"openid", "email", "profile"},
		},
		Discover: true,
	}
}

type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// discover fills the endpoints that were not configured explicitly
func (p *Provider) discover(ctx context.Context, client *http.Client) error {
	var doc discoveryDocument
	if err := getJSON(ctx, client, p.Issuer+"/.well-known/openid-configuration", "", &doc); err != nil {
		return plugauth.NewProviderError(p.Name, "discovery", err)
	}
	if strings.TrimSuffix(doc.Issuer, "/") != p.Issuer {
		return plugauth.NewProviderError(p.Name, "discovery", fmt.Errorf("issuer mismatch: %q", doc.Issuer))
	}
	if p.Config.Endpoint.AuthURL == "" {
		p.Config.Endpoint.AuthURL = doc.AuthorizationEndpoint
	}
	if p.Config.Endpoint.TokenURL == "" {
		p.Config.Endpoint.TokenURL = doc.TokenEndpoint
	}
	if p.UserInfoURL == "" {
		p.UserInfoURL = doc.UserinfoEndpoint
	}
	if p.JWKSURL == "" {
		p.JWKSURL = doc.JWKSURI
	}
	return nil
}

func (p *Provider) validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("provider has no name")
	case p.Config.ClientID == "":
		return fmt.Errorf("client id is not set")
	case p.Config.Endpoint.AuthURL == "" || p.Config.Endpoint.TokenURL == "":
		return fmt.Errorf("authorization and token endpoints are required")
	case p.OIDC() && p.JWKSURL == "":
		return fmt.Errorf("jwks url is required for an OIDC provider")
	case !p.OIDC() && p.UserInfoURL == "":
		return fmt.Errorf("userinfo url is required without an issuer")
	}
	return nil
}

// parseStandardClaims reads the OpenID standard claims out of a userinfo
// response
func parseStandardClaims(info map[string]any) (*Identity, error) {
	id := &Identity{
		Subject: stringClaim(info, "sub"),
		Email:   stringClaim(info, "email"),
		Name:    stringClaim(info, "name"),
		Picture: stringClaim(info, "picture"),
	}
	id.EmailVerified, _ = info["email_verified"].(bool)
	if id.Subject == "" {
		return nil, fmt.Errorf("userinfo has no subject")
	}
	return id, nil
}
