package plugauth_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
)

func TestDefaultConfig(t *testing.T) {
	cfg := plugauth.DefaultConfig()
	assert.Equal(t, "PlugAuth", cfg.AppName)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.FlowTTL)
	assert.Equal(t, 10*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, uint32(64*1024), cfg.Password.Memory)
	assert.Equal(t, 8, cfg.Password.MinLength)
	assert.False(t, cfg.Passkey.Enabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app_name: Demo
session_ttl: 2h
flow_ttl: 5m
password:
  min_length: 12
passkey:
  rp_id: localhost
  rp_origins: ["http://localhost:8080"]
oauth:
  - kind: github
    client_id: gh-client
    redirect_url: http://localhost:8080/auth/github/callback
  - name: corp
    kind: oidc
    issuer: https://login.example.com
    client_id: corp-client
    redirect_url: http://localhost:8080/auth/corp/callback
storage:
  driver: fs
  path: /tmp/plugauth
`), 0o600))

	t.Setenv("PLUGAUTH_SESSION_TTL", "30m")
	t.Setenv("OAUTH2_GITHUB_CLIENT_SECRET", "gh-secret")

	cfg, err := plugauth.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Demo", cfg.AppName)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL, "env wins over yaml")
	assert.Equal(t, 5*time.Minute, cfg.FlowTTL)
	assert.Equal(t, 12, cfg.Password.MinLength)
	assert.Equal(t, "Demo", cfg.Passkey.RPDisplayName)
	assert.Equal(t, "preferred", cfg.Passkey.UserVerification)

	require.Len(t, cfg.OAuth, 2)
	assert.Equal(t, "github", cfg.OAuth[0].Name)
	assert.Equal(t, "gh-secret", cfg.OAuth[0].ClientSecret)
	assert.Equal(t, "corp", cfg.OAuth[1].Name)
	assert.Equal(t, "fs", cfg.Storage.Driver)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*plugauth.Config)
	}{
		{"unknown storage", func(c *plugauth.Config) { c.Storage.Driver = "mongo" }},
		{"fs without path", func(c *plugauth.Config) { c.Storage.Driver = "fs" }},
		{"postgres without dsn", func(c *plugauth.Config) { c.Storage.Driver = "postgres" }},
		{"unknown provider kind", func(c *plugauth.Config) {
			c.OAuth = []plugauth.OAuthProviderConfig{{Name: "x", Kind: "myspace", ClientID: "id", RedirectURL: "u"}}
		}},
		{"oidc without issuer", func(c *plugauth.Config) {
			c.OAuth = []plugauth.OAuthProviderConfig{{Name: "x", Kind: "oidc", ClientID: "id", RedirectURL: "u"}}
		}},
		{"duplicate provider", func(c *plugauth.Config) {
			p := plugauth.OAuthProviderConfig{Name: "g", Kind: "google", ClientID: "id", RedirectURL: "u"}
			c.OAuth = []plugauth.OAuthProviderConfig{p, p}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := plugauth.DefaultConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), plugauth.ErrConfiguration)
		})
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	t.Setenv("PLUGAUTH_FLOW_TTL", "ten minutes")
	_, err := plugauth.LoadConfig("")
	assert.ErrorIs(t, err, plugauth.ErrConfiguration)
}
