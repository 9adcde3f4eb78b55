package passkey_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/passkey"
)

func newWebAuthnVerifier(t *testing.T) *passkey.WebAuthnVerifier {
	t.Helper()
	cfg := plugauth.PasskeyConfig{RPID: "localhost", RPOrigins: []string{"http://localhost:8080"}}
	cfg.EnsureDefaults("PlugAuth Test")
	v, err := passkey.NewWebAuthnVerifier(cfg)
	require.NoError(t, err)
	return v
}

func TestWebAuthnVerifierBeginRegistration(t *testing.T) {
	v := newWebAuthnVerifier(t)
	ceremony, err := v.BeginRegistration(&passkey.Account{UserID: "u-1", Name: "alice@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, ceremony.Challenge)
	assert.NotEmpty(t, ceremony.Session)

	data, err := json.Marshal(ceremony.Options)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"localhost"`)
	assert.Contains(t, string(data), ceremony.Challenge)
	assert.Contains(t, string(data), "alice@example.com")
}

func TestWebAuthnVerifierDiscoverableLogin(t *testing.T) {
	v := newWebAuthnVerifier(t)
	a, err := v.BeginLogin(nil)
	require.NoError(t, err)
	b, err := v.BeginLogin(nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Challenge, b.Challenge)
}

func TestWebAuthnVerifierRejectsGarbage(t *testing.T) {
	v := newWebAuthnVerifier(t)
	_, err := v.ParseResponse([]byte(`{"id":"nope"}`), passkey.KindRegistration)
	assert.Error(t, err)
	_, err = v.ParseResponse([]byte(`not json`), passkey.KindAuthentication)
	assert.Error(t, err)
	_, err = v.ParseResponse([]byte(`{}`), passkey.Kind("other"))
	assert.Error(t, err)
}

func TestNewWebAuthnVerifierNeedsRelyingParty(t *testing.T) {
	_, err := passkey.NewWebAuthnVerifier(plugauth.PasskeyConfig{})
	assert.Error(t, err)
}
