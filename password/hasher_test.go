package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/password"
)

var fastParams = plugauth.PasswordConfig{Memory: 64, Iterations: 1, Parallelism: 1}

func TestHashFormat(t *testing.T) {
	h := password.NewHasher(fastParams)
	encoded, err := h.Hash("secret123")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=64,t=1,p=1$"), encoded)
	assert.Len(t, strings.Split(encoded, "$"), 6)

	again, err := h.Hash("secret123")
	require.NoError(t, err)
	assert.NotEqual(t, encoded, again, "salts must differ")
}

func TestVerify(t *testing.T) {
	h := password.NewHasher(fastParams)
	encoded, err := h.Hash("secret123")
	require.NoError(t, err)

	ok, err := h.Verify("secret123", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("secret124", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"", "plain", "$argon2id$v=19$m=64,t=1,p=1$!!!$abc", "$argon2i$v=19$m=64,t=1,p=1$c2FsdA$a2V5"} {
		_, err := h.Verify("secret123", bad)
		assert.Error(t, err, bad)
	}
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	h := password.NewHasher(fastParams)
	legacy, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := h.Verify("secret123", string(legacy))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("wrong", string(legacy))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, h.NeedsRehash(string(legacy)))
}

func TestNeedsRehash(t *testing.T) {
	old := password.NewHasher(fastParams)
	encoded, err := old.Hash("secret123")
	require.NoError(t, err)
	assert.False(t, old.NeedsRehash(encoded))

	upgraded := fastParams
	upgraded.Iterations = 2
	assert.True(t, password.NewHasher(upgraded).NeedsRehash(encoded))

	// old hashes still verify after the upgrade
	ok, err := password.NewHasher(upgraded).Verify("secret123", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}
