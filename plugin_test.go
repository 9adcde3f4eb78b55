package plugauth_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/stores/memory"
)

// fakePlugin accepts a single hardcoded identifier
type fakePlugin struct {
	name       string
	setupErr   error
	migrateErr error
	calls      []string
	user       *plugauth.User
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) Setup(ctx context.Context, svc *plugauth.Services) error {
	p.calls = append(p.calls, "setup")
	return p.setupErr
}

func (p *fakePlugin) Migrate(ctx context.Context, svc *plugauth.Services) error {
	p.calls = append(p.calls, "migrate")
	return p.migrateErr
}

func (p *fakePlugin) Authenticate(ctx context.Context, creds *plugauth.Credentials) (*plugauth.User, error) {
	if creds.Identifier != "ok" {
		return nil, plugauth.ErrInvalidCredentials
	}
	return p.user, nil
}

// otherPlugin only exists to test capability mismatches
type otherPlugin struct{ fakePlugin }

func newServices() *plugauth.Services {
	return &plugauth.Services{Storage: memory.New().Storage()}
}

func TestRegister(t *testing.T) {
	m := plugauth.NewPluginManager()
	require.NoError(t, m.Register(&fakePlugin{name: "password"}))
	require.NoError(t, m.Register(&fakePlugin{name: "google"}))

	tests := []struct {
		name   string
		plugin plugauth.Plugin
	}{
		{"duplicate", &fakePlugin{name: "password"}},
		{"empty name", &fakePlugin{name: ""}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Register(tt.plugin)
			assert.ErrorIs(t, err, plugauth.ErrConfiguration)
		})
	}
	assert.Equal(t, []string{"password", "google"}, m.Names())
}

func TestRegisterAfterSetupFails(t *testing.T) {
	m := plugauth.NewPluginManager()
	require.NoError(t, m.Register(&fakePlugin{name: "a"}))
	require.NoError(t, m.Setup(context.Background(), newServices()))

	err := m.Register(&fakePlugin{name: "b"})
	assert.ErrorIs(t, err, plugauth.ErrConfiguration)
}

func TestSetupIsFailFast(t *testing.T) {
	ctx := context.Background()
	first := &fakePlugin{name: "first"}
	broken := &fakePlugin{name: "broken", setupErr: errors.New("bad client id")}
	last := &fakePlugin{name: "last"}

	m := plugauth.NewPluginManager().MustRegister(first, broken, last)
	err := m.Setup(ctx, newServices())
	require.Error(t, err)
	assert.ErrorIs(t, err, plugauth.ErrConfiguration)

	var cfgErr *plugauth.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "broken", cfgErr.Plugin)

	assert.Equal(t, []string{"setup"}, first.calls)
	assert.Empty(t, last.calls)
	assert.False(t, m.Ready())

	// nothing is active after a partial setup, not even the plugin that succeeded
	_, err = m.Authenticate(ctx, "first", &plugauth.Credentials{Identifier: "ok"})
	assert.ErrorIs(t, err, plugauth.ErrConfiguration)
}

func TestMigrateFailureLeavesManagerUnready(t *testing.T) {
	ctx := context.Background()
	svc := newServices()
	p := &fakePlugin{name: "p", migrateErr: errors.New("no table")}
	m := plugauth.NewPluginManager().MustRegister(p)

	require.NoError(t, m.Setup(ctx, svc))
	assert.True(t, m.Ready())
	assert.ErrorIs(t, m.Migrate(ctx, svc), plugauth.ErrConfiguration)
	assert.False(t, m.Ready())
	assert.Equal(t, []string{"setup", "migrate"}, p.calls)
}

func TestAuthenticateDispatch(t *testing.T) {
	ctx := context.Background()
	alice := &plugauth.User{ID: "u1"}
	m := plugauth.NewPluginManager().MustRegister(&fakePlugin{name: "password", user: alice})
	require.NoError(t, m.Setup(ctx, newServices()))

	user, err := m.Authenticate(ctx, "password", &plugauth.Credentials{Identifier: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = m.Authenticate(ctx, "password", &plugauth.Credentials{Identifier: "nope"})
	assert.ErrorIs(t, err, plugauth.ErrInvalidCredentials)
}

func TestAuthenticateUnknownMethodNeverPanics(t *testing.T) {
	ctx := context.Background()
	m := plugauth.NewPluginManager().MustRegister(&fakePlugin{name: "password"})
	require.NoError(t, m.Setup(ctx, newServices()))

	for _, method := range []string{"", "Password", "google", "passkey", "password "} {
		assert.NotPanics(t, func() {
			_, err := m.Authenticate(ctx, method, nil)
			assert.ErrorIs(t, err, plugauth.ErrUnknownMethod, method)
		})
	}

	// also before setup
	empty := plugauth.NewPluginManager()
	_, err := empty.Authenticate(ctx, "password", nil)
	assert.ErrorIs(t, err, plugauth.ErrUnknownMethod)
}

func TestConcurrentAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := plugauth.NewPluginManager().MustRegister(&fakePlugin{name: "password", user: &plugauth.User{ID: "u1"}})
	require.NoError(t, m.Setup(ctx, newServices()))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Authenticate(ctx, "password", &plugauth.Credentials{Identifier: "ok"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestPluginAs(t *testing.T) {
	m := plugauth.NewPluginManager().MustRegister(
		&fakePlugin{name: "password"},
		&otherPlugin{fakePlugin{name: "other"}},
	)

	p, err := plugauth.PluginAs[*fakePlugin](m, "password")
	require.NoError(t, err)
	assert.Equal(t, "password", p.Name())

	_, err = plugauth.PluginAs[*fakePlugin](m, "other")
	assert.ErrorIs(t, err, plugauth.ErrPluginTypeMismatch)

	_, err = plugauth.PluginAs[*fakePlugin](m, "missing")
	assert.ErrorIs(t, err, plugauth.ErrPluginNotFound)

	// interfaces work as capabilities too
	_, err = plugauth.PluginAs[interface{ Name() string }](m, "other")
	assert.NoError(t, err)
}
