package plugauth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/stores/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func setupSessions(t *testing.T, ttl time.Duration, clock func() time.Time) (*plugauth.SessionManager, *plugauth.Storage) {
	t.Helper()
	storage := memory.New().Storage()
	require.NoError(t, storage.Users.CreateUser(context.Background(), &plugauth.User{ID: "u1"}))
	return plugauth.NewSessionManager(storage, plugauth.SessionConfig{TTL: ttl, Now: clock}), storage
}

func TestSessionCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	sm, _ := setupSessions(t, time.Hour, clock.Now)

	s, err := sm.Create(ctx, "u1", "password", map[string]string{"ua": "test"})
	require.NoError(t, err)
	assert.Len(t, s.ID, 64)
	assert.Equal(t, clock.now.Add(time.Hour), s.ExpiresAt)

	got, err := sm.Validate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "password", got.Method)
	assert.Equal(t, "test", got.Metadata["ua"])

	other, err := sm.Create(ctx, "u1", "password", nil)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestSessionRequiresExistingUser(t *testing.T) {
	sm, _ := setupSessions(t, time.Hour, nil)
	_, err := sm.Create(context.Background(), "ghost", "password", nil)
	assert.ErrorIs(t, err, plugauth.ErrUserNotFound)
}

func TestSessionExpiryIsLazilyReaped(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	sm, storage := setupSessions(t, time.Second, clock.Now)

	s, err := sm.Create(ctx, "u1", "password", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = sm.Validate(ctx, s.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionExpired)

	// the expired record is gone now
	_, err = storage.Sessions.FindSession(ctx, s.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
	_, err = sm.Validate(ctx, s.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
}

func TestSessionExpiresInRealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps for two seconds")
	}
	ctx := context.Background()
	sm, _ := setupSessions(t, time.Second, nil)

	s, err := sm.Create(ctx, "u1", "password", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Second)

	_, err = sm.Validate(ctx, s.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionExpired)
}

func TestSessionRevoke(t *testing.T) {
	ctx := context.Background()
	sm, _ := setupSessions(t, time.Hour, nil)

	s, err := sm.Create(ctx, "u1", "password", nil)
	require.NoError(t, err)
	require.NoError(t, sm.Revoke(ctx, s.ID))

	_, err = sm.Validate(ctx, s.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)

	// unconditional
	assert.NoError(t, sm.Revoke(ctx, s.ID))
	assert.NoError(t, sm.Revoke(ctx, "never-existed"))

	_, err = sm.Validate(ctx, "")
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
}

func TestSessionRenew(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	sm, _ := setupSessions(t, time.Hour, clock.Now)

	s, err := sm.Create(ctx, "u1", "passkey", nil)
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	renewed, err := sm.Renew(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, renewed.ID)
	assert.Equal(t, s.CreatedAt, renewed.CreatedAt)
	assert.Equal(t, clock.now.Add(time.Hour), renewed.ExpiresAt)

	// would have expired without the renewal
	clock.Advance(30 * time.Minute)
	_, err = sm.Validate(ctx, s.ID)
	assert.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = sm.Renew(ctx, s.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionExpired)
}

func TestSessionRevokeUserAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	sm, storage := setupSessions(t, time.Hour, clock.Now)
	require.NoError(t, storage.Users.CreateUser(ctx, &plugauth.User{ID: "u2"}))

	a, err := sm.Create(ctx, "u1", "password", nil)
	require.NoError(t, err)
	b, err := sm.Create(ctx, "u2", "password", nil)
	require.NoError(t, err)

	require.NoError(t, sm.RevokeUser(ctx, "u1"))
	_, err = sm.Validate(ctx, a.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)

	clock.Advance(2 * time.Hour)
	n, err := sm.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = storage.Sessions.FindSession(ctx, b.ID)
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
}
