// Package storetest holds the behaviour every plugauth storage backend must
// show.  Backend packages call it from their own tests:
//
//	func TestConformance(t *testing.T) {
//	    storetest.RunUserStore(t, func(t *testing.T) plugauth.UserStore { return newStore(t) })
//	}
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
)

// Run runs every suite against a full Storage
func Run(t *testing.T, newStorage func(t *testing.T) *plugauth.Storage) {
	t.Run("Users", func(t *testing.T) {
		RunUserStore(t, func(t *testing.T) plugauth.UserStore { return newStorage(t).Users })
	})
	t.Run("Sessions", func(t *testing.T) {
		RunSessionStore(t, func(t *testing.T) *plugauth.Storage { return newStorage(t) })
	})
	t.Run("Flows", func(t *testing.T) {
		RunFlowStateStore(t, func(t *testing.T) plugauth.FlowStateStore { return newStorage(t).Flows })
	})
}

func newUser(t *testing.T, ctx context.Context, users plugauth.UserStore) *plugauth.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	u := &plugauth.User{
		ID:        uuid.NewString(),
		Profile:   map[string]any{"name": "Alice"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, users.CreateUser(ctx, u))
	return u
}

// RunUserStore checks the UserStore contract
func RunUserStore(t *testing.T, newStore func(t *testing.T) plugauth.UserStore) {
	ctx := context.Background()

	t.Run("CreateAndFind", func(t *testing.T) {
		users := newStore(t)
		u := newUser(t, ctx, users)

		got, err := users.FindUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "Alice", got.Profile["name"])
		assert.Empty(t, got.Identifiers)

		_, err = users.FindUserByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, plugauth.ErrUserNotFound)
	})

	t.Run("LinkAndResolve", func(t *testing.T) {
		users := newStore(t)
		u := newUser(t, ctx, users)

		cred, err := users.LinkCredential(ctx, u.ID, "password", "alice@example.com", map[string]any{"password_hash": "h1"})
		require.NoError(t, err)
		assert.Equal(t, u.ID, cred.UserID)
		assert.Equal(t, 1, cred.Version)

		_, err = users.LinkCredential(ctx, u.ID, "github", "1234", nil)
		require.NoError(t, err)

		got, err := users.FindUserByCredential(ctx, "password", "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, []string{"github:1234", "password:alice@example.com"}, got.Identifiers)

		_, err = users.FindUserByCredential(ctx, "password", "bob@example.com")
		assert.ErrorIs(t, err, plugauth.ErrUserNotFound)

		found, err := users.FindCredential(ctx, "password", "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, "h1", found.Data["password_hash"])

		_, err = users.FindCredential(ctx, "password", "bob@example.com")
		assert.ErrorIs(t, err, plugauth.ErrCredentialNotFound)
	})

	t.Run("DuplicateIdentity", func(t *testing.T) {
		users := newStore(t)
		alice := newUser(t, ctx, users)
		bob := newUser(t, ctx, users)

		_, err := users.LinkCredential(ctx, alice.ID, "google", "sub-1", nil)
		require.NoError(t, err)
		_, err = users.LinkCredential(ctx, alice.ID, "google", "sub-1", nil)
		assert.ErrorIs(t, err, plugauth.ErrDuplicateIdentity)
		_, err = users.LinkCredential(ctx, bob.ID, "google", "sub-1", nil)
		assert.ErrorIs(t, err, plugauth.ErrDuplicateIdentity)

		// same identifier under another method is a different identity
		_, err = users.LinkCredential(ctx, bob.ID, "github", "sub-1", nil)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentLinkOnlyOneWins", func(t *testing.T) {
		users := newStore(t)
		u := newUser(t, ctx, users)

		var wins, dups atomic.Int32
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := users.LinkCredential(ctx, u.ID, "passkey", "cred-1", nil)
				if err == nil {
					wins.Add(1)
				} else if assert.ErrorIs(t, err, plugauth.ErrDuplicateIdentity) {
					dups.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), dups.Load())
	})

	t.Run("ListCredentials", func(t *testing.T) {
		users := newStore(t)
		u := newUser(t, ctx, users)
		other := newUser(t, ctx, users)

		for _, id := range []string{"a", "b"} {
			_, err := users.LinkCredential(ctx, u.ID, "passkey", id, map[string]any{"sign_count": 0})
			require.NoError(t, err)
		}
		_, err := users.LinkCredential(ctx, u.ID, "password", "alice@example.com", nil)
		require.NoError(t, err)
		_, err = users.LinkCredential(ctx, other.ID, "passkey", "c", nil)
		require.NoError(t, err)

		passkeys, err := users.ListCredentials(ctx, u.ID, "passkey")
		require.NoError(t, err)
		assert.Len(t, passkeys, 2)

		all, err := users.ListCredentials(ctx, u.ID, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		none, err := users.ListCredentials(ctx, uuid.NewString(), "")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UpdateCredentialIsVersionChecked", func(t *testing.T) {
		users := newStore(t)
		u := newUser(t, ctx, users)
		_, err := users.LinkCredential(ctx, u.ID, "passkey", "cred-1", map[string]any{"sign_count": float64(0)})
		require.NoError(t, err)

		first, err := users.FindCredential(ctx, "passkey", "cred-1")
		require.NoError(t, err)
		stale, err := users.FindCredential(ctx, "passkey", "cred-1")
		require.NoError(t, err)

		first.Data["sign_count"] = float64(5)
		require.NoError(t, users.UpdateCredential(ctx, first))
		assert.Equal(t, 2, first.Version)

		stale.Data["sign_count"] = float64(3)
		assert.ErrorIs(t, users.UpdateCredential(ctx, stale), plugauth.ErrVersionConflict)

		got, err := users.FindCredential(ctx, "passkey", "cred-1")
		require.NoError(t, err)
		assert.EqualValues(t, 5, got.Data["sign_count"])
		assert.Equal(t, 2, got.Version)

		missing := &plugauth.Credential{Method: "passkey", Identifier: "nope", Version: 1}
		assert.ErrorIs(t, users.UpdateCredential(ctx, missing), plugauth.ErrCredentialNotFound)
	})
}

// RunSessionStore checks the SessionStore contract.  The storage needs a
// UserStore only when the backend enforces the user reference.
func RunSessionStore(t *testing.T, newStorage func(t *testing.T) *plugauth.Storage) {
	ctx := context.Background()

	mkSession := func(t *testing.T, st *plugauth.Storage, userID string, ttl time.Duration) *plugauth.Session {
		t.Helper()
		id, err := plugauth.GenerateSecureToken()
		require.NoError(t, err)
		now := time.Now().UTC().Truncate(time.Millisecond)
		s := &plugauth.Session{
			ID:        id,
			UserID:    userID,
			Method:    "password",
			Metadata:  map[string]string{"ip": "127.0.0.1"},
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		require.NoError(t, st.Sessions.CreateSession(ctx, s))
		return s
	}
	userID := func(t *testing.T, st *plugauth.Storage) string {
		if st.Users == nil {
			return uuid.NewString()
		}
		return newUser(t, ctx, st.Users).ID
	}

	t.Run("CreateFindDelete", func(t *testing.T) {
		st := newStorage(t)
		uid := userID(t, st)
		s := mkSession(t, st, uid, time.Hour)

		got, err := st.Sessions.FindSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, uid, got.UserID)
		assert.Equal(t, "password", got.Method)
		assert.Equal(t, "127.0.0.1", got.Metadata["ip"])
		assert.WithinDuration(t, s.ExpiresAt, got.ExpiresAt, time.Millisecond)

		require.NoError(t, st.Sessions.DeleteSession(ctx, s.ID))
		_, err = st.Sessions.FindSession(ctx, s.ID)
		assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)

		// deleting twice is fine
		assert.NoError(t, st.Sessions.DeleteSession(ctx, s.ID))
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		st := newStorage(t)
		uid := userID(t, st)
		live := mkSession(t, st, uid, time.Hour)
		dead := mkSession(t, st, uid, -time.Minute)

		n, err := st.Sessions.DeleteExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		_, err = st.Sessions.FindSession(ctx, dead.ID)
		assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
		_, err = st.Sessions.FindSession(ctx, live.ID)
		assert.NoError(t, err)
	})

	t.Run("UpdateExpiry", func(t *testing.T) {
		st := newStorage(t)
		s := mkSession(t, st, userID(t, st), time.Minute)
		later := s.ExpiresAt.Add(time.Hour)
		require.NoError(t, st.Sessions.UpdateSessionExpiry(ctx, s.ID, later))

		got, err := st.Sessions.FindSession(ctx, s.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, later, got.ExpiresAt, time.Millisecond)
		assert.Equal(t, s.UserID, got.UserID)

		err = st.Sessions.UpdateSessionExpiry(ctx, "missing", later)
		assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
	})

	t.Run("DeleteUserSessions", func(t *testing.T) {
		st := newStorage(t)
		alice, bob := userID(t, st), userID(t, st)
		a1 := mkSession(t, st, alice, time.Hour)
		a2 := mkSession(t, st, alice, time.Hour)
		b1 := mkSession(t, st, bob, time.Hour)

		require.NoError(t, st.Sessions.DeleteUserSessions(ctx, alice))
		for _, s := range []*plugauth.Session{a1, a2} {
			_, err := st.Sessions.FindSession(ctx, s.ID)
			assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)
		}
		_, err := st.Sessions.FindSession(ctx, b1.ID)
		assert.NoError(t, err)
	})
}

// RunFlowStateStore checks the FlowStateStore contract, in particular that
// Take hands out a value at most once under concurrency.
func RunFlowStateStore(t *testing.T, newStore func(t *testing.T) plugauth.FlowStateStore) {
	ctx := context.Background()

	t.Run("PutTake", func(t *testing.T) {
		flows := newStore(t)
		require.NoError(t, flows.Put(ctx, "oauth:abc", []byte(`{"provider":"google"}`), time.Minute))

		v, err := flows.Take(ctx, "oauth:abc")
		require.NoError(t, err)
		assert.JSONEq(t, `{"provider":"google"}`, string(v))

		_, err = flows.Take(ctx, "oauth:abc")
		assert.ErrorIs(t, err, plugauth.ErrFlowStateNotFound)

		_, err = flows.Take(ctx, "oauth:never")
		assert.ErrorIs(t, err, plugauth.ErrFlowStateNotFound)
	})

	t.Run("ExpiredIsGone", func(t *testing.T) {
		flows := newStore(t)
		require.NoError(t, flows.Put(ctx, "passkey:xyz", []byte("v"), 50*time.Millisecond))
		time.Sleep(150 * time.Millisecond)
		_, err := flows.Take(ctx, "passkey:xyz")
		assert.ErrorIs(t, err, plugauth.ErrFlowStateNotFound)
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		flows := newStore(t)
		require.NoError(t, flows.Put(ctx, "old", []byte("v"), 50*time.Millisecond))
		require.NoError(t, flows.Put(ctx, "new", []byte("v"), time.Hour))
		time.Sleep(150 * time.Millisecond)

		n, err := flows.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 1)

		_, err = flows.Take(ctx, "old")
		assert.ErrorIs(t, err, plugauth.ErrFlowStateNotFound)
		_, err = flows.Take(ctx, "new")
		assert.NoError(t, err)
	})

	t.Run("ConcurrentTakeOnlyOneWins", func(t *testing.T) {
		flows := newStore(t)
		for round := range 5 {
			key := "race:" + uuid.NewString()
			require.NoError(t, flows.Put(ctx, key, []byte("v"), time.Minute))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 10 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := flows.Take(ctx, key); err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, plugauth.ErrFlowStateNotFound)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load(), "round %d", round)
		}
	})
}
