package fs_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/stores/fs"
	"github.com/panyam/plugauth/stores/storetest"
)

func newStore(t *testing.T) *fs.Store {
	t.Helper()
	s := fs.New(t.TempDir())
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *plugauth.Storage {
		return newStore(t).Storage()
	})
}

func TestTakeAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, b := fs.New(dir), fs.New(dir)

	require.NoError(t, a.Put(ctx, "oauth2:google:state", []byte("v"), time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, s := range []*fs.Store{a, b, a, b} {
		wg.Add(1)
		go func(s *fs.Store) {
			defer wg.Done()
			if _, err := s.Take(ctx, "oauth2:google:state"); err == nil {
				wins.Add(1)
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	// nothing left behind
	entries, err := os.ReadDir(filepath.Join(dir, "flows"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	assert.Error(t, s.CreateUser(ctx, &plugauth.User{ID: "../escape"}))
	_, err := s.FindUserByID(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, plugauth.ErrUserNotFound)
	_, err = s.FindSession(ctx, "../x")
	assert.ErrorIs(t, err, plugauth.ErrSessionNotFound)

	// identifiers are hashed so anything goes
	require.NoError(t, s.CreateUser(ctx, &plugauth.User{ID: "u1"}))
	_, err = s.LinkCredential(ctx, "u1", "password", "../../weird/alice@example.com", nil)
	require.NoError(t, err)
	u, err := s.FindUserByCredential(ctx, "password", "../../weird/alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestCreateUserTwice(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreateUser(ctx, &plugauth.User{ID: "u1"}))
	assert.Error(t, s.CreateUser(ctx, &plugauth.User{ID: "u1"}))
}

func TestLinkNeedsUser(t *testing.T) {
	s := newStore(t)
	_, err := s.LinkCredential(context.Background(), "ghost", "password", "a@b.c", nil)
	assert.ErrorIs(t, err, plugauth.ErrUserNotFound)
}
