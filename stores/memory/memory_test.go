package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/plugauth"
	"github.com/panyam/plugauth/stores/memory"
	"github.com/panyam/plugauth/stores/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *plugauth.Storage {
		return memory.New().Storage()
	})
}

func TestTakeUsesClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := memory.New().WithClock(func() time.Time { return now })

	require.NoError(t, store.Put(ctx, "k", []byte("v"), 10*time.Minute))
	require.NoError(t, store.Put(ctx, "k2", []byte("v"), 10*time.Minute))

	now = now.Add(10 * time.Minute)
	_, err := store.Take(ctx, "k")
	assert.ErrorIs(t, err, plugauth.ErrFlowStateNotFound)

	n, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateUser(ctx, &plugauth.User{ID: "u1"}))
	cred, err := store.LinkCredential(ctx, "u1", "password", "a@b.c", map[string]any{"password_hash": "h"})
	require.NoError(t, err)

	cred.Data["password_hash"] = "tampered"
	got, err := store.FindCredential(ctx, "password", "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "h", got.Data["password_hash"])
}
