package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/panyam/plugauth"
	redisstore "github.com/panyam/plugauth/stores/redis"
	"github.com/panyam/plugauth/stores/storetest"
)

// redisAddr returns PLUGAUTH_TEST_REDIS_ADDR, or starts a throwaway Redis
// container.  Tests are skipped when neither is available.
func redisAddr(t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("PLUGAUTH_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	if os.Getenv("SKIP_INTEGRATION") == "true" || testing.Short() {
		t.Skip("skipping Redis integration tests")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("skipping: could not start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return addr
}

func TestConformance(t *testing.T) {
	rdb, err := redisstore.Open(context.Background(), redisAddr(t))
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	newStore := func() *redisstore.Store {
		return redisstore.New(rdb, "test:"+uuid.NewString()+":")
	}
	t.Run("Sessions", func(t *testing.T) {
		storetest.RunSessionStore(t, func(t *testing.T) *plugauth.Storage {
			return &plugauth.Storage{Sessions: newStore()}
		})
	})
	t.Run("Flows", func(t *testing.T) {
		storetest.RunFlowStateStore(t, func(t *testing.T) plugauth.FlowStateStore {
			return newStore()
		})
	})
}

func TestExpiredSessionLingers(t *testing.T) {
	ctx := context.Background()
	rdb, err := redisstore.Open(ctx, redisAddr(t))
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	prefix := "test:" + uuid.NewString() + ":"
	store := redisstore.New(rdb, prefix)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateSession(ctx, &plugauth.Session{ID: "s1", UserID: "u1", CreatedAt: past, ExpiresAt: past}))

	// still readable so the session manager can report it as expired
	got, err := store.FindSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.IsExpired(time.Now()))

	ttl, err := rdb.TTL(ctx, prefix+"session:s1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	n, err := store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = rdb.Get(ctx, prefix+"session:s1").Result()
	assert.ErrorIs(t, err, goredis.Nil)
}
