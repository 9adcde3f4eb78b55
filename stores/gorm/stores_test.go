//go:build !wasm
// +build !wasm

package gorm_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/panyam/plugauth"
	gormstore "github.com/panyam/plugauth/stores/gorm"
	"github.com/panyam/plugauth/stores/storetest"
)

// openDB starts one PostgreSQL container per test binary.  Tests are
// skipped when no container runtime is available.
func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration tests in short mode")
	}
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("plugauth_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db
}

// reset truncates all tables so each subtest starts empty
func reset(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Exec("TRUNCATE users, credentials, sessions, flow_states").Error)
}

func TestConformance(t *testing.T) {
	db := openDB(t)
	store := gormstore.New(db)
	require.NoError(t, store.Migrate(context.Background()))

	storetest.Run(t, func(t *testing.T) *plugauth.Storage {
		reset(t, db)
		return store.Storage()
	})
}

func TestMigrateThroughStorage(t *testing.T) {
	db := openDB(t)
	st := gormstore.New(db).Storage()
	require.NoError(t, st.Migrate(context.Background()))
	assert.True(t, db.Migrator().HasTable("flow_states"))
	assert.True(t, db.Migrator().HasTable(&gormstore.CredentialModel{}))
}
