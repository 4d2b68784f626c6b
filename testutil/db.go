package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/db"
)

// SetupTestDB opens a migrated SQLite store in a temp directory.
func SetupTestDB(t *testing.T) *db.Store {
	t.Helper()
	cfg := config.Database{Driver: db.DriverSQLite, DSN: filepath.Join(t.TempDir(), "relay.db")}
	return openMigrated(t, cfg)
}

// SetupPostgresDB opens a migrated Postgres store from TEST_PG_DSN.
// It skips the test if TEST_PG_DSN is not set.
func SetupPostgresDB(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	store := openMigrated(t, config.Database{Driver: db.DriverPostgres, DSN: dsn})
	for _, table := range []string{"lines", "last_seen", "unseen_highlights"} {
		if _, err := store.DB().Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to reset %s: %v", table, err)
		}
	}
	return store
}

func openMigrated(t *testing.T, cfg config.Database) *db.Store {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
