package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fuomag9/serverlord/internal/config"
	"github.com/fuomag9/serverlord/internal/database"
)

// openTestPostgres connects to SERVERLORD_TEST_DSN and empties the tables.
// Skips the test if the variable is not set.
func openTestPostgres(t *testing.T) TaskStore {
	t.Helper()

	dsn := os.Getenv("SERVERLORD_TEST_DSN")
	if dsn == "" {
		t.Skip("SERVERLORD_TEST_DSN not set, skipping PostgreSQL tests")
	}

	cfg := config.DatabaseConfig{Type: "postgres", DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 2}
	require.NoError(t, database.RunMigrations(cfg))

	db, err := database.Connect(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Exec("TRUNCATE samples, tasks RESTART IDENTITY CASCADE").Error)

	s := NewPostgresStore(db)
	t.Cleanup(func() {
		_ = db.Exec("TRUNCATE samples, tasks RESTART IDENTITY CASCADE").Error
		_ = s.Close()
	})
	return s
}

func TestPostgresStore(t *testing.T) {
	runContract(t, openTestPostgres)
}
