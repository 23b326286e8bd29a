// Package dbtest opens throwaway record stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soypete/locationcapture/pkg/database"
)

// Open opens a fresh database in a temporary directory that is closed when
// the test finishes.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), &database.Config{
		Path: filepath.Join(t.TempDir(), "locationcapture.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
