// Package storagetest opens throwaway migrated databases for tests.
package storagetest

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gatekeeper-bot/internal/storage"
)

// Open returns a migrated database in t.TempDir, closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
