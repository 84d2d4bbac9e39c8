// Package testsupport holds helpers shared by package tests.
package testsupport

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/reviewbot/internal/storage"
	"github.com/cuongbtq/reviewbot/shared/database"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// NewSQLiteDB opens a migrated sqlite database in a per-test directory
func NewSQLiteDB(t testing.TB) *sqlx.DB {
	t.Helper()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "reviewbot.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, storage.Migrate(context.Background(), db))
	return db
}

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
