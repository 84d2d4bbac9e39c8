package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewClient_SQLite(t *testing.T) {
	cfg := &Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "nested", "client.db"),
	}

	client, err := NewClient(cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	assert.Equal(t, DriverSQLite, client.Driver())
	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.Contains(t, client.Stats(), "MaxOpenConns: 1")

	var mode string
	require.NoError(t, client.GetDB().Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}

func TestNewClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		config    *Config
		errString string
	}{
		{
			name:      "unsupported driver",
			config:    &Config{Driver: "mysql"},
			errString: "unsupported database driver",
		},
		{
			name:      "sqlite without path",
			config:    &Config{Driver: DriverSQLite},
			errString: "sqlite database path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config, discardLogger())
			require.Error(t, err)
			assert.Nil(t, client)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestNewFromDB(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "wrapped.db"))
	require.NoError(t, err)

	client := NewFromDB(db, discardLogger())
	assert.Same(t, db, client.GetDB())
	assert.NoError(t, client.Ping(context.Background()))
	assert.NoError(t, client.Close())
}
