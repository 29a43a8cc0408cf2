package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunsMigrations(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err, "Failed to create database")
	defer db.Close()

	for _, table := range []string{"owners", "license_keys", "transactions", "api_keys", "migrations"} {
		var name string
		err := db.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "Table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestNewCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "keygate.db")

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, path)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keygate.db")

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening must not re-apply migrations.
	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	err = db.Conn().QueryRow(`SELECT COUNT(*) FROM migrations`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestForeignKeysEnforced(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Conn().Exec(`
		INSERT INTO license_keys (key, owner_id, plan, payment_method, created_at, expires_at)
		VALUES ('PWEPER-ORPHAN', 999, '1month', 'stars', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)
	assert.Error(t, err, "license without an owner row must be rejected")
}
