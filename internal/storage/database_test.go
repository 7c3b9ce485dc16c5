package storage

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE sessions SET title = ? WHERE id = ?`
	require.Equal(t, q, Rebind("sqlite3", q))
	require.Equal(t, q, Rebind("mysql", q))
	require.Equal(t, `UPDATE sessions SET title = $1 WHERE id = $2`, Rebind("postgres", q))
}

func TestMigrateSqliteIsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db, "sqlite"))
	require.NoError(t, Migrate(db, "sqlite3"))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('sessions', 'messages')`).Scan(&n))
	require.Equal(t, 2, n)
}

func TestMigrateRejectsUnknownDriver(t *testing.T) {
	require.Error(t, Migrate(nil, "oracle"))
}
