package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBuilder_NumbersPlaceholders(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := newSelect("SELECT * FROM computations WHERE market = $1", []byte{1}).
		where("kind = %s", "place_bet").
		window("created_at", &since, nil).
		page("created_at DESC", 10, 20).
		build()

	assert.Equal(t,
		"SELECT * FROM computations WHERE market = $1 AND kind = $2 AND created_at >= $3 ORDER BY created_at DESC LIMIT $4 OFFSET $5",
		query)
	require.Len(t, args, 5)
	assert.Equal(t, since, args[2])
	assert.Equal(t, 10, args[3])
	assert.Equal(t, 20, args[4])
}

func TestSelectBuilder_NoFilters(t *testing.T) {
	query, args := newSelect("SELECT id FROM audit_log WHERE 1=1").page("id DESC", 0, 0).build()
	assert.Equal(t, "SELECT id FROM audit_log WHERE 1=1 ORDER BY id DESC", query)
	assert.Empty(t, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://veil:pw@db:5432/veil?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "veil", User: "veil", Password: "pw"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
}
