package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDollar(t *testing.T) {
	assert.Equal(t, "SELECT 1", Dollar("SELECT 1"))
	assert.Equal(t,
		"UPDATE t SET a = $1, b = $2 WHERE id = $3",
		Dollar("UPDATE t SET a = ?, b = ? WHERE id = ?"))
}

func TestLimitOffset(t *testing.T) {
	assert.Empty(t, limitOffset(0, 0))
	assert.Equal(t, " LIMIT 5", limitOffset(5, 0))
	assert.Equal(t, " LIMIT 5 OFFSET 10", limitOffset(5, 10))
	assert.Contains(t, limitOffset(0, 3), "OFFSET 3")
}

func TestGroupOrdersMigrations(t *testing.T) {
	nop := func(context.Context, Executor) error { return nil }

	g := NewGroup("tally")
	g.MustRegister(
		&Migration{Name: "indexes", Version: "20260302000000", Up: nop},
		&Migration{Name: "initial", Version: "20260301000000", Up: nop},
	)

	ms := g.Migrations()
	require.Len(t, ms, 2)
	assert.Equal(t, "initial", ms[0].Name)
	assert.Equal(t, "indexes", ms[1].Name)

	assert.Panics(t, func() {
		g.MustRegister(&Migration{Name: "again", Version: "20260301000000", Up: nop})
	})
}

func TestDecodeJSONNull(t *testing.T) {
	var m map[string]any
	require.NoError(t, decodeJSON("null", &m))
	assert.Nil(t, m)

	require.NoError(t, decodeJSON(`{"ref":"A-1"}`, &m))
	assert.Equal(t, "A-1", m["ref"])
}
