package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqlite(t *testing.T) {
	t.Run("in-memory", func(t *testing.T) {
		db, err := NewSqlite(":memory:", "gr1")
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, Sqlite, db.Type())
		assert.Equal(t, "gr1", db.GID())
	})

	t.Run("file", func(t *testing.T) {
		db, err := NewSqlite(filepath.Join(t.TempDir(), "test.db"), "gr2")
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, Sqlite, db.Type())
		assert.Equal(t, "gr2", db.GID())
	})
}

func TestSQL_MakeLock(t *testing.T) {
	db, err := NewSqlite(":memory:", "gr1")
	require.NoError(t, err)
	defer db.Close()
	_, ok := db.MakeLock().(*sync.RWMutex)
	assert.True(t, ok, "sqlite gets a real lock")

	pg := &SQL{dbType: Postgres}
	_, ok = pg.MakeLock().(*NoopLocker)
	assert.True(t, ok, "postgres gets a noop lock")
}

func TestSQL_Adapter(t *testing.T) {
	sq := &SQL{dbType: Sqlite}
	assert.Equal(t, "SELECT * FROM t WHERE a=? AND b=?", sq.Adapter("SELECT * FROM t WHERE a=? AND b=?"))

	pg := &SQL{dbType: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a=$1 AND b=$2", pg.Adapter("SELECT * FROM t WHERE a=? AND b=?"))
}

func TestInitTable(t *testing.T) {
	db, err := NewSqlite(":memory:", "gr1")
	require.NoError(t, err)
	defer db.Close()

	const cmdCreateTest DBCmd = 9000
	schema := NewQueryMap().AddSame(cmdCreateTest, "CREATE TABLE IF NOT EXISTS test_tbl (id INTEGER PRIMARY KEY, name TEXT)")

	require.NoError(t, InitTable(context.Background(), db, schema, cmdCreateTest))
	// second run is a no-op
	require.NoError(t, InitTable(context.Background(), db, schema, cmdCreateTest))

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='test_tbl'"))
	assert.Equal(t, 1, count)

	t.Run("nil db", func(t *testing.T) {
		require.Error(t, InitTable(context.Background(), nil, schema, cmdCreateTest))
	})

	t.Run("missing command", func(t *testing.T) {
		require.Error(t, InitTable(context.Background(), db, schema, DBCmd(9999)))
	})
}
