package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/agentdbtest"
	"github.com/nuln/agentdb/driver/sqlite"
)

func newMemoryDB(t *testing.T) *agentdb.DB {
	t.Helper()
	engine, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	db, err := agentdb.New(engine, agentdb.WithName("sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSqliteEngine_Memory(t *testing.T) {
	agentdbtest.StorageTestSuite(t, newMemoryDB(t))
}

func TestSqliteEngine_File(t *testing.T) {
	db, err := agentdb.Open(&agentdb.Config{Type: "sqlite", BasePath: t.TempDir()})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	agentdbtest.StorageTestSuite(t, db)
}

func TestSqliteEngine_Query(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)

	_, err := db.Query(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, title TEXT, score REAL, body BLOB)")
	require.NoError(t, err)

	res, err := db.Query(ctx, "INSERT INTO notes (id, title, score, body) VALUES (?, ?, ?, ?), (?, ?, ?, ?)",
		agentdb.Int(1), agentdb.Text("first"), agentdb.Float(0.5), agentdb.Blob([]byte{1}),
		agentdb.Int(2), agentdb.Text("second"), agentdb.Null(), agentdb.Null(),
	)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RowsAffected)
	assert.Empty(t, res.Rows)

	res, err = db.Query(ctx, "SELECT id, title, score FROM notes WHERE id >= ? ORDER BY id", agentdb.Int(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "score"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, agentdb.UnknownTotal, res.Total)

	title, ok := res.Rows[0].Get("title")
	require.True(t, ok)
	assert.True(t, title.Equal(agentdb.Text("first")), "title = %v", title)
	score, _ := res.Rows[1].Get("score")
	assert.True(t, score.IsNull(), "score = %v", score)

	res, err = db.Query(ctx, "UPDATE notes SET title = ? WHERE id = ?", agentdb.Text("renamed"), agentdb.Int(2))
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)

	// Parameters are bound, never spliced.
	res, err = db.Query(ctx, "SELECT count(*) AS n FROM notes WHERE title = ?", agentdb.Text("x' OR '1'='1"))
	require.NoError(t, err)
	n, _ := res.Rows[0].Get("n")
	assert.True(t, n.Equal(agentdb.Int(0)), "n = %v", n)

	_, err = db.Query(ctx, "SELEKT nonsense")
	assert.ErrorIs(t, err, agentdb.ErrBackend)

	_, err = db.Query(ctx, "")
	assert.ErrorIs(t, err, agentdb.ErrInvalidArgument)
}

func TestSqliteEngine_RowsAffected(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)

	_, err := db.Query(ctx, "CREATE TABLE t (x INTEGER)")
	require.NoError(t, err)
	res, err := db.Query(ctx, "INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.RowsAffected)

	// DDL and reads after a mutation change nothing.
	res, err = db.Query(ctx, "CREATE TABLE u (y INTEGER)")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.RowsAffected)
	res, err = db.Query(ctx, "SELECT x FROM t")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.RowsAffected)

	res, err = db.Query(ctx, "DELETE FROM t WHERE x >= ? RETURNING x", agentdb.Int(2))
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.EqualValues(t, 2, res.RowsAffected)

	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	res, err = tx.Query(ctx, "UPDATE t SET x = x + 1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)
	res, err = tx.Query(ctx, "CREATE TABLE v (z INTEGER)")
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.RowsAffected)
	require.NoError(t, tx.Rollback(ctx))
}

func TestSqliteEngine_KeyValueTableIsQueryable(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)
	require.NoError(t, db.Put(ctx, "user:1", agentdb.Text("Alice")))
	require.NoError(t, db.Put(ctx, "user:2", agentdb.Text("Bob")))

	res, err := db.Query(ctx, "SELECT key FROM agentdb_kv WHERE key LIKE ? ORDER BY key", agentdb.Text("user:%"))
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	k, _ := res.Rows[1].Get("key")
	assert.True(t, k.Equal(agentdb.Text("user:2")))
}

func TestSqliteEngine_TransactionQuery(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)
	_, err := db.Query(ctx, "CREATE TABLE events (name TEXT)")
	require.NoError(t, err)

	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.Query(ctx, "INSERT INTO events (name) VALUES (?)", agentdb.Text("created"))
	require.NoError(t, err)
	res, err := tx.Query(ctx, "SELECT count(*) FROM events")
	require.NoError(t, err)
	n := res.Rows[0].At(0).Value
	assert.True(t, n.Equal(agentdb.Int(1)), "count inside tx = %v", n)
	require.NoError(t, tx.Rollback(ctx))

	res, err = db.Query(ctx, "SELECT count(*) FROM events")
	require.NoError(t, err)
	n = res.Rows[0].At(0).Value
	assert.True(t, n.Equal(agentdb.Int(0)), "count after rollback = %v", n)
}

func TestSqliteEngine_SingleConnectionTransactions(t *testing.T) {
	ctx := context.Background()
	db := newMemoryDB(t)

	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)

	_, err = db.BeginTransaction(ctx)
	assert.ErrorIs(t, err, agentdb.ErrTransaction)
	assert.ErrorIs(t, err, agentdb.ErrNestedTransaction)

	// Plain operations blocked by the open transaction are backend errors.
	err = db.Put(ctx, "outside", agentdb.Null())
	assert.ErrorIs(t, err, agentdb.ErrBackend)
	assert.ErrorIs(t, err, agentdb.ErrNestedTransaction)
	assert.NotErrorIs(t, err, agentdb.ErrTransaction)

	_, _, err = db.Get(ctx, "outside")
	assert.ErrorIs(t, err, agentdb.ErrBackend)
	assert.NotErrorIs(t, err, agentdb.ErrTransaction)

	_, err = db.Scan(ctx, "")
	assert.ErrorIs(t, err, agentdb.ErrBackend)

	// The first transaction is unaffected.
	require.NoError(t, tx.Put(ctx, "inside", agentdb.Int(1)))
	require.NoError(t, tx.Commit(ctx))

	_, ok, err := db.Get(ctx, "inside")
	require.NoError(t, err)
	assert.True(t, ok)

	tx2, err := db.BeginTransaction(ctx)
	require.NoError(t, err, "begin after commit")
	require.NoError(t, tx2.Rollback(ctx))
}

func TestSqliteEngine_FileAllowsConcurrentTransactions(t *testing.T) {
	ctx := context.Background()
	engine, err := sqlite.Open(ctx, t.TempDir()+"/concurrent.db")
	require.NoError(t, err)
	db, err := agentdb.New(engine)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	// Reads outside the transaction use another connection.
	_, _, err = db.Get(ctx, "anything")
	assert.NoError(t, err)
}

func TestSqliteEngine_Table(t *testing.T) {
	ctx := context.Background()
	_, err := sqlite.Open(ctx, ":memory:", sqlite.WithTable("kv; DROP TABLE x"))
	if err == nil {
		t.Fatal("Open with invalid table name: expected error")
	}

	engine, err := sqlite.Open(ctx, ":memory:", sqlite.WithTable("memories"))
	require.NoError(t, err)
	db, err := agentdb.New(engine)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.Put(ctx, "k", agentdb.Int(7)))

	res, err := db.Query(ctx, "SELECT count(*) FROM memories")
	require.NoError(t, err)
	assert.True(t, res.Rows[0].At(0).Value.Equal(agentdb.Int(1)))
}

func TestSqliteEngine_Capabilities(t *testing.T) {
	db := newMemoryDB(t)
	caps := db.Capabilities()
	assert.Equal(t, agentdb.FamilySQL, caps.Family())
	assert.True(t, caps.SupportsTransactions())
	assert.True(t, caps.Has(agentdb.FeatureSQL))
	enabled, known := caps.Feature(agentdb.FeatureNestedTransactions)
	assert.False(t, enabled)
	assert.True(t, known)
}
