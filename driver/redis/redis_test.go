package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/agentdbtest"
	"github.com/nuln/agentdb/driver/redis"
)

func TestRedisEngine(t *testing.T) {
	mr := miniredis.RunT(t)
	db, err := agentdb.Open(&agentdb.Config{Type: "redis", DSN: mr.Addr()})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	agentdbtest.StorageTestSuite(t, db)
}

func TestRedisEngine_URL(t *testing.T) {
	mr := miniredis.RunT(t)
	db, err := agentdb.Open(&agentdb.Config{
		Type:    "redis",
		DSN:     "redis://" + mr.Addr() + "/0",
		Options: map[string]any{"namespace": "app:"},
	})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, db.Put(context.Background(), "k", agentdb.Int(1)))
	assert.True(t, mr.Exists("app:k"))
}

func TestRedisEngine_Namespaces(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	a, err := agentdb.New(redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), redis.WithNamespace("a:")))
	require.NoError(t, err)
	b, err := agentdb.New(redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), redis.WithNamespace("b:")))
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, "user:1", agentdb.Text("from a")))
	require.NoError(t, b.Put(ctx, "user:1", agentdb.Text("from b")))
	require.NoError(t, b.Put(ctx, "user:2", agentdb.Text("from b")))

	res, err := a.Scan(ctx, "user:")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1"}, res.Keys())

	v, _, err := b.Get(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, v.Equal(agentdb.Text("from b")))
}

func TestRedisEngine_GlobCharactersInPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	db, err := agentdb.New(redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})))
	require.NoError(t, err)

	require.NoError(t, db.Put(ctx, "a*1", agentdb.Null()))
	require.NoError(t, db.Put(ctx, "ab1", agentdb.Null()))
	require.NoError(t, db.Put(ctx, "a?[x]", agentdb.Null()))

	res, err := db.Scan(ctx, "a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*1"}, res.Keys())

	res, err = db.Scan(ctx, "a?[")
	require.NoError(t, err)
	assert.Equal(t, []string{"a?[x]"}, res.Keys())
}

func TestRedisEngine_TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	engine := redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), redis.WithTTL(time.Minute))
	db, err := agentdb.New(engine)
	require.NoError(t, err)
	assert.True(t, db.Capabilities().Has(agentdb.FeatureTTL))

	require.NoError(t, db.Put(ctx, "session", agentdb.Text("token")))
	require.NoError(t, engine.PutTTL(ctx, "forever", agentdb.Text("x"), 0))

	ttl, ok, err := engine.TTL(ctx, "session")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, ttl)

	ttl, ok, err = engine.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, ttl)

	_, ok, err = engine.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = db.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok, "value outlived its TTL")
	_, ok, err = db.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisEngine_CommitUsesMulti(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	db, err := agentdb.New(redis.New(goredis.NewClient(&goredis.Options{Addr: mr.Addr()})))
	require.NoError(t, err)

	require.NoError(t, db.Put(ctx, "old", agentdb.Int(1)))
	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "new", agentdb.Int(2)))
	require.NoError(t, tx.Delete(ctx, "old"))
	assert.True(t, mr.Exists(redis.DefaultNamespace+"old"), "buffered delete applied early")
	assert.False(t, mr.Exists(redis.DefaultNamespace+"new"), "buffered put applied early")

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, mr.Exists(redis.DefaultNamespace+"old"))
	assert.True(t, mr.Exists(redis.DefaultNamespace+"new"))
}

func TestRedisEngine_ConnectionLostFailsTransaction(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	db, err := agentdb.New(redis.New(client))
	require.NoError(t, err)

	tx, err := db.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "k", agentdb.Int(1)))

	mr.Close()

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agentdb.ErrConnectionLost), "err = %v", err)
	assert.Equal(t, agentdb.TxFailed, tx.State())

	err = tx.Rollback(ctx)
	assert.ErrorIs(t, err, agentdb.ErrTransaction)
}

func TestRedisEngine_Unreachable(t *testing.T) {
	_, err := agentdb.Open(&agentdb.Config{Type: "redis", DSN: "127.0.0.1:1"})
	require.Error(t, err)
}
