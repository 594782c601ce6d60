// Package redis provides an agentdb driver on Redis via go-redis.
//
// Every key is stored under a namespace prefix ("agentdb:" by default) as a
// string holding the canonical Value encoding. Prefix scans walk the
// keyspace with SCAN MATCH and sort the matches client side.
//
// Transactions buffer their writes and send them in one MULTI/EXEC block on
// commit. Reads are not isolated from concurrent writers and the last commit
// to touch a key wins.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/txbuf"
)

// Auto-register redis storage driver.
func init() {
	agentdb.Register("redis", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		opts, err := parseDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if pw := cfg.String("password", ""); pw != "" {
			opts.Password = pw
		}
		if db := cfg.Int("db", -1); db >= 0 {
			opts.DB = db
		}
		return Open(context.Background(), opts,
			WithNamespace(cfg.String("namespace", DefaultNamespace)),
			WithTTL(cfg.Duration("ttl", 0)),
		)
	})
}

// DefaultNamespace prefixes every key written by the driver.
const DefaultNamespace = "agentdb:"

// maxValueSize is the Redis string limit.
const maxValueSize = 512 << 20

const scanCount = 1000

// parseDSN accepts a redis:// URL or a bare host:port.
func parseDSN(dsn string) (*redis.Options, error) {
	if dsn == "" {
		dsn = "localhost:6379"
	}
	if strings.Contains(dsn, "://") {
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("agentdb/redis: failed to parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: dsn}, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithNamespace sets the key prefix. An empty namespace uses the whole
// database.
func WithNamespace(ns string) Option {
	return func(e *Engine) { e.ns = ns }
}

// WithTTL expires every value written through Put after ttl. Zero keeps
// values forever.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithLogger sets the logger used for connection messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine implements agentdb.Driver on a Redis client.
type Engine struct {
	client *redis.Client
	ns     string
	ttl    time.Duration
	logger *slog.Logger
}

// Open connects with opts and pings the server.
func Open(ctx context.Context, opts *redis.Options, options ...Option) (*Engine, error) {
	e := New(redis.NewClient(opts), options...)
	if err := e.client.Ping(ctx).Err(); err != nil {
		_ = e.client.Close()
		return nil, fmt.Errorf("agentdb/redis: ping %s: %w", opts.Addr, err)
	}
	e.logger.Info("redis connected", slog.String("address", opts.Addr), slog.Int("db", opts.DB), slog.String("namespace", e.ns))
	return e, nil
}

// New wraps an existing client. The engine closes it on Close.
func New(client *redis.Client, options ...Option) *Engine {
	e := &Engine{client: client, ns: DefaultNamespace, logger: slog.Default()}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Client returns the underlying client.
func (e *Engine) Client() *redis.Client { return e.client }

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilyKeyValue,
		agentdb.WithTransactions(),
		agentdb.WithFeature(agentdb.FeatureSQL, false),
		agentdb.WithFeature(agentdb.FeatureTTL, true),
		agentdb.WithFeature(agentdb.FeatureNestedTransactions, false),
		agentdb.WithMaxValueSize(maxValueSize),
	)
}

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	return e.PutTTL(ctx, key, value, e.ttl)
}

// === Extension: TTL ===

// PutTTL stores value under key and expires it after ttl. Zero means no
// expiry.
func (e *Engine) PutTTL(ctx context.Context, key string, value agentdb.Value, ttl time.Duration) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	return connErr(e.client.Set(ctx, e.ns+key, data, ttl).Err())
}

// TTL returns the remaining lifetime of key: zero when the key does not
// expire, ok false when it does not exist.
func (e *Engine) TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error) {
	d, err := e.client.PTTL(ctx, e.ns+key).Result()
	if err != nil {
		return 0, false, connErr(err)
	}
	switch {
	case d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	}
	return d, true, nil
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	data, err := e.client.Get(ctx, e.ns+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return agentdb.Value{}, false, nil
	}
	if err != nil {
		return agentdb.Value{}, false, connErr(err)
	}
	v, err := agentdb.DecodeValue(data)
	if err != nil {
		return agentdb.Value{}, false, err
	}
	return v, true, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	return connErr(e.client.Del(ctx, e.ns+key).Err())
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	n, err := e.client.Exists(ctx, e.ns+key).Result()
	if err != nil {
		return false, connErr(err)
	}
	return n > 0, nil
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	var keys []string
	match := escapeGlob(e.ns+prefix) + "*"
	iter := e.client.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), e.ns)
		if opts.Match(prefix, key) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, connErr(err)
	}
	// SCAN may return a key more than once.
	slices.Sort(keys)
	keys = slices.Compact(keys)

	truncated := opts.Limit > 0 && len(keys) > opts.Limit
	if truncated {
		keys = keys[:opts.Limit]
	}
	res := &agentdb.ScanResult{Entries: make([]agentdb.Entry, 0, len(keys))}
	if len(keys) > 0 {
		full := make([]string, len(keys))
		for i, k := range keys {
			full[i] = e.ns + k
		}
		vals, err := e.client.MGet(ctx, full...).Result()
		if err != nil {
			return nil, connErr(err)
		}
		for i, raw := range vals {
			s, ok := raw.(string)
			if !ok {
				continue // deleted or expired since SCAN
			}
			v, err := agentdb.DecodeValue([]byte(s))
			if err != nil {
				return nil, fmt.Errorf("agentdb/redis: key %q: %w", keys[i], err)
			}
			res.Entries = append(res.Entries, agentdb.Entry{Key: keys[i], Value: v})
		}
	}
	if truncated {
		res.Truncated = true
		res.Next = keys[len(keys)-1]
	}
	return res, nil
}

// === Extension: Transactor ===

func (e *Engine) Begin(ctx context.Context) (agentdb.DriverTx, error) {
	return &tx{engine: e, buf: txbuf.New(e)}, nil
}

func (e *Engine) Close() error {
	e.logger.Debug("closing redis client")
	return e.client.Close()
}

type tx struct {
	engine *Engine
	buf    *txbuf.Buffer
}

func (t *tx) Put(ctx context.Context, key string, value agentdb.Value) error {
	t.buf.Put(key, value)
	return nil
}

func (t *tx) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	return t.buf.Get(ctx, key)
}

func (t *tx) Delete(ctx context.Context, key string) error {
	t.buf.Delete(key)
	return nil
}

func (t *tx) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	return t.buf.Scan(ctx, prefix, opts)
}

// Commit sends the write set as one MULTI/EXEC block.
func (t *tx) Commit(ctx context.Context) error {
	ops := t.buf.Ops()
	if len(ops) == 0 {
		return nil
	}
	e := t.engine
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				pipe.Del(ctx, e.ns+op.Key)
				continue
			}
			data, err := op.Value.MarshalBinary()
			if err != nil {
				return err
			}
			pipe.Set(ctx, e.ns+op.Key, data, e.ttl)
		}
		return nil
	})
	if err != nil {
		return connErr(err)
	}
	t.buf.Reset()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.buf.Reset()
	return nil
}

// connErr marks errors that mean the server is unreachable.
func connErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return fmt.Errorf("agentdb/redis: %w: %w", agentdb.ErrConnectionLost, err)
	}
	return err
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Compile-time interface checks.
var (
	_ agentdb.Driver     = (*Engine)(nil)
	_ agentdb.Exister    = (*Engine)(nil)
	_ agentdb.Transactor = (*Engine)(nil)
	_ agentdb.DriverTx   = (*tx)(nil)
)
