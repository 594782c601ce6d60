// Package sqlite provides an agentdb driver on SQLite via mattn/go-sqlite3.
//
// Key/value pairs live in one table (agentdb_kv by default) holding the
// canonical Value encoding, and the same database is open to arbitrary SQL
// through Query. Parameters bind positionally with "?".
//
// An in-memory database is a single connection: while a transaction is open
// every other operation on the engine fails with ErrNestedTransaction instead
// of waiting for the connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/keypath"
	"github.com/nuln/agentdb/internal/sqlrows"
)

// Auto-register sqlite storage driver.
func init() {
	agentdb.Register("sqlite", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		dsn := cfg.DSN
		if dsn == "" && cfg.BasePath != "" {
			if err := os.MkdirAll(cfg.BasePath, 0750); err != nil {
				return nil, fmt.Errorf("agentdb/sqlite: %w", err)
			}
			dsn = filepath.Join(cfg.BasePath, "agentdb.sqlite")
		}
		return Open(context.Background(), dsn, WithTable(cfg.String("table", sqlrows.DefaultTable)))
	})
}

const changesSQL = "SELECT total_changes()"

// Option configures an Engine.
type Option func(*Engine)

// WithTable stores key/value pairs in table instead of agentdb_kv.
func WithTable(table string) Option {
	return func(e *Engine) { e.table = table }
}

// WithLogger sets the logger used for connection setup messages.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine implements agentdb.Driver on a SQLite database.
type Engine struct {
	db     *sql.DB
	table  string
	logger *slog.Logger
	stmts  statements
	single bool
	txOpen atomic.Bool
}

type statements struct {
	put, get, del, exists string
}

// Open opens (or creates) the database at dsn and creates the key/value
// table. An empty dsn or ":memory:" opens a private in-memory database.
func Open(ctx context.Context, dsn string, opts ...Option) (*Engine, error) {
	e := &Engine{table: sqlrows.DefaultTable, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if err := sqlrows.ValidateTable(e.table); err != nil {
		return nil, fmt.Errorf("agentdb/sqlite: table: %w", err)
	}
	if dsn == "" {
		dsn = ":memory:"
	}
	e.single = dsn == ":memory:" || strings.Contains(dsn, "mode=memory")

	conn, err := sql.Open("sqlite3", withParams(dsn, e.single))
	if err != nil {
		return nil, fmt.Errorf("agentdb/sqlite: open db: %w", err)
	}
	if e.single {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("agentdb/sqlite: ping: %w", err)
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID`, e.table)
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("agentdb/sqlite: apply schema: %w", err)
	}
	e.db = conn
	e.stmts = statements{
		put:    fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", e.table),
		get:    fmt.Sprintf("SELECT value FROM %s WHERE key = ?", e.table),
		del:    fmt.Sprintf("DELETE FROM %s WHERE key = ?", e.table),
		exists: fmt.Sprintf("SELECT 1 FROM %s WHERE key = ?", e.table),
	}
	e.logger.Info("sqlite opened", slog.String("dsn", dsn), slog.String("table", e.table), slog.Bool("single_connection", e.single))
	return e, nil
}

func withParams(dsn string, memory bool) string {
	params := []string{"_busy_timeout=5000", "_txlock=immediate"}
	if !memory {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// DB returns the underlying database handle.
func (e *Engine) DB() *sql.DB { return e.db }

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilySQL,
		agentdb.WithTransactions(),
		agentdb.WithIndexes(),
		agentdb.WithFeature(agentdb.FeatureSQL, true),
		agentdb.WithFeature(agentdb.FeatureNativePrefixScan, true),
		agentdb.WithFeature(agentdb.FeatureNestedTransactions, false),
	)
}

// session fails when the only connection is held by a transaction.
func (e *Engine) session() error {
	if e.single && e.txOpen.Load() {
		return fmt.Errorf("agentdb/sqlite: %w", agentdb.ErrNestedTransaction)
	}
	return nil
}

func (e *Engine) kv() kv { return kv{q: e.db, table: e.table, stmts: &e.stmts} }

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	if err := e.session(); err != nil {
		return err
	}
	return e.kv().put(ctx, key, value)
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	if err := e.session(); err != nil {
		return agentdb.Value{}, false, err
	}
	return e.kv().get(ctx, key)
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	if err := e.session(); err != nil {
		return err
	}
	return e.kv().del(ctx, key)
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	if err := e.session(); err != nil {
		return nil, err
	}
	return e.kv().scan(ctx, prefix, opts)
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	if err := e.session(); err != nil {
		return false, err
	}
	return e.kv().exists(ctx, key)
}

// === Extension: Querier ===

// Query runs stmt on a dedicated connection so its change count can be read
// back.
func (e *Engine) Query(ctx context.Context, stmt string, params []agentdb.Value) (*agentdb.QueryResult, error) {
	if err := e.session(); err != nil {
		return nil, err
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	return sqlrows.Run(ctx, conn, stmt, params, changesSQL)
}

// === Extension: Transactor ===

func (e *Engine) Begin(ctx context.Context) (agentdb.DriverTx, error) {
	if e.single && !e.txOpen.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("agentdb/sqlite: %w", agentdb.ErrNestedTransaction)
	}
	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		if e.single {
			e.txOpen.Store(false)
		}
		return nil, err
	}
	return &tx{engine: e, tx: sqlTx}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type tx struct {
	engine *Engine
	tx     *sql.Tx
}

func (t *tx) kv() kv { return kv{q: t.tx, table: t.engine.table, stmts: &t.engine.stmts} }

// wrap marks errors that mean the transaction no longer exists.
func (t *tx) wrap(err error) error {
	if errors.Is(err, sql.ErrTxDone) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("agentdb/sqlite: %w: %w", agentdb.ErrTxAborted, err)
	}
	return err
}

func (t *tx) Put(ctx context.Context, key string, value agentdb.Value) error {
	return t.wrap(t.kv().put(ctx, key, value))
}

func (t *tx) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	v, ok, err := t.kv().get(ctx, key)
	return v, ok, t.wrap(err)
}

func (t *tx) Delete(ctx context.Context, key string) error {
	return t.wrap(t.kv().del(ctx, key))
}

func (t *tx) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	res, err := t.kv().scan(ctx, prefix, opts)
	return res, t.wrap(err)
}

func (t *tx) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := t.kv().exists(ctx, key)
	return ok, t.wrap(err)
}

func (t *tx) Query(ctx context.Context, stmt string, params []agentdb.Value) (*agentdb.QueryResult, error) {
	res, err := sqlrows.Run(ctx, t.tx, stmt, params, changesSQL)
	return res, t.wrap(err)
}

func (t *tx) Commit(ctx context.Context) error {
	defer t.release()
	return t.wrap(t.tx.Commit())
}

func (t *tx) Rollback(ctx context.Context) error {
	defer t.release()
	return t.wrap(t.tx.Rollback())
}

func (t *tx) release() {
	if t.engine.single {
		t.engine.txOpen.Store(false)
	}
}

// kv runs the key/value statements on a database or a transaction.
type kv struct {
	q interface {
		sqlrows.Queryer
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	}
	table string
	stmts *statements
}

func (k kv) put(ctx context.Context, key string, value agentdb.Value) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = k.q.ExecContext(ctx, k.stmts.put, key, data)
	return err
}

func (k kv) get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	var data []byte
	err := k.q.QueryRowContext(ctx, k.stmts.get, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return agentdb.Value{}, false, nil
	}
	if err != nil {
		return agentdb.Value{}, false, err
	}
	v, err := agentdb.DecodeValue(data)
	if err != nil {
		return agentdb.Value{}, false, err
	}
	return v, true, nil
}

func (k kv) del(ctx context.Context, key string) error {
	_, err := k.q.ExecContext(ctx, k.stmts.del, key)
	return err
}

func (k kv) exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := k.q.QueryRowContext(ctx, k.stmts.exists, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// scan turns the prefix into a key range so the primary key index serves
// it; TEXT compares with memcmp, which is byte order.
func (k kv) scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	var (
		where strings.Builder
		args  []any
	)
	where.WriteString("key >= ?")
	args = append(args, prefix)
	if upper, ok := keypath.Successor(prefix); ok {
		where.WriteString(" AND key < ?")
		args = append(args, upper)
	}
	if opts.After != "" {
		where.WriteString(" AND key > ?")
		args = append(args, opts.After)
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit + 1
	}
	args = append(args, limit)

	q := fmt.Sprintf("SELECT key, value FROM %s WHERE %s ORDER BY key LIMIT ?", k.table, where.String())
	rows, err := k.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := make([]agentdb.Entry, 0)
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		v, err := agentdb.DecodeValue(data)
		if err != nil {
			return nil, fmt.Errorf("agentdb/sqlite: key %q: %w", key, err)
		}
		entries = append(entries, agentdb.Entry{Key: key, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agentdb.Paginate(entries, opts.Limit), nil
}

// Compile-time interface checks.
var (
	_ agentdb.Driver     = (*Engine)(nil)
	_ agentdb.Exister    = (*Engine)(nil)
	_ agentdb.Querier    = (*Engine)(nil)
	_ agentdb.Transactor = (*Engine)(nil)
	_ agentdb.DriverTx   = (*tx)(nil)
	_ agentdb.Querier    = (*tx)(nil)
)
