// Package postgres provides an agentdb driver on PostgreSQL via pgx.
//
// Key/value pairs live in one BYTEA-keyed table (agentdb_kv by default), so
// keys compare in byte order regardless of the database collation. Query
// runs arbitrary SQL with "$n" placeholders.
//
// PostgreSQL aborts a transaction on the first failing statement, so any
// error inside a transaction is reported wrapping ErrTxAborted and the
// transaction moves to the Failed state.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/keypath"
	"github.com/nuln/agentdb/internal/sqlrows"
)

// Auto-register postgres storage driver.
func init() {
	agentdb.Register("postgres", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		return Open(context.Background(), cfg.DSN,
			WithTable(cfg.String("table", sqlrows.DefaultTable)),
			WithMaxConns(cfg.Int("max_conns", 0)),
		)
	})
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	table    string
	maxConns int
	logger   *slog.Logger
}

// WithTable stores key/value pairs in table instead of agentdb_kv.
func WithTable(table string) Option {
	return func(o *options) { o.table = table }
}

// WithMaxConns caps the pool size. Zero keeps the pgxpool default.
func WithMaxConns(n int) Option {
	return func(o *options) { o.maxConns = n }
}

// WithLogger sets the logger used for connection setup messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Engine implements agentdb.Driver on a pgx connection pool.
type Engine struct {
	pool  *pgxpool.Pool
	table string
	stmts statements
}

type statements struct {
	put, get, del, exists string
}

// dbExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects to dsn and creates the key/value table.
func Open(ctx context.Context, dsn string, opts ...Option) (*Engine, error) {
	o := options{table: sqlrows.DefaultTable, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if dsn == "" {
		return nil, fmt.Errorf("agentdb/postgres: DSN is required")
	}
	if err := sqlrows.ValidateTable(o.table); err != nil {
		return nil, fmt.Errorf("agentdb/postgres: table: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("agentdb/postgres: parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		poolCfg.MaxConns = int32(o.maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("agentdb/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("agentdb/postgres: ping: %w", err)
	}

	e := &Engine{pool: pool, table: o.table}
	if err := e.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	e.stmts = statements{
		put:    fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value", e.table),
		get:    fmt.Sprintf("SELECT value FROM %s WHERE key = $1", e.table),
		del:    fmt.Sprintf("DELETE FROM %s WHERE key = $1", e.table),
		exists: fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)", e.table),
	}
	o.logger.Info("postgres connected",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
		slog.String("table", e.table))
	return e, nil
}

func (e *Engine) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key BYTEA PRIMARY KEY,
		value BYTEA NOT NULL
	)`, e.table)
	if _, err := e.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("agentdb/postgres: ensure schema: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (e *Engine) Pool() *pgxpool.Pool { return e.pool }

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilySQL,
		agentdb.WithTransactions(),
		agentdb.WithIndexes(),
		agentdb.WithFeature(agentdb.FeatureSQL, true),
		agentdb.WithFeature(agentdb.FeatureNativePrefixScan, true),
		agentdb.WithFeature(agentdb.FeatureNestedTransactions, false),
	)
}

func (e *Engine) kv() kv { return kv{q: e.pool, table: e.table, stmts: &e.stmts} }

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	return e.kv().put(ctx, key, value)
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	return e.kv().get(ctx, key)
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	return e.kv().del(ctx, key)
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	return e.kv().scan(ctx, prefix, opts)
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	return e.kv().exists(ctx, key)
}

// === Extension: Querier ===

func (e *Engine) Query(ctx context.Context, stmt string, params []agentdb.Value) (*agentdb.QueryResult, error) {
	return query(ctx, e.pool, stmt, params)
}

// === Extension: Transactor ===

func (e *Engine) Begin(ctx context.Context) (agentdb.DriverTx, error) {
	pgTx, err := e.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &tx{engine: e, tx: pgTx}, nil
}

func (e *Engine) Close() error {
	if e.pool != nil {
		e.pool.Close()
	}
	return nil
}

type tx struct {
	engine *Engine
	tx     pgx.Tx
}

func (t *tx) kv() kv { return kv{q: t.tx, table: t.engine.table, stmts: &t.engine.stmts} }

// wrap reports every backend failure as an aborted transaction. Value decode
// errors leave the session alone.
func (t *tx) wrap(err error) error {
	if err == nil {
		return nil
	}
	var ae *agentdb.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("agentdb/postgres: %w: %w", agentdb.ErrTxAborted, err)
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
	res, err := query(ctx, t.tx, stmt, params)
	return res, t.wrap(err)
}

func (t *tx) Commit(ctx context.Context) error {
	return t.wrap(t.tx.Commit(ctx))
}

func (t *tx) Rollback(ctx context.Context) error {
	return t.wrap(t.tx.Rollback(ctx))
}

type kv struct {
	q     dbExecer
	table string
	stmts *statements
}

func (k kv) put(ctx context.Context, key string, value agentdb.Value) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = k.q.Exec(ctx, k.stmts.put, []byte(key), data)
	return err
}

func (k kv) get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	var data []byte
	err := k.q.QueryRow(ctx, k.stmts.get, []byte(key)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
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
	_, err := k.q.Exec(ctx, k.stmts.del, []byte(key))
	return err
}

func (k kv) exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := k.q.QueryRow(ctx, k.stmts.exists, []byte(key)).Scan(&ok)
	return ok, err
}

func (k kv) scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	var (
		where []string
		args  []any
	)
	arg := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	arg("key >= $%d", []byte(prefix))
	if upper, ok := keypath.Successor(prefix); ok {
		arg("key < $%d", []byte(upper))
	}
	if opts.After != "" {
		arg("key > $%d", []byte(opts.After))
	}
	var limit any // NULL means no limit
	if opts.Limit > 0 {
		limit = opts.Limit + 1
	}
	args = append(args, limit)

	q := fmt.Sprintf("SELECT key, value FROM %s WHERE %s ORDER BY key LIMIT $%d",
		k.table, strings.Join(where, " AND "), len(args))
	rows, err := k.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]agentdb.Entry, 0)
	for rows.Next() {
		var key, data []byte
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		v, err := agentdb.DecodeValue(data)
		if err != nil {
			return nil, fmt.Errorf("agentdb/postgres: key %q: %w", key, err)
		}
		entries = append(entries, agentdb.Entry{Key: string(key), Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agentdb.Paginate(entries, opts.Limit), nil
}

// query runs stmt and converts every column with agentdb.FromNative. Types
// with no Value counterpart (numeric, json, arrays, ...) become Opaque
// values named "pg:<type>" holding their JSON form.
func query(ctx context.Context, q dbExecer, stmt string, params []agentdb.Value) (*agentdb.QueryResult, error) {
	rows, err := q.Query(ctx, stmt, sqlrows.Args(params)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := &agentdb.QueryResult{
		Columns: make([]string, len(fields)),
		Rows:    make([]agentdb.Row, 0),
		Total:   agentdb.UnknownTotal,
	}
	for i, f := range fields {
		res.Columns[i] = f.Name
	}
	for rows.Next() {
		raw, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]agentdb.Column, len(raw))
		for i, x := range raw {
			v, err := convert(rows, fields[i], x)
			if err != nil {
				return nil, fmt.Errorf("agentdb/postgres: column %q: %w", fields[i].Name, err)
			}
			row[i] = agentdb.Column{Name: fields[i].Name, Value: v}
		}
		res.Rows = append(res.Rows, agentdb.NewRow(row...))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The tag counts returned rows for SELECT; every other command reports
	// the rows it changed, including INSERT/UPDATE/DELETE ... RETURNING.
	if tag := rows.CommandTag(); !tag.Select() {
		res.RowsAffected = tag.RowsAffected()
	}
	return res, nil
}

func convert(rows pgx.Rows, f pgconn.FieldDescription, x any) (agentdb.Value, error) {
	if v, err := agentdb.FromNative(x); err == nil {
		return v, nil
	}
	name := fmt.Sprintf("oid%d", f.DataTypeOID)
	if conn := rows.Conn(); conn != nil {
		if typ, ok := conn.TypeMap().TypeForOID(f.DataTypeOID); ok {
			name = typ.Name
		}
	}
	b, err := json.Marshal(x)
	if err != nil {
		return agentdb.Value{}, agentdb.Serialization("convert", "%s value: %v", name, err)
	}
	return agentdb.Opaque("pg:"+name, b), nil
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
