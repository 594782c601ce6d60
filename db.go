package agentdb

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultScanLimit is the number of entries Scan returns before it reports a
// truncated result.
const DefaultScanLimit = 10000

// DB wraps a Driver and enforces the contract on every call: argument
// checks, capability gating, closed-state handling and error normalization.
// A DB is safe for concurrent use by multiple goroutines.
type DB struct {
	drv       Driver
	name      string
	caps      Capabilities
	scanLimit int
	logger    *slog.Logger
	inst      *instrumentation
	closed    atomic.Bool
}

var _ Storage = (*DB)(nil)

// Option configures a DB.
type Option func(*options)

type options struct {
	name      string
	logger    *slog.Logger
	registry  prometheus.Registerer
	tracer    trace.TracerProvider
	scanLimit int
}

// WithName sets the driver label used in logs, metrics and spans. Open sets
// it to Config.Type.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers operation counters and latency histograms on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithTracerProvider sets the OpenTelemetry provider spans are created from.
// The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithScanLimit overrides DefaultScanLimit for Scan.
func WithScanLimit(n int) Option {
	return func(o *options) { o.scanLimit = n }
}

// New wraps drv in a DB. The driver's Capabilities are read once here and
// held for the DB's lifetime.
func New(drv Driver, opts ...Option) (*DB, error) {
	o := options{name: "custom", scanLimit: DefaultScanLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.scanLimit <= 0 {
		o.scanLimit = DefaultScanLimit
	}
	inst, err := newInstrumentation(o.name, o.registry, o.tracer)
	if err != nil {
		return nil, err
	}
	caps := drv.Capabilities()
	db := &DB{
		drv:       drv,
		name:      o.name,
		caps:      caps,
		scanLimit: o.scanLimit,
		logger:    o.logger.With(slog.String("driver", o.name)),
		inst:      inst,
	}
	db.logger.Info("agentdb opened",
		slog.String("family", caps.Family().String()),
		slog.Bool("transactions", caps.SupportsTransactions()),
		slog.Bool("sql", caps.Has(FeatureSQL)))
	return db, nil
}

// Driver returns the wrapped driver for backend-specific access. Prefer the
// DB methods for normal operations.
func (db *DB) Driver() Driver { return db.drv }

// Name returns the driver label.
func (db *DB) Name() string { return db.name }

// Capabilities returns the snapshot taken when the DB was created.
func (db *DB) Capabilities() Capabilities { return db.caps }

// do runs fn after the closed and context checks, inside a span, and
// normalizes whatever fn returns.
func (db *DB) do(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, done := db.inst.start(ctx, op, attrs...)
	err := db.guard(ctx, op)
	if err == nil {
		err = classify(op, fn(ctx))
	}
	done(err)
	return err
}

func (db *DB) guard(ctx context.Context, op string) error {
	if db.closed.Load() {
		return &Error{Kind: KindBackend, Op: op, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindBackend, Op: op, Err: err}
	}
	return nil
}

// classify maps a driver error onto the closed error set.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	// Only a rejected begin is a transaction-state error; other operations
	// blocked by an open transaction are backend failures.
	if op == "begin" && errors.Is(err, ErrNestedTransaction) {
		return &Error{Kind: KindTransaction, Op: op, State: TxOpen, Err: err}
	}
	return &Error{Kind: KindBackend, Op: op, Err: err}
}

func (db *DB) checkKey(op, key string) error {
	if key == "" {
		return InvalidArgument(op, "key must not be empty")
	}
	if max := db.caps.MaxKeySize(); max > 0 && len(key) > max {
		return InvalidArgument(op, "key is %d bytes, backend limit is %d", len(key), max)
	}
	return nil
}

func (db *DB) checkPut(op, key string, v Value) error {
	if err := db.checkKey(op, key); err != nil {
		return err
	}
	if max := db.caps.MaxValueSize(); max > 0 && v.EncodedLen() > max {
		return InvalidArgument(op, "value is %d bytes encoded, backend limit is %d", v.EncodedLen(), max)
	}
	return nil
}

// querier returns src as a Querier when the backend advertises SQL and the
// statement is non-empty.
func (db *DB) querier(op string, src any, sql string) (Querier, error) {
	q, ok := src.(Querier)
	if !ok || !db.caps.Has(FeatureSQL) {
		return nil, Unsupported(op)
	}
	if sql == "" {
		return nil, InvalidArgument(op, "statement must not be empty")
	}
	return q, nil
}

func (db *DB) Put(ctx context.Context, key string, value Value) error {
	if err := db.checkPut("put", key, value); err != nil {
		return err
	}
	return db.do(ctx, "put", keyAttrs(key), func(ctx context.Context) error {
		return db.drv.Put(ctx, key, value)
	})
}

func (db *DB) Get(ctx context.Context, key string) (Value, bool, error) {
	if err := db.checkKey("get", key); err != nil {
		return Value{}, false, err
	}
	var (
		v  Value
		ok bool
	)
	err := db.do(ctx, "get", keyAttrs(key), func(ctx context.Context) error {
		var err error
		v, ok, err = db.drv.Get(ctx, key)
		return err
	})
	if err != nil {
		return Value{}, false, err
	}
	return v, ok, nil
}

func (db *DB) Delete(ctx context.Context, key string) error {
	if err := db.checkKey("delete", key); err != nil {
		return err
	}
	return db.do(ctx, "delete", keyAttrs(key), func(ctx context.Context) error {
		return db.drv.Delete(ctx, key)
	})
}

func (db *DB) Exists(ctx context.Context, key string) (bool, error) {
	if err := db.checkKey("exists", key); err != nil {
		return false, err
	}
	var ok bool
	err := db.do(ctx, "exists", keyAttrs(key), func(ctx context.Context) error {
		var err error
		if ex, isExister := db.drv.(Exister); isExister {
			ok, err = ex.Exists(ctx, key)
			return err
		}
		_, ok, err = db.drv.Get(ctx, key)
		return err
	})
	return ok && err == nil, err
}

func (db *DB) Scan(ctx context.Context, prefix string) (*ScanResult, error) {
	return db.ScanPage(ctx, prefix, ScanOptions{Limit: db.scanLimit})
}

func (db *DB) ScanPage(ctx context.Context, prefix string, opts ScanOptions) (*ScanResult, error) {
	var res *ScanResult
	err := db.do(ctx, "scan", prefixAttrs(prefix), func(ctx context.Context) error {
		var err error
		res, err = db.drv.Scan(ctx, prefix, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (db *DB) Query(ctx context.Context, sql string, params ...Value) (*QueryResult, error) {
	q, err := db.querier("query", db.drv, sql)
	if err != nil {
		return nil, err
	}
	var res *QueryResult
	err = db.do(ctx, "query", nil, func(ctx context.Context) error {
		var err error
		res, err = q.Query(ctx, sql, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// BeginTransaction opens a transaction. It fails with Unsupported whenever
// the capability snapshot says transactions are unavailable, without asking
// the driver.
func (db *DB) BeginTransaction(ctx context.Context) (Transaction, error) {
	tr, ok := db.drv.(Transactor)
	if !ok || !db.caps.SupportsTransactions() {
		return nil, Unsupported("begin transaction")
	}
	var dtx DriverTx
	err := db.do(ctx, "begin", nil, func(ctx context.Context) error {
		var err error
		dtx, err = tr.Begin(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	tx := newTx(db, dtx)
	db.logger.Debug("transaction begun", slog.String("tx", tx.id))
	return tx, nil
}

// Close closes the driver. Later calls return nil; operations issued after
// Close fail with a Backend error wrapping ErrClosed.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.logger.Info("agentdb closed")
	return classify("close", db.drv.Close())
}
