package agentdb

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// TxState is the lifecycle state of a transaction.
type TxState uint8

const (
	TxOpen TxState = iota + 1
	TxCommitted
	TxRolledBack
	// TxFailed is entered when the backend session is lost or the backend
	// aborts the transaction. It is terminal.
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	case TxFailed:
		return "failed"
	}
	return "tx state(" + strconv.Itoa(int(s)) + ")"
}

// Transaction is a unit of work. Operations are applied in the order issued.
// A Transaction belongs to one caller at a time; using the same handle from
// several goroutines concurrently is not allowed.
type Transaction interface {
	ID() string
	State() TxState
	Put(ctx context.Context, key string, value Value) error
	Get(ctx context.Context, key string) (Value, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, prefix string) (*ScanResult, error)
	ScanPage(ctx context.Context, prefix string, opts ScanOptions) (*ScanResult, error)
	Query(ctx context.Context, sql string, params ...Value) (*QueryResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Tx is the contract's transaction handle. It enforces the state machine
// Open -> Committed | RolledBack | Failed around a driver session.
type Tx struct {
	db  *DB
	drv DriverTx
	id  string

	mu    sync.Mutex
	state TxState
	cause error
}

var _ Transaction = (*Tx)(nil)

func newTx(db *DB, drv DriverTx) *Tx {
	return &Tx{db: db, drv: drv, id: uuid.NewString(), state: TxOpen}
}

// ID returns the transaction's unique identifier.
func (t *Tx) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Tx) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tx) stateErr(op string) error {
	return &Error{
		Kind:  KindTransaction,
		Op:    op,
		Msg:   "transaction " + t.id + " is " + t.state.String(),
		State: t.state,
		Err:   t.cause,
	}
}

func sessionGone(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTxAborted) || errors.Is(err, ErrClosed)
}

// fail must be called with t.mu held.
func (t *Tx) fail(op string, err error) {
	t.state = TxFailed
	t.cause = err
	t.db.logger.Warn("transaction failed",
		slog.String("tx", t.id),
		slog.String("op", op),
		slog.String("error", err.Error()))
}

// run executes fn while holding the handle lock. The state is checked
// first, so a finished transaction reports a Transaction error whatever the
// arguments; check then validates them.
func (t *Tx) run(ctx context.Context, op string, attrs []attribute.KeyValue, check func() error, fn func(context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxOpen {
		return t.stateErr(op)
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	attrs = append(attrs, attrTxID.String(t.id))
	err := t.db.do(ctx, "tx."+op, attrs, fn)
	if err != nil && sessionGone(err) {
		t.fail(op, err)
		// Release whatever the driver still holds for the session.
		_ = t.drv.Rollback(context.WithoutCancel(ctx))
	}
	return err
}

func (t *Tx) Put(ctx context.Context, key string, value Value) error {
	check := func() error { return t.db.checkPut("put", key, value) }
	return t.run(ctx, "put", keyAttrs(key), check, func(ctx context.Context) error {
		return t.drv.Put(ctx, key, value)
	})
}

func (t *Tx) Get(ctx context.Context, key string) (Value, bool, error) {
	var (
		v  Value
		ok bool
	)
	check := func() error { return t.db.checkKey("get", key) }
	err := t.run(ctx, "get", keyAttrs(key), check, func(ctx context.Context) error {
		var err error
		v, ok, err = t.drv.Get(ctx, key)
		return err
	})
	if err != nil {
		return Value{}, false, err
	}
	return v, ok, nil
}

func (t *Tx) Delete(ctx context.Context, key string) error {
	check := func() error { return t.db.checkKey("delete", key) }
	return t.run(ctx, "delete", keyAttrs(key), check, func(ctx context.Context) error {
		return t.drv.Delete(ctx, key)
	})
}

func (t *Tx) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	check := func() error { return t.db.checkKey("exists", key) }
	err := t.run(ctx, "exists", keyAttrs(key), check, func(ctx context.Context) error {
		var err error
		if ex, isExister := t.drv.(Exister); isExister {
			ok, err = ex.Exists(ctx, key)
			return err
		}
		_, ok, err = t.drv.Get(ctx, key)
		return err
	})
	return ok && err == nil, err
}

// Scan returns the entries under prefix visible to this transaction,
// including its own uncommitted writes.
func (t *Tx) Scan(ctx context.Context, prefix string) (*ScanResult, error) {
	return t.ScanPage(ctx, prefix, ScanOptions{Limit: t.db.scanLimit})
}

func (t *Tx) ScanPage(ctx context.Context, prefix string, opts ScanOptions) (*ScanResult, error) {
	var res *ScanResult
	err := t.run(ctx, "scan", prefixAttrs(prefix), nil, func(ctx context.Context) error {
		var err error
		res, err = t.drv.Scan(ctx, prefix, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (t *Tx) Query(ctx context.Context, sql string, params ...Value) (*QueryResult, error) {
	var (
		q   Querier
		res *QueryResult
	)
	check := func() error {
		var err error
		q, err = t.db.querier("tx.query", t.drv, sql)
		return err
	}
	err := t.run(ctx, "query", nil, check, func(ctx context.Context) error {
		var err error
		res, err = q.Query(ctx, sql, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Commit makes the transaction's writes durable. It succeeds only from the
// Open state; a failed commit leaves the transaction Failed.
func (t *Tx) Commit(ctx context.Context) error {
	return t.finish(ctx, "commit", TxCommitted, t.drv.Commit)
}

// Rollback discards the transaction's writes. It succeeds only from the Open
// state.
func (t *Tx) Rollback(ctx context.Context) error {
	return t.finish(ctx, "rollback", TxRolledBack, t.drv.Rollback)
}

func (t *Tx) finish(ctx context.Context, op string, next TxState, fn func(context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TxOpen {
		return t.stateErr(op)
	}
	called := false
	err := t.db.do(ctx, "tx."+op, []attribute.KeyValue{attrTxID.String(t.id)}, func(ctx context.Context) error {
		called = true
		return fn(ctx)
	})
	if err != nil {
		// A commit that never reached the driver leaves the session intact.
		if called || sessionGone(err) {
			t.fail(op, err)
		}
		return err
	}
	t.state = next
	t.db.logger.Debug("transaction finished", slog.String("tx", t.id), slog.String("state", next.String()))
	return nil
}

// WithTransaction runs fn inside a transaction begun on s. It commits when fn
// returns nil and rolls back otherwise, returning fn's error. There is no
// retry.
func WithTransaction(ctx context.Context, s Storage, fn func(tx Transaction) error) error {
	tx, err := s.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if tx.State() == TxOpen {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				return errors.Join(err, rbErr)
			}
		}
		return err
	}
	return tx.Commit(ctx)
}
