package agentdb

import "context"

// Querier is implemented by drivers (and driver transactions) with a native
// statement surface. params must be bound positionally by the engine, never
// spliced into sql.
// Use type assertion to check: if q, ok := driver.(agentdb.Querier); ok { ... }
type Querier interface {
	Query(ctx context.Context, sql string, params []Value) (*QueryResult, error)
}

// Transactor is implemented by drivers that can open a unit of work. The
// contract only calls Begin when the driver's Capabilities advertise
// transactions.
type Transactor interface {
	Begin(ctx context.Context) (DriverTx, error)
}

// Exister supports a cheaper presence check than Get.
type Exister interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// DriverTx is the driver half of a transaction. The contract's *Tx owns it
// and guarantees Commit or Rollback is called at most once, and that no
// method is called after either. Errors wrapping ErrConnectionLost or
// ErrTxAborted tell the contract the session is gone.
//
// A DriverTx may also implement Querier.
type DriverTx interface {
	Put(ctx context.Context, key string, value Value) error
	Get(ctx context.Context, key string) (Value, bool, error)
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, opts ScanOptions) (*ScanResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
