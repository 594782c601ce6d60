package agentdb

import "context"

// Storage is the uniform operation surface consumers program against. *DB
// implements it for every registered driver.
//
// All blocking methods take a context. Abandoning a call through its context
// returns control to the caller with a Backend error; whether the backend
// finished the operation anyway is driver-defined.
type Storage interface {
	// Capabilities returns the backend's immutable capability snapshot.
	Capabilities() Capabilities

	// Put stores value under key, replacing any previous value atomically
	// from the caller's point of view. key must not be empty.
	Put(ctx context.Context, key string, value Value) error

	// Get returns the value stored under key. A missing key reports
	// ok == false with a nil error.
	Get(ctx context.Context, key string) (value Value, ok bool, err error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns every entry whose key starts with prefix, up to the
	// instance scan limit. Keys come back in ascending byte order.
	Scan(ctx context.Context, prefix string) (*ScanResult, error)

	// ScanPage returns one page of a prefix scan.
	ScanPage(ctx context.Context, prefix string, opts ScanOptions) (*ScanResult, error)

	// Query runs a backend-native statement with positionally bound params.
	// Backends without a SQL surface return an Unsupported error.
	Query(ctx context.Context, sql string, params ...Value) (*QueryResult, error)

	// BeginTransaction opens a unit of work. It fails with Unsupported when
	// Capabilities().SupportsTransactions() is false.
	BeginTransaction(ctx context.Context) (Transaction, error)

	// Close releases the backend. It is safe to call more than once.
	Close() error
}

// Driver is the interface every backend implements. Drivers are never used
// directly by consumers: Open and New wrap them in a *DB that validates
// input, gates optional operations on Capabilities and normalizes errors.
//
// Scan must return the entries whose key starts with prefix and satisfies
// opts.After, in ascending byte order, cut at opts.Limit when it is
// positive, with Truncated set when more matches exist. Drivers that cannot
// seek to a prefix may gather every key and use PageEntries.
type Driver interface {
	Capabilities() Capabilities
	Put(ctx context.Context, key string, value Value) error
	Get(ctx context.Context, key string) (Value, bool, error)
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, opts ScanOptions) (*ScanResult, error)
	Close() error
}
