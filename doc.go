// Package agentdb provides a backend-agnostic storage contract for Go.
//
// It defines a [Storage] interface for key-value and SQL-style operations that
// can be backed by very different engines (embedded SQL, client-server SQL,
// key-value stores, object stores) through a driver registration mechanism.
// Callers discover what a backend supports at runtime through [Capabilities]
// instead of compile-time knowledge of the concrete driver.
//
// # Supported Drivers
//
//   - memory  : In-process map with buffered transactions (import _ "github.com/nuln/agentdb/driver/memory")
//   - fs      : Files on any afero filesystem (import _ "github.com/nuln/agentdb/driver/fs")
//   - rclone  : Any rclone-supported remote (import _ "github.com/nuln/agentdb/driver/rclone")
//   - sqlite  : SQLite via mattn/go-sqlite3 (import _ "github.com/nuln/agentdb/driver/sqlite")
//   - postgres: PostgreSQL via pgx (import _ "github.com/nuln/agentdb/driver/postgres")
//   - redis   : Redis via go-redis (import _ "github.com/nuln/agentdb/driver/redis")
//   - s3      : S3-compatible object storage (import _ "github.com/nuln/agentdb/driver/s3")
//   - sharded : Deduplicating chunk store on afero (import _ "github.com/nuln/agentdb/driver/sharded")
//
// # Quick Start
//
//	import (
//	    "github.com/nuln/agentdb"
//	    _ "github.com/nuln/agentdb/driver/sqlite"
//	)
//
//	db, err := agentdb.Open(&agentdb.Config{Type: "sqlite", DSN: "./agent.db"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Put(ctx, "user:1", agentdb.Text("Alice")); err != nil {
//	    return err
//	}
//	v, ok, err := db.Get(ctx, "user:1")
//
// # Capabilities
//
// Optional operations are gated by the backend's capability snapshot. Callers
// may branch on it up front, or call the operation and handle
// [ErrUnsupported]; both paths are supported:
//
//	if db.Capabilities().SupportsTransactions() {
//	    tx, err := db.BeginTransaction(ctx)
//	    ...
//	}
//
// # Errors
//
// Every failure carries one of a closed set of kinds (see [ErrorKind]).
// Match them with errors.Is against the package sentinels:
//
//	if errors.Is(err, agentdb.ErrUnsupported) {
//	    // skip this code path
//	}
//
// # Import All Drivers
//
//	import _ "github.com/nuln/agentdb/drivers"
package agentdb
