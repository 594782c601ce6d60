// Package agentdbtest holds the conformance suite every agentdb driver runs.
package agentdbtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nuln/agentdb"
)

// Namespace returns a short unique key prefix so suites can share a backend
// (a Postgres database, a Redis instance, a bucket) without interfering.
func Namespace() string {
	return "t" + uuid.NewString()[:8] + "/"
}

// SampleValues returns one Value of every kind.
func SampleValues() map[string]agentdb.Value {
	return map[string]agentdb.Value{
		"null":   agentdb.Null(),
		"bool":   agentdb.Bool(true),
		"int":    agentdb.Int(math.MinInt64),
		"float":  agentdb.Float(-2.5),
		"text":   agentdb.Text("héllo, wörld"),
		"empty":  agentdb.Text(""),
		"blob":   agentdb.Blob([]byte{0, 1, 2, 0xff}),
		"opaque": agentdb.Opaque("pg:numeric", []byte("3.14")),
	}
}

// StorageTestSuite runs a comprehensive set of tests against a Storage
// implementation. Call this in your driver tests to verify correctness:
//
//	func TestMemoryDriver(t *testing.T) {
//	    db := setupDB(t)
//	    agentdbtest.StorageTestSuite(t, db)
//	}
//
// When the backend advertises transactions the TransactionTestSuite runs as
// well.
func StorageTestSuite(t *testing.T, db agentdb.Storage) { //nolint:gocyclo
	t.Helper()
	ctx := context.Background()
	ns := Namespace()
	t.Cleanup(func() { purge(t, db, ns) })

	t.Run("Get_Absent", func(t *testing.T) {
		v, ok, err := db.Get(ctx, ns+"never-put")
		if err != nil {
			t.Fatalf("Get absent key: %v", err)
		}
		if ok {
			t.Errorf("Get absent key: ok = true, value %v", v)
		}
		exists, err := db.Exists(ctx, ns+"never-put")
		if err != nil || exists {
			t.Errorf("Exists absent key = %v, %v; want false, nil", exists, err)
		}
	})

	t.Run("Put_Get_AllKinds", func(t *testing.T) {
		for name, want := range SampleValues() {
			key := ns + "kinds/" + name
			if err := db.Put(ctx, key, want); err != nil {
				t.Fatalf("Put %s: %v", name, err)
			}
			got, ok, err := db.Get(ctx, key)
			if err != nil {
				t.Fatalf("Get %s: %v", name, err)
			}
			if !ok {
				t.Fatalf("Get %s: missing after Put", name)
			}
			if !got.Equal(want) {
				t.Errorf("Get %s = %v, want %v", name, got, want)
			}
		}
	})

	t.Run("Put_Overwrite", func(t *testing.T) {
		key := ns + "overwrite"
		if err := db.Put(ctx, key, agentdb.Text("first")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := db.Put(ctx, key, agentdb.Int(2)); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}
		got, _, err := db.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Equal(agentdb.Int(2)) {
			t.Errorf("after overwrite = %v, want int(2)", got)
		}
	})

	t.Run("Put_EmptyKey", func(t *testing.T) {
		err := db.Put(ctx, "", agentdb.Text("x"))
		if !errors.Is(err, agentdb.ErrInvalidArgument) {
			t.Errorf("Put empty key: err = %v, want invalid argument", err)
		}
	})

	t.Run("Delete_Idempotent", func(t *testing.T) {
		key := ns + "delete-me"
		if err := db.Put(ctx, key, agentdb.Bool(false)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := db.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := db.Delete(ctx, key); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		if err := db.Delete(ctx, ns+"never-existed"); err != nil {
			t.Fatalf("Delete absent key: %v", err)
		}
		if _, ok, _ := db.Get(ctx, key); ok {
			t.Error("Get after Delete: key still present")
		}
	})

	t.Run("Scan_Prefix", func(t *testing.T) {
		// Inserted out of order on purpose.
		must(t, db.Put(ctx, ns+"user:2", agentdb.Text("Bob")))
		must(t, db.Put(ctx, ns+"users", agentdb.Text("not a user")))
		must(t, db.Put(ctx, ns+"user:1", agentdb.Text("Alice")))
		must(t, db.Put(ctx, ns+"usr:3", agentdb.Text("Eve")))

		res, err := db.Scan(ctx, ns+"user:")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if res.Truncated {
			t.Error("Scan: Truncated = true for two matches")
		}
		want := []string{ns + "user:1", ns + "user:2"}
		if got := res.Keys(); !slices.Equal(got, want) {
			t.Fatalf("Scan keys = %v, want %v", got, want)
		}
		if !res.Entries[0].Value.Equal(agentdb.Text("Alice")) || !res.Entries[1].Value.Equal(agentdb.Text("Bob")) {
			t.Errorf("Scan values = %v", res.Entries)
		}

		again, err := db.Scan(ctx, ns+"user:")
		if err != nil {
			t.Fatalf("repeat Scan: %v", err)
		}
		if !slices.Equal(again.Keys(), res.Keys()) {
			t.Errorf("repeat Scan = %v, want %v", again.Keys(), res.Keys())
		}

		none, err := db.Scan(ctx, ns+"nobody:")
		if err != nil {
			t.Fatalf("Scan no matches: %v", err)
		}
		if len(none.Entries) != 0 || none.Truncated {
			t.Errorf("Scan no matches = %+v", none)
		}
	})

	t.Run("ScanPage_Pagination", func(t *testing.T) {
		prefix := ns + "page/"
		var want []string
		for i := range 7 {
			key := fmt.Sprintf("%s%02d", prefix, i)
			want = append(want, key)
			must(t, db.Put(ctx, key, agentdb.Int(int64(i))))
		}

		var got []string
		opts := agentdb.ScanOptions{Limit: 3}
		for pages := 0; ; pages++ {
			if pages > 5 {
				t.Fatal("pagination did not terminate")
			}
			res, err := db.ScanPage(ctx, prefix, opts)
			if err != nil {
				t.Fatalf("ScanPage: %v", err)
			}
			got = append(got, res.Keys()...)
			if !res.Truncated {
				break
			}
			if len(res.Entries) != 3 {
				t.Errorf("truncated page has %d entries, want 3", len(res.Entries))
			}
			opts.After = res.Next
		}
		if !slices.Equal(got, want) {
			t.Errorf("paged keys = %v, want %v", got, want)
		}
	})

	t.Run("Query", func(t *testing.T) {
		if db.Capabilities().Has(agentdb.FeatureSQL) {
			t.Skip("backend has a SQL surface; covered by driver tests")
		}
		_, err := db.Query(ctx, "SELECT 1")
		if !errors.Is(err, agentdb.ErrUnsupported) {
			t.Errorf("Query on non-SQL backend: err = %v, want unsupported", err)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		g, gctx := errgroup.WithContext(ctx)
		for w := range 8 {
			g.Go(func() error {
				for i := range 10 {
					key := fmt.Sprintf("%sconc/%d/%d", ns, w, i)
					if err := db.Put(gctx, key, agentdb.Int(int64(w*100+i))); err != nil {
						return err
					}
					v, ok, err := db.Get(gctx, key)
					if err != nil {
						return err
					}
					if !ok || !v.Equal(agentdb.Int(int64(w*100+i))) {
						return fmt.Errorf("key %s = %v, %v", key, v, ok)
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("concurrent put/get: %v", err)
		}
		res, err := db.Scan(ctx, ns+"conc/")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(res.Entries) != 80 {
			t.Errorf("Scan after concurrent writes: %d entries, want 80", len(res.Entries))
		}
	})

	t.Run("Canceled_Context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := db.Put(cctx, ns+"canceled", agentdb.Null())
		if !errors.Is(err, agentdb.ErrBackend) || !errors.Is(err, context.Canceled) {
			t.Errorf("Put with canceled context: err = %v", err)
		}
	})

	if db.Capabilities().SupportsTransactions() {
		t.Run("Transactions", func(t *testing.T) {
			TransactionTestSuite(t, db)
		})
	} else {
		t.Run("BeginTransaction_Unsupported", func(t *testing.T) {
			_, err := db.BeginTransaction(ctx)
			if !errors.Is(err, agentdb.ErrUnsupported) {
				t.Errorf("BeginTransaction: err = %v, want unsupported", err)
			}
		})
	}
}

// TransactionTestSuite checks the transaction lifecycle. db must advertise
// transactions.
func TransactionTestSuite(t *testing.T, db agentdb.Storage) {
	t.Helper()
	ctx := context.Background()
	ns := Namespace()
	t.Cleanup(func() { purge(t, db, ns) })

	begin := func(t *testing.T) agentdb.Transaction {
		t.Helper()
		tx, err := db.BeginTransaction(ctx)
		if err != nil {
			t.Fatalf("BeginTransaction: %v", err)
		}
		if tx.State() != agentdb.TxOpen {
			t.Fatalf("new transaction state = %v, want open", tx.State())
		}
		return tx
	}

	t.Run("Commit", func(t *testing.T) {
		must(t, db.Put(ctx, ns+"c/gone", agentdb.Int(0)))

		tx := begin(t)
		must(t, tx.Put(ctx, ns+"c/a", agentdb.Text("A")))
		must(t, tx.Put(ctx, ns+"c/b", agentdb.Text("B")))
		must(t, tx.Delete(ctx, ns+"c/gone"))

		v, ok, err := tx.Get(ctx, ns+"c/a")
		if err != nil || !ok || !v.Equal(agentdb.Text("A")) {
			t.Fatalf("Get inside tx = %v, %v, %v", v, ok, err)
		}
		res, err := tx.Scan(ctx, ns+"c/")
		if err != nil {
			t.Fatalf("Scan inside tx: %v", err)
		}
		if got := res.Keys(); !slices.Equal(got, []string{ns + "c/a", ns + "c/b"}) {
			t.Errorf("Scan inside tx = %v", got)
		}

		must(t, tx.Commit(ctx))
		if tx.State() != agentdb.TxCommitted {
			t.Errorf("state after Commit = %v", tx.State())
		}

		res, err = db.Scan(ctx, ns+"c/")
		if err != nil {
			t.Fatalf("Scan after commit: %v", err)
		}
		if got := res.Keys(); !slices.Equal(got, []string{ns + "c/a", ns + "c/b"}) {
			t.Errorf("Scan after commit = %v", got)
		}
	})

	t.Run("Rollback", func(t *testing.T) {
		must(t, db.Put(ctx, ns+"r/kept", agentdb.Int(1)))

		tx := begin(t)
		must(t, tx.Put(ctx, ns+"r/new", agentdb.Int(2)))
		must(t, tx.Put(ctx, ns+"r/kept", agentdb.Int(3)))
		must(t, tx.Rollback(ctx))
		if tx.State() != agentdb.TxRolledBack {
			t.Errorf("state after Rollback = %v", tx.State())
		}

		if _, ok, _ := db.Get(ctx, ns+"r/new"); ok {
			t.Error("rolled back insert is visible")
		}
		v, _, err := db.Get(ctx, ns+"r/kept")
		if err != nil || !v.Equal(agentdb.Int(1)) {
			t.Errorf("rolled back update: value = %v, err = %v", v, err)
		}
	})

	t.Run("Terminal_States", func(t *testing.T) {
		tx := begin(t)
		must(t, tx.Rollback(ctx))
		expectTxErr(t, "Commit after Rollback", tx.Commit(ctx), agentdb.TxRolledBack)
		expectTxErr(t, "Rollback after Rollback", tx.Rollback(ctx), agentdb.TxRolledBack)

		tx = begin(t)
		must(t, tx.Commit(ctx))
		expectTxErr(t, "Commit after Commit", tx.Commit(ctx), agentdb.TxCommitted)
		expectTxErr(t, "Rollback after Commit", tx.Rollback(ctx), agentdb.TxCommitted)
		expectTxErr(t, "Put after Commit", tx.Put(ctx, ns+"late", agentdb.Null()), agentdb.TxCommitted)
		_, _, err := tx.Get(ctx, ns+"late")
		expectTxErr(t, "Get after Commit", err, agentdb.TxCommitted)

		// The state is reported before arguments or capabilities are checked.
		expectTxErr(t, "Put empty key after Commit", tx.Put(ctx, "", agentdb.Null()), agentdb.TxCommitted)
		expectTxErr(t, "Delete empty key after Commit", tx.Delete(ctx, ""), agentdb.TxCommitted)
		_, err = tx.Exists(ctx, "")
		expectTxErr(t, "Exists empty key after Commit", err, agentdb.TxCommitted)
		_, err = tx.Query(ctx, "SELECT 1")
		expectTxErr(t, "Query after Commit", err, agentdb.TxCommitted)
		_, err = tx.Query(ctx, "")
		expectTxErr(t, "empty Query after Commit", err, agentdb.TxCommitted)

		tx = begin(t)
		must(t, tx.Rollback(ctx))
		_, _, err = tx.Get(ctx, "")
		expectTxErr(t, "Get empty key after Rollback", err, agentdb.TxRolledBack)
		_, err = tx.Query(ctx, "SELECT 1")
		expectTxErr(t, "Query after Rollback", err, agentdb.TxRolledBack)
	})

	t.Run("WithTransaction", func(t *testing.T) {
		boom := errors.New("boom")
		err := agentdb.WithTransaction(ctx, db, func(tx agentdb.Transaction) error {
			if err := tx.Put(ctx, ns+"w/discarded", agentdb.Int(1)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTransaction error = %v, want boom", err)
		}
		if _, ok, _ := db.Get(ctx, ns+"w/discarded"); ok {
			t.Error("write from failed WithTransaction is visible")
		}

		err = agentdb.WithTransaction(ctx, db, func(tx agentdb.Transaction) error {
			return tx.Put(ctx, ns+"w/kept", agentdb.Int(2))
		})
		if err != nil {
			t.Fatalf("WithTransaction: %v", err)
		}
		if _, ok, _ := db.Get(ctx, ns+"w/kept"); !ok {
			t.Error("write from committed WithTransaction is missing")
		}
	})
}

func expectTxErr(t *testing.T, what string, err error, state agentdb.TxState) {
	t.Helper()
	if !errors.Is(err, agentdb.ErrTransaction) {
		t.Errorf("%s: err = %v, want transaction error", what, err)
		return
	}
	var ae *agentdb.Error
	if errors.As(err, &ae) && ae.State != state {
		t.Errorf("%s: state = %v, want %v", what, ae.State, state)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// purge deletes every key under ns, page by page.
func purge(t *testing.T, db agentdb.Storage, ns string) {
	t.Helper()
	ctx := context.Background()
	for {
		res, err := db.Scan(ctx, ns)
		if err != nil {
			t.Logf("cleanup scan: %v", err)
			return
		}
		for _, e := range res.Entries {
			if err := db.Delete(ctx, e.Key); err != nil {
				t.Logf("cleanup delete %s: %v", e.Key, err)
				return
			}
		}
		if !res.Truncated {
			return
		}
	}
}
