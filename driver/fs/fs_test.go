package fs_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/agentdbtest"
	"github.com/nuln/agentdb/driver/fs"
	"github.com/nuln/agentdb/internal/keypath"
)

func TestFsEngine_MemMapFs(t *testing.T) {
	db, err := agentdb.New(fs.NewWithFs(afero.NewMemMapFs()), agentdb.WithName("fs"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	agentdbtest.StorageTestSuite(t, db)
}

func TestFsEngine_OsFs(t *testing.T) {
	db, err := agentdb.Open(&agentdb.Config{Type: "fs", BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = db.Close() }()
	agentdbtest.StorageTestSuite(t, db)
}

func TestFsEngine_RequiresBasePath(t *testing.T) {
	if _, err := agentdb.Open(&agentdb.Config{Type: "fs"}); err == nil {
		t.Fatal("Open without base path: expected error")
	}
}

func TestFsEngine_Layout(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	db, err := agentdb.New(fs.NewWithFs(mem))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := db.Put(ctx, "user:1", agentdb.Text("Alice")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := afero.Exists(mem, keypath.Path("user:1"))
	if err != nil || !ok {
		t.Fatalf("value file %s missing: %v", keypath.Path("user:1"), err)
	}
	// No temp files left behind.
	entries, err := afero.ReadDir(mem, "75/73/65")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("leaf dir holds %d entries, want 1", len(entries))
	}
}

func TestFsEngine_KeyLimit(t *testing.T) {
	ctx := context.Background()
	db, err := agentdb.New(fs.NewWithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := db.Capabilities().MaxKeySize(); got != keypath.MaxKeySize {
		t.Errorf("MaxKeySize = %d, want %d", got, keypath.MaxKeySize)
	}
	long := strings.Repeat("k", keypath.MaxKeySize+1)
	if err := db.Put(ctx, long, agentdb.Null()); !errors.Is(err, agentdb.ErrInvalidArgument) {
		t.Errorf("Put oversized key: err = %v, want invalid argument", err)
	}
	if err := db.Put(ctx, long[1:], agentdb.Null()); err != nil {
		t.Errorf("Put key at limit: %v", err)
	}
}

func TestFsEngine_ShortKeys(t *testing.T) {
	ctx := context.Background()
	db, err := agentdb.New(fs.NewWithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, k := range []string{"a", "ab", "abc", "abcd", "b"} {
		if err := db.Put(ctx, k, agentdb.Text(k)); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}
	res, err := db.Scan(ctx, "a")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := "a,ab,abc,abcd"
	if got := strings.Join(res.Keys(), ","); got != want {
		t.Errorf("Scan(a) = %s, want %s", got, want)
	}
}

func TestFsEngine_CorruptValue(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	db, err := agentdb.New(fs.NewWithFs(mem))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := keypath.Path("broken")
	if err := afero.WriteFile(mem, p, []byte{0xee}, 0640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, _, err := db.Get(ctx, "broken"); !errors.Is(err, agentdb.ErrSerialization) {
		t.Errorf("Get corrupt value: err = %v, want serialization", err)
	}
}

func TestFsEngine_NoTransactions(t *testing.T) {
	db, err := agentdb.New(fs.NewWithFs(afero.NewMemMapFs()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := db.BeginTransaction(context.Background()); !errors.Is(err, agentdb.ErrUnsupported) {
		t.Errorf("BeginTransaction: err = %v, want unsupported", err)
	}
}
