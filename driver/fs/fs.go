// Package fs provides an agentdb driver that stores one file per key on any
// afero filesystem: the OS filesystem rooted at a directory, or an in-memory
// filesystem for tests.
//
// Keys are laid out with internal/keypath, so a prefix scan only walks the
// directories that can hold matching keys.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/keypath"
)

// Auto-register fs storage driver.
func init() {
	agentdb.Register("fs", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		if cfg.BasePath == "" {
			return nil, fmt.Errorf("agentdb/fs: base path is required")
		}
		return New(cfg.BasePath)
	})
}

// Engine implements agentdb.Driver on an afero.Fs.
type Engine struct {
	fs   afero.Fs
	root string
	// mu orders writers against scans so a scan never sees a half-renamed
	// tree from this process.
	mu sync.RWMutex
}

// New creates an Engine rooted at dir, creating it if needed.
func New(dir string) (*Engine, error) {
	absRoot, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0750); err != nil {
		return nil, err
	}
	return &Engine{
		fs:   afero.NewBasePathFs(afero.NewOsFs(), absRoot),
		root: absRoot,
	}, nil
}

// NewWithFs creates an Engine backed by a custom afero.Fs.
// This is useful for testing with afero.MemMapFs.
func NewWithFs(fs afero.Fs) *Engine {
	return &Engine{fs: fs, root: "."}
}

// Root returns the directory the engine stores files under.
func (e *Engine) Root() string { return e.root }

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilyKeyValue,
		agentdb.WithFeature(agentdb.FeatureSQL, false),
		agentdb.WithFeature(agentdb.FeatureDirectories, true),
		agentdb.WithMaxKeySize(keypath.MaxKeySize),
	)
}

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	data, err := value.MarshalBinary()
	if err != nil {
		return err
	}
	p := keypath.Path(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fs.MkdirAll(path.Dir(p), 0750); err != nil {
		return err
	}
	// Write beside the target and rename so readers never see a partial
	// value.
	tmp := path.Join(path.Dir(p), ".tmp-"+uuid.NewString())
	if err := afero.WriteFile(e.fs, tmp, data, 0640); err != nil {
		_ = e.fs.Remove(tmp)
		return err
	}
	if err := e.fs.Rename(tmp, p); err != nil {
		_ = e.fs.Remove(tmp)
		return err
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.read(keypath.Path(key))
}

// read must be called with e.mu held.
func (e *Engine) read(p string) (agentdb.Value, bool, error) {
	data, err := afero.ReadFile(e.fs, p)
	if errors.Is(err, os.ErrNotExist) {
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

func (e *Engine) Delete(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.fs.Remove(keypath.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// Collect keys first and only read the values of the returned page.
	keys := make([]agentdb.Entry, 0)
	err := keypath.Walk(ctx, e.fs, ".", prefix, func(key string) {
		if opts.Match(prefix, key) {
			keys = append(keys, agentdb.Entry{Key: key})
		}
	})
	if err != nil {
		return nil, err
	}
	res := agentdb.PageEntries(keys, prefix, opts)
	for i := range res.Entries {
		v, ok, err := e.read(keypath.Path(res.Entries[i].Key))
		if err != nil {
			return nil, fmt.Errorf("agentdb/fs: read %q: %w", res.Entries[i].Key, err)
		}
		if !ok {
			return nil, fmt.Errorf("agentdb/fs: %q vanished during scan", res.Entries[i].Key)
		}
		res.Entries[i].Value = v
	}
	return res, nil
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, err := e.fs.Stat(keypath.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (e *Engine) Close() error { return nil }

// Compile-time interface checks.
var (
	_ agentdb.Driver  = (*Engine)(nil)
	_ agentdb.Exister = (*Engine)(nil)
)
