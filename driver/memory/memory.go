// Package memory provides an in-process agentdb driver backed by a map.
//
// Transactions buffer their writes and apply them under the engine lock on
// commit, so concurrent transactions never observe each other's partial
// state. The last commit to touch a key wins.
package memory

import (
	"context"
	"sync"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/internal/txbuf"
)

// Auto-register memory driver.
func init() {
	agentdb.Register("memory", func(cfg *agentdb.Config) (agentdb.Driver, error) {
		return New(), nil
	})
}

// Engine implements agentdb.Driver in memory.
type Engine struct {
	mu     sync.RWMutex
	data   map[string]agentdb.Value
	closed bool
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{data: make(map[string]agentdb.Value)}
}

func (e *Engine) Capabilities() agentdb.Capabilities {
	return agentdb.NewCapabilities(agentdb.FamilyKeyValue,
		agentdb.WithTransactions(),
		agentdb.WithFeature(agentdb.FeatureSQL, false),
		agentdb.WithFeature(agentdb.FeatureNestedTransactions, false),
	)
}

func (e *Engine) Put(ctx context.Context, key string, value agentdb.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return agentdb.ErrClosed
	}
	e.data[key] = value
	return nil
}

func (e *Engine) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return agentdb.Value{}, false, agentdb.ErrClosed
	}
	v, ok := e.data[key]
	return v, ok, nil
}

func (e *Engine) Delete(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return agentdb.ErrClosed
	}
	delete(e.data, key)
	return nil
}

func (e *Engine) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, agentdb.ErrClosed
	}
	entries := make([]agentdb.Entry, 0)
	for k, v := range e.data {
		if opts.Match(prefix, k) {
			entries = append(entries, agentdb.Entry{Key: k, Value: v})
		}
	}
	e.mu.RUnlock()
	return agentdb.PageEntries(entries, prefix, opts), nil
}

// === Extension: Exister ===

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := e.Get(ctx, key)
	return ok, err
}

// === Extension: Transactor ===

func (e *Engine) Begin(ctx context.Context) (agentdb.DriverTx, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, agentdb.ErrClosed
	}
	return &tx{engine: e, buf: txbuf.New(e)}, nil
}

// Len returns the number of stored keys.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.data = nil
	return nil
}

type tx struct {
	engine *Engine
	buf    *txbuf.Buffer
}

func (t *tx) Put(ctx context.Context, key string, value agentdb.Value) error {
	t.buf.Put(key, value)
	return nil
}

func (t *tx) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	return t.buf.Get(ctx, key)
}

func (t *tx) Delete(ctx context.Context, key string) error {
	t.buf.Delete(key)
	return nil
}

func (t *tx) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	return t.buf.Scan(ctx, prefix, opts)
}

func (t *tx) Commit(ctx context.Context) error {
	e := t.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return agentdb.ErrClosed
	}
	for _, op := range t.buf.Ops() {
		if op.Delete {
			delete(e.data, op.Key)
		} else {
			e.data[op.Key] = op.Value
		}
	}
	t.buf.Reset()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.buf.Reset()
	return nil
}

// Compile-time interface checks.
var (
	_ agentdb.Driver     = (*Engine)(nil)
	_ agentdb.Exister    = (*Engine)(nil)
	_ agentdb.Transactor = (*Engine)(nil)
	_ agentdb.DriverTx   = (*tx)(nil)
)
