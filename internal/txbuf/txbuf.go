// Package txbuf implements the write-set overlay behind buffered
// transactions: writes are recorded in order and layered over the committed
// data for reads, then handed to the driver to apply atomically on commit.
package txbuf

import (
	"context"

	"github.com/nuln/agentdb"
)

// Base is the committed view a Buffer reads through to.
type Base interface {
	Get(ctx context.Context, key string) (agentdb.Value, bool, error)
	Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error)
}

// Op is one buffered write. Delete ops carry no value.
type Op struct {
	Key    string
	Value  agentdb.Value
	Delete bool
}

// Buffer is not safe for concurrent use; the contract serializes access to a
// transaction.
type Buffer struct {
	base   Base
	ops    []Op
	latest map[string]int
}

func New(base Base) *Buffer {
	return &Buffer{base: base, latest: make(map[string]int)}
}

func (b *Buffer) record(op Op) {
	b.ops = append(b.ops, op)
	b.latest[op.Key] = len(b.ops) - 1
}

func (b *Buffer) Put(key string, v agentdb.Value) {
	b.record(Op{Key: key, Value: v})
}

func (b *Buffer) Delete(key string) {
	b.record(Op{Key: key, Delete: true})
}

// Len returns the number of distinct keys written.
func (b *Buffer) Len() int { return len(b.latest) }

// Get returns the buffered state of key, falling back to the base.
func (b *Buffer) Get(ctx context.Context, key string) (agentdb.Value, bool, error) {
	if i, ok := b.latest[key]; ok {
		op := b.ops[i]
		if op.Delete {
			return agentdb.Value{}, false, nil
		}
		return op.Value, true, nil
	}
	return b.base.Get(ctx, key)
}

// Scan merges the base entries under prefix with the buffered writes.
func (b *Buffer) Scan(ctx context.Context, prefix string, opts agentdb.ScanOptions) (*agentdb.ScanResult, error) {
	if len(b.latest) == 0 {
		return b.base.Scan(ctx, prefix, opts)
	}
	base, err := b.base.Scan(ctx, prefix, agentdb.ScanOptions{After: opts.After})
	if err != nil {
		return nil, err
	}
	merged := make([]agentdb.Entry, 0, len(base.Entries)+len(b.latest))
	for _, e := range base.Entries {
		if _, shadowed := b.latest[e.Key]; !shadowed {
			merged = append(merged, e)
		}
	}
	for _, op := range b.Ops() {
		if !op.Delete {
			merged = append(merged, agentdb.Entry{Key: op.Key, Value: op.Value})
		}
	}
	return agentdb.PageEntries(merged, prefix, opts), nil
}

// Ops returns the final write for each key, ordered by when that write was
// issued.
func (b *Buffer) Ops() []Op {
	out := make([]Op, 0, len(b.latest))
	for i, op := range b.ops {
		if b.latest[op.Key] == i {
			out = append(out, op)
		}
	}
	return out
}

// Reset discards every buffered write.
func (b *Buffer) Reset() {
	b.ops = nil
	clear(b.latest)
}
