package agentdb_test

import (
	"context"
	"sync"

	"github.com/nuln/agentdb"
	"github.com/nuln/agentdb/driver/memory"
)

// fakeDriver wraps the memory engine and lets tests inject failures and
// toggle capabilities.
type fakeDriver struct {
	*memory.Engine
	caps agentdb.Capabilities

	mu        sync.Mutex
	putErr    error
	commitErr error
	beginErr  error
	queries   []string
	rollbacks int
	commits   int
}

func newFake(opts ...agentdb.CapabilityOption) *fakeDriver {
	return &fakeDriver{
		Engine: memory.New(),
		caps:   agentdb.NewCapabilities(agentdb.FamilyKeyValue, opts...),
	}
}

func (f *fakeDriver) Capabilities() agentdb.Capabilities { return f.caps }

func (f *fakeDriver) failPuts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putErr = err
}

func (f *fakeDriver) Put(ctx context.Context, key string, v agentdb.Value) error {
	f.mu.Lock()
	err := f.putErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Engine.Put(ctx, key, v)
}

func (f *fakeDriver) Query(ctx context.Context, sql string, params []agentdb.Value) (*agentdb.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	return &agentdb.QueryResult{
		Columns: []string{"n"},
		Rows:    []agentdb.Row{agentdb.NewRow(agentdb.Column{Name: "n", Value: agentdb.Int(int64(len(params)))})},
		Total:   agentdb.UnknownTotal,
	}, nil
}

func (f *fakeDriver) Begin(ctx context.Context) (agentdb.DriverTx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	inner, err := f.Engine.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &fakeTx{DriverTx: inner, drv: f}, nil
}

type fakeTx struct {
	agentdb.DriverTx
	drv *fakeDriver
}

func (t *fakeTx) Put(ctx context.Context, key string, v agentdb.Value) error {
	t.drv.mu.Lock()
	err := t.drv.putErr
	t.drv.mu.Unlock()
	if err != nil {
		return err
	}
	return t.DriverTx.Put(ctx, key, v)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.drv.mu.Lock()
	t.drv.commits++
	err := t.drv.commitErr
	t.drv.mu.Unlock()
	if err != nil {
		return err
	}
	return t.DriverTx.Commit(ctx)
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.drv.mu.Lock()
	t.drv.rollbacks++
	t.drv.mu.Unlock()
	return t.DriverTx.Rollback(ctx)
}
