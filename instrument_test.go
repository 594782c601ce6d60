package agentdb_test

import (
	"context"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nuln/agentdb"
)

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	db := newDB(t, newFake(), agentdb.WithName("fake"), agentdb.WithMetrics(reg))

	require.NoError(t, db.Put(ctx, "k", agentdb.Int(1)))
	_, _, err := db.Get(ctx, "k")
	require.NoError(t, err)
	_, err = db.Query(ctx, "SELECT 1")
	require.ErrorIs(t, err, agentdb.ErrUnsupported)

	// Gated calls never reach the backend and are not counted.
	const metric = "agentdb_operations_total"
	assert.Equal(t, 2, testutil.CollectAndCount(reg, metric))

	ops, err := reg.Gather()
	require.NoError(t, err)
	var puts float64
	for _, mf := range ops {
		if mf.GetName() != metric {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["op"] == "put" && labels["driver"] == "fake" && labels["result"] == "ok" {
				puts = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), puts)

	// A second DB on the same registry shares the collectors.
	other := newDB(t, newFake(), agentdb.WithName("other"), agentdb.WithMetrics(reg))
	require.NoError(t, other.Delete(ctx, "k"))
	assert.Equal(t, 3, testutil.CollectAndCount(reg, metric))
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	db := newDB(t, newFake(), agentdb.WithName("fake"), agentdb.WithTracerProvider(tp))

	require.NoError(t, db.Put(ctx, "user:0123456789abcdef-long", agentdb.Int(1)))
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, db.Delete(cctx, "user:1"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	put := spans[0]
	assert.Equal(t, "agentdb.put", put.Name())
	assert.Equal(t, codes.Ok, put.Status().Code)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range put.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "fake", attrs["agentdb.driver"].AsString())
	assert.Equal(t, "user:0123456789a", attrs["agentdb.key_prefix"].AsString(), "keys are truncated on spans")
	assert.Equal(t, int64(26), attrs["agentdb.key_length"].AsInt64())

	del := spans[1]
	assert.Equal(t, "agentdb.delete", del.Name())
	assert.Equal(t, codes.Error, del.Status().Code)
}

func TestTracing_MultibyteKeyPrefix(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	db := newDB(t, newFake(), agentdb.WithTracerProvider(tp))

	key := "ключ:данные"
	require.NoError(t, db.Put(context.Background(), key, agentdb.Int(1)))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	prefix := attrs["agentdb.key_prefix"].AsString()
	assert.True(t, utf8.ValidString(prefix), "prefix %q is not valid UTF-8", prefix)
	assert.Equal(t, "ключ:дан", prefix, "truncation stops at a rune boundary")
	assert.Equal(t, int64(len(key)), attrs["agentdb.key_length"].AsInt64())
}
