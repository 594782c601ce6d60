package agentdb

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nuln/agentdb"

// Span attribute keys.
var (
	attrDriver    = attribute.Key("agentdb.driver")
	attrKeyPrefix = attribute.Key("agentdb.key_prefix")
	attrKeyLen    = attribute.Key("agentdb.key_length")
	attrTxID      = attribute.Key("agentdb.tx_id")
)

// keyPrefixLen bounds how much of a key is recorded on spans.
const keyPrefixLen = 16

func keyAttrs(key string) []attribute.KeyValue {
	short := key
	if len(short) > keyPrefixLen {
		n := keyPrefixLen
		for n > 0 && !utf8.RuneStart(key[n]) {
			n--
		}
		short = short[:n]
	}
	return []attribute.KeyValue{attrKeyPrefix.String(short), attrKeyLen.Int(len(key))}
}

func prefixAttrs(prefix string) []attribute.KeyValue {
	return []attribute.KeyValue{attrKeyPrefix.String(prefix)}
}

type instrumentation struct {
	driver   string
	tracer   trace.Tracer
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newInstrumentation(driver string, reg prometheus.Registerer, tp trace.TracerProvider) (*instrumentation, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	in := &instrumentation{
		driver: driver,
		tracer: tp.Tracer(instrumentationName),
	}
	if reg == nil {
		return in, nil
	}

	ops := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentdb",
			Name:      "operations_total",
			Help:      "Storage operations by driver, operation and result",
		},
		[]string{"driver", "op", "result"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentdb",
			Name:      "operation_duration_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
		[]string{"driver", "op"},
	)

	var err error
	if in.ops, err = registerOrReuse(reg, ops); err != nil {
		return nil, err
	}
	if in.duration, err = registerOrReuse(reg, duration); err != nil {
		return nil, err
	}
	return in, nil
}

// registerOrReuse lets several DBs share one registry.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// resultLabel is "ok" or the snake-cased error kind.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ReplaceAll(KindOf(err).String(), " ", "_")
}

func (in *instrumentation) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	begin := time.Now()
	attrs = append(attrs, attrDriver.String(in.driver))
	ctx, span := in.tracer.Start(ctx, "agentdb."+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		if in.ops != nil {
			in.ops.WithLabelValues(in.driver, op, resultLabel(err)).Inc()
			in.duration.WithLabelValues(in.driver, op).Observe(time.Since(begin).Seconds())
		}
	}
}
