package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// AttrOK is a metric tag to indicate a successful operation.
	AttrOK = attribute.Key("status").String("ok")
	// AttrError is a metric tag to indicate a failed operation.
	AttrError = attribute.Key("status").String("error")
)

// AttrOp tags a metric with a ledger or protocol operation name.
func AttrOp(op string) attribute.KeyValue {
	return attribute.Key("op").String(op)
}

// MetricIncrCounter increments the specified Int64Counter by 1. Depending if err
// is nil or not, it will use AttrOK or AttrError respectively. This method is a helper
// for deferring in methods.
func MetricIncrCounter(ctx context.Context, err error, m metric.Int64Counter, labels ...attribute.KeyValue) {
	m.Add(ctx, 1, append(labels, statusAttr(err))...)
}

// MetricRecordDuration records the milliseconds elapsed since start, tagged with
// the status derived from err.
func MetricRecordDuration(
	ctx context.Context,
	err error,
	start time.Time,
	m metric.Int64Histogram,
	labels ...attribute.KeyValue) {
	m.Record(ctx, time.Since(start).Milliseconds(), append(labels, statusAttr(err))...)
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return AttrError
	}
	return AttrOK
}
