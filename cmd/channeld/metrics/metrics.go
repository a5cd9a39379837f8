package metrics

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

// Prefix is the metric name prefix of channeld.
const Prefix = "channeld"

// Meter is the channeld meter.
var Meter = metric.Must(global.Meter(Prefix))
