package gpubsub

import (
	"context"
	"time"

	"github.com/textileio/auction-channel/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsCollector interface {
	onPublish(context.Context, string, error)
	onHandle(context.Context, string, time.Duration, error)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) onPublish(context.Context, string, error)                {}
func (noopMetricsCollector) onHandle(context.Context, string, time.Duration, error) {}

type otelMetricsCollector struct {
	metricPublishedMessages           metric.Int64Counter
	metricHandledMessages             metric.Int64Counter
	metricHandleMessageDurationMillis metric.Int64Histogram
}

func (c *otelMetricsCollector) onPublish(ctx context.Context, topicName string, err error) {
	metrics.MetricIncrCounter(ctx, err, c.metricPublishedMessages, attribute.String("topic", topicName))
}

func (c *otelMetricsCollector) onHandle(ctx context.Context, topicName string, timeTaken time.Duration, err error) {
	label := attribute.String("topic", topicName)
	metrics.MetricIncrCounter(ctx, err, c.metricHandledMessages, label)
	c.metricHandleMessageDurationMillis.Record(ctx, timeTaken.Milliseconds(), label)
}

func (p *PubsubMsgBroker) initMetrics(meter metric.MeterMust) {
	p.metrics = &otelMetricsCollector{
		metricPublishedMessages:           meter.NewInt64Counter("gpubsub_published_messages_total"),
		metricHandledMessages:             meter.NewInt64Counter("gpubsub_handled_messages_total"),
		metricHandleMessageDurationMillis: meter.NewInt64Histogram("gpubsub_handle_message_duration_millis"),
	}
}
