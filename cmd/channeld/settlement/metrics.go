package settlement

import "github.com/textileio/auction-channel/cmd/channeld/metrics"

func (c *Coordinator) initMetrics() {
	c.metricLedgerCalls = metrics.Meter.NewInt64Counter(metrics.Prefix + ".ledger_calls_total")
	c.metricLedgerCallDuration = metrics.Meter.NewInt64Histogram(metrics.Prefix + ".ledger_call_duration_millis")
	c.metricTransitions = metrics.Meter.NewInt64Counter(metrics.Prefix + ".phase_transitions_total")
}
