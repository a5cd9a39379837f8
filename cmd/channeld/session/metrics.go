package session

import "github.com/textileio/auction-channel/cmd/channeld/metrics"

func (s *Session) initMetrics() {
	s.metricProposals = metrics.Meter.NewInt64Counter(metrics.Prefix + ".bid_proposals_total")
	s.metricAccepts = metrics.Meter.NewInt64Counter(metrics.Prefix + ".bid_acceptances_total")
	s.metricOpenings = metrics.Meter.NewInt64Counter(metrics.Prefix + ".openings_total")
}
