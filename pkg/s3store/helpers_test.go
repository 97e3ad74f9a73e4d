package s3store

import "github.com/prometheus/client_golang/prometheus"

// noopSummary returns a fresh, unregistered Summary for use as a metrics
// sink in tests that exercise code paths taking a *prometheus.Summary but
// don't assert on its contents.
func noopSummary() prometheus.Summary {
	return prometheus.NewSummary(prometheus.SummaryOpts{Name: "test_summary"})
}
