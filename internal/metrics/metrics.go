// Package metrics defines the Prometheus instruments for the backend.
// Everything registers against an explicit registry passed in by the
// caller; nothing touches the default global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters the service and sweeper update.
type Metrics struct {
	uploadsTotal   prometheus.Counter
	uploadBytes    prometheus.Counter
	downloadsTotal prometheus.Counter
	downloadBytes  prometheus.Counter
	redeemFailures *prometheus.CounterVec

	sweepRuns      prometheus.Counter
	sweepExpired   prometheus.Counter
	sweepReclaimed prometheus.Counter
	sweepOrphans   prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers all instruments against reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_uploads_total",
			Help: "Total file uploads accepted.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_upload_bytes_total",
			Help: "Total plaintext bytes uploaded.",
		}),
		downloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_downloads_total",
			Help: "Total successful one-time redemptions.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_download_bytes_total",
			Help: "Total plaintext bytes delivered.",
		}),
		redeemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securebox_redeem_failures_total",
			Help: "Failed redemption attempts by reason.",
		}, []string{"reason"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_sweep_runs_total",
			Help: "Expiry sweeper passes completed.",
		}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_sweep_expired_total",
			Help: "Records transitioned to expired by the sweeper.",
		}),
		sweepReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_sweep_reclaimed_total",
			Help: "Blobs reclaimed from terminal records.",
		}),
		sweepOrphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securebox_sweep_orphans_total",
			Help: "Orphan blobs deleted during reconciliation.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securebox_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "securebox_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.uploadsTotal, m.uploadBytes,
		m.downloadsTotal, m.downloadBytes,
		m.redeemFailures,
		m.sweepRuns, m.sweepExpired, m.sweepReclaimed, m.sweepOrphans,
		m.requestsTotal, m.requestDuration,
	)
	return m
}

func (m *Metrics) RecordUpload(bytes int64) {
	m.uploadsTotal.Inc()
	m.uploadBytes.Add(float64(bytes))
}

func (m *Metrics) RecordDownload(bytes int64) {
	m.downloadsTotal.Inc()
	m.downloadBytes.Add(float64(bytes))
}

func (m *Metrics) RecordRedeemFailure(reason string) {
	m.redeemFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSweep(expired, reclaimed, orphans int) {
	m.sweepRuns.Inc()
	m.sweepExpired.Add(float64(expired))
	m.sweepReclaimed.Add(float64(reclaimed))
	m.sweepOrphans.Add(float64(orphans))
}

func (m *Metrics) RecordRequest(route, status string, seconds float64) {
	m.requestsTotal.WithLabelValues(route, status).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}
