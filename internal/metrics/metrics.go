package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_sessions",
		Help:      "Number of currently active torrent sessions.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all sessions.",
	})

	HLSActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "hls_active_jobs",
		Help:      "Number of currently running transmux processes.",
	})

	HLSJobStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "hls_job_starts_total",
		Help:      "Total number of transmux processes started.",
	})

	HLSJobFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "hls_job_failures_total",
		Help:      "Total number of transmux start failures.",
	})

	ReaperEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "reaper_evictions_total",
		Help:      "Total number of idle streams reclaimed by the reaper.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		HLSActiveJobs,
		HLSJobStartsTotal,
		HLSJobFailuresTotal,
		ReaperEvictionsTotal,
	)
}
