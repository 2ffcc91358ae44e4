package provision

import "github.com/prometheus/client_golang/prometheus"

var (
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisiond",
			Subsystem: "provision",
			Name:      "probes_total",
			Help:      "Dependency probes by resulting state",
		},
		[]string{"kind", "state"},
	)

	installsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisiond",
			Subsystem: "provision",
			Name:      "installs_total",
			Help:      "Finished install sessions by outcome and error class",
		},
		[]string{"kind", "outcome", "class"},
	)

	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "provisiond",
			Subsystem: "provision",
			Name:      "install_duration_seconds",
			Help:      "Duration of install sessions in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind", "outcome"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "provisiond",
			Subsystem: "provision",
			Name:      "active_sessions",
			Help:      "Install sessions currently running",
		},
		[]string{"kind"},
	)

	cleanupLeftBehind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisiond",
			Subsystem: "provision",
			Name:      "cleanup_left_behind_total",
			Help:      "Paths that stayed locked after cleanup retries",
		},
		[]string{"kind"},
	)

	downloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "provisiond",
			Subsystem: "provision",
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded by install sessions",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(probesTotal, installsTotal, installDuration, activeSessions, cleanupLeftBehind, downloadBytes)
}
