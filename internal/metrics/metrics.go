// Package metrics exposes the daemon's Prometheus gauges, following a
// promauto-registered-gauge-plus-/metrics-handler pattern, generalized
// from one fixed camera to a set of printer workers whose count changes
// at runtime.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Start is the process start time, exposed so external dashboards can
	// derive uptime without relying on the IPC socket.
	Start = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camproxy_start_timestamp_seconds",
		Help: "Unix timestamp the daemon process started at.",
	})

	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camproxy_info",
			Help: "Daemon build/version info, 1 on the active label set.",
		},
		[]string{"version"},
	)

	PrinterCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camproxy_printer_count",
		Help: "Number of printers currently configured.",
	})

	ActiveStreamers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camproxy_active_streamers",
		Help: "Number of printer workers with a running camera stream.",
	})

	InactiveStreamers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camproxy_inactive_streamers",
		Help: "Number of configured printers without a running camera stream.",
	})

	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camproxy_worker_restarts_total",
			Help: "Count of PrinterWorker restart attempts, per printer.",
		},
		[]string{"printer"},
	)
)

func init() {
	Start.Set(float64(time.Now().Unix()))
}

// Handler returns the standard promhttp exposition handler, mounted by
// the daemon at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
