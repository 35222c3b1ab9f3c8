package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toregeschliman/puma/pkg/logger"
)

var (
	// WorkersBooted tracks how many workers have reported BOOT and are live.
	WorkersBooted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puma_workers_booted",
		Help: "Number of booted live workers",
	})
	// Phase exports the current restart generation.
	Phase = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "puma_phase",
		Help: "Current phased-restart generation",
	})
	// RestartsTotal counts restart events, partitioned by reason.
	RestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "puma_restarts_total",
		Help: "Total number of restart events",
	}, []string{"reason"})
	// BootDuration tracks spawn-to-BOOT latency in seconds.
	BootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "puma_worker_boot_duration_seconds",
		Help: "Time from spawn to the worker's BOOT message",
	})
)

// InitMetrics registers the cluster metrics and starts an HTTP server
// exposing them. An empty addr disables the endpoint.
func InitMetrics(addr string) {
	prometheus.MustRegister(WorkersBooted)
	prometheus.MustRegister(Phase)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(BootDuration)

	if addr == "" {
		return
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}
