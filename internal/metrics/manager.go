package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// Manager handles all application metrics
type Manager struct {
	prometheus *PrometheusMetrics
	registry   *prometheus.Registry
	logger     *logrus.Entry
	startTime  time.Time
}

// NewManager creates a metrics manager backed by its own registry, with the
// Go and process collectors installed.
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Manager{
		prometheus: NewPrometheusMetrics(registry),
		registry:   registry,
		logger:     utils.ComponentLogger("metrics"),
		startTime:  time.Now(),
	}
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// Gatherer exposes the registry for the /metrics handler
func (m *Manager) Gatherer() prometheus.Gatherer {
	return m.registry
}

// UpdateSystemMetrics updates system-level metrics like memory and goroutines
func (m *Manager) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.prometheus.UpdateMemoryUsage(memStats.Alloc)
	m.prometheus.UpdateGoroutineCount(runtime.NumGoroutine())
	m.prometheus.UpdateApplicationUptime(m.startTime)
}
