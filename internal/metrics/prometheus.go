package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deposit_monitor"

// PrometheusMetrics contains all Prometheus metrics for the deposit monitor
type PrometheusMetrics struct {
	// Tick metrics
	TicksTotal      *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	RetryAttempts   *prometheus.CounterVec
	BlocksScanned   prometheus.Counter
	ScanRangeBlocks prometheus.Histogram

	// Deposit metrics
	DepositsRecordedTotal  prometheus.Counter
	DepositsDuplicateTotal prometheus.Counter
	DepositsFailedTotal    prometheus.Counter
	DepositedAmountTotal   prometheus.Counter
	UnattributedDeposits   prometheus.Counter

	// Chain metrics
	LatestProcessedBlock prometheus.Gauge
	ChainHeight          prometheus.Gauge
	BlocksBehind         prometheus.Gauge
	RPCErrorsTotal       *prometheus.CounterVec
	RPCRequestDuration   *prometheus.HistogramVec

	// Reorg metrics
	ReorgsDetectedTotal  prometheus.Counter
	ReorgsHandledTotal   prometheus.Counter
	ReorgRewoundBlocks   prometheus.Histogram
	ReorgDepositsRemoved prometheus.Counter

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec
	DatabaseConnections       prometheus.Gauge

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		// Tick metrics
		TicksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of monitor ticks by outcome",
			},
			[]string{"outcome"},
		),

		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of a monitor tick including retries",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of tick retries by error class",
			},
			[]string{"class"},
		),

		BlocksScanned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocks_scanned_total",
				Help:      "Total number of blocks committed by the monitor",
			},
		),

		ScanRangeBlocks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_range_blocks",
				Help:      "Number of blocks covered by each committed scan",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		// Deposit metrics
		DepositsRecordedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_recorded_total",
				Help:      "Total number of deposits written to the ledger",
			},
		),

		DepositsDuplicateTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_duplicate_total",
				Help:      "Total number of deposit events skipped as already recorded",
			},
		),

		DepositsFailedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_failed_total",
				Help:      "Total number of deposit events that failed to record",
			},
		),

		DepositedAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposited_amount_total",
				Help:      "Sum of recorded deposit amounts in whole token units",
			},
		),

		UnattributedDeposits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_unattributed_total",
				Help:      "Total number of deposits recorded without a matching user",
			},
		),

		// Chain metrics
		LatestProcessedBlock: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "latest_processed_block",
				Help:      "Last block committed by the monitor",
			},
		),

		ChainHeight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_height",
				Help:      "Latest block height reported by the RPC endpoint",
			},
		),

		BlocksBehind: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocks_behind",
				Help:      "Number of blocks between the chain head and the watermark",
			},
		),

		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_errors_total",
				Help:      "Total number of RPC errors by method and class",
			},
			[]string{"method", "class"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_request_duration_seconds",
				Help:      "Duration of RPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		// Reorg metrics
		ReorgsDetectedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reorgs_detected_total",
				Help:      "Total number of chain reorganizations detected",
			},
		),

		ReorgsHandledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reorgs_handled_total",
				Help:      "Total number of reorganizations rolled back successfully",
			},
		),

		ReorgRewoundBlocks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reorg_rewound_blocks",
				Help:      "Number of blocks the watermark moved back per reorg",
				Buckets:   []float64{1, 6, 12, 24, 48, 96},
			},
		),

		ReorgDepositsRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reorg_deposits_removed_total",
				Help:      "Total number of ledger rows deleted by reorg rollbacks",
			},
		),

		// Storage metrics
		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "database_operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "database_operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		DatabaseConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "database_connections",
				Help:      "Number of open database connections",
			},
		),

		// API metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Application health metrics
		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "application_uptime_seconds",
				Help:      "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "component_health",
				Help:      "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines",
				Help:      "Number of running goroutines",
			},
		),
	}
}

// RecordTick records a finished tick
func (m *PrometheusMetrics) RecordTick(outcome string, duration time.Duration) {
	m.TicksTotal.WithLabelValues(outcome).Inc()
	m.TickDuration.Observe(duration.Seconds())
}

// RecordRetry records a retry scheduled after an error of the given class
func (m *PrometheusMetrics) RecordRetry(class string) {
	m.RetryAttempts.WithLabelValues(class).Inc()
}

// RecordScanCommitted records a committed block range
func (m *PrometheusMetrics) RecordScanCommitted(fromBlock, toBlock uint64) {
	if toBlock < fromBlock {
		return
	}
	blocks := float64(toBlock - fromBlock + 1)
	m.BlocksScanned.Add(blocks)
	m.ScanRangeBlocks.Observe(blocks)
	m.LatestProcessedBlock.Set(float64(toBlock))
}

// RecordDepositRecorded records a new ledger row
func (m *PrometheusMetrics) RecordDepositRecorded(amount float64, attributed bool) {
	m.DepositsRecordedTotal.Inc()
	if amount > 0 {
		m.DepositedAmountTotal.Add(amount)
	}
	if !attributed {
		m.UnattributedDeposits.Inc()
	}
}

// RecordDepositDuplicate records a deposit event that was already in the ledger
func (m *PrometheusMetrics) RecordDepositDuplicate() {
	m.DepositsDuplicateTotal.Inc()
}

// RecordDepositFailed records a deposit event that could not be recorded
func (m *PrometheusMetrics) RecordDepositFailed() {
	m.DepositsFailedTotal.Inc()
}

// UpdateChainPosition updates the head, watermark and lag gauges
func (m *PrometheusMetrics) UpdateChainPosition(height, lastProcessed uint64) {
	m.ChainHeight.Set(float64(height))
	m.LatestProcessedBlock.Set(float64(lastProcessed))
	var behind uint64
	if height > lastProcessed {
		behind = height - lastProcessed
	}
	m.BlocksBehind.Set(float64(behind))
}

// RecordRPCRequest records an RPC request and, on failure, its error class
func (m *PrometheusMetrics) RecordRPCRequest(method, errorClass string, duration time.Duration) {
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
	if errorClass != "" {
		m.RPCErrorsTotal.WithLabelValues(method, errorClass).Inc()
	}
}

// RecordReorgDetected records a detected reorganization
func (m *PrometheusMetrics) RecordReorgDetected() {
	m.ReorgsDetectedTotal.Inc()
}

// RecordReorgHandled records a completed rollback
func (m *PrometheusMetrics) RecordReorgHandled(rewoundBlocks uint64, depositsRemoved int64) {
	m.ReorgsHandledTotal.Inc()
	m.ReorgRewoundBlocks.Observe(float64(rewoundBlocks))
	if depositsRemoved > 0 {
		m.ReorgDepositsRemoved.Add(float64(depositsRemoved))
	}
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// UpdateDatabaseConnections updates the database connections metric
func (m *PrometheusMetrics) UpdateDatabaseConnections(count int) {
	m.DatabaseConnections.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime metric
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates the memory usage metric
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count metric
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}
