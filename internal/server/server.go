// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/internal/monitor"
	"github.com/yieldvault/deposit-monitor/internal/storage"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// LedgerReader is the read side of storage served over HTTP
type LedgerReader interface {
	ListDeposits(ctx context.Context, filter models.DepositFilter) ([]*models.DepositRecord, error)
	GetDepositStats(ctx context.Context, wallet string) (*models.DepositStats, error)
	GetReorgHistory(ctx context.Context, contractAddress string, limit int) ([]*models.ReorgEvent, error)
	GetStorageStats(ctx context.Context) (*storage.StorageStats, error)
	Ping(ctx context.Context) error
}

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	storage        LedgerReader
	monitor        monitor.Monitor
	contract       chain.ContractReader
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	// monitors started over HTTP outlive the request
	baseCtx context.Context
	stopCh  chan struct{}
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(
	cfg *config.ServerConfig,
	storage LedgerReader,
	mon monitor.Monitor,
	contract chain.ContractReader,
	metricsManager *metrics.Manager,
) *HTTPServer {
	server := &HTTPServer{
		config:         cfg,
		storage:        storage,
		monitor:        mon,
		contract:       contract,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http"),
		baseCtx:        context.Background(),
		stopCh:         make(chan struct{}),
	}

	server.setupRouter()

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// SetBaseContext sets the context monitors started over HTTP run under
func (s *HTTPServer) SetBaseContext(ctx context.Context) {
	s.baseCtx = ctx
}

// Handler returns the router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	// Middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
		api.HandleFunc("/health/detailed", s.detailedHealthHandler).Methods("GET")
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metricsManager.Gatherer(), promhttp.HandlerOpts{}))
	}
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	// Ledger endpoints
	api.HandleFunc("/deposits", s.listDepositsHandler).Methods("GET")
	api.HandleFunc("/deposits/stats", s.depositStatsHandler).Methods("GET")
	api.HandleFunc("/deposits/verify/{tx}", s.verifyDepositHandler).Methods("GET")
	api.HandleFunc("/reorgs", s.reorgHistoryHandler).Methods("GET")

	// Contract endpoints
	api.HandleFunc("/contract", s.contractHandler).Methods("GET")

	// Monitor endpoints
	api.HandleFunc("/monitor/status", s.monitorStatusHandler).Methods("GET")
	api.HandleFunc("/monitor/start", s.startMonitorHandler).Methods("POST")
	api.HandleFunc("/monitor/stop", s.stopMonitorHandler).Methods("POST")
	api.HandleFunc("/monitor/tick", s.runTickHandler).Methods("POST")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.refreshSystemMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// surface immediate bind errors
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater updates system metrics periodically
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshSystemMetrics()
		}
	}
}

func (s *HTTPServer) refreshSystemMetrics() {
	s.metricsManager.UpdateSystemMetrics()

	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()

	pm := s.metricsManager.GetPrometheusMetrics()
	if s.storage != nil {
		pm.UpdateComponentHealth("storage", s.storage.Ping(ctx) == nil)
		if stats, err := s.storage.GetStorageStats(ctx); err == nil {
			pm.UpdateDatabaseConnections(stats.OpenConnections)
		}
	}
	if s.monitor != nil {
		// also refreshes the chain and monitor health gauges
		s.monitor.GetHealth(ctx)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	close(s.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Health Handlers

// healthHandler returns basic liveness
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"metrics_enabled": s.config.EnableMetrics,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// detailedHealthHandler probes the node, the database and the ingestion lag
func (s *HTTPServer) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.monitor.GetHealth(r.Context())

	status := "healthy"
	code := http.StatusOK
	if !health.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"monitor":   health,
	})
}

// statsHandler returns storage and monitor statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"storage":   storageStats,
		"monitor":   s.monitor.GetStats(),
	})
}

// Monitor Handlers

// monitorStatusHandler gets monitor status
func (s *HTTPServer) monitorStatusHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.monitor.GetStats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":   stats.IsRunning,
		"phase":     stats.Phase,
		"stats":     stats,
		"timestamp": time.Now().UTC(),
	})
}

// startMonitorHandler starts the monitor
func (s *HTTPServer) startMonitorHandler(w http.ResponseWriter, r *http.Request) {
	if s.monitor.IsRunning() {
		s.writeError(w, http.StatusConflict, "Monitor is already running", nil)
		return
	}

	if err := s.monitor.Start(s.baseCtx); err != nil {
		s.writeError(w, statusFor(err), "Failed to start monitor", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Monitor started successfully",
	})
}

// stopMonitorHandler stops the monitor
func (s *HTTPServer) stopMonitorHandler(w http.ResponseWriter, r *http.Request) {
	if !s.monitor.IsRunning() {
		s.writeError(w, http.StatusConflict, "Monitor is not running", nil)
		return
	}

	if err := s.monitor.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to stop monitor", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Monitor stopped successfully",
	})
}

// runTickHandler runs one tick on demand under the base context, not the
// request's: a client disconnect must not cancel a tick mid-commit.
func (s *HTTPServer) runTickHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.monitor.RunTick(s.baseCtx)
	if errors.Is(err, monitor.ErrTickInProgress) {
		s.writeError(w, http.StatusConflict, "A tick is already in progress", nil)
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":  "Tick failed",
			"detail": err.Error(),
			"result": result,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// Utility Methods

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		entry := s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP client error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}

// statusFor maps an application error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case chain.IsRateLimited(err):
		return http.StatusTooManyRequests
	case chain.IsConnectivity(err):
		return http.StatusBadGateway
	}
	switch utils.ErrorCode(err) {
	case utils.ErrCodeValidation:
		return http.StatusBadRequest
	case utils.ErrCodeNotFound:
		return http.StatusNotFound
	case utils.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
