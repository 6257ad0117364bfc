package storage

import (
	"context"
	"time"

	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics on the
// write path of the ingestion loop
type StorageWithMetrics struct {
	Storage
	metrics *metrics.PrometheusMetrics
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, m *metrics.PrometheusMetrics) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage: storage,
		metrics: m,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	switch {
	case IsDuplicate(err):
		status = "duplicate"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// DepositExists checks the idempotency key and records metrics
func (s *StorageWithMetrics) DepositExists(ctx context.Context, txHash string, depositIndex uint64) (bool, error) {
	start := time.Now()
	exists, err := s.Storage.DepositExists(ctx, txHash, depositIndex)
	s.record("select", "deposit_history", start, err)
	return exists, err
}

// RecordDeposit records a deposit and records metrics
func (s *StorageWithMetrics) RecordDeposit(ctx context.Context, deposit *models.DepositRecord) error {
	start := time.Now()
	err := s.Storage.RecordDeposit(ctx, deposit)
	s.record("insert", "deposit_history", start, err)
	return err
}

// DeleteDepositsFrom deletes deposits and records metrics
func (s *StorageWithMetrics) DeleteDepositsFrom(ctx context.Context, blockNumber uint64) (int64, error) {
	start := time.Now()
	deleted, err := s.Storage.DeleteDepositsFrom(ctx, blockNumber)
	s.record("delete", "deposit_history", start, err)
	return deleted, err
}

// AdvanceMonitorState advances the watermark and records metrics
func (s *StorageWithMetrics) AdvanceMonitorState(ctx context.Context, contractAddress string, blockNumber uint64) error {
	start := time.Now()
	err := s.Storage.AdvanceMonitorState(ctx, contractAddress, blockNumber)
	s.record("update", "monitor_state", start, err)
	return err
}

// RewindMonitorState rewinds the watermark and records metrics
func (s *StorageWithMetrics) RewindMonitorState(ctx context.Context, contractAddress string, blockNumber uint64) error {
	start := time.Now()
	err := s.Storage.RewindMonitorState(ctx, contractAddress, blockNumber)
	s.record("rewind", "monitor_state", start, err)
	return err
}
