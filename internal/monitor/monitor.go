// File: internal/monitor/monitor.go
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/internal/storage"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// ErrTickInProgress is returned by RunTick while another tick is running.
var ErrTickInProgress = errors.New("tick already in progress")

// Monitor defines the deposit monitor interface
type Monitor interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool

	// Ingestion
	RunTick(ctx context.Context) (*TickResult, error)
	Phase() Phase

	// Statistics and monitoring
	GetStats() *MonitorStats
	GetHealth(ctx context.Context) *HealthStatus
}

var _ Monitor = (*DepositMonitor)(nil)

// Store is the persistence the ingestion loop writes to.
type Store interface {
	storage.StateStore
	storage.Ledger
	storage.ReorgLog
	Ping(ctx context.Context) error
}

// Phase is the tick state machine position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseCommitting
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseCommitting:
		return "committing"
	default:
		return "idle"
	}
}

// Tick outcomes, used as metric labels
const (
	OutcomeIdle      = "idle"
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// TickResult contains the result of one ingestion tick
type TickResult struct {
	TickID        string        `json:"tick_id"`
	Outcome       string        `json:"outcome"`
	Attempts      int           `json:"attempts"`
	Duration      time.Duration `json:"duration"`
	Height        uint64        `json:"height"`
	SafeHeight    uint64        `json:"safe_height"`
	LastProcessed uint64        `json:"last_processed"`
	Range         *ScanRange    `json:"range,omitempty"`
	EventsFound   int           `json:"events_found"`
	Recorded      int           `json:"recorded"`
	Duplicates    int           `json:"duplicates"`
	Unattributed  int           `json:"unattributed"`
	Reorg         *ReorgResult  `json:"reorg,omitempty"`
}

// MonitorStats provides monitoring statistics
type MonitorStats struct {
	StartTime             time.Time     `json:"start_time"`
	Uptime                time.Duration `json:"uptime"`
	IsRunning             bool          `json:"is_running"`
	Phase                 string        `json:"phase"`
	ContractAddress       string        `json:"contract_address"`
	LatestProcessedBlock  uint64        `json:"latest_processed_block"`
	ChainHeight           uint64        `json:"chain_height"`
	BlocksBehind          uint64        `json:"blocks_behind"`
	TotalTicks            uint64        `json:"total_ticks"`
	SkippedTicks          uint64        `json:"skipped_ticks"`
	FailedTicks           uint64        `json:"failed_ticks"`
	TotalBlocksScanned    uint64        `json:"total_blocks_scanned"`
	TotalDepositsFound    uint64        `json:"total_deposits_found"`
	TotalDepositsRecorded uint64        `json:"total_deposits_recorded"`
	TotalDuplicates       uint64        `json:"total_duplicates"`
	TotalUnattributed     uint64        `json:"total_unattributed"`
	ReorgsHandled         uint64        `json:"reorgs_handled"`
	LastTickAt            *time.Time    `json:"last_tick_at,omitempty"`
	LastSuccessAt         *time.Time    `json:"last_success_at,omitempty"`
	LastTickDuration      time.Duration `json:"last_tick_duration"`
	ErrorCount            uint64        `json:"error_count"`
	LastError             *string       `json:"last_error,omitempty"`
	LastErrorTime         *time.Time    `json:"last_error_time,omitempty"`
	Poller                PollerStats   `json:"poller"`
}

// HealthStatus provides health information
type HealthStatus struct {
	Healthy           bool       `json:"healthy"`
	Running           bool       `json:"running"`
	ConnectionHealthy bool       `json:"connection_healthy"`
	StorageHealthy    bool       `json:"storage_healthy"`
	BlocksBehind      uint64     `json:"blocks_behind"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	Issues            []string   `json:"issues,omitempty"`
}

// DepositMonitor owns the watermark of one deposit contract and runs the
// ingestion ticks that move it forward.
type DepositMonitor struct {
	// Dependencies
	reader chain.Reader
	store  Store
	logger *logrus.Entry

	// Configuration
	contract     string
	config       *config.MonitorConfig
	pollInterval time.Duration

	// Lifecycle
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}

	// Tick guard
	ticking atomic.Bool
	phase   atomic.Int32

	// Components
	poller    *BlockPoller
	converter *DepositConverter
	guard     *ReorgGuard
	retrier   *Retrier

	// Statistics
	statsMu sync.RWMutex
	stats   MonitorStats
	metrics *metrics.PrometheusMetrics
}

// NewDepositMonitor creates a new deposit monitor
func NewDepositMonitor(reader chain.Reader, store Store, chainCfg *config.ChainConfig, cfg *config.MonitorConfig) *DepositMonitor {
	contract := utils.NormalizeAddress(chainCfg.ContractAddress)

	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	logger := utils.ComponentLogger("monitor").WithField("contract", contract)

	return &DepositMonitor{
		reader:       reader,
		store:        store,
		logger:       logger,
		contract:     contract,
		config:       cfg,
		pollInterval: pollInterval,
		poller:       NewBlockPoller(reader, cfg.ConfirmationBlocks, batchSize),
		converter:    NewDepositConverter(store, chainCfg.TokenDecimals),
		guard:        NewReorgGuard(reader, store, cfg.ConfirmationBlocks),
		retrier:      NewRetrier(RetryConfigFrom(cfg), logger),
		stats: MonitorStats{
			StartTime:       time.Now(),
			ContractAddress: contract,
		},
	}
}

// SetMetrics attaches Prometheus metrics to the monitor and its components
func (dm *DepositMonitor) SetMetrics(m *metrics.PrometheusMetrics) {
	dm.metrics = m
	dm.guard.metrics = m
	dm.retrier.metrics = m
}

// SetNotifier sends an alert for every reorg rollback
func (dm *DepositMonitor) SetNotifier(n ReorgNotifier) {
	dm.guard.notifier = n
}

// SetSleep replaces the retry sleep, for tests
func (dm *DepositMonitor) SetSleep(sleep SleepFunc) {
	dm.retrier.sleep = sleep
}

// ContractAddress returns the watched contract, lowercased
func (dm *DepositMonitor) ContractAddress() string {
	return dm.contract
}

// Start seeds the watermark if needed, runs one tick and then keeps ticking
// every poll interval until Stop is called or ctx is done.
func (dm *DepositMonitor) Start(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.running {
		return utils.NewAppError(utils.ErrCodeInternal, "Monitor already running")
	}
	if !utils.IsValidAddress(dm.contract) {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid deposit contract address", dm.contract)
	}

	dm.logger.Info("Starting deposit monitor")

	if _, err := dm.monitorState(ctx); err != nil {
		return utils.WrapAppError(utils.ErrCodeProcessing, "Failed to initialize monitor state", err)
	}

	dm.running = true
	dm.stopChan = make(chan struct{})

	dm.statsMu.Lock()
	dm.stats.StartTime = time.Now()
	dm.stats.IsRunning = true
	dm.statsMu.Unlock()

	dm.done = make(chan struct{})
	go dm.monitoringLoop(ctx, dm.stopChan, dm.done)

	dm.logger.WithFields(logrus.Fields{
		"poll_interval": dm.pollInterval,
		"confirmations": dm.config.ConfirmationBlocks,
		"batch_size":    dm.poller.batchSize,
	}).Info("Deposit monitor started")

	return nil
}

// Stop signals the loop and waits for it. A tick in flight runs to completion.
func (dm *DepositMonitor) Stop() error {
	dm.mu.Lock()
	if !dm.running {
		dm.mu.Unlock()
		return nil
	}

	dm.logger.Info("Stopping deposit monitor")

	dm.markStopped()
	close(dm.stopChan)
	done := dm.done
	dm.mu.Unlock()

	<-done

	dm.logger.Info("Deposit monitor stopped")
	return nil
}

// markStopped clears the running state. Callers hold dm.mu.
func (dm *DepositMonitor) markStopped() {
	dm.running = false

	dm.statsMu.Lock()
	dm.stats.IsRunning = false
	dm.statsMu.Unlock()
}

// IsRunning returns whether the monitor loop is running
func (dm *DepositMonitor) IsRunning() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.running
}

// Phase returns the current tick phase
func (dm *DepositMonitor) Phase() Phase {
	return Phase(dm.phase.Load())
}

func (dm *DepositMonitor) setPhase(p Phase) {
	dm.phase.Store(int32(p))
}

// monitoringLoop is the main monitoring loop
func (dm *DepositMonitor) monitoringLoop(ctx context.Context, stop chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(dm.pollInterval)
	defer ticker.Stop()

	dm.runScheduledTick(ctx)

	for {
		select {
		case <-ctx.Done():
			dm.mu.Lock()
			// a Stop/Start pair may already own a newer loop
			if dm.running && dm.stopChan == stop {
				dm.markStopped()
			}
			dm.mu.Unlock()
			dm.logger.Info("Monitoring loop stopped by context")
			return
		case <-stop:
			dm.logger.Info("Monitoring loop stopped by stop signal")
			return
		case <-ticker.C:
			dm.runScheduledTick(ctx)
		}
	}
}

func (dm *DepositMonitor) runScheduledTick(ctx context.Context) {
	if _, err := dm.RunTick(ctx); err != nil {
		if errors.Is(err, ErrTickInProgress) {
			dm.logger.Debug("Previous tick still running, skipping")
			return
		}
		dm.logger.WithError(err).Error("Tick abandoned, will retry on next interval")
	}
}

// RunTick runs one ingestion tick with retries. A call made while another
// tick is running returns ErrTickInProgress without waiting.
func (dm *DepositMonitor) RunTick(ctx context.Context) (*TickResult, error) {
	if !dm.ticking.CompareAndSwap(false, true) {
		dm.statsMu.Lock()
		dm.stats.SkippedTicks++
		dm.statsMu.Unlock()
		if dm.metrics != nil {
			dm.metrics.RecordTick(OutcomeSkipped, 0)
		}
		return nil, ErrTickInProgress
	}
	defer dm.ticking.Store(false)
	defer dm.setPhase(PhaseIdle)

	start := time.Now()
	tickID := uuid.NewString()
	logger := dm.logger.WithField("tick_id", tickID)

	result := &TickResult{TickID: tickID}
	attempts, err := dm.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		if dm.config.TickTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dm.config.TickTimeout)
			defer cancel()
		}
		r, err := dm.tick(ctx, logger.WithField("attempt", attempt))
		r.TickID = tickID
		result = r
		return err
	})
	dm.setPhase(PhaseIdle)

	result.Attempts = attempts
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Outcome = OutcomeFailed
	case result.Range != nil:
		result.Outcome = OutcomeCommitted
	default:
		result.Outcome = OutcomeIdle
	}

	dm.recordTick(result, err)

	if err != nil {
		return result, err
	}
	if result.Range != nil {
		logger.WithFields(logrus.Fields{
			"from":         result.Range.FromBlock,
			"to":           result.Range.ToBlock,
			"events":       result.EventsFound,
			"recorded":     result.Recorded,
			"duplicates":   result.Duplicates,
			"unattributed": result.Unattributed,
			"duration":     result.Duration,
		}).Info("Tick committed")
	}
	return result, nil
}

// tick runs a single attempt. The returned result is never nil.
func (dm *DepositMonitor) tick(ctx context.Context, logger *logrus.Entry) (*TickResult, error) {
	dm.setPhase(PhaseScanning)
	result := &TickResult{}

	height, safeHeight, err := dm.poller.Heights(ctx)
	if err != nil {
		return result, fmt.Errorf("read chain height: %w", err)
	}
	result.Height = height
	result.SafeHeight = safeHeight

	state, err := dm.monitorState(ctx)
	if err != nil {
		return result, err
	}
	last := state.LastProcessedBlock
	result.LastProcessed = last
	dm.updatePosition(height, last)

	if safeHeight <= last && !state.RescanPending {
		logger.WithFields(logrus.Fields{
			"height":         height,
			"safe_height":    safeHeight,
			"last_processed": last,
		}).Debug("No new confirmed blocks")
		return result, nil
	}

	if last > 0 {
		reorg, err := dm.guard.CheckAndRecover(ctx, dm.contract, last)
		if err != nil {
			return result, fmt.Errorf("reorg recovery: %w", err)
		}
		if reorg != nil {
			result.Reorg = reorg
			dm.statsMu.Lock()
			dm.stats.ReorgsHandled++
			dm.statsMu.Unlock()

			if state, err = dm.monitorState(ctx); err != nil {
				return result, err
			}
			last = state.LastProcessedBlock
			result.LastProcessed = last
		}
	}

	scanFrom := last
	if state.RescanPending && last > 0 {
		// a rewind deleted the deposits in the watermark block itself
		scanFrom = last - 1
	}
	scan, ok := dm.poller.NextRange(scanFrom, safeHeight)
	if !ok {
		return result, nil
	}

	logger = logger.WithFields(logrus.Fields{
		"from":   scan.FromBlock,
		"to":     scan.ToBlock,
		"height": height,
	})
	logger.Debug("Scanning blocks")

	events, err := dm.reader.EventsInRange(ctx, scan.FromBlock, scan.ToBlock)
	if err != nil {
		return result, fmt.Errorf("fetch deposits in [%d, %d]: %w", scan.FromBlock, scan.ToBlock, err)
	}
	result.EventsFound = len(events)

	dm.setPhase(PhaseCommitting)
	for _, ev := range events {
		recorded, attributed, err := dm.processEvent(ctx, ev, logger)
		if err != nil {
			if dm.metrics != nil {
				dm.metrics.RecordDepositFailed()
			}
			return result, fmt.Errorf("process deposit %s/%d in block %d: %w",
				ev.TxHash, ev.DepositIndex, ev.BlockNumber, err)
		}
		switch {
		case !recorded:
			result.Duplicates++
		case !attributed:
			result.Recorded++
			result.Unattributed++
		default:
			result.Recorded++
		}
	}

	if err := dm.store.AdvanceMonitorState(ctx, dm.contract, scan.ToBlock); err != nil {
		return result, fmt.Errorf("advance watermark to %d: %w", scan.ToBlock, err)
	}
	result.Range = &scan
	result.LastProcessed = scan.ToBlock

	if dm.metrics != nil {
		dm.metrics.RecordScanCommitted(scan.FromBlock, scan.ToBlock)
	}
	dm.updatePosition(height, scan.ToBlock)

	return result, nil
}

// processEvent records one deposit. recorded is false when the deposit was
// already in the ledger.
func (dm *DepositMonitor) processEvent(ctx context.Context, ev chain.RawEvent, logger *logrus.Entry) (recorded, attributed bool, err error) {
	logger = logger.WithFields(logrus.Fields{
		"tx_hash":       ev.TxHash,
		"deposit_index": ev.DepositIndex,
		"block":         ev.BlockNumber,
	})

	exists, err := dm.store.DepositExists(ctx, ev.TxHash, ev.DepositIndex)
	if err != nil {
		return false, false, err
	}
	if exists {
		dm.recordDuplicate(logger)
		return false, false, nil
	}

	deposit, err := dm.converter.Convert(ctx, ev)
	if err != nil {
		return false, false, err
	}

	if err := dm.store.RecordDeposit(ctx, deposit); err != nil {
		if storage.IsDuplicate(err) {
			dm.recordDuplicate(logger)
			return false, false, nil
		}
		return false, false, err
	}

	attributed = deposit.UserID != nil
	fields := logrus.Fields{
		"wallet": deposit.WalletAddress,
		"amount": deposit.Amount.String(),
	}
	if attributed {
		fields["user_id"] = *deposit.UserID
		logger.WithFields(fields).Info("Deposit recorded and credited")
	} else {
		logger.WithFields(fields).Warn("Deposit recorded for unregistered wallet")
	}
	if dm.metrics != nil {
		dm.metrics.RecordDepositRecorded(deposit.Amount.InexactFloat64(), attributed)
	}
	return true, attributed, nil
}

func (dm *DepositMonitor) recordDuplicate(logger *logrus.Entry) {
	logger.Debug("Deposit already recorded, skipping")
	if dm.metrics != nil {
		dm.metrics.RecordDepositDuplicate()
	}
}

// monitorState reads the watermark row, seeding it with the chain height
// when the contract has never been monitored.
func (dm *DepositMonitor) monitorState(ctx context.Context) (*models.MonitorState, error) {
	state, err := dm.store.GetMonitorState(ctx, dm.contract)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read monitor state: %w", err)
	}

	height, err := dm.reader.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain height for initial state: %w", err)
	}
	created, err := dm.store.InitializeMonitorState(ctx, dm.contract, height)
	if err != nil {
		return nil, fmt.Errorf("initialize monitor state: %w", err)
	}
	if created {
		dm.logger.WithField("block", height).Info("Initialized monitor state at current height")
	}

	state, err = dm.store.GetMonitorState(ctx, dm.contract)
	if err != nil {
		return nil, fmt.Errorf("read monitor state: %w", err)
	}
	return state, nil
}

func (dm *DepositMonitor) updatePosition(height, last uint64) {
	dm.statsMu.Lock()
	dm.stats.ChainHeight = height
	dm.stats.LatestProcessedBlock = last
	dm.statsMu.Unlock()

	if dm.metrics != nil {
		dm.metrics.UpdateChainPosition(height, last)
	}
}

func (dm *DepositMonitor) recordTick(result *TickResult, err error) {
	now := time.Now()

	dm.statsMu.Lock()
	dm.stats.TotalTicks++
	dm.stats.LastTickAt = &now
	dm.stats.LastTickDuration = result.Duration
	if err != nil {
		msg := err.Error()
		dm.stats.FailedTicks++
		dm.stats.ErrorCount++
		dm.stats.LastError = &msg
		dm.stats.LastErrorTime = &now
	} else {
		dm.stats.LastSuccessAt = &now
	}
	if result.Range != nil {
		dm.stats.TotalBlocksScanned += result.Range.Blocks()
	}
	dm.stats.TotalDepositsFound += uint64(result.EventsFound)
	dm.stats.TotalDepositsRecorded += uint64(result.Recorded)
	dm.stats.TotalDuplicates += uint64(result.Duplicates)
	dm.stats.TotalUnattributed += uint64(result.Unattributed)
	dm.statsMu.Unlock()

	if dm.metrics != nil {
		dm.metrics.RecordTick(result.Outcome, result.Duration)
	}
}

// GetStats returns a snapshot of monitor statistics
func (dm *DepositMonitor) GetStats() *MonitorStats {
	dm.statsMu.RLock()
	stats := dm.stats
	dm.statsMu.RUnlock()

	stats.Uptime = time.Since(stats.StartTime)
	stats.Phase = dm.Phase().String()
	stats.Poller = dm.poller.Stats()
	if stats.ChainHeight > stats.LatestProcessedBlock {
		stats.BlocksBehind = stats.ChainHeight - stats.LatestProcessedBlock
	}
	return &stats
}

// GetHealth probes the node and the database and reports ingestion lag
func (dm *DepositMonitor) GetHealth(ctx context.Context) *HealthStatus {
	stats := dm.GetStats()
	health := &HealthStatus{
		Running:       stats.IsRunning,
		BlocksBehind:  stats.BlocksBehind,
		LastSuccessAt: stats.LastSuccessAt,
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := dm.reader.CurrentHeight(probeCtx); err != nil {
		health.Issues = append(health.Issues, fmt.Sprintf("chain unreachable: %v", err))
	} else {
		health.ConnectionHealthy = true
	}

	if err := dm.store.Ping(probeCtx); err != nil {
		health.Issues = append(health.Issues, fmt.Sprintf("storage unreachable: %v", err))
	} else {
		health.StorageHealthy = true
	}

	if !stats.IsRunning {
		health.Issues = append(health.Issues, "monitor is not running")
	} else if stats.LastSuccessAt != nil && time.Since(*stats.LastSuccessAt) > 3*dm.pollInterval {
		health.Issues = append(health.Issues,
			fmt.Sprintf("no successful tick since %s", stats.LastSuccessAt.Format(time.RFC3339)))
	}

	confirmations := dm.config.ConfirmationBlocks
	if lagLimit := confirmations + 10*dm.poller.batchSize; stats.BlocksBehind > lagLimit {
		health.Issues = append(health.Issues,
			fmt.Sprintf("%d blocks behind chain head", stats.BlocksBehind))
	}

	health.Healthy = len(health.Issues) == 0
	if dm.metrics != nil {
		dm.metrics.UpdateComponentHealth("chain", health.ConnectionHealthy)
		dm.metrics.UpdateComponentHealth("storage", health.StorageHealthy)
		dm.metrics.UpdateComponentHealth("monitor", health.Healthy)
	}
	return health
}
