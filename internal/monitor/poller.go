package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/yieldvault/deposit-monitor/internal/chain"
)

// BlockPoller reads the chain head and derives the confirmed scan window
type BlockPoller struct {
	reader        chain.Reader
	confirmations uint64
	batchSize     uint64

	mu           sync.RWMutex
	lastPollTime time.Time
	lastHeight   uint64
	pollCount    uint64
	errorCount   uint64
}

// ScanRange is an inclusive block range to fetch in one tick
type ScanRange struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
}

// Blocks returns the number of blocks in the range
func (r ScanRange) Blocks() uint64 {
	return r.ToBlock - r.FromBlock + 1
}

// NewBlockPoller creates a new block poller
func NewBlockPoller(reader chain.Reader, confirmations, batchSize uint64) *BlockPoller {
	return &BlockPoller{
		reader:        reader,
		confirmations: confirmations,
		batchSize:     batchSize,
	}
}

// Heights returns the chain height and the highest confirmed block
func (bp *BlockPoller) Heights(ctx context.Context) (height, safeHeight uint64, err error) {
	bp.mu.Lock()
	bp.pollCount++
	bp.lastPollTime = time.Now()
	bp.mu.Unlock()

	height, err = bp.reader.CurrentHeight(ctx)
	if err != nil {
		bp.mu.Lock()
		bp.errorCount++
		bp.mu.Unlock()
		return 0, 0, err
	}

	bp.mu.Lock()
	bp.lastHeight = height
	bp.mu.Unlock()

	return height, bp.SafeHeight(height), nil
}

// SafeHeight is the newest block with enough confirmations on top of it
func (bp *BlockPoller) SafeHeight(height uint64) uint64 {
	if height <= bp.confirmations {
		return 0
	}
	return height - bp.confirmations
}

// NextRange returns the window after lastProcessed, capped by the batch size
// and safeHeight. ok is false when there is nothing confirmed to scan.
func (bp *BlockPoller) NextRange(lastProcessed, safeHeight uint64) (r ScanRange, ok bool) {
	if safeHeight <= lastProcessed {
		return ScanRange{}, false
	}
	to := lastProcessed + bp.batchSize
	if to > safeHeight {
		to = safeHeight
	}
	return ScanRange{FromBlock: lastProcessed + 1, ToBlock: to}, true
}

// PollerStats counts chain head reads
type PollerStats struct {
	PollCount    uint64     `json:"poll_count"`
	PollErrors   uint64     `json:"poll_errors"`
	LastPollTime *time.Time `json:"last_poll_time,omitempty"`
	LastHeight   uint64     `json:"last_height"`
}

// Stats returns a snapshot of the poller counters
func (bp *BlockPoller) Stats() PollerStats {
	bp.mu.RLock()
	defer bp.mu.RUnlock()

	stats := PollerStats{
		PollCount:  bp.pollCount,
		PollErrors: bp.errorCount,
		LastHeight: bp.lastHeight,
	}
	if !bp.lastPollTime.IsZero() {
		polled := bp.lastPollTime
		stats.LastPollTime = &polled
	}
	return stats
}
