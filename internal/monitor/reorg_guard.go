package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// ReorgResult describes a rollback performed by the guard.
type ReorgResult struct {
	DetectedAt       time.Time       `json:"detected_at"`
	MissingBlock     uint64          `json:"missing_block"`
	SafeBlock        uint64          `json:"safe_block"`
	DepositsRemoved  int64           `json:"deposits_removed"`
	UnreversedCredit decimal.Decimal `json:"unreversed_credit"`
}

// ReorgNotifier is told about every rollback the guard performs
type ReorgNotifier interface {
	NotifyReorg(ctx context.Context, event *models.ReorgEvent) error
}

// ReorgGuard checks that the watermark block is still part of the chain and
// rolls the ledger back when it is not.
type ReorgGuard struct {
	reader        chain.Reader
	store         Store
	confirmations uint64
	logger        *logrus.Entry
	metrics       *metrics.PrometheusMetrics
	notifier      ReorgNotifier
}

// NewReorgGuard creates a new reorg guard
func NewReorgGuard(reader chain.Reader, store Store, confirmations uint64) *ReorgGuard {
	return &ReorgGuard{
		reader:        reader,
		store:         store,
		confirmations: confirmations,
		logger:        utils.ComponentLogger("reorg_guard"),
	}
}

// SafeBlock is the block the watermark is rewound to when lastProcessed
// disappears.
func (g *ReorgGuard) SafeBlock(lastProcessed uint64) uint64 {
	depth := 2 * g.confirmations
	if depth == 0 {
		// the missing block itself must still be rescanned
		depth = 1
	}
	if lastProcessed <= depth {
		return 0
	}
	return lastProcessed - depth
}

// CheckAndRecover returns nil when lastProcessed still exists or when its
// existence cannot be determined. Otherwise it deletes deposits at or above
// the safe block, rewinds the watermark and returns what it did.
func (g *ReorgGuard) CheckAndRecover(ctx context.Context, contractAddress string, lastProcessed uint64) (*ReorgResult, error) {
	exists, err := g.reader.BlockExists(ctx, lastProcessed)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"contract": contractAddress,
			"block":    lastProcessed,
		}).WithError(err).Warn("Could not check watermark block, skipping reorg check")
		return nil, nil
	}
	if exists {
		return nil, nil
	}

	result := &ReorgResult{
		DetectedAt:       time.Now().UTC(),
		MissingBlock:     lastProcessed,
		SafeBlock:        g.SafeBlock(lastProcessed),
		UnreversedCredit: decimal.Zero,
	}
	logger := g.logger.WithFields(logrus.Fields{
		"contract":      contractAddress,
		"missing_block": result.MissingBlock,
		"safe_block":    result.SafeBlock,
	})
	logger.Warn("Watermark block no longer exists, rolling back")
	if g.metrics != nil {
		g.metrics.RecordReorgDetected()
	}

	orphaned, err := g.store.ListDepositsFrom(ctx, result.SafeBlock)
	if err != nil {
		return nil, fmt.Errorf("list deposits from block %d: %w", result.SafeBlock, err)
	}
	for _, d := range orphaned {
		if d.UserID != nil {
			result.UnreversedCredit = result.UnreversedCredit.Add(d.Amount)
		}
	}

	removed, err := g.store.DeleteDepositsFrom(ctx, result.SafeBlock)
	if err != nil {
		return nil, fmt.Errorf("delete deposits from block %d: %w", result.SafeBlock, err)
	}
	result.DepositsRemoved = removed

	if err := g.store.RewindMonitorState(ctx, contractAddress, result.SafeBlock); err != nil {
		return nil, fmt.Errorf("rewind watermark to block %d: %w", result.SafeBlock, err)
	}

	if !result.UnreversedCredit.IsZero() {
		logger.WithField("credit", result.UnreversedCredit.String()).
			Warn("Balance credits for removed deposits were not reversed")
	}

	event := &models.ReorgEvent{
		ContractAddress:  contractAddress,
		DetectedAt:       result.DetectedAt,
		MissingBlock:     result.MissingBlock,
		SafeBlock:        result.SafeBlock,
		DepositsRemoved:  result.DepositsRemoved,
		UnreversedCredit: result.UnreversedCredit,
	}
	if err := g.store.SaveReorgEvent(ctx, event); err != nil {
		logger.WithError(err).Warn("Failed to save reorg event")
	}
	if g.notifier != nil {
		if err := g.notifier.NotifyReorg(ctx, event); err != nil {
			logger.WithError(err).Error("Failed to send reorg alert")
		}
	}

	if g.metrics != nil {
		g.metrics.RecordReorgHandled(result.MissingBlock-result.SafeBlock, result.DepositsRemoved)
	}

	logger.WithField("deposits_removed", removed).Info("Reorg rollback complete")
	return result, nil
}
