package storage

import (
	"context"

	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// SaveReorgEvent writes a reorg audit row
func (s *SQLStore) SaveReorgEvent(ctx context.Context, event *models.ReorgEvent) error {
	if err := s.notConnected(); err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = utils.GenerateID()
	}
	if event.DetectedAt.IsZero() {
		event.DetectedAt = now()
	}
	event.ContractAddress = utils.NormalizeAddress(event.ContractAddress)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO reorg_events (id, contract_address, detected_at, missing_block,
			safe_block, deposits_removed, unreversed_credit)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.ContractAddress, event.DetectedAt.UTC(), event.MissingBlock,
		event.SafeBlock, event.DepositsRemoved, event.UnreversedCredit)
	if err != nil {
		return dbError("Failed to save reorg event", err)
	}
	return nil
}

// GetReorgHistory returns the most recent reorg events for a contract
func (s *SQLStore) GetReorgHistory(ctx context.Context, contractAddress string, limit int) ([]*models.ReorgEvent, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	events := []*models.ReorgEvent{}
	err := s.db.SelectContext(ctx, &events, s.db.Rebind(`
		SELECT id, contract_address, detected_at, missing_block, safe_block,
			deposits_removed, unreversed_credit
		FROM reorg_events
		WHERE contract_address = ?
		ORDER BY detected_at DESC
		LIMIT ?`), utils.NormalizeAddress(contractAddress), limit)
	if err != nil {
		return nil, dbError("Failed to get reorg history", err)
	}
	return events, nil
}
