package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// GetMonitorState returns the watermark row for a contract, or ErrNotFound
func (s *SQLStore) GetMonitorState(ctx context.Context, contractAddress string) (*models.MonitorState, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}
	return getMonitorState(ctx, s.db, utils.NormalizeAddress(contractAddress))
}

func getMonitorState(ctx context.Context, q sqlx.ExtContext, contract string) (*models.MonitorState, error) {
	var state models.MonitorState
	err := sqlx.GetContext(ctx, q, &state, q.Rebind(`
		SELECT contract_address, last_processed_block, rescan_pending, last_updated
		FROM monitor_state
		WHERE contract_address = ?`), contract)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("monitor state for %s", contract)
	}
	if err != nil {
		return nil, dbError("Failed to get monitor state", err)
	}
	return &state, nil
}

// InitializeMonitorState creates the row if it is absent. It reports whether
// a row was created; a second call is a no-op.
func (s *SQLStore) InitializeMonitorState(ctx context.Context, contractAddress string, seedBlock uint64) (bool, error) {
	if err := s.notConnected(); err != nil {
		return false, err
	}
	contract := utils.NormalizeAddress(contractAddress)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO monitor_state (contract_address, last_processed_block, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT (contract_address) DO NOTHING`), contract, seedBlock, now())
	if err != nil {
		return false, dbError("Failed to initialize monitor state", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, dbError("Failed to initialize monitor state", err)
	}

	created := affected > 0
	if created {
		s.logger.WithFields(logrus.Fields{
			"contract":   contract,
			"seed_block": seedBlock,
		}).Info("Initialized monitor state")
	}
	return created, nil
}

// AdvanceMonitorState sets the watermark unconditionally and clears any
// pending rescan
func (s *SQLStore) AdvanceMonitorState(ctx context.Context, contractAddress string, blockNumber uint64) error {
	if err := s.notConnected(); err != nil {
		return err
	}
	return setMonitorState(ctx, s.db, utils.NormalizeAddress(contractAddress), blockNumber, false)
}

// RewindMonitorState moves the watermark backwards and marks the new
// watermark block for rescan. The target must be below the stored value.
func (s *SQLStore) RewindMonitorState(ctx context.Context, contractAddress string, blockNumber uint64) error {
	contract := utils.NormalizeAddress(contractAddress)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := getMonitorState(ctx, tx, contract)
		if err != nil {
			return err
		}
		if blockNumber >= current.LastProcessedBlock {
			return utils.NewAppError(utils.ErrCodeValidation, "Rewind target must be below the current watermark",
				fmt.Sprintf("%d >= %d", blockNumber, current.LastProcessedBlock))
		}
		if err := setMonitorState(ctx, tx, contract, blockNumber, true); err != nil {
			return err
		}

		s.logger.WithFields(logrus.Fields{
			"contract":   contract,
			"from_block": current.LastProcessedBlock,
			"to_block":   blockNumber,
		}).Warn("Rewound monitor state")
		return nil
	})
}

func setMonitorState(ctx context.Context, e sqlx.ExtContext, contract string, blockNumber uint64, rescanPending bool) error {
	query := e.Rebind(`
		UPDATE monitor_state
		SET last_processed_block = ?, rescan_pending = ?, last_updated = ?
		WHERE contract_address = ?`)

	res, err := e.ExecContext(ctx, query, blockNumber, rescanPending, now(), contract)
	if err != nil {
		return dbError("Failed to update monitor state", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return dbError("Failed to update monitor state", err)
	}
	if affected == 0 {
		return notFound("monitor state for %s", contract)
	}
	return nil
}
