package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

const depositColumns = `id, user_id, wallet_address, amount, transaction_hash,
	deposit_index, block_number, timestamp, created_at`

// DepositExists reports whether the (txHash, depositIndex) pair is recorded
func (s *SQLStore) DepositExists(ctx context.Context, txHash string, depositIndex uint64) (bool, error) {
	if err := s.notConnected(); err != nil {
		return false, err
	}
	return depositExists(ctx, s.db, utils.NormalizeHash(txHash), depositIndex)
}

func depositExists(ctx context.Context, q sqlx.ExtContext, txHash string, depositIndex uint64) (bool, error) {
	var count int64
	err := sqlx.GetContext(ctx, q, &count, q.Rebind(`
		SELECT COUNT(*) FROM deposit_history
		WHERE transaction_hash = ? AND deposit_index = ?`), txHash, depositIndex)
	if err != nil {
		return false, dbError("Failed to check deposit", err)
	}
	return count > 0, nil
}

// RecordDeposit inserts the deposit and, when it is attributed to a user,
// credits that user's vault balance in the same transaction. A deposit that
// is already recorded yields *DuplicateError and changes nothing.
func (s *SQLStore) RecordDeposit(ctx context.Context, deposit *models.DepositRecord) error {
	if err := validateDeposit(deposit); err != nil {
		return err
	}

	deposit.WalletAddress = utils.NormalizeAddress(deposit.WalletAddress)
	deposit.TransactionHash = utils.NormalizeHash(deposit.TransactionHash)
	if deposit.ID == "" {
		deposit.ID = utils.GenerateID()
	}
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = now()
	}
	deposit.Timestamp = deposit.Timestamp.UTC()

	duplicate := &DuplicateError{TransactionHash: deposit.TransactionHash, DepositIndex: deposit.DepositIndex}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		exists, err := depositExists(ctx, tx, deposit.TransactionHash, deposit.DepositIndex)
		if err != nil {
			return err
		}
		if exists {
			return duplicate
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO deposit_history (`+depositColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			deposit.ID, deposit.UserID, deposit.WalletAddress, deposit.Amount,
			deposit.TransactionHash, deposit.DepositIndex, deposit.BlockNumber,
			deposit.Timestamp, deposit.CreatedAt)
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				return duplicate
			}
			return dbError("Failed to insert deposit", err)
		}

		if deposit.UserID != nil {
			if err := s.creditAccount(ctx, tx, *deposit.UserID, deposit.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// creditAccount adds amount to the user's vault balance. The arithmetic is
// done in decimal so SQLite's TEXT column never goes through a float.
func (s *SQLStore) creditAccount(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal) error {
	var balance decimal.Decimal
	err := tx.GetContext(ctx, &balance, tx.Rebind(
		`SELECT vault_balance FROM users WHERE id = ?`+s.dialect.lockClause()), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("user %s", userID)
	}
	if err != nil {
		return dbError("Failed to read vault balance", err)
	}

	updated := balance.Add(amount)
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE users SET vault_balance = ?, updated_at = ? WHERE id = ?`),
		updated, now(), userID)
	if err != nil {
		return dbError("Failed to credit vault balance", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  amount.String(),
		"balance": updated.String(),
	}).Debug("Credited vault balance")
	return nil
}

func validateDeposit(deposit *models.DepositRecord) error {
	switch {
	case deposit == nil:
		return utils.NewAppError(utils.ErrCodeValidation, "Deposit is required")
	case deposit.TransactionHash == "":
		return utils.NewAppError(utils.ErrCodeValidation, "Deposit transaction hash is required")
	case !utils.IsValidAddress(deposit.WalletAddress):
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid deposit wallet address", deposit.WalletAddress)
	case deposit.Amount.IsNegative():
		return utils.NewAppError(utils.ErrCodeValidation, "Deposit amount cannot be negative", deposit.Amount.String())
	}
	return nil
}

// DeleteDepositsFrom removes every deposit at or above blockNumber. Balance
// credits applied for those deposits are left untouched.
func (s *SQLStore) DeleteDepositsFrom(ctx context.Context, blockNumber uint64) (int64, error) {
	if err := s.notConnected(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM deposit_history WHERE block_number >= ?`), blockNumber)
	if err != nil {
		return 0, dbError("Failed to delete deposits", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("Failed to delete deposits", err)
	}

	s.logger.WithFields(logrus.Fields{
		"from_block": blockNumber,
		"deleted":    deleted,
	}).Info("Deleted deposits")
	return deleted, nil
}

// FindAccountByWallet returns the account registered for wallet, or nil if
// there is none.
func (s *SQLStore) FindAccountByWallet(ctx context.Context, wallet string) (*models.Account, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}

	var account models.Account
	err := s.db.GetContext(ctx, &account, s.db.Rebind(`
		SELECT id, wallet_address, vault_balance, updated_at
		FROM users WHERE wallet_address = ?`), utils.NormalizeAddress(wallet))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("Failed to find account", err)
	}
	return &account, nil
}

// ListDeposits returns deposits matching filter, newest first
func (s *SQLStore) ListDeposits(ctx context.Context, filter models.DepositFilter) ([]*models.DepositRecord, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}

	where, args := depositWhere(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + depositColumns + ` FROM deposit_history` + where +
		` ORDER BY block_number DESC, deposit_index DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	deposits := []*models.DepositRecord{}
	if err := s.db.SelectContext(ctx, &deposits, s.db.Rebind(query), args...); err != nil {
		return nil, dbError("Failed to list deposits", err)
	}
	return deposits, nil
}

// ListDepositsFrom returns deposits at or above blockNumber in chain order
func (s *SQLStore) ListDepositsFrom(ctx context.Context, blockNumber uint64) ([]*models.DepositRecord, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}

	deposits := []*models.DepositRecord{}
	err := s.db.SelectContext(ctx, &deposits, s.db.Rebind(`
		SELECT `+depositColumns+` FROM deposit_history
		WHERE block_number >= ?
		ORDER BY block_number ASC, deposit_index ASC`), blockNumber)
	if err != nil {
		return nil, dbError("Failed to list deposits", err)
	}
	return deposits, nil
}

// GetDepositStats aggregates the ledger, or one wallet's part of it when
// wallet is non-empty. Amounts are summed in decimal.
func (s *SQLStore) GetDepositStats(ctx context.Context, wallet string) (*models.DepositStats, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}

	stats := &models.DepositStats{TotalDeposited: decimal.Zero}
	filter := models.DepositFilter{}
	if wallet != "" {
		stats.WalletAddress = utils.NormalizeAddress(wallet)
		filter.WalletAddress = &stats.WalletAddress
	}
	where, args := depositWhere(filter)

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(
		`SELECT amount, user_id, block_number, timestamp FROM deposit_history`+where), args...)
	if err != nil {
		return nil, dbError("Failed to get deposit stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			amount    decimal.Decimal
			userID    sql.NullString
			block     uint64
			timestamp time.Time
		)
		if err := rows.Scan(&amount, &userID, &block, &timestamp); err != nil {
			return nil, dbError("Failed to scan deposit stats", err)
		}

		stats.DepositCount++
		stats.TotalDeposited = stats.TotalDeposited.Add(amount)
		if !userID.Valid {
			stats.Unattributed++
		}
		if block > stats.HighestBlock {
			stats.HighestBlock = block
		}
		if stats.FirstDeposit == nil || timestamp.Before(*stats.FirstDeposit) {
			ts := timestamp
			stats.FirstDeposit = &ts
		}
		if stats.LastDeposit == nil || timestamp.After(*stats.LastDeposit) {
			ts := timestamp
			stats.LastDeposit = &ts
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("Failed to read deposit stats", err)
	}
	return stats, nil
}

func depositWhere(filter models.DepositFilter) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)

	if filter.WalletAddress != nil {
		conditions = append(conditions, "wallet_address = ?")
		args = append(args, utils.NormalizeAddress(*filter.WalletAddress))
	}
	if filter.UserID != nil {
		conditions = append(conditions, "user_id = ?")
		args = append(args, *filter.UserID)
	}
	if filter.FromBlock != nil {
		conditions = append(conditions, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		conditions = append(conditions, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
