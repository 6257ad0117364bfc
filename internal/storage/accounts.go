package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// SaveAccount inserts or replaces a user account row
func (s *SQLStore) SaveAccount(ctx context.Context, account *models.Account) error {
	if err := s.notConnected(); err != nil {
		return err
	}
	if !utils.IsValidAddress(account.WalletAddress) {
		return utils.NewAppError(utils.ErrCodeValidation, "Invalid wallet address", account.WalletAddress)
	}

	if account.ID == "" {
		account.ID = utils.GenerateID()
	}
	account.WalletAddress = utils.NormalizeAddress(account.WalletAddress)
	account.UpdatedAt = now()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, wallet_address, vault_balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			wallet_address = excluded.wallet_address,
			vault_balance = excluded.vault_balance,
			updated_at = excluded.updated_at`),
		account.ID, account.WalletAddress, account.VaultBalance, account.UpdatedAt)
	if err != nil {
		return dbError("Failed to save account", err)
	}
	return nil
}

// GetAccount returns the account with id, or ErrNotFound
func (s *SQLStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	if err := s.notConnected(); err != nil {
		return nil, err
	}

	var account models.Account
	err := s.db.GetContext(ctx, &account, s.db.Rebind(`
		SELECT id, wallet_address, vault_balance, updated_at
		FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user %s", id)
	}
	if err != nil {
		return nil, dbError("Failed to get account", err)
	}
	return &account, nil
}
