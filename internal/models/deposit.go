package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositRecord is one confirmed DepositMade event in the ledger.
// (TransactionHash, DepositIndex) is the idempotency key.
type DepositRecord struct {
	ID              string          `json:"id" db:"id"`
	UserID          *string         `json:"user_id,omitempty" db:"user_id"`
	WalletAddress   string          `json:"wallet_address" db:"wallet_address"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	TransactionHash string          `json:"transaction_hash" db:"transaction_hash"`
	DepositIndex    uint64          `json:"deposit_index" db:"deposit_index"`
	BlockNumber     uint64          `json:"block_number" db:"block_number"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// DepositFilter for querying the ledger
type DepositFilter struct {
	WalletAddress *string `json:"wallet_address,omitempty"`
	UserID        *string `json:"user_id,omitempty"`
	FromBlock     *uint64 `json:"from_block,omitempty"`
	ToBlock       *uint64 `json:"to_block,omitempty"`
	Limit         int     `json:"limit,omitempty"`
	Offset        int     `json:"offset,omitempty"`
}

// DepositStats aggregates ledger rows, optionally for a single wallet.
type DepositStats struct {
	WalletAddress  string          `json:"wallet_address,omitempty"`
	DepositCount   int64           `json:"deposit_count"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	Unattributed   int64           `json:"unattributed_count"`
	FirstDeposit   *time.Time      `json:"first_deposit,omitempty"`
	LastDeposit    *time.Time      `json:"last_deposit,omitempty"`
	HighestBlock   uint64          `json:"highest_block"`
}
