package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the slice of the user record the deposit pipeline reads and
// credits. The users table itself belongs to the wider application.
type Account struct {
	ID            string          `json:"id" db:"id"`
	WalletAddress string          `json:"wallet_address" db:"wallet_address"`
	VaultBalance  decimal.Decimal `json:"vault_balance" db:"vault_balance"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}
