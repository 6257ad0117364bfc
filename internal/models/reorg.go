package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReorgEvent is the audit record written when a recorded watermark block is
// no longer served by the node and the ledger was rolled back.
type ReorgEvent struct {
	ID               string          `json:"id" db:"id"`
	ContractAddress  string          `json:"contract_address" db:"contract_address"`
	DetectedAt       time.Time       `json:"detected_at" db:"detected_at"`
	MissingBlock     uint64          `json:"missing_block" db:"missing_block"`
	SafeBlock        uint64          `json:"safe_block" db:"safe_block"`
	DepositsRemoved  int64           `json:"deposits_removed" db:"deposits_removed"`
	UnreversedCredit decimal.Decimal `json:"unreversed_credit" db:"unreversed_credit"`
}
