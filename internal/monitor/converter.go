package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// AccountResolver looks up the account that owns a wallet address.
type AccountResolver interface {
	FindAccountByWallet(ctx context.Context, wallet string) (*models.Account, error)
}

// DepositConverter turns decoded DepositMade events into ledger records.
type DepositConverter struct {
	accounts AccountResolver
	decimals int32
}

// NewDepositConverter creates a converter for a token with the given decimals
func NewDepositConverter(accounts AccountResolver, decimals int32) *DepositConverter {
	return &DepositConverter{accounts: accounts, decimals: decimals}
}

// Convert builds the DepositRecord for ev. Wallets without an account yield
// a record with a nil UserID.
func (c *DepositConverter) Convert(ctx context.Context, ev chain.RawEvent) (*models.DepositRecord, error) {
	if ev.Amount == nil {
		return nil, fmt.Errorf("deposit %s/%d has no amount", ev.TxHash, ev.DepositIndex)
	}

	account, err := c.accounts.FindAccountByWallet(ctx, ev.Wallet)
	if err != nil {
		return nil, fmt.Errorf("resolve account for %s: %w", ev.Wallet, err)
	}

	record := &models.DepositRecord{
		WalletAddress:   ev.Wallet,
		Amount:          utils.FromBaseUnits(ev.Amount, c.decimals),
		TransactionHash: ev.TxHash,
		DepositIndex:    ev.DepositIndex,
		BlockNumber:     ev.BlockNumber,
		Timestamp:       time.Unix(int64(ev.Timestamp), 0).UTC(),
	}
	if account != nil {
		id := account.ID
		record.UserID = &id
	}
	return record, nil
}
