// File: internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yieldvault/deposit-monitor/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("storage: not found")

// DuplicateError is returned by RecordDeposit when the (transaction hash,
// deposit index) pair is already in the ledger.
type DuplicateError struct {
	TransactionHash string
	DepositIndex    uint64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("storage: deposit %s#%d already recorded", e.TransactionHash, e.DepositIndex)
}

// IsDuplicate reports whether err is, or wraps, a DuplicateError
func IsDuplicate(err error) bool {
	var dup *DuplicateError
	return errors.As(err, &dup)
}

// StateStore persists the per-contract watermark
type StateStore interface {
	GetMonitorState(ctx context.Context, contractAddress string) (*models.MonitorState, error)
	InitializeMonitorState(ctx context.Context, contractAddress string, seedBlock uint64) (bool, error)
	AdvanceMonitorState(ctx context.Context, contractAddress string, blockNumber uint64) error
	RewindMonitorState(ctx context.Context, contractAddress string, blockNumber uint64) error
}

// Ledger is the append-only deposit record plus the balance credit it drives
type Ledger interface {
	DepositExists(ctx context.Context, txHash string, depositIndex uint64) (bool, error)
	RecordDeposit(ctx context.Context, deposit *models.DepositRecord) error
	DeleteDepositsFrom(ctx context.Context, blockNumber uint64) (int64, error)
	FindAccountByWallet(ctx context.Context, wallet string) (*models.Account, error)

	// Read side
	ListDeposits(ctx context.Context, filter models.DepositFilter) ([]*models.DepositRecord, error)
	ListDepositsFrom(ctx context.Context, blockNumber uint64) ([]*models.DepositRecord, error)
	GetDepositStats(ctx context.Context, wallet string) (*models.DepositStats, error)
}

// ReorgLog records rollbacks performed by the reorg guard
type ReorgLog interface {
	SaveReorgEvent(ctx context.Context, event *models.ReorgEvent) error
	GetReorgHistory(ctx context.Context, contractAddress string, limit int) ([]*models.ReorgEvent, error)
}

// Storage defines the full persistence surface of the deposit monitor
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	StateStore
	Ledger
	ReorgLog

	// Account operations. The users table is owned by the wider
	// application; these exist for seeding and reconciliation.
	SaveAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)

	// Statistics and monitoring
	GetStorageStats(ctx context.Context) (*StorageStats, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	Driver            string     `json:"driver"`
	TotalDeposits     int64      `json:"total_deposits"`
	TotalAccounts     int64      `json:"total_accounts"`
	MonitoredContract int64      `json:"monitored_contracts"`
	ReorgEvents       int64      `json:"reorg_events"`
	LatestDeposit     *time.Time `json:"latest_deposit,omitempty"`
	OpenConnections   int        `json:"open_connections"`
}
