package monitor

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/internal/storage"
)

const (
	testContract    = "0x1111111111111111111111111111111111111111"
	registeredWal   = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	unregisteredWal = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// fakeReader is a scripted chain.Reader
type fakeReader struct {
	mu sync.Mutex

	height     uint64
	heightErrs []error

	missing   map[uint64]bool
	existsErr error

	events     []chain.RawEvent
	eventsErrs []error
	ranges     [][2]uint64

	// when set, EventsInRange signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func newFakeReader(height uint64) *fakeReader {
	return &fakeReader{height: height, missing: make(map[uint64]bool)}
}

func (f *fakeReader) CurrentHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heightErrs) > 0 {
		err := f.heightErrs[0]
		f.heightErrs = f.heightErrs[1:]
		return 0, err
	}
	return f.height, nil
}

func (f *fakeReader) BlockExists(_ context.Context, number uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return !f.missing[number], nil
}

func (f *fakeReader) EventsInRange(ctx context.Context, from, to uint64) ([]chain.RawEvent, error) {
	f.mu.Lock()
	f.ranges = append(f.ranges, [2]uint64{from, to})
	entered, release := f.entered, f.release
	var err error
	if len(f.eventsErrs) > 0 {
		err = f.eventsErrs[0]
		f.eventsErrs = f.eventsErrs[1:]
	}
	var out []chain.RawEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeReader) scannedRanges() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.ranges...)
}

// failingStore fails RecordDeposit for one transaction hash
type failingStore struct {
	Store
	failTx string
	err    error
}

func (s *failingStore) RecordDeposit(ctx context.Context, deposit *models.DepositRecord) error {
	if deposit.TransactionHash == s.failTx {
		return s.err
	}
	return s.Store.RecordDeposit(ctx, deposit)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()

	store, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "monitor.db"),
	})
	require.NoError(t, err)
	require.NoError(t, store.Connect())
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func testChainConfig() *config.ChainConfig {
	return &config.ChainConfig{
		ContractAddress: testContract,
		TokenDecimals:   6,
		TokenSymbol:     "USDC",
	}
}

func testMonitorConfig() *config.MonitorConfig {
	return &config.MonitorConfig{
		PollInterval:       10 * time.Second,
		BatchSize:          100,
		ConfirmationBlocks: 12,
		RetryAttempts:      3,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      time.Minute,
		RateLimitCooldown:  30 * time.Second,
	}
}

// newTestMonitor wires a monitor over a fresh SQLite store with the
// watermark seeded at last.
func newTestMonitor(t *testing.T, reader *fakeReader, store Store, last uint64) (*DepositMonitor, *sleepRecorder) {
	t.Helper()

	_, err := store.InitializeMonitorState(context.Background(), testContract, last)
	require.NoError(t, err)

	m := NewDepositMonitor(reader, store, testChainConfig(), testMonitorConfig())
	sleeper := &sleepRecorder{}
	m.SetSleep(sleeper.sleep)
	return m, sleeper
}

func registerAccount(t *testing.T, store *storage.SQLStore, wallet, balance string) *models.Account {
	t.Helper()

	account := &models.Account{WalletAddress: wallet, VaultBalance: decimal.RequireFromString(balance)}
	require.NoError(t, store.SaveAccount(context.Background(), account))
	return account
}

// rawDeposit builds a decoded event; amount is in base units (6 decimals)
func rawDeposit(wallet string, amount int64, block, index uint64) chain.RawEvent {
	return chain.RawEvent{
		Wallet:       wallet,
		Amount:       big.NewInt(amount),
		Timestamp:    1700000000 + block,
		DepositIndex: index,
		BlockNumber:  block,
		LogIndex:     uint(index),
		TxHash:       fmt.Sprintf("0x%064x", block*1000+index),
	}
}

func watermark(t *testing.T, store Store) uint64 {
	t.Helper()

	state, err := store.GetMonitorState(context.Background(), testContract)
	require.NoError(t, err)
	return state.LastProcessedBlock
}

func balanceOf(t *testing.T, store *storage.SQLStore, id string) decimal.Decimal {
	t.Helper()

	account, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.VaultBalance
}
