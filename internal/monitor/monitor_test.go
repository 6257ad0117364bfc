package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/internal/storage"
)

func TestRunTickScansConfirmedRange(t *testing.T) {
	store := newTestStore(t)
	account := registerAccount(t, store, registeredWal, "0")

	reader := newFakeReader(1000)
	reader.events = []chain.RawEvent{
		rawDeposit(registeredWal, 1_000_000, 905, 0),
		rawDeposit(unregisteredWal, 1, 950, 1),
		rawDeposit(registeredWal, 2_500_000, 988, 2),
		rawDeposit(registeredWal, 7_000_000, 989, 3), // not yet confirmed
	}
	m, _ := newTestMonitor(t, reader, store, 900)

	result, err := m.RunTick(context.Background())
	require.NoError(t, err)

	require.NotNil(t, result.Range)
	assert.Equal(t, ScanRange{FromBlock: 901, ToBlock: 988}, *result.Range)
	assert.Equal(t, [][2]uint64{{901, 988}}, reader.scannedRanges())
	assert.Equal(t, OutcomeCommitted, result.Outcome)
	assert.Equal(t, uint64(988), result.SafeHeight)
	assert.Equal(t, 3, result.EventsFound)
	assert.Equal(t, 3, result.Recorded)
	assert.Equal(t, 1, result.Unattributed)
	assert.Equal(t, 1, result.Attempts)
	assert.NotEmpty(t, result.TickID)
	assert.Equal(t, PhaseIdle, m.Phase())

	assert.Equal(t, uint64(988), watermark(t, store))
	assert.True(t, decimal.RequireFromString("3.5").Equal(balanceOf(t, store, account.ID)))

	deposits, err := store.ListDeposits(context.Background(), models.DepositFilter{})
	require.NoError(t, err)
	require.Len(t, deposits, 3)
	for _, d := range deposits {
		if d.WalletAddress == unregisteredWal {
			assert.Nil(t, d.UserID)
			assert.True(t, decimal.RequireFromString("0.000001").Equal(d.Amount))
		} else {
			require.NotNil(t, d.UserID)
			assert.Equal(t, account.ID, *d.UserID)
		}
	}

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.TotalTicks)
	assert.Equal(t, uint64(88), stats.TotalBlocksScanned)
	assert.Equal(t, uint64(3), stats.TotalDepositsRecorded)
	assert.Equal(t, uint64(12), stats.BlocksBehind)
	assert.Equal(t, uint64(1), stats.Poller.PollCount)
	assert.Equal(t, uint64(1000), stats.Poller.LastHeight)
}

func TestRunTickBatchSizeCapsRange(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(5000)
	m, _ := newTestMonitor(t, reader, store, 900)

	result, err := m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanRange{FromBlock: 901, ToBlock: 1000}, *result.Range)
	assert.Equal(t, uint64(1000), watermark(t, store))

	_, err = m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{901, 1000}, {1001, 1100}}, reader.scannedRanges())
}

func TestRunTickNothingConfirmed(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(912)
	m, _ := newTestMonitor(t, reader, store, 900)

	result, err := m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, result.Outcome)
	assert.Nil(t, result.Range)
	assert.Empty(t, reader.scannedRanges())
	assert.Equal(t, uint64(900), watermark(t, store))
}

func TestRunTickSeedsMissingState(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(500)
	m := NewDepositMonitor(reader, store, testChainConfig(), testMonitorConfig())

	result, err := m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, result.Outcome)
	assert.Equal(t, uint64(500), watermark(t, store))
}

func TestRunTickIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	account := registerAccount(t, store, registeredWal, "10")
	ctx := context.Background()

	reader := newFakeReader(1000)
	reader.events = []chain.RawEvent{
		rawDeposit(registeredWal, 1_000_000, 910, 0),
		rawDeposit(registeredWal, 2_000_000, 920, 1),
	}
	m, _ := newTestMonitor(t, reader, store, 900)

	_, err := m.RunTick(ctx)
	require.NoError(t, err)
	require.NoError(t, store.RewindMonitorState(ctx, testContract, 900))

	result, err := m.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Recorded)
	assert.Equal(t, 2, result.Duplicates)
	assert.Equal(t, uint64(988), watermark(t, store))

	deposits, err := store.ListDeposits(ctx, models.DepositFilter{})
	require.NoError(t, err)
	assert.Len(t, deposits, 2)
	assert.True(t, decimal.NewFromInt(13).Equal(balanceOf(t, store, account.ID)))
}

func TestRunTickRecoversAfterCrashBeforeAdvance(t *testing.T) {
	store := newTestStore(t)
	account := registerAccount(t, store, registeredWal, "0")
	ctx := context.Background()

	first := rawDeposit(registeredWal, 4_000_000, 930, 0)
	reader := newFakeReader(1000)
	reader.events = []chain.RawEvent{first, rawDeposit(registeredWal, 1_000_000, 931, 1)}
	m, _ := newTestMonitor(t, reader, store, 900)

	// first deposit landed, then the process died before advancing
	deposit, err := m.converter.Convert(ctx, first)
	require.NoError(t, err)
	require.NoError(t, store.RecordDeposit(ctx, deposit))

	result, err := m.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, 1, result.Recorded)
	assert.True(t, decimal.NewFromInt(5).Equal(balanceOf(t, store, account.ID)))
}

func TestRunTickAbortsBatchOnFailure(t *testing.T) {
	sqlStore := newTestStore(t)
	reader := newFakeReader(1000)
	events := []chain.RawEvent{
		rawDeposit(registeredWal, 1_000_000, 910, 0),
		rawDeposit(registeredWal, 1_000_000, 920, 1),
		rawDeposit(registeredWal, 1_000_000, 930, 2),
	}
	reader.events = events

	store := &failingStore{Store: sqlStore, failTx: events[1].TxHash, err: errors.New("disk full")}
	m, sleeper := newTestMonitor(t, reader, store, 900)

	result, err := m.RunTick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.recorded())

	assert.Equal(t, uint64(900), watermark(t, store))

	ctx := context.Background()
	for i, want := range []bool{true, false, false} {
		exists, err := sqlStore.DepositExists(ctx, events[i].TxHash, events[i].DepositIndex)
		require.NoError(t, err)
		assert.Equal(t, want, exists, "event %d", i)
	}

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.FailedTicks)
	require.NotNil(t, stats.LastError)
}

func TestRunTickRateLimitCooldown(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	reader.heightErrs = []error{&chain.RPCError{Method: "eth_blockNumber", Code: 429, Message: "too many requests", RateLimited: true}}

	m, sleeper := newTestMonitor(t, reader, store, 900)
	reg := prometheus.NewRegistry()
	pm := metrics.NewPrometheusMetrics(reg)
	m.SetMetrics(pm)

	result, err := m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.recorded())
	assert.Equal(t, uint64(988), watermark(t, store))

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.RetryAttempts.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.TicksTotal.WithLabelValues(OutcomeCommitted)))
	assert.Equal(t, 988.0, testutil.ToFloat64(pm.LatestProcessedBlock))
}

func TestRunTickGivesUpOnPersistentRPCFailure(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	down := &chain.ConnectivityError{Method: "eth_getLogs", Err: context.DeadlineExceeded}
	reader.eventsErrs = []error{down, down, down}

	m, sleeper := newTestMonitor(t, reader, store, 900)

	_, err := m.RunTick(context.Background())
	require.Error(t, err)
	assert.True(t, chain.IsConnectivity(err))
	assert.Len(t, reader.scannedRanges(), 3)
	assert.Len(t, sleeper.recorded(), 2)
	assert.Equal(t, uint64(900), watermark(t, store))

	// the next tick resumes from the unchanged watermark
	result, err := m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ScanRange{FromBlock: 901, ToBlock: 988}, *result.Range)
}

func TestRunTickRejectsReentry(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	reader.entered = make(chan struct{})
	reader.release = make(chan struct{})
	m, _ := newTestMonitor(t, reader, store, 900)

	done := make(chan error, 1)
	go func() {
		_, err := m.RunTick(context.Background())
		done <- err
	}()

	<-reader.entered
	assert.Equal(t, PhaseScanning, m.Phase())

	_, err := m.RunTick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(reader.release)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(1), m.GetStats().SkippedTicks)
	assert.Len(t, reader.scannedRanges(), 1)
	assert.Equal(t, PhaseIdle, m.Phase())
}

func TestRunTickRecoversFromReorg(t *testing.T) {
	store := newTestStore(t)
	account := registerAccount(t, store, registeredWal, "0")
	ctx := context.Background()

	reader := newFakeReader(1100)
	kept := rawDeposit(registeredWal, 1_000_000, 960, 0)
	atSafe := rawDeposit(registeredWal, 2_000_000, 964, 1)
	above := rawDeposit(unregisteredWal, 3_000_000, 970, 2)
	reader.events = []chain.RawEvent{kept, atSafe, above}

	m, _ := newTestMonitor(t, reader, store, 950)
	_, err := m.RunTick(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AdvanceMonitorState(ctx, testContract, 988))

	reader.missing[988] = true
	result, err := m.RunTick(ctx)
	require.NoError(t, err)

	require.NotNil(t, result.Reorg)
	assert.Equal(t, uint64(988), result.Reorg.MissingBlock)
	assert.Equal(t, uint64(964), result.Reorg.SafeBlock)
	assert.Equal(t, int64(2), result.Reorg.DepositsRemoved)
	assert.True(t, decimal.NewFromInt(2).Equal(result.Reorg.UnreversedCredit))

	// the safe block itself is rescanned
	ranges := reader.scannedRanges()
	assert.Equal(t, [2]uint64{964, 1063}, ranges[len(ranges)-1])
	assert.Equal(t, uint64(1063), watermark(t, store))
	assert.Equal(t, 2, result.Recorded)

	history, err := store.GetReorgHistory(ctx, testContract, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(2), history[0].DepositsRemoved)

	// credits are not reversed, so the re-recorded deposit is credited again
	assert.True(t, decimal.NewFromInt(5).Equal(balanceOf(t, store, account.ID)))
	assert.Equal(t, uint64(1), m.GetStats().ReorgsHandled)
}

// seedOrphanedDeposit records ev and puts the watermark at 988 with block
// 988 gone from the chain, so the next tick rolls back to block 964.
func seedOrphanedDeposit(t *testing.T, store *storage.SQLStore, ev chain.RawEvent) (*fakeReader, *DepositMonitor) {
	t.Helper()
	ctx := context.Background()

	reader := newFakeReader(1100)
	reader.events = []chain.RawEvent{ev}
	reader.missing[988] = true

	m, _ := newTestMonitor(t, reader, store, 988)
	deposit, err := NewDepositConverter(store, 6).Convert(ctx, ev)
	require.NoError(t, err)
	require.NoError(t, store.RecordDeposit(ctx, deposit))
	return reader, m
}

func TestRunTickRescansSafeBlockAfterFailedFetch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	atSafe := rawDeposit(unregisteredWal, 2_000_000, 964, 0)

	reader, m := seedOrphanedDeposit(t, store, atSafe)
	reader.eventsErrs = []error{
		&chain.ConnectivityError{Method: "eth_getLogs", Err: context.DeadlineExceeded},
	}

	result, err := m.RunTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)

	assert.Equal(t, [][2]uint64{{964, 1063}, {964, 1063}}, reader.scannedRanges())
	exists, err := store.DepositExists(ctx, atSafe.TxHash, atSafe.DepositIndex)
	require.NoError(t, err)
	assert.True(t, exists)

	state, err := store.GetMonitorState(ctx, testContract)
	require.NoError(t, err)
	assert.Equal(t, uint64(1063), state.LastProcessedBlock)
	assert.False(t, state.RescanPending)
}

func TestRunTickRescansSafeBlockAfterRestart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	atSafe := rawDeposit(unregisteredWal, 2_000_000, 964, 0)

	reader, m := seedOrphanedDeposit(t, store, atSafe)
	fetchErr := &chain.ConnectivityError{Method: "eth_getLogs", Err: context.DeadlineExceeded}
	reader.eventsErrs = []error{fetchErr, fetchErr, fetchErr}

	_, err := m.RunTick(ctx)
	require.Error(t, err)

	state, err := store.GetMonitorState(ctx, testContract)
	require.NoError(t, err)
	assert.Equal(t, uint64(964), state.LastProcessedBlock)
	assert.True(t, state.RescanPending)

	restarted := NewDepositMonitor(reader, store, testChainConfig(), testMonitorConfig())
	restarted.SetSleep((&sleepRecorder{}).sleep)

	result, err := restarted.RunTick(ctx)
	require.NoError(t, err)
	assert.Nil(t, result.Reorg)
	assert.Equal(t, &ScanRange{FromBlock: 964, ToBlock: 1063}, result.Range)
	assert.Equal(t, 1, result.Recorded)

	exists, err := store.DepositExists(ctx, atSafe.TxHash, atSafe.DepositIndex)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint64(1063), watermark(t, store))
}

func TestRunTickSkipsReorgCheckWhenInconclusive(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	reader.existsErr = &chain.ConnectivityError{Method: "eth_getBlockByNumber", Err: context.DeadlineExceeded}
	m, _ := newTestMonitor(t, reader, store, 900)

	result, err := m.RunTick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Reorg)
	assert.Equal(t, uint64(988), watermark(t, store))
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	m, _ := newTestMonitor(t, reader, store, 900)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(ctx))

	require.Eventually(t, func() bool {
		return m.GetStats().TotalTicks >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.False(t, m.GetStats().IsRunning)
	assert.Equal(t, uint64(988), watermark(t, store))

	require.NoError(t, m.Stop())
}

func TestContextCancelStopsMonitor(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	m, _ := newTestMonitor(t, reader, store, 900)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool {
		return m.GetStats().TotalTicks >= 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return !m.IsRunning()
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, m.GetStats().IsRunning)
	require.NoError(t, m.Stop())

	restart, cancelRestart := context.WithCancel(context.Background())
	defer cancelRestart()
	require.NoError(t, m.Start(restart))
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
}

func TestGetHealth(t *testing.T) {
	store := newTestStore(t)
	reader := newFakeReader(1000)
	m, _ := newTestMonitor(t, reader, store, 900)

	health := m.GetHealth(context.Background())
	assert.False(t, health.Healthy)
	assert.True(t, health.ConnectionHealthy)
	assert.True(t, health.StorageHealthy)
	assert.Contains(t, health.Issues, "monitor is not running")

	reader.heightErrs = []error{errors.New("connection refused")}
	health = m.GetHealth(context.Background())
	assert.False(t, health.ConnectionHealthy)
}
