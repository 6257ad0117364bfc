package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
)

func testChainConfig() *config.ChainConfig {
	return &config.ChainConfig{
		MainnetRPCURL:   "http://mainnet.invalid",
		TestnetRPCURL:   "http://testnet.invalid",
		ContractAddress: testContract,
		TokenDecimals:   6,
		TokenSymbol:     "USDC",
		RequestTimeout:  time.Second,
	}
}

func newTestReader(client *fakeClient) *RPCReader {
	return NewRPCReader(StaticSource(client), testChainConfig())
}

func TestCurrentHeight(t *testing.T) {
	client := newFakeClient()
	client.height = 1000
	reader := newTestReader(client)

	height, err := reader.CurrentHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), height)
}

func TestCurrentHeightTimeoutIsConnectivityError(t *testing.T) {
	client := newFakeClient()
	client.heightErr = context.DeadlineExceeded
	reader := newTestReader(client)

	_, err := reader.CurrentHeight(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
	assert.False(t, IsRateLimited(err))
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestBlockExists(t *testing.T) {
	client := newFakeClient()
	client.headers[900] = &types.Header{Number: big.NewInt(900)}
	reader := newTestReader(client)
	ctx := context.Background()

	exists, err := reader.BlockExists(ctx, 900)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = reader.BlockExists(ctx, 901)
	require.NoError(t, err)
	assert.False(t, exists)

	client.headerErr = errors.New("connection reset by peer")
	_, err = reader.BlockExists(ctx, 900)
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
}

func TestEventsInRangeDecodesAndOrders(t *testing.T) {
	client := newFakeClient()
	removed := depositLog(t, testWallet, 5, 1700000000, 9, 950, 0, "0x09")
	removed.Removed = true
	client.logs = []types.Log{
		depositLog(t, testWallet, 3_000_000, 1700000300, 3, 960, 4, "0x03"),
		depositLog(t, testWallet, 1_000_000, 1700000100, 1, 950, 7, "0x01"),
		removed,
		depositLog(t, testWallet, 2_000_000, 1700000200, 2, 960, 1, "0x02"),
	}
	reader := newTestReader(client)

	events, err := reader.EventsInRange(context.Background(), 901, 988)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, uint64(1), events[0].DepositIndex)
	assert.Equal(t, uint64(2), events[1].DepositIndex)
	assert.Equal(t, uint64(3), events[2].DepositIndex)

	first := events[0]
	assert.Equal(t, strings.ToLower(testWallet), first.Wallet)
	assert.Equal(t, big.NewInt(1_000_000), first.Amount)
	assert.Equal(t, uint64(1700000100), first.Timestamp)
	assert.Equal(t, uint64(950), first.BlockNumber)
	assert.Equal(t, strings.ToLower(common.HexToHash("0x01").Hex()), first.TxHash)

	assert.Equal(t, big.NewInt(901), client.lastQuery.FromBlock)
	assert.Equal(t, big.NewInt(988), client.lastQuery.ToBlock)
	assert.Equal(t, []common.Address{common.HexToAddress(testContract)}, client.lastQuery.Addresses)
	assert.Equal(t, [][]common.Hash{{DepositMadeTopic}}, client.lastQuery.Topics)
}

func TestEventsInRangeMalformedLogIsHardError(t *testing.T) {
	client := newFakeClient()
	bad := depositLog(t, testWallet, 1, 1, 1, 950, 3, "0x01")
	bad.Data = bad.Data[:40]
	client.logs = []types.Log{depositLog(t, testWallet, 1, 1, 0, 949, 0, "0x00"), bad}
	reader := newTestReader(client)

	events, err := reader.EventsInRange(context.Background(), 900, 960)
	require.Error(t, err)
	assert.Nil(t, events)

	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, uint(3), decodeErr.LogIndex)
}

func TestEventsInRangeRejectsInvertedRange(t *testing.T) {
	reader := newTestReader(newFakeClient())

	_, err := reader.EventsInRange(context.Background(), 10, 9)
	require.Error(t, err)
}

func TestEventsInRangeRateLimited(t *testing.T) {
	client := newFakeClient()
	client.logsErr = errors.New("exceeded: limit exceeded for eth_getLogs")
	reader := newTestReader(client)
	m := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	reader.SetMetrics(m)

	_, err := reader.EventsInRange(context.Background(), 1, 2)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.True(t, rpcErr.RateLimited)
	assert.Equal(t, "eth_getLogs", rpcErr.Method)
	assert.Equal(t, ClassRateLimited, Classify(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCErrorsTotal.WithLabelValues("eth_getLogs", "rate_limited")))
}

func TestVerifyDeposit(t *testing.T) {
	txHash := common.HexToHash("0xfeed")
	otherWallet := "0x2222222222222222222222222222222222222222"

	successReceipt := func(logs ...types.Log) *types.Receipt {
		receipt := &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      txHash,
			BlockNumber: big.NewInt(950),
		}
		for i := range logs {
			receipt.Logs = append(receipt.Logs, &logs[i])
		}
		return receipt
	}

	tests := []struct {
		name       string
		receipt    *types.Receipt
		verified   bool
		reason     string
		wantAmount string
	}{
		{
			name:   "missing receipt",
			reason: "transaction not found or not confirmed",
		},
		{
			name:    "reverted transaction",
			receipt: &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: txHash},
			reason:  "transaction failed",
		},
		{
			name:    "no deposit event",
			receipt: successReceipt(),
			reason:  "no deposit event from the deposit contract in transaction",
		},
		{
			name:    "different depositor",
			receipt: successReceipt(depositLog(t, otherWallet, 1_000_000, 1700000000, 4, 950, 0, "0xfeed")),
			reason:  "deposit was made by a different address",
		},
		{
			name:       "verified",
			receipt:    successReceipt(depositLog(t, testWallet, 2_500_000, 1700000000, 4, 950, 0, "0xfeed")),
			verified:   true,
			wantAmount: "2.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.headers[950] = &types.Header{Number: big.NewInt(950), Time: 1700000042}
			if tt.receipt != nil {
				client.receipts[txHash] = tt.receipt
			}
			reader := newTestReader(client)

			result, err := reader.VerifyDeposit(context.Background(), txHash.Hex(), testWallet)
			require.NoError(t, err)
			assert.Equal(t, tt.verified, result.Verified)
			assert.Equal(t, tt.reason, result.Reason)

			if tt.verified {
				assert.Equal(t, tt.wantAmount, result.Amount.String())
				assert.Equal(t, uint64(4), result.DepositIndex)
				assert.Equal(t, uint64(950), result.BlockNumber)
				require.NotNil(t, result.Timestamp)
				assert.Equal(t, int64(1700000042), result.Timestamp.Unix())
			}
		})
	}
}

func TestVerifyDepositPropagatesRPCFailure(t *testing.T) {
	reader := NewRPCReader(erroringSource{err: errors.New("boom")}, testChainConfig())

	_, err := reader.VerifyDeposit(context.Background(), "0xfeed", testWallet)
	require.Error(t, err)
}

func TestContractViews(t *testing.T) {
	client := newFakeClient()
	wallet := common.HexToAddress(testWallet)
	client.totals[wallet] = big.NewInt(12_345_678)
	client.counts[wallet] = big.NewInt(3)
	reader := newTestReader(client)
	ctx := context.Background()

	total, err := reader.TotalDeposited(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, "12.345678", total.String())

	count, err := reader.DepositCount(ctx, testWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	_, err = reader.TotalDeposited(ctx, "not-an-address")
	require.Error(t, err)
}

func TestInfo(t *testing.T) {
	cfg := testChainConfig()
	cfg.UseTestnet = true
	reader := NewRPCReader(StaticSource(newFakeClient()), cfg)

	info := reader.Info()
	assert.Equal(t, "testnet", info.Network)
	assert.Equal(t, "http://testnet.invalid", info.RPCURL)
	assert.Equal(t, uint64(97), info.ChainID)
	assert.True(t, info.Configured)
	assert.Equal(t, testContract, info.ContractAddress)
}

type erroringSource struct {
	err error
}

func (s erroringSource) Client(context.Context) (EthClient, error) { return nil, s.err }

func (s erroringSource) ReportFailure(error) {}
