package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "0x1111111111111111111111111111111111111111"
	testWallet   = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
)

type fakeClient struct {
	mu sync.Mutex

	height    uint64
	heightErr error

	headers   map[uint64]*types.Header
	headerErr error

	logs      []types.Log
	logsErr   error
	lastQuery ethereum.FilterQuery

	receipts map[common.Hash]*types.Receipt

	totals  map[common.Address]*big.Int
	counts  map[common.Address]*big.Int
	callErr error
	chainID *big.Int
	closed  bool
	calls   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		headers:  make(map[uint64]*types.Header),
		receipts: make(map[common.Hash]*types.Receipt),
		totals:   make(map[common.Address]*big.Int),
		counts:   make(map[common.Address]*big.Int),
		chainID:  big.NewInt(56),
	}
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.height, f.heightErr
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.headerErr != nil {
		return nil, f.headerErr
	}
	header, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastQuery = q
	return f.logs, f.logsErr
}

func (f *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeClient) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}

	selector := msg.Data[:4]
	args, err := depositABI.Methods["getTotalDeposited"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	wallet := args[0].(common.Address)

	lookup := func(method string, values map[common.Address]*big.Int) ([]byte, error) {
		value, ok := values[wallet]
		if !ok {
			value = big.NewInt(0)
		}
		return depositABI.Methods[method].Outputs.Pack(value)
	}

	switch {
	case bytes.Equal(selector, depositABI.Methods["getTotalDeposited"].ID):
		return lookup("getTotalDeposited", f.totals)
	case bytes.Equal(selector, depositABI.Methods["getDepositCount"].ID):
		return lookup("getDepositCount", f.counts)
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.chainID, nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// depositLog builds a DepositMade log as the node would return it.
func depositLog(t *testing.T, wallet string, amount, timestamp, index int64, block uint64, logIndex uint, tx string) types.Log {
	t.Helper()

	data, err := depositABI.Events[depositEventName].Inputs.NonIndexed().Pack(
		big.NewInt(amount), big.NewInt(timestamp), big.NewInt(index))
	require.NoError(t, err)

	return types.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{DepositMadeTopic, common.BytesToHash(common.HexToAddress(wallet).Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       logIndex,
	}
}
