package chain

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// Reader is what the ingestion loop needs from the chain.
type Reader interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockExists(ctx context.Context, number uint64) (bool, error)
	EventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]RawEvent, error)
}

// ContractReader exposes the contract's read-only surface for the API and CLI.
type ContractReader interface {
	VerifyDeposit(ctx context.Context, txHash, expectedWallet string) (*Verification, error)
	TotalDeposited(ctx context.Context, wallet string) (decimal.Decimal, error)
	DepositCount(ctx context.Context, wallet string) (uint64, error)
	Info() ContractInfo
}

// ContractInfo describes the watched contract and network.
type ContractInfo struct {
	ContractAddress string `json:"contract_address"`
	Network         string `json:"network"`
	RPCURL          string `json:"rpc_url"`
	ChainID         uint64 `json:"chain_id"`
	TokenSymbol     string `json:"token_symbol"`
	TokenDecimals   int32  `json:"token_decimals"`
	Configured      bool   `json:"configured"`
}

// Verification is the outcome of checking a single deposit transaction.
type Verification struct {
	Verified     bool            `json:"verified"`
	TxHash       string          `json:"transaction_hash"`
	Wallet       string          `json:"wallet_address,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	DepositIndex uint64          `json:"deposit_index,omitempty"`
	BlockNumber  uint64          `json:"block_number,omitempty"`
	Timestamp    *time.Time      `json:"timestamp,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// RPCReader implements Reader and ContractReader over JSON-RPC.
// It performs no retries.
type RPCReader struct {
	source   ClientSource
	contract common.Address
	info     ContractInfo
	timeout  time.Duration
	limiter  *rate.Limiter
	metrics  *metrics.PrometheusMetrics
	logger   *logrus.Entry
}

// NewRPCReader creates a reader for the configured deposit contract
func NewRPCReader(source ClientSource, cfg *config.ChainConfig) *RPCReader {
	var limiter *rate.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}

	contract := common.HexToAddress(cfg.ContractAddress)
	return &RPCReader{
		source:   source,
		contract: contract,
		info: ContractInfo{
			ContractAddress: utils.NormalizeAddress(cfg.ContractAddress),
			Network:         cfg.Network(),
			RPCURL:          cfg.RPCURL(),
			ChainID:         cfg.ExpectedChainID(),
			TokenSymbol:     cfg.TokenSymbol,
			TokenDecimals:   cfg.TokenDecimals,
			Configured:      utils.IsValidAddress(cfg.ContractAddress),
		},
		timeout: cfg.RequestTimeout,
		limiter: limiter,
		logger: utils.ComponentLogger("chain").WithFields(logrus.Fields{
			"contract": utils.NormalizeAddress(cfg.ContractAddress),
			"network":  cfg.Network(),
		}),
	}
}

// SetMetrics attaches the Prometheus metrics
func (r *RPCReader) SetMetrics(m *metrics.PrometheusMetrics) {
	r.metrics = m
}

// Info returns the watched contract and network
func (r *RPCReader) Info() ContractInfo {
	return r.info
}

// call runs fn against the current client with throttling, a per-request
// timeout, error wrapping and metrics.
func (r *RPCReader) call(ctx context.Context, method string, fn func(ctx context.Context, client EthClient) error) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return &ConnectivityError{Method: method, Err: err}
		}
	}

	client, err := r.source.Client(ctx)
	if err != nil {
		return err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err = fn(ctx, client)

	if errors.Is(err, ethereum.NotFound) {
		r.observe(method, start, nil)
		return err
	}

	wrapped := wrapError(method, err)
	r.observe(method, start, wrapped)
	if wrapped != nil {
		r.source.ReportFailure(wrapped)
	}
	return wrapped
}

func (r *RPCReader) observe(method string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	class := ""
	if err != nil {
		class = Classify(err).String()
	}
	r.metrics.RecordRPCRequest(method, class, time.Since(start))
}

// CurrentHeight returns the latest block number known to the node
func (r *RPCReader) CurrentHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := r.call(ctx, "eth_blockNumber", func(ctx context.Context, client EthClient) error {
		var err error
		height, err = client.BlockNumber(ctx)
		return err
	})
	return height, err
}

// BlockExists reports whether the node still serves a block at number
func (r *RPCReader) BlockExists(ctx context.Context, number uint64) (bool, error) {
	var header *types.Header
	err := r.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, client EthClient) error {
		var err error
		header, err = client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return header != nil, nil
}

// EventsInRange fetches every DepositMade event in [fromBlock, toBlock],
// ordered by block then log index.
func (r *RPCReader) EventsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]RawEvent, error) {
	if fromBlock > toBlock {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid block range",
			fmt.Sprintf("from %d > to %d", fromBlock, toBlock))
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{r.contract},
		Topics:    [][]common.Hash{{DepositMadeTopic}},
	}

	var logs []types.Log
	err := r.call(ctx, "eth_getLogs", func(ctx context.Context, client EthClient) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]RawEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		event, err := decodeDepositLog(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	slices.SortStableFunc(events, func(a, b RawEvent) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.LogIndex, b.LogIndex)
	})

	r.logger.WithFields(logrus.Fields{
		"from_block": fromBlock,
		"to_block":   toBlock,
		"events":     len(events),
	}).Debug("Fetched deposit events")

	return events, nil
}

// TransactionReceipt returns the receipt for hash, or ethereum.NotFound
func (r *RPCReader) TransactionReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := r.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context, client EthClient) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, common.HexToHash(hash))
		return err
	})
	return receipt, err
}

// VerifyDeposit checks that txHash succeeded and emitted a DepositMade event
// from expectedWallet on the watched contract. A transaction that does not
// qualify yields Verified=false with a reason; only RPC failures are errors.
func (r *RPCReader) VerifyDeposit(ctx context.Context, txHash, expectedWallet string) (*Verification, error) {
	result := &Verification{TxHash: utils.NormalizeHash(txHash)}
	wallet := utils.NormalizeAddress(expectedWallet)

	receipt, err := r.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		result.Reason = "transaction not found or not confirmed"
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		result.Reason = "transaction failed"
		return result, nil
	}

	var (
		matched    *RawEvent
		sawDeposit bool
	)
	for _, lg := range receipt.Logs {
		if lg == nil || len(lg.Topics) == 0 || lg.Topics[0] != DepositMadeTopic {
			continue
		}
		if lg.Address != r.contract {
			continue
		}
		sawDeposit = true
		event, err := decodeDepositLog(*lg)
		if err != nil {
			result.Reason = "could not decode deposit event"
			return result, nil
		}
		if event.Wallet == wallet {
			matched = &event
			break
		}
	}

	switch {
	case matched == nil && sawDeposit:
		result.Reason = "deposit was made by a different address"
		return result, nil
	case matched == nil:
		result.Reason = "no deposit event from the deposit contract in transaction"
		return result, nil
	}

	timestamp := time.Unix(int64(matched.Timestamp), 0).UTC()
	if receipt.BlockNumber != nil {
		var header *types.Header
		err := r.call(ctx, "eth_getBlockByNumber", func(ctx context.Context, client EthClient) error {
			var err error
			header, err = client.HeaderByNumber(ctx, receipt.BlockNumber)
			return err
		})
		if err == nil && header != nil {
			timestamp = time.Unix(int64(header.Time), 0).UTC()
		}
	}

	result.Verified = true
	result.Wallet = matched.Wallet
	result.Amount = utils.FromBaseUnits(matched.Amount, r.info.TokenDecimals)
	result.DepositIndex = matched.DepositIndex
	result.BlockNumber = matched.BlockNumber
	result.Timestamp = &timestamp
	return result, nil
}

// TotalDeposited calls getTotalDeposited(wallet) and converts to token units
func (r *RPCReader) TotalDeposited(ctx context.Context, wallet string) (decimal.Decimal, error) {
	value, err := r.callView(ctx, "getTotalDeposited", wallet)
	if err != nil {
		return decimal.Zero, err
	}
	return utils.FromBaseUnits(value, r.info.TokenDecimals), nil
}

// DepositCount calls getDepositCount(wallet)
func (r *RPCReader) DepositCount(ctx context.Context, wallet string) (uint64, error) {
	value, err := r.callView(ctx, "getDepositCount", wallet)
	if err != nil {
		return 0, err
	}
	if !value.IsUint64() {
		return 0, utils.NewAppError(utils.ErrCodeBlockchain, "Deposit count out of range", value.String())
	}
	return value.Uint64(), nil
}

func (r *RPCReader) callView(ctx context.Context, method, wallet string) (*big.Int, error) {
	if !utils.IsValidAddress(wallet) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid wallet address", wallet)
	}

	data, err := packView(method, common.HexToAddress(wallet))
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeInternal, "Failed to encode "+method, err)
	}

	var output []byte
	err = r.call(ctx, "eth_call", func(ctx context.Context, client EthClient) error {
		var err error
		output, err = client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	value, err := unpackUint(method, output)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeBlockchain, "Failed to decode "+method+" result", err)
	}
	return value, nil
}
