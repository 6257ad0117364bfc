package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

const depositContractABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "user", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"},
			{"indexed": false, "name": "timestamp", "type": "uint256"},
			{"indexed": false, "name": "depositIndex", "type": "uint256"}
		],
		"name": "DepositMade",
		"type": "event"
	},
	{
		"inputs": [{"name": "user", "type": "address"}],
		"name": "getTotalDeposited",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "user", "type": "address"}],
		"name": "getDepositCount",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const (
	depositEventName      = "DepositMade"
	depositEventSignature = "DepositMade(address,uint256,uint256,uint256)"
)

var (
	depositABI = mustParseABI(depositContractABI)

	// DepositMadeTopic is topic[0] of every DepositMade log.
	DepositMadeTopic = mustEventTopic(depositABI, depositEventName, depositEventSignature)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid deposit contract ABI: %v", err))
	}
	return parsed
}

// mustEventTopic returns the ABI event's ID after checking it against the
// keccak256 of the canonical signature.
func mustEventTopic(parsed abi.ABI, name, signature string) common.Hash {
	event, ok := parsed.Events[name]
	if !ok {
		panic(fmt.Sprintf("chain: event %s missing from deposit contract ABI", name))
	}
	if want := utils.GetEventSignature(signature); event.ID != want {
		panic(fmt.Sprintf("chain: %s topic %s does not match %s (%s)", name, event.ID.Hex(), signature, want.Hex()))
	}
	return event.ID
}

// RawEvent is a decoded DepositMade log with its on-chain provenance.
type RawEvent struct {
	Wallet       string
	Amount       *big.Int
	Timestamp    uint64
	DepositIndex uint64
	BlockNumber  uint64
	LogIndex     uint
	TxHash       string
}

// DecodeError reports a DepositMade log that could not be decoded.
type DecodeError struct {
	TxHash   string
	LogIndex uint
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chain: malformed DepositMade log %s#%d: %s", e.TxHash, e.LogIndex, e.Reason)
}

// decodeDepositLog decodes one DepositMade log.
func decodeDepositLog(lg types.Log) (RawEvent, error) {
	fail := func(reason string) (RawEvent, error) {
		return RawEvent{}, &DecodeError{TxHash: lg.TxHash.Hex(), LogIndex: lg.Index, Reason: reason}
	}

	if len(lg.Topics) != 2 || lg.Topics[0] != DepositMadeTopic {
		return fail(fmt.Sprintf("unexpected topics (%d)", len(lg.Topics)))
	}

	values, err := depositABI.Unpack(depositEventName, lg.Data)
	if err != nil {
		return fail(err.Error())
	}
	if len(values) != 3 {
		return fail(fmt.Sprintf("expected 3 data fields, got %d", len(values)))
	}

	amount, ok := values[0].(*big.Int)
	if !ok {
		return fail("amount is not uint256")
	}
	timestamp, ok := values[1].(*big.Int)
	if !ok || !timestamp.IsUint64() {
		return fail("timestamp out of range")
	}
	depositIndex, ok := values[2].(*big.Int)
	if !ok || !depositIndex.IsUint64() {
		return fail("depositIndex out of range")
	}

	return RawEvent{
		Wallet:       strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
		Amount:       amount,
		Timestamp:    timestamp.Uint64(),
		DepositIndex: depositIndex.Uint64(),
		BlockNumber:  lg.BlockNumber,
		LogIndex:     lg.Index,
		TxHash:       strings.ToLower(lg.TxHash.Hex()),
	}, nil
}

// packView encodes a single-address view call.
func packView(method string, wallet common.Address) ([]byte, error) {
	return depositABI.Pack(method, wallet)
}

// unpackUint decodes a single uint256 return value.
func unpackUint(method string, output []byte) (*big.Int, error) {
	values, err := depositABI.Unpack(method, output)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: expected 1 return value, got %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: return value is not uint256", method)
	}
	return value, nil
}
