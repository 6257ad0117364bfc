package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// EthClient is the subset of *ethclient.Client used by the reader.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// ClientSource hands out the client the reader should talk to.
type ClientSource interface {
	Client(ctx context.Context) (EthClient, error)
	// ReportFailure tells the source that a call on the current client failed.
	ReportFailure(err error)
}

// DialFunc opens a client for one endpoint.
type DialFunc func(ctx context.Context, url string) (EthClient, error)

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	Dials           uint64    `json:"dials"`
	FailedDials     uint64    `json:"failed_dials"`
	Failovers       uint64    `json:"failovers"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// ConnectionManager dials the selected network's RPC endpoint and fails over
// to the backup endpoints when a dial or a call fails with a connectivity error.
type ConnectionManager struct {
	urls            []string
	currentIndex    int
	expectedChainID uint64
	timeout         time.Duration
	dial            DialFunc

	mu     sync.RWMutex
	client EthClient
	stats  ConnectionStats
	logger *logrus.Entry
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg *config.ChainConfig) *ConnectionManager {
	urls := []string{cfg.RPCURL()}
	urls = append(urls, cfg.BackupURLs...)

	return &ConnectionManager{
		urls:            urls,
		expectedChainID: cfg.ExpectedChainID(),
		timeout:         cfg.RequestTimeout,
		dial:            dialEthClient,
		stats: ConnectionStats{
			CurrentURL: urls[0],
		},
		logger: utils.ComponentLogger("chain").WithField("network", cfg.Network()),
	}
}

// WithDialer replaces the dial function.
func (cm *ConnectionManager) WithDialer(dial DialFunc) *ConnectionManager {
	cm.dial = dial
	return cm
}

func dialEthClient(ctx context.Context, url string) (EthClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Client returns the current client, dialing if necessary
func (cm *ConnectionManager) Client(ctx context.Context) (EthClient, error) {
	cm.mu.RLock()
	client := cm.client
	cm.mu.RUnlock()

	if client != nil {
		return client, nil
	}
	return cm.connect(ctx)
}

// connect tries every endpoint once, starting from the current one
func (cm *ConnectionManager) connect(ctx context.Context) (EthClient, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		return cm.client, nil
	}

	var lastErr error
	for i := 0; i < len(cm.urls); i++ {
		index := (cm.currentIndex + i) % len(cm.urls)
		url := cm.urls[index]

		cm.stats.Dials++
		client, err := cm.dialWithTimeout(ctx, url)
		if err != nil {
			cm.stats.FailedDials++
			lastErr = err
			cm.logger.WithError(err).WithField("url", url).Warn("Connection failed")
			continue
		}

		cm.client = client
		cm.currentIndex = index
		cm.stats.CurrentURL = url
		cm.stats.LastConnectedAt = time.Now()
		cm.logger.WithField("url", url).Info("Connected to RPC endpoint")
		return client, nil
	}

	return nil, &ConnectivityError{Method: "dial", Err: utils.WrapAppError(utils.ErrCodeConnection,
		"Failed to connect to any RPC endpoint", lastErr)}
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (EthClient, error) {
	if cm.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cm.timeout)
		defer cancel()
	}
	return cm.dial(ctx, url)
}

// ReportFailure drops the current client after a connectivity failure so the
// next call dials the next endpoint.
func (cm *ConnectionManager) ReportFailure(err error) {
	if !IsConnectivity(err) {
		return
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client == nil {
		return
	}
	cm.client.Close()
	cm.client = nil
	cm.stats.IsHealthy = false

	if len(cm.urls) > 1 {
		cm.currentIndex = (cm.currentIndex + 1) % len(cm.urls)
		cm.stats.Failovers++
		cm.logger.WithError(err).WithField("next_url", cm.urls[cm.currentIndex]).Warn("Failing over to next RPC endpoint")
	}
}

// HealthCheck verifies the endpoint answers and serves the expected chain
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	client, err := cm.Client(ctx)
	if err != nil {
		return err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		wrapped := wrapError("eth_chainId", err)
		cm.ReportFailure(wrapped)
		return wrapped
	}
	if chainID.Uint64() != cm.expectedChainID {
		cm.setHealthy(false)
		return utils.NewAppError(utils.ErrCodeConfiguration, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %s", cm.expectedChainID, chainID))
	}

	latest, err := client.BlockNumber(ctx)
	if err != nil {
		wrapped := wrapError("eth_blockNumber", err)
		cm.ReportFailure(wrapped)
		return wrapped
	}

	cm.mu.Lock()
	cm.stats.ChainID = chainID.Uint64()
	cm.stats.LatestBlock = latest
	cm.stats.LastHealthCheck = time.Now()
	cm.stats.IsHealthy = true
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"chain_id":     chainID.Uint64(),
		"latest_block": latest,
	}).Debug("Health check passed")
	return nil
}

func (cm *ConnectionManager) setHealthy(healthy bool) {
	cm.mu.Lock()
	cm.stats.IsHealthy = healthy
	cm.stats.LastHealthCheck = time.Now()
	cm.mu.Unlock()
}

// IsConnected returns whether the manager holds a healthy client
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.stats.IsHealthy
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.IsHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// StaticSource wraps a single client that is never replaced.
func StaticSource(client EthClient) ClientSource {
	return staticSource{client: client}
}

type staticSource struct {
	client EthClient
}

func (s staticSource) Client(context.Context) (EthClient, error) { return s.client, nil }

func (s staticSource) ReportFailure(error) {}
