package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

func managerConfig() *config.ChainConfig {
	cfg := testChainConfig()
	cfg.BackupURLs = []string{"http://backup-1.invalid", "http://backup-2.invalid"}
	return cfg
}

func TestConnectionManagerSkipsFailingEndpoints(t *testing.T) {
	var dialed []string
	client := newFakeClient()

	cm := NewConnectionManager(managerConfig()).WithDialer(func(_ context.Context, url string) (EthClient, error) {
		dialed = append(dialed, url)
		if url == "http://mainnet.invalid" {
			return nil, errors.New("no such host")
		}
		return client, nil
	})

	got, err := cm.Client(context.Background())
	require.NoError(t, err)
	assert.Same(t, client, got)
	assert.Equal(t, []string{"http://mainnet.invalid", "http://backup-1.invalid"}, dialed)

	stats := cm.Stats()
	assert.Equal(t, "http://backup-1.invalid", stats.CurrentURL)
	assert.Equal(t, uint64(1), stats.FailedDials)
}

func TestConnectionManagerFailsOverOnConnectivityError(t *testing.T) {
	clients := map[string]*fakeClient{
		"http://mainnet.invalid":  newFakeClient(),
		"http://backup-1.invalid": newFakeClient(),
		"http://backup-2.invalid": newFakeClient(),
	}
	cm := NewConnectionManager(managerConfig()).WithDialer(func(_ context.Context, url string) (EthClient, error) {
		return clients[url], nil
	})
	ctx := context.Background()

	first, err := cm.Client(ctx)
	require.NoError(t, err)
	assert.Same(t, clients["http://mainnet.invalid"], first)

	// provider errors keep the client
	cm.ReportFailure(&RPCError{Method: "eth_getLogs", Message: "header not found"})
	same, err := cm.Client(ctx)
	require.NoError(t, err)
	assert.Same(t, first, same)

	cm.ReportFailure(&ConnectivityError{Method: "eth_getLogs", Err: context.DeadlineExceeded})
	assert.True(t, clients["http://mainnet.invalid"].closed)

	next, err := cm.Client(ctx)
	require.NoError(t, err)
	assert.Same(t, clients["http://backup-1.invalid"], next)
	assert.Equal(t, uint64(1), cm.Stats().Failovers)
}

func TestConnectionManagerAllEndpointsDown(t *testing.T) {
	cm := NewConnectionManager(managerConfig()).WithDialer(func(context.Context, string) (EthClient, error) {
		return nil, errors.New("connection refused")
	})

	_, err := cm.Client(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
	assert.Equal(t, uint64(3), cm.Stats().FailedDials)
}

func TestConnectionManagerHealthCheck(t *testing.T) {
	client := newFakeClient()
	client.height = 42
	cm := NewConnectionManager(testChainConfig()).WithDialer(func(context.Context, string) (EthClient, error) {
		return client, nil
	})
	ctx := context.Background()

	require.NoError(t, cm.HealthCheck(ctx))
	assert.True(t, cm.IsConnected())
	assert.Equal(t, uint64(42), cm.Stats().LatestBlock)
	assert.Equal(t, uint64(56), cm.Stats().ChainID)

	client.chainID = big.NewInt(97)
	err := cm.HealthCheck(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Chain ID mismatch")
	assert.Equal(t, utils.ErrCodeConfiguration, utils.ErrorCode(err))
	assert.False(t, cm.IsConnected())

	require.NoError(t, cm.Close())
	assert.True(t, client.closed)
}
