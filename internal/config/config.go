// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

const envPrefix = "DEPOSIT_MONITOR"

// Config holds all configuration for the application
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Storage StorageConfig `mapstructure:"storage"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`

	Notification NotificationConfig `mapstructure:"notification"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ChainConfig contains blockchain connection and contract configuration
type ChainConfig struct {
	MainnetRPCURL      string        `mapstructure:"mainnet_rpc_url"`
	TestnetRPCURL      string        `mapstructure:"testnet_rpc_url"`
	UseTestnet         bool          `mapstructure:"use_testnet"`
	BackupURLs         []string      `mapstructure:"backup_urls"`
	ContractAddress    string        `mapstructure:"contract_address"`
	ChainID            uint64        `mapstructure:"chain_id"`
	TokenDecimals      int32         `mapstructure:"token_decimals"`
	TokenSymbol        string        `mapstructure:"token_symbol"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// MonitorConfig contains deposit ingestion configuration
type MonitorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BatchSize          uint64        `mapstructure:"batch_size"`
	ConfirmationBlocks uint64        `mapstructure:"confirmation_blocks"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	RateLimitCooldown  time.Duration `mapstructure:"rate_limit_cooldown"`
	TickTimeout        time.Duration `mapstructure:"tick_timeout"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// NotificationConfig contains operator alert configuration
type NotificationConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	WebhookURL    string            `mapstructure:"webhook_url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RetryAttempts int               `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration     `mapstructure:"retry_delay"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Network returns the network selector name.
func (c ChainConfig) Network() string {
	if c.UseTestnet {
		return "testnet"
	}
	return "mainnet"
}

// RPCURL returns the endpoint for the selected network.
func (c ChainConfig) RPCURL() string {
	if c.UseTestnet {
		return c.TestnetRPCURL
	}
	return c.MainnetRPCURL
}

// ExpectedChainID returns the configured chain ID, falling back to the BSC
// IDs for the selected network.
func (c ChainConfig) ExpectedChainID() uint64 {
	if c.ChainID != 0 {
		return c.ChainID
	}
	if c.UseTestnet {
		return 97
	}
	return 56
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		utils.GetLogger().Debug("Config file not found, using defaults and environment variables")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	config.Chain.ContractAddress = strings.TrimSpace(config.Chain.ContractAddress)
	return &config, nil
}

// bindEnv maps the deployment's historical variable names onto config keys.
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"chain.contract_address":      {"DEPOSIT_CONTRACT_ADDRESS"},
		"chain.mainnet_rpc_url":       {"BSC_RPC_URL"},
		"chain.testnet_rpc_url":       {"BSC_TESTNET_RPC_URL"},
		"chain.use_testnet":           {"USE_TESTNET"},
		"storage.connection_string":   {"DATABASE_URL"},
		"server.port":                 {"PORT"},
		"monitor.confirmation_blocks": {"REORG_SAFETY_BLOCKS"},
		"notification.webhook_url":    {"ALERT_WEBHOOK_URL"},
	}
	for key, envs := range bindings {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		args := append([]string{key, prefixed}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return err
		}
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "deposit-monitor")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")

	// BSC defaults; USDC on BSC uses 6 decimals in the vault contract
	v.SetDefault("chain.mainnet_rpc_url", "https://bsc-dataseed.binance.org/")
	v.SetDefault("chain.testnet_rpc_url", "https://data-seed-prebsc-1-s1.binance.org:8545/")
	v.SetDefault("chain.use_testnet", false)
	v.SetDefault("chain.backup_urls", []string{})
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.token_decimals", 6)
	v.SetDefault("chain.token_symbol", "USDC")
	v.SetDefault("chain.request_timeout", "30s")
	v.SetDefault("chain.rate_limit_per_second", 10)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/deposits.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.poll_interval", "10s")
	v.SetDefault("monitor.batch_size", 100)
	v.SetDefault("monitor.confirmation_blocks", 12)
	v.SetDefault("monitor.retry_attempts", 3)
	v.SetDefault("monitor.retry_base_delay", "1s")
	v.SetDefault("monitor.retry_max_delay", "1m")
	v.SetDefault("monitor.rate_limit_cooldown", "30s")
	v.SetDefault("monitor.tick_timeout", "2m")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", "")

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.webhook_url", "")
	v.SetDefault("notification.timeout", "10s")
	v.SetDefault("notification.retry_attempts", 3)
	v.SetDefault("notification.retry_delay", "2s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.ContractAddress == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "deposit contract address is required")
	}
	if !utils.IsValidAddress(c.Chain.ContractAddress) {
		return utils.NewAppError(utils.ErrCodeConfiguration, "deposit contract address is invalid", c.Chain.ContractAddress)
	}
	if c.Chain.RPCURL() == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "RPC URL is required", c.Chain.Network())
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "token decimals out of range", fmt.Sprint(c.Chain.TokenDecimals))
	}
	if c.Storage.ConnectionString == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "storage connection string is required")
	}
	switch strings.ToLower(c.Storage.Type) {
	case "sqlite", "postgres", "postgresql":
	default:
		return utils.NewAppError(utils.ErrCodeConfiguration, "unsupported storage type", c.Storage.Type)
	}
	if c.Monitor.PollInterval <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "monitor poll interval must be positive")
	}
	if c.Monitor.BatchSize == 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "monitor batch size must be positive")
	}
	if c.Monitor.RetryAttempts <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "monitor retry attempts must be positive")
	}
	if c.Notification.Enabled {
		u, err := url.Parse(c.Notification.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return utils.NewAppError(utils.ErrCodeConfiguration, "notification webhook URL is invalid", c.Notification.WebhookURL)
		}
	}
	return nil
}
