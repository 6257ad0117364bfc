// File: cmd/monitor/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
	"github.com/yieldvault/deposit-monitor/internal/monitor"
	"github.com/yieldvault/deposit-monitor/internal/notification"
	"github.com/yieldvault/deposit-monitor/internal/server"
	"github.com/yieldvault/deposit-monitor/internal/storage"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application wires the deposit pipeline together
type Application struct {
	config     *config.Config
	logger     *logrus.Entry
	startTime  time.Time
	metrics    *metrics.Manager
	connection *chain.ConnectionManager
	reader     *chain.RPCReader
	store      *storage.SQLStore
	ledger     *storage.StorageWithMetrics
	monitor    *monitor.DepositMonitor
	server     *server.HTTPServer
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config:    cfg,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.ComponentLogger("app")
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewManager()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initializeChain(); err != nil {
		return fmt.Errorf("failed to initialize chain reader: %w", err)
	}

	app.monitor = monitor.NewDepositMonitor(app.reader, app.ledger, &app.config.Chain, &app.config.Monitor)
	app.monitor.SetMetrics(app.metrics.GetPrometheusMetrics())
	if app.config.Notification.Enabled {
		app.monitor.SetNotifier(notification.NewWebhookSender(&app.config.Notification))
		app.logger.Info("Reorg alerts enabled")
	}

	if app.config.Server.Enabled {
		app.server = server.NewHTTPServer(&app.config.Server, app.ledger, app.monitor, app.reader, app.metrics)
		app.server.SetBaseContext(app.ctx)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage connects the database and applies migrations
func (app *Application) initializeStorage() error {
	store, err := openStorage(app.ctx, &app.config.Storage, true)
	if err != nil {
		return err
	}
	app.store = store
	app.ledger = storage.NewStorageWithMetrics(store, app.metrics.GetPrometheusMetrics())
	return nil
}

// initializeChain builds the RPC reader and checks the node serves the
// expected chain
func (app *Application) initializeChain() error {
	app.connection = chain.NewConnectionManager(&app.config.Chain)

	ctx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
	defer cancel()
	if err := app.connection.HealthCheck(ctx); err != nil {
		if utils.ErrorCode(err) == utils.ErrCodeConfiguration {
			return err
		}
		// the monitor retries every tick; an unreachable node is not fatal
		app.logger.WithError(err).Warn("Chain node health check failed")
	}

	app.reader = chain.NewRPCReader(app.connection, &app.config.Chain)
	app.reader.SetMetrics(app.metrics.GetPrometheusMetrics())
	return nil
}

// Start starts the monitor and the HTTP server
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":  AppVersion,
		"network":  app.config.Chain.Network(),
		"contract": app.config.Chain.ContractAddress,
	}).Info("Starting deposit monitor")

	if app.config.Monitor.Enabled {
		if err := app.monitor.Start(app.ctx); err != nil {
			return fmt.Errorf("failed to start monitor: %w", err)
		}
	} else {
		app.logger.Warn("Monitor disabled by configuration, start it over the API")
	}

	if app.server != nil {
		if err := app.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	app.logger.Info("Deposit monitor started successfully")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() {
	app.logger.Info("Stopping deposit monitor")

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.monitor != nil {
		if err := app.monitor.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop monitor")
		}
	}

	app.cancel()

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close chain connection")
		}
	}

	app.logger.WithField("uptime", time.Since(app.startTime).Round(time.Second)).Info("Deposit monitor stopped")
}

// openStorage connects to the configured database, optionally migrating it
func openStorage(ctx context.Context, cfg *config.StorageConfig, migrate bool) (*storage.SQLStore, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(); err != nil {
		return nil, err
	}
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// loadConfig reads .env, the config file and the environment, then validates
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "deposit-monitor",
	Short:         "Vault deposit ingestion service",
	Long:          `Watches the vault deposit contract, records confirmed DepositMade events in the ledger and credits user balances.`,
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMonitor,
}

// runCmd runs the full service
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the deposit monitor and HTTP API",
	RunE:  runMonitor,
}

// runMonitor is the main command to run the service
func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	sig := <-signalChan
	app.logger.WithField("signal", sig.String()).Info("Received shutdown signal")

	app.Stop()
	return nil
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
