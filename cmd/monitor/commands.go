package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/storage"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Deposit Monitor v%s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration is valid")
		fmt.Printf("Network: %s (chain id %d)\n", cfg.Chain.Network(), cfg.Chain.ExpectedChainID())
		fmt.Printf("Contract: %s\n", cfg.Chain.ContractAddress)
		fmt.Printf("Storage: %s\n", cfg.Storage.Type)
		fmt.Printf("Confirmations: %d, batch size: %d\n", cfg.Monitor.ConfirmationBlocks, cfg.Monitor.BatchSize)
		return nil
	},
}

// migrateCmd applies pending schema migrations
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := openStorage(ctx, &cfg.Storage, true)
		if err != nil {
			return err
		}
		defer store.Close()

		statuses, err := store.MigrationStatus(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			fmt.Printf("%5d  %-8s  %s\n", st.Version, st.State, st.Path)
		}
		return nil
	},
}

// statusCmd reports the stored watermark against the chain head
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ingestion position and lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		store, err := openStorage(ctx, &cfg.Storage, false)
		if err != nil {
			return err
		}
		defer store.Close()

		reader, closeReader := newReader(cfg)
		defer closeReader()

		report := map[string]interface{}{
			"contract": reader.Info(),
		}

		state, err := store.GetMonitorState(ctx, cfg.Chain.ContractAddress)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			report["state"] = "not initialized"
		case err != nil:
			return err
		default:
			report["last_processed_block"] = state.LastProcessedBlock
			report["last_updated"] = state.LastUpdated
		}

		height, err := reader.CurrentHeight(ctx)
		if err != nil {
			report["chain_error"] = err.Error()
		} else {
			report["chain_height"] = height
			if state != nil && height > state.LastProcessedBlock {
				report["blocks_behind"] = height - state.LastProcessedBlock
			}
		}

		stats, err := store.GetDepositStats(ctx, "")
		if err != nil {
			return err
		}
		report["ledger"] = stats

		return printJSON(report)
	},
}

// verifyCmd checks one deposit transaction on chain
var verifyCmd = &cobra.Command{
	Use:   "verify <tx-hash> <wallet>",
	Short: "Verify a deposit transaction against the contract",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		reader, closeReader := newReader(cfg)
		defer closeReader()

		verification, err := reader.VerifyDeposit(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if err := printJSON(verification); err != nil {
			return err
		}
		if !verification.Verified {
			return fmt.Errorf("deposit not verified: %s", verification.Reason)
		}
		return nil
	},
}

// reconcileCmd compares the contract's running total for a wallet with the ledger
var reconcileCmd = &cobra.Command{
	Use:   "reconcile <wallet>",
	Short: "Compare on-chain deposit totals with the ledger for a wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wallet := args[0]
		if !utils.IsValidAddress(wallet) {
			return utils.NewAppError(utils.ErrCodeValidation, "Invalid wallet address", wallet)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		store, err := openStorage(ctx, &cfg.Storage, false)
		if err != nil {
			return err
		}
		defer store.Close()

		reader, closeReader := newReader(cfg)
		defer closeReader()

		onChain, err := reader.TotalDeposited(ctx, wallet)
		if err != nil {
			return err
		}
		count, err := reader.DepositCount(ctx, wallet)
		if err != nil {
			return err
		}
		ledger, err := store.GetDepositStats(ctx, wallet)
		if err != nil {
			return err
		}

		diff := onChain.Sub(ledger.TotalDeposited)
		if err := printJSON(map[string]interface{}{
			"wallet":               utils.NormalizeAddress(wallet),
			"chain_total":          onChain,
			"chain_deposit_count":  count,
			"ledger_total":         ledger.TotalDeposited,
			"ledger_deposit_count": ledger.DepositCount,
			"difference":           diff,
		}); err != nil {
			return err
		}

		// the ledger trails the head by the confirmation depth, so a positive
		// difference can be in-flight deposits
		if !diff.IsZero() {
			return fmt.Errorf("ledger differs from chain by %s", diff)
		}
		return nil
	},
}

func newReader(cfg *config.Config) (*chain.RPCReader, func()) {
	cm := chain.NewConnectionManager(&cfg.Chain)
	return chain.NewRPCReader(cm, &cfg.Chain), func() { cm.Close() }
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
