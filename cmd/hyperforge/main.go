package main

import (
	"fmt"
	"os"

	"github.com/raykavin/hyperforge/internal/config"
	"github.com/raykavin/hyperforge/pkg/logger"
	"github.com/raykavin/hyperforge/pkg/logger/zerolog"
	"github.com/raykavin/hyperforge/pkg/storage"
	"github.com/spf13/cobra"
)

// Command line flags
var (
	configPath string
	envFile    string
)

func main() {
	// Create root command
	rootCmd := &cobra.Command{
		Use:           "hyperforge",
		Short:         "Combinatorial hyperopt search with backtest validation",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default ./hyperforge.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Dotenv file loaded before the configuration")

	// Add commands
	rootCmd.AddCommand(buildOptimizeCmd())
	rootCmd.AddCommand(buildReportsCmd())
	rootCmd.AddCommand(buildSpacesCmd())
	rootCmd.AddCommand(buildTrialsCmd())

	// Execute
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration shared by every command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	return zerolog.New(zerolog.Options{
		Level:      cfg.Log.Level,
		TimeLayout: cfg.Log.TimeLayout,
		Colored:    cfg.Log.Colored,
		JSON:       cfg.Log.JSON,
	})
}

func openStorage(cfg *config.Config) (storage.ReportStorage, error) {
	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s storage %s: %w", cfg.Storage.Driver, cfg.Storage.Path, err)
	}
	return store, nil
}
