package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate the layered configuration

Examples:
  autotrader config init -o autotrader.yaml
  autotrader config validate -c autotrader.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration (file plus environment)",
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "autotrader.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.Default().SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintf(out, "\nEdit the file and run with:\n  autotrader run -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	eff := cfg.Effective()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", orDefault(configPath, "(defaults)"))
	fmt.Fprintf(out, "  Broker: %s\n", cfg.Broker.Kind)
	fmt.Fprintf(out, "  Journal: %s\n", orDefault(cfg.Journal.Driver, "disabled"))
	fmt.Fprintf(out, "  Rate limit: %d/symbol, %d global per %.0fs\n",
		cfg.RateLimit.PerSymbolMax, cfg.RateLimit.GlobalMax, cfg.RateLimit.WindowSeconds)
	fmt.Fprintf(out, "  Cache: ttl %.0fs, %d entries (low memory: %t)\n",
		eff.Cache.TTLSeconds, eff.Cache.MaxSize, cfg.App.LowMemory)
	fmt.Fprintf(out, "  State dir: %s\n", cfg.State.Dir)
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
