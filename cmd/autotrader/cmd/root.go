package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/logging"
)

var rootCmd = &cobra.Command{
	Use:   "autotrader",
	Short: "Signal-to-order pipeline with kill switch and health supervision",
	Long: `Autotrader takes trade signals, gates them through the kill switch,
health, environment, risk and rate limits, and sends the survivors to a
broker. Watchdogs supervise latency, connectivity and account health and
halt trading when something goes wrong.

Configuration is layered: defaults, then the file given with --config,
then AUTOTRADER_* environment variables.`,
	SilenceUsage: true,
}

var (
	configPath string
	logLevel   string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
}

// loadConfig resolves the layered configuration and builds the logger.
func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "logger")
	}
	return cfg, log, nil
}
