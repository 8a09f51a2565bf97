package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/killswitch"
	"github.com/rustyeddy/autotrader/state"
)

var killCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "Inspect, trigger or reset the persisted kill switch",
	Long: `Operate on the kill switch stored in the state directory. A running
process picks up the persisted state on its next start; trigger and reset
here are for operators between runs.

Examples:
  autotrader killswitch status
  autotrader killswitch trigger --reason "manual halt" --meta ticket=OPS-12
  autotrader killswitch reset`,
}

var killStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the kill switch state as JSON",
	RunE:  runKillStatus,
}

var killTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Activate the kill switch",
	RunE:  runKillTrigger,
}

var killResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear an active kill switch",
	RunE:  runKillReset,
}

var (
	killReason string
	killMeta   []string
)

func init() {
	rootCmd.AddCommand(killCmd)
	killCmd.AddCommand(killStatusCmd)
	killCmd.AddCommand(killTriggerCmd)
	killCmd.AddCommand(killResetCmd)

	killTriggerCmd.Flags().StringVarP(&killReason, "reason", "r", "manual", "reason recorded with the trigger")
	killTriggerCmd.Flags().StringSliceVar(&killMeta, "meta", nil, "key=value metadata, repeatable")
}

func openKillSwitch(cfg *config.Config, log *zap.SugaredLogger) (*killswitch.Switch, error) {
	store, err := state.OpenStore(filepath.Join(cfg.State.Dir, killSwitchFile), log)
	if err != nil {
		return nil, err
	}
	ks := killswitch.New(killswitch.WithPersister(store), killswitch.WithLogger(log.Named("killswitch")))
	if err := ks.Restore(); err != nil {
		return nil, err
	}
	return ks, nil
}

func runKillStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ks, err := openKillSwitch(cfg, log)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ks.Status())
}

func runKillTrigger(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ks, err := openKillSwitch(cfg, log)
	if err != nil {
		return err
	}

	meta := map[string]any{"source": "cli"}
	for _, kv := range killMeta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("metadata %q: want key=value", kv)
		}
		meta[k] = v
	}

	if !ks.Trigger(killReason, meta) {
		fmt.Fprintf(cmd.OutOrStdout(), "Kill switch already active: %s\n", ks.Status().Reason)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Kill switch activated: %s\n", killReason)
	return nil
}

func runKillReset(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ks, err := openKillSwitch(cfg, log)
	if err != nil {
		return err
	}
	if !ks.Reset() {
		fmt.Fprintln(cmd.OutOrStdout(), "Kill switch was not active")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Kill switch reset")
	return nil
}
