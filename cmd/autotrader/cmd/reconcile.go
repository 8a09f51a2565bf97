package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare journaled open trades with broker positions once",
	Long: `Run one reconciliation pass: sum open journal entries per symbol, sum
broker-reported positions per symbol, and report every difference. The
report is also saved under <state.dir>/reports.

Examples:
  autotrader reconcile -c autotrader.yaml
  autotrader reconcile --strict   # exit non-zero on discrepancies`,
	RunE: runReconcile,
}

var reconcileStrict bool

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileStrict, "strict", false, "fail when the report is incomplete or has discrepancies")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	rep := a.reconciler.RunOnce(cmd.Context())
	if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
		return err
	}
	if reconcileStrict {
		if rep.Status == reconcile.StatusIncomplete {
			return fmt.Errorf("reconciliation incomplete: %v", rep.Errors)
		}
		if rep.Summary.Discrepancies > 0 {
			return fmt.Errorf("reconciliation found %d discrepancies", rep.Summary.Discrepancies)
		}
	}
	return nil
}
