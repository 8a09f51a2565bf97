package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/cache"
	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/state"
)

var chochCmd = &cobra.Command{
	Use:   "choch",
	Short: "Record and query change-of-character outcomes",
	Long: `Maintain the CHoCH memory the pipeline consults for historical
success rates.

Examples:
  autotrader choch add --symbol EURUSD --timeframe H1 --level 1.0850 --direction BUY --success
  autotrader choch rate --symbol EURUSD --timeframe H1 --level 1.0852`,
}

var chochAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Append one outcome",
	RunE:  runChochAdd,
}

var chochRateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Print the success rate near a level",
	RunE:  runChochRate,
}

var (
	chochSymbol    string
	chochTimeframe string
	chochLevel     float64
	chochDirection string
	chochSuccess   bool
)

func init() {
	rootCmd.AddCommand(chochCmd)
	chochCmd.AddCommand(chochAddCmd)
	chochCmd.AddCommand(chochRateCmd)

	for _, c := range []*cobra.Command{chochAddCmd, chochRateCmd} {
		c.Flags().StringVar(&chochSymbol, "symbol", "", "instrument, e.g. EURUSD")
		c.Flags().StringVar(&chochTimeframe, "timeframe", "H1", "timeframe of the structure")
		c.Flags().Float64Var(&chochLevel, "level", 0, "price level")
		_ = c.MarkFlagRequired("symbol")
		_ = c.MarkFlagRequired("level")
	}
	chochAddCmd.Flags().StringVar(&chochDirection, "direction", "", "BUY or SELL")
	chochAddCmd.Flags().BoolVar(&chochSuccess, "success", false, "whether the move followed through")
	_ = chochAddCmd.MarkFlagRequired("direction")
}

func openChoch(cfg *config.Config) (*state.ChochMemory, error) {
	eff := cfg.Effective()
	rates := cache.New[state.SuccessRate](cache.Config{
		TTL:     config.Seconds(eff.Cache.TTLSeconds),
		MaxSize: eff.Cache.MaxSize,
	})
	return state.OpenChochMemory(filepath.Join(cfg.State.Dir, chochFile), historyTolerance, rates, nil)
}

func runChochAdd(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	tf, _, err := market.ParseTimeframe(chochTimeframe)
	if err != nil {
		return err
	}
	side, err := market.ParseSide(chochDirection)
	if err != nil {
		return err
	}
	mem, err := openChoch(cfg)
	if err != nil {
		return err
	}
	rec := state.ChochRecord{
		Symbol:    chochSymbol,
		Timeframe: tf,
		Level:     chochLevel,
		Direction: string(side),
		Success:   chochSuccess,
		At:        time.Now().UTC(),
	}
	if err := mem.Append(rec); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Recorded %s %s @ %.5f (%d records)\n",
		rec.Symbol, rec.Timeframe, rec.Level, mem.Len())
	return nil
}

func runChochRate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	tf, _, err := market.ParseTimeframe(chochTimeframe)
	if err != nil {
		return err
	}
	mem, err := openChoch(cfg)
	if err != nil {
		return err
	}
	sr, ok := mem.SuccessRate(chochSymbol, tf, chochLevel)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "No history near %.5f\n", chochLevel)
		return nil
	}
	return printJSON(cmd.OutOrStdout(), sr)
}
