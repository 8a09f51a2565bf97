package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/market"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List and close journaled trades",
	Long: `Operate on the trade journal configured under journal.driver and
journal.dsn. Closing an entry here records the exit; it does not send an
order to the broker.

Examples:
  autotrader journal open
  autotrader journal close --id ord-12 --price 1.0912
  autotrader journal close --id ord-12 --price 1.0912 --pnl 41.5`,
}

var journalOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Print open journal entries as JSON",
	RunE:  runJournalOpen,
}

var journalCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Record the exit of an open entry",
	RunE:  runJournalClose,
}

var (
	journalID    string
	journalPrice float64
	journalPnL   float64
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalOpenCmd)
	journalCmd.AddCommand(journalCloseCmd)

	journalCloseCmd.Flags().StringVar(&journalID, "id", "", "client order id of the entry")
	journalCloseCmd.Flags().Float64Var(&journalPrice, "price", 0, "exit price")
	journalCloseCmd.Flags().Float64Var(&journalPnL, "pnl", 0, "realized PnL; computed from the entry when omitted")
	_ = journalCloseCmd.MarkFlagRequired("id")
	_ = journalCloseCmd.MarkFlagRequired("price")
}

func openJournal(cfg *config.Config) (journal.Journal, error) {
	if cfg.Journal.Driver == "" {
		return nil, errors.New("no journal configured")
	}
	return journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
}

func runJournalOpen(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	open, err := j.OpenEntries(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), open)
}

func runJournalClose(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	var pnl *float64
	if cmd.Flags().Changed("pnl") {
		pnl = &journalPnL
	}
	e, err := closeEntry(cmd.Context(), j, journalID, journalPrice, pnl, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Closed %s %s %.2f lots @ %.5f, pnl %.2f\n",
		e.ID, e.Symbol, e.Lots, e.ExitPrice, e.RealizedPnL)
	return nil
}

// closeEntry records the exit of the open entry id. A nil pnl is derived
// from the entry price, side and size in quote currency.
func closeEntry(ctx context.Context, j journal.Journal, id string, price float64, pnl *float64, at time.Time) (journal.Entry, error) {
	if price <= 0 {
		return journal.Entry{}, errors.Errorf("exit price must be positive, got %v", price)
	}
	open, err := j.OpenEntries(ctx)
	if err != nil {
		return journal.Entry{}, err
	}
	var e journal.Entry
	found := false
	for _, o := range open {
		if o.ID == id {
			e, found = o, true
			break
		}
	}
	if !found {
		return journal.Entry{}, errors.Wrapf(journal.ErrEntryNotFound, "close %s", id)
	}

	if pnl != nil {
		e.RealizedPnL = *pnl
	} else {
		units := market.LotsToUnits(e.Lots, market.Side(e.Side) == market.Sell)
		e.RealizedPnL = (price - e.EntryPrice) * units
	}
	e.ExitPrice = price
	e.Status = journal.StatusClosed
	e.ClosedAt = at

	if err := j.RecordClose(ctx, e.ID, e.ExitPrice, e.RealizedPnL, at); err != nil {
		return journal.Entry{}, err
	}
	return e, nil
}
