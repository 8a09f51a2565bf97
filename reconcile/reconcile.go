// Package reconcile compares what the journal believes is open with what
// the broker reports, and writes a report per run.
package reconcile

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/execution"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/state"
)

// Discrepancy kinds.
const (
	MissingInJournal = "missing_in_journal"
	MissingInBroker  = "missing_in_broker"
	VolumeMismatch   = "volume_mismatch"
)

const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

// Tolerance is the largest lot difference treated as equal.
const Tolerance = 1e-9

type Discrepancy struct {
	Symbol      string  `json:"symbol"`
	Kind        string  `json:"kind"`
	JournalLots float64 `json:"journal_lots"`
	BrokerLots  float64 `json:"broker_lots"`
}

type Summary struct {
	Symbols          int `json:"symbols"`
	Discrepancies    int `json:"discrepancies"`
	MissingInJournal int `json:"missing_in_journal"`
	MissingInBroker  int `json:"missing_in_broker"`
	VolumeMismatch   int `json:"volume_mismatch"`
}

// Report is produced fresh on every run. Lot totals are signed: buys
// positive, sells negative.
type Report struct {
	RunID         string              `json:"run_id"`
	Time          time.Time           `json:"time"`
	Status        string              `json:"status"`
	Errors        []string            `json:"errors,omitempty"`
	JournalLots   map[string]float64  `json:"journal_lots"`
	BrokerLots    map[string]float64  `json:"broker_lots"`
	Discrepancies []Discrepancy       `json:"discrepancies"`
	Summary       Summary             `json:"summary"`
	Orders        *execution.Snapshot `json:"orders,omitempty"`
	Path          string              `json:"-"`
}

type JournalSource interface {
	OpenEntries(ctx context.Context) ([]journal.Entry, error)
}

type PositionSource interface {
	OpenPositions(ctx context.Context) ([]broker.Position, error)
}

type OrderBook interface {
	Reconcile() execution.Snapshot
}

type Reconciler struct {
	journal   JournalSource
	positions PositionSource
	orders    OrderBook
	reports   *state.ReportWriter
	sink      metrics.Sink
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Reconciler)

func WithOrders(o OrderBook) Option {
	return func(r *Reconciler) { r.orders = o }
}

func WithReports(w *state.ReportWriter) Option {
	return func(r *Reconciler) { r.reports = w }
}

func WithSink(s metrics.Sink) Option {
	return func(r *Reconciler) { r.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a reconciler. Either source may be nil, which makes every
// run incomplete.
func New(j JournalSource, p PositionSource, log *zap.SugaredLogger, opts ...Option) *Reconciler {
	r := &Reconciler{
		journal:   j,
		positions: p,
		sink:      metrics.Nop{},
		now:       time.Now,
		log:       logging.OrNop(log).With("component", "reconcile"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunOnce compares both sides and persists the report when a writer is
// configured. An unavailable source yields an incomplete report, not an
// error.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	rep := Report{
		RunID:       uuid.NewString(),
		Time:        r.now().UTC(),
		Status:      StatusComplete,
		JournalLots: map[string]float64{},
		BrokerLots:  map[string]float64{},
	}

	if r.journal == nil {
		rep.incomplete("journal unavailable")
	} else if entries, err := r.journal.OpenEntries(ctx); err != nil {
		rep.incomplete("journal: " + err.Error())
	} else {
		for _, e := range entries {
			side, err := market.ParseSide(e.Side)
			if err != nil {
				side = market.Buy
			}
			rep.JournalLots[market.DisplaySymbol(e.Symbol)] += e.Lots * side.Sign()
		}
	}

	if r.positions == nil {
		rep.incomplete("positions unavailable")
	} else if positions, err := r.positions.OpenPositions(ctx); err != nil {
		rep.incomplete("positions: " + err.Error())
	} else {
		for _, p := range positions {
			rep.BrokerLots[market.DisplaySymbol(p.Symbol)] += p.Lots * p.Side.Sign()
		}
	}

	if r.orders != nil {
		snap := r.orders.Reconcile()
		rep.Orders = &snap
	}

	if rep.Status == StatusComplete {
		rep.Discrepancies = Compare(rep.JournalLots, rep.BrokerLots)
	}
	rep.summarize()

	r.sink.Incr("reconcile_runs", 1)
	r.sink.SetGauge("reconcile_discrepancies", float64(rep.Summary.Discrepancies))
	if rep.Status == StatusIncomplete {
		r.sink.Incr("reconcile_incomplete", 1)
		r.log.Warnw("reconciliation incomplete", "run", rep.RunID, "errors", rep.Errors)
	} else if rep.Summary.Discrepancies > 0 {
		r.log.Warnw("reconciliation found discrepancies", "run", rep.RunID, "discrepancies", rep.Discrepancies)
	} else {
		r.log.Infow("reconciliation clean", "run", rep.RunID, "symbols", rep.Summary.Symbols)
	}

	if r.reports != nil {
		path, err := r.reports.Write(rep.Time, rep)
		if err != nil {
			r.log.Errorw("reconciliation report not saved", "run", rep.RunID, "err", err)
		} else {
			rep.Path = path
		}
	}
	return rep
}

// Run reconciles every interval until ctx is done. The first run happens
// after one interval.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Compare lists every symbol where the journal and broker totals disagree,
// sorted by symbol.
func Compare(journalLots, brokerLots map[string]float64) []Discrepancy {
	symbols := map[string]struct{}{}
	for s := range journalLots {
		symbols[s] = struct{}{}
	}
	for s := range brokerLots {
		symbols[s] = struct{}{}
	}

	out := []Discrepancy{}
	for s := range symbols {
		j, b := journalLots[s], brokerLots[s]
		jz, bz := math.Abs(j) <= Tolerance, math.Abs(b) <= Tolerance
		d := Discrepancy{Symbol: s, JournalLots: j, BrokerLots: b}
		switch {
		case jz && bz:
			continue
		case jz:
			d.Kind = MissingInJournal
		case bz:
			d.Kind = MissingInBroker
		case math.Abs(j-b) > Tolerance:
			d.Kind = VolumeMismatch
		default:
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Symbol < out[k].Symbol })
	return out
}

func (rep *Report) incomplete(msg string) {
	rep.Status = StatusIncomplete
	rep.Errors = append(rep.Errors, msg)
}

func (rep *Report) summarize() {
	seen := map[string]struct{}{}
	for s := range rep.JournalLots {
		seen[s] = struct{}{}
	}
	for s := range rep.BrokerLots {
		seen[s] = struct{}{}
	}
	rep.Summary = Summary{Symbols: len(seen), Discrepancies: len(rep.Discrepancies)}
	for _, d := range rep.Discrepancies {
		switch d.Kind {
		case MissingInJournal:
			rep.Summary.MissingInJournal++
		case MissingInBroker:
			rep.Summary.MissingInBroker++
		case VolumeMismatch:
			rep.Summary.VolumeMismatch++
		}
	}
}
