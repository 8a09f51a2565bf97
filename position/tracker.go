// Package position keeps the in-memory ledger of open and closed positions.
package position

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
)

var (
	ErrNoPosition   = errors.New("no open position")
	ErrInvalidLots  = errors.New("lots must be positive")
	ErrInvalidPrice = errors.New("price must be positive")
	ErrInvalidSide  = errors.New("invalid direction")
)

// Position is an open, netted position for one symbol.
type Position struct {
	Symbol    string            `json:"symbol"`
	Lots      decimal.Decimal   `json:"lots"`
	AvgPrice  decimal.Decimal   `json:"avg_price"`
	Direction market.Side       `json:"direction"`
	OpenedAt  time.Time         `json:"opened_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ClosedPosition is a Position after it was closed out.
type ClosedPosition struct {
	Position
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ClosedAt    time.Time       `json:"closed_at"`
}

// Exposure summarizes the open book. UnrealizedPnL stays zero until a
// price feed is attached.
type Exposure struct {
	OpenPositions int      `json:"open_positions"`
	TotalLots     float64  `json:"total_lots"`
	Symbols       []string `json:"symbols"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
}

// Tracker serializes every mutation through one mutex.
type Tracker struct {
	mu     sync.Mutex
	open   map[string]*Position
	closed []ClosedPosition
	now    func() time.Time
	log    *zap.SugaredLogger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *Tracker) { t.log = logging.OrNop(log) }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		open: make(map[string]*Position),
		now:  time.Now,
		log:  logging.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func key(symbol string) string {
	return market.DisplaySymbol(strings.TrimSpace(symbol))
}

// Upsert adds lots at entryPrice to the symbol's position, averaging the
// entry by volume. The direction is replaced with dir.
func (t *Tracker) Upsert(symbol string, lots, entryPrice float64, dir market.Side, meta map[string]string) (Position, error) {
	if lots <= 0 {
		return Position{}, errors.Wrapf(ErrInvalidLots, "upsert %s: %v", symbol, lots)
	}
	if entryPrice <= 0 {
		return Position{}, errors.Wrapf(ErrInvalidPrice, "upsert %s: %v", symbol, entryPrice)
	}
	if !dir.Valid() {
		return Position{}, errors.Wrapf(ErrInvalidSide, "upsert %s: %q", symbol, dir)
	}

	addLots := decimal.NewFromFloat(lots)
	addPrice := decimal.NewFromFloat(entryPrice)
	k := key(symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.open[k]
	if !ok {
		p = &Position{
			Symbol:    k,
			Lots:      addLots,
			AvgPrice:  addPrice,
			Direction: dir,
			OpenedAt:  t.now(),
			Metadata:  copyMeta(meta),
		}
		t.open[k] = p
		t.log.Debugw("position opened", "symbol", k, "lots", lots, "price", entryPrice, "direction", dir)
		return clonePosition(p), nil
	}

	total := p.Lots.Add(addLots)
	notional := p.AvgPrice.Mul(p.Lots).Add(addPrice.Mul(addLots))
	p.AvgPrice = notional.Div(total)
	p.Lots = total
	p.Direction = dir
	for mk, mv := range meta {
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		p.Metadata[mk] = mv
	}
	t.log.Debugw("position increased", "symbol", k, "lots", p.Lots.String(), "avg_price", p.AvgPrice.String())
	return clonePosition(p), nil
}

// Close realizes the whole position at exitPrice and moves it to history.
func (t *Tracker) Close(symbol string, exitPrice float64) (ClosedPosition, error) {
	if exitPrice <= 0 {
		return ClosedPosition{}, errors.Wrapf(ErrInvalidPrice, "close %s: %v", symbol, exitPrice)
	}
	k := key(symbol)

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.open[k]
	if !ok {
		return ClosedPosition{}, errors.Wrapf(ErrNoPosition, "close %s", k)
	}

	exit := decimal.NewFromFloat(exitPrice)
	pnl := exit.Sub(p.AvgPrice).Mul(p.Lots)
	if p.Direction == market.Sell {
		pnl = pnl.Neg()
	}

	cp := ClosedPosition{
		Position:    clonePosition(p),
		ExitPrice:   exit,
		RealizedPnL: pnl,
		ClosedAt:    t.now(),
	}
	t.closed = append(t.closed, cp)
	delete(t.open, k)

	t.log.Infow("position closed", "symbol", k, "exit", exitPrice, "pnl", pnl.String())
	return cp, nil
}

// Get returns a copy of the open position for symbol.
func (t *Tracker) Get(symbol string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.open[key(symbol)]
	if !ok {
		return Position{}, false
	}
	return clonePosition(p), true
}

// Open returns copies of all open positions sorted by symbol.
func (t *Tracker) Open() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.open))
	for _, p := range t.open {
		out = append(out, clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (t *Tracker) Closed() []ClosedPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ClosedPosition, len(t.closed))
	copy(out, t.closed)
	return out
}

// RealizedSince sums realized PnL of positions closed at or after since.
func (t *Tracker) RealizedSince(since time.Time) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	sum := decimal.Zero
	for _, c := range t.closed {
		if !c.ClosedAt.Before(since) {
			sum = sum.Add(c.RealizedPnL)
		}
	}
	return sum
}

func (t *Tracker) Exposure() Exposure {
	t.mu.Lock()
	defer t.mu.Unlock()

	ex := Exposure{Symbols: make([]string, 0, len(t.open))}
	total := decimal.Zero
	for k, p := range t.open {
		ex.Symbols = append(ex.Symbols, k)
		total = total.Add(p.Lots)
	}
	sort.Strings(ex.Symbols)
	ex.OpenPositions = len(t.open)
	ex.TotalLots = total.InexactFloat64()
	return ex
}

// LotsBySymbol returns net open lots per symbol, used by reconciliation.
func (t *Tracker) LotsBySymbol() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.open))
	for k, p := range t.open {
		out[k] = p.Lots.InexactFloat64()
	}
	return out
}

func clonePosition(p *Position) Position {
	c := *p
	c.Metadata = copyMeta(p.Metadata)
	return c
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
