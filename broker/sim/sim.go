// Package sim is the simulated execution venue: every valid order fills
// immediately and positions are netted per symbol.
package sim

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
)

type Fill struct {
	Ticket   string
	ClientID string
	Symbol   string
	Side     market.Side
	Lots     float64
	Price    float64
	Time     time.Time
}

// net is a signed position: positive lots long, negative short.
type net struct {
	lots     float64
	avgPrice float64
}

type Broker struct {
	mu        sync.Mutex
	acct      broker.Account
	ticks     *market.TickStore
	positions map[string]*net
	fills     []Fill
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Broker) { b.log = logging.OrNop(log) }
}

// WithTicks shares a price store; fills use its bid/ask when present.
func WithTicks(ts *market.TickStore) Option {
	return func(b *Broker) { b.ticks = ts }
}

func New(balance float64, currency string, opts ...Option) *Broker {
	b := &Broker{
		acct: broker.Account{
			ID:       "sim-" + uuid.NewString()[:8],
			Currency: currency,
			Balance:  balance,
			Equity:   balance,
			Mode:     broker.ModeSimulated,
		},
		ticks:     market.NewTickStore(),
		positions: make(map[string]*net),
		now:       time.Now,
		log:       logging.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) Name() string { return "sim" }

func (b *Broker) Prices() *market.TickStore { return b.ticks }

func (b *Broker) Ping(ctx context.Context) error { return ctx.Err() }

func (b *Broker) SendOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	if err := req.Validate(); err != nil {
		return broker.OrderResult{Success: false, Error: err.Error()}, nil
	}

	symbol := market.DisplaySymbol(req.Symbol)
	price := b.fillPrice(symbol, req)

	b.mu.Lock()
	defer b.mu.Unlock()

	f := Fill{
		Ticket:   uuid.NewString(),
		ClientID: req.ClientID,
		Symbol:   symbol,
		Side:     req.Side,
		Lots:     req.Lots,
		Price:    price,
		Time:     b.now(),
	}
	b.fills = append(b.fills, f)
	b.applyLocked(f)

	b.log.Infow("simulated fill", "ticket", f.Ticket, "symbol", symbol, "side", req.Side, "lots", req.Lots, "price", price)
	return broker.OrderResult{Success: true, Ticket: f.Ticket, Price: price, Time: f.Time}, nil
}

// fillPrice takes the ask for buys and bid for sells when a tick is
// known, otherwise the requested price, otherwise zero.
func (b *Broker) fillPrice(symbol string, req broker.OrderRequest) float64 {
	if t, err := b.ticks.Get(symbol); err == nil {
		if req.Side == market.Sell {
			return t.Bid
		}
		return t.Ask
	}
	if req.Price != nil {
		return *req.Price
	}
	return 0
}

func (b *Broker) applyLocked(f Fill) {
	delta := f.Lots * f.Side.Sign()
	p, ok := b.positions[f.Symbol]
	if !ok {
		b.positions[f.Symbol] = &net{lots: delta, avgPrice: f.Price}
		return
	}

	next := p.lots + delta
	switch {
	case math.Abs(next) < 1e-12:
		delete(b.positions, f.Symbol)
	case p.lots*delta > 0:
		p.avgPrice = (p.avgPrice*math.Abs(p.lots) + f.Price*f.Lots) / math.Abs(next)
		p.lots = next
	case p.lots*next < 0:
		// flipped through zero: remainder opens at the fill price
		p.lots = next
		p.avgPrice = f.Price
	default:
		p.lots = next
	}
}

func (b *Broker) AccountSnapshot(ctx context.Context) (broker.Account, error) {
	if err := ctx.Err(); err != nil {
		return broker.Account{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acct, nil
}

// SetEquity overrides the reported equity.
func (b *Broker) SetEquity(equity float64) {
	b.mu.Lock()
	b.acct.Equity = equity
	b.mu.Unlock()
}

func (b *Broker) OpenPositions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "open positions")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]broker.Position, 0, len(b.positions))
	for sym, p := range b.positions {
		side := market.Buy
		if p.lots < 0 {
			side = market.Sell
		}
		out = append(out, broker.Position{
			Symbol:   sym,
			Side:     side,
			Lots:     math.Abs(p.lots),
			AvgPrice: p.avgPrice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (b *Broker) Fills() []Fill {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Fill, len(b.fills))
	copy(out, b.fills)
	return out
}
