// Package broker defines the execution venue boundary. The live OANDA
// adapter and the simulated venue both satisfy Broker.
package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
)

// Account modes reported by AccountSnapshot.
const (
	ModeLive      = "LIVE"
	ModeSimulated = "SIMULATED"
)

var (
	ErrInvalidOrder = errors.New("invalid order request")
	ErrUnavailable  = errors.New("broker unavailable")
)

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

type Broker interface {
	Name() string
	SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	AccountSnapshot(ctx context.Context) (Account, error)
	OpenPositions(ctx context.Context) ([]Position, error)
	Ping(ctx context.Context) error
}

type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       market.Side
	Type       OrderType
	Lots       float64
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
	Tag        string
}

// Validate checks the fields every venue needs.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return errors.Wrap(ErrInvalidOrder, "symbol required")
	}
	if !r.Side.Valid() {
		return errors.Wrapf(ErrInvalidOrder, "side %q", r.Side)
	}
	if r.Lots <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "lots %v", r.Lots)
	}
	switch r.Type {
	case "", Market:
	case Limit, Stop:
		if r.Price == nil || *r.Price <= 0 {
			return errors.Wrapf(ErrInvalidOrder, "%s order needs a price", r.Type)
		}
	default:
		return errors.Wrapf(ErrInvalidOrder, "order type %q", r.Type)
	}
	return nil
}

// OrderResult is the venue's answer. Success=false with Error set is a
// clean rejection; a non-nil error from SendOrder is a transport failure.
type OrderResult struct {
	Success bool
	Ticket  string
	Price   float64
	Error   string
	Time    time.Time
}

type Account struct {
	ID         string
	Currency   string
	Balance    float64
	Equity     float64
	MarginUsed float64
	Mode       string
}

// Position is a broker-reported net position in lots.
type Position struct {
	Symbol   string
	Side     market.Side
	Lots     float64
	AvgPrice float64
}

// Select returns live when it answers Ping, otherwise fallback.
func Select(ctx context.Context, live, fallback Broker, log *zap.SugaredLogger) Broker {
	log = logging.OrNop(log)
	if live == nil {
		return fallback
	}
	if err := live.Ping(ctx); err != nil {
		log.Warnw("live broker unreachable, using fallback", "live", live.Name(), "fallback", fallback.Name(), "err", err)
		return fallback
	}
	log.Infow("using live broker", "broker", live.Name())
	return live
}
