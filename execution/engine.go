package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/pkg/id"
)

var (
	ErrInvalidVolume     = errors.New("volume must be positive")
	ErrInvalidFill       = errors.New("invalid fill")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrBrokerRejected    = errors.New("broker rejected order")
	ErrNoBroker          = errors.New("no broker configured")
)

// Snapshot is the engine's own bookkeeping summary.
type Snapshot struct {
	Total     int `json:"total"`
	Open      int `json:"open"`
	Filled    int `json:"filled"`
	Cancelled int `json:"cancelled"`
}

// Result is what Execute returns for a filled order.
type Result struct {
	OrderID string
	Ticket  string
	Price   float64
	Volume  float64
}

// Engine owns every TrackedOrder. Transitions only move forward:
// PENDING to FILLED or CANCELLED.
type Engine struct {
	mu     sync.Mutex
	orders map[string]*TrackedOrder
	broker broker.Broker
	ids    *id.Generator
	now    func() time.Time
	log    *zap.SugaredLogger
}

type Option func(*Engine)

func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDs(g *id.Generator) Option {
	return func(e *Engine) { e.ids = g }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = logging.OrNop(log) }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		orders: make(map[string]*TrackedOrder),
		ids:    id.NewGenerator("ord"),
		now:    time.Now,
		log:    logging.Nop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Broker returns the venue orders are sent to, or nil.
func (e *Engine) Broker() broker.Broker { return e.broker }

// SubmitOrder records a PENDING order and returns its client id.
func (e *Engine) SubmitOrder(spec OrderSpec) (string, error) {
	if spec.Volume <= 0 {
		return "", errors.Wrapf(ErrInvalidVolume, "submit %s: %v", spec.Symbol, spec.Volume)
	}
	if spec.Type == "" {
		spec.Type = broker.Market
	}
	spec.Metadata = copyMeta(spec.Metadata)

	now := e.now()
	o := &TrackedOrder{
		ID:        e.ids.New(),
		Spec:      spec,
		Status:    Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	e.orders[o.ID] = o
	e.mu.Unlock()

	e.log.Debugw("order submitted", "id", o.ID, "symbol", spec.Symbol, "side", spec.Side, "volume", spec.Volume)
	return o.ID, nil
}

// CancelOrder moves a PENDING order to CANCELLED. It returns false for an
// order that is already terminal.
func (e *Engine) CancelOrder(orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return false, errors.Wrap(ErrOrderNotFound, orderID)
	}
	if o.Status.Terminal() {
		return false, nil
	}
	o.Status = Cancelled
	o.UpdatedAt = e.now()
	e.log.Debugw("order cancelled", "id", orderID)
	return true, nil
}

// RecordFill appends a fill and marks the order FILLED. Fills after the
// first are appended to an already FILLED order; a CANCELLED order
// accepts none.
func (e *Engine) RecordFill(orderID string, price, volume float64) error {
	return e.fill(orderID, "", price, volume)
}

func (e *Engine) fill(orderID, brokerID string, price, volume float64) error {
	if volume <= 0 {
		return errors.Wrapf(ErrInvalidFill, "volume %v", volume)
	}
	if price < 0 {
		return errors.Wrapf(ErrInvalidFill, "price %v", price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return errors.Wrap(ErrOrderNotFound, orderID)
	}
	if o.Status == Cancelled {
		return errors.Wrapf(ErrInvalidTransition, "fill on cancelled order %s", orderID)
	}

	now := e.now()
	o.Fills = append(o.Fills, Fill{Price: price, Volume: volume, Time: now})
	o.Status = Filled
	o.UpdatedAt = now
	if brokerID != "" {
		o.BrokerID = brokerID
	}
	e.log.Debugw("order filled", "id", orderID, "broker_id", o.BrokerID, "price", price, "volume", volume)
	return nil
}

// Order returns a copy of the tracked order.
func (e *Engine) Order(orderID string) (TrackedOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return TrackedOrder{}, false
	}
	return o.clone(), true
}

// ListOpenOrders returns non-terminal orders, oldest first.
func (e *Engine) ListOpenOrders() []TrackedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []TrackedOrder
	for _, o := range e.orders {
		if !o.Status.Terminal() {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Reconcile() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{Total: len(e.orders)}
	for _, o := range e.orders {
		switch o.Status {
		case Pending:
			s.Open++
		case Filled:
			s.Filled++
		case Cancelled:
			s.Cancelled++
		}
	}
	return s
}

// Prune drops terminal orders last updated before cutoff and returns how
// many were removed.
func (e *Engine) Prune(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, o := range e.orders {
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(e.orders, k)
			n++
		}
	}
	return n
}

// Execute submits spec, sends it to the broker and records the outcome.
// A rejected or failed send cancels the order.
func (e *Engine) Execute(ctx context.Context, spec OrderSpec) (Result, error) {
	if e.broker == nil {
		return Result{}, ErrNoBroker
	}
	orderID, err := e.SubmitOrder(spec)
	if err != nil {
		return Result{}, err
	}

	res, err := e.broker.SendOrder(ctx, broker.OrderRequest{
		ClientID:   orderID,
		Symbol:     spec.Symbol,
		Side:       spec.Side,
		Type:       spec.Type,
		Lots:       spec.Volume,
		Price:      spec.Price,
		StopLoss:   spec.StopLoss,
		TakeProfit: spec.TakeProfit,
		Tag:        spec.Tag,
	})
	if err != nil {
		e.cancelQuietly(orderID)
		e.log.Warnw("broker send failed", "id", orderID, "broker", e.broker.Name(), "err", err)
		return Result{OrderID: orderID}, errors.WithMessage(err, "send order")
	}
	if !res.Success {
		e.cancelQuietly(orderID)
		e.log.Warnw("broker rejected order", "id", orderID, "broker", e.broker.Name(), "reason", res.Error)
		return Result{OrderID: orderID}, errors.Wrap(ErrBrokerRejected, res.Error)
	}

	price := res.Price
	if price == 0 && spec.Price != nil {
		price = *spec.Price
	}
	if err := e.fill(orderID, res.Ticket, price, spec.Volume); err != nil {
		return Result{OrderID: orderID}, err
	}

	e.log.Infow("order executed",
		"id", orderID, "ticket", res.Ticket, "symbol", market.DisplaySymbol(spec.Symbol),
		"side", spec.Side, "volume", spec.Volume, "price", price)
	return Result{OrderID: orderID, Ticket: res.Ticket, Price: price, Volume: spec.Volume}, nil
}

func (e *Engine) cancelQuietly(orderID string) {
	if _, err := e.CancelOrder(orderID); err != nil {
		e.log.Errorw("cancel after failed send", "id", orderID, "err", err)
	}
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
