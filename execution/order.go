// Package execution tracks order lifecycles and hands orders to a broker.
package execution

import (
	"time"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/market"
)

type Status string

const (
	Pending   Status = "PENDING"
	Filled    Status = "FILLED"
	Cancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// OrderSpec is the immutable intent behind an order.
type OrderSpec struct {
	Symbol     string            `json:"symbol"`
	Side       market.Side       `json:"side"`
	Volume     float64           `json:"volume"` // lots
	Type       broker.OrderType  `json:"type"`
	Price      *float64          `json:"price,omitempty"`
	StopLoss   *float64          `json:"stop_loss,omitempty"`
	TakeProfit *float64          `json:"take_profit,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Fill struct {
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"`
	Time   time.Time `json:"time"`
}

type TrackedOrder struct {
	ID        string    `json:"id"`
	BrokerID  string    `json:"broker_id,omitempty"`
	Spec      OrderSpec `json:"spec"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Fills     []Fill    `json:"fills,omitempty"`
}

// FilledVolume sums the volume of all fills.
func (o TrackedOrder) FilledVolume() float64 {
	var v float64
	for _, f := range o.Fills {
		v += f.Volume
	}
	return v
}

// AvgFillPrice is the volume-weighted fill price, zero without fills.
func (o TrackedOrder) AvgFillPrice() float64 {
	var notional, vol float64
	for _, f := range o.Fills {
		notional += f.Price * f.Volume
		vol += f.Volume
	}
	if vol == 0 {
		return 0
	}
	return notional / vol
}

func (o *TrackedOrder) clone() TrackedOrder {
	c := *o
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	return c
}
