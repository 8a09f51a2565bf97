package market

import (
	"errors"
	"sync"
	"time"
)

var ErrNoPrice = errors.New("price not found")

type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// TickStore keeps the latest tick per symbol and when anything last arrived.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
	last  time.Time
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (ps *TickStore) Set(p Tick) {
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.ticks[DisplaySymbol(p.Symbol)] = p
	if p.Time.After(ps.last) {
		ps.last = p.Time
	}
}

func (ps *TickStore) Get(symbol string) (Tick, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.ticks[DisplaySymbol(symbol)]
	if !ok {
		return Tick{}, ErrNoPrice
	}
	return p, nil
}

// LastUpdate reports when the most recent tick for any symbol arrived.
func (ps *TickStore) LastUpdate() time.Time {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.last
}
