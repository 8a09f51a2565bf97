// Package ratelimit implements sliding-window admission control for order
// submission, per symbol and across all symbols.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

// Rejection reasons.
const (
	ReasonSymbolLimit = "symbol_limit"
	ReasonGlobalLimit = "global_limit"
)

type Config struct {
	Window       time.Duration
	PerSymbolMax int
	GlobalMax    int
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	BlockedBySymbol uint64         `json:"blocked_by_symbol"`
	BlockedByGlobal uint64         `json:"blocked_by_global"`
	Admitted        uint64         `json:"admitted"`
	GlobalInWindow  int            `json:"global_in_window"`
	SymbolInWindow  map[string]int `json:"symbol_in_window"`
}

// Limiter admits at most PerSymbolMax events per symbol and GlobalMax events
// overall within any Window. Purge, check and record happen under one lock.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	log     *zap.SugaredLogger
	symbols map[string][]time.Time
	global  []time.Time

	blockedSymbol uint64
	blockedGlobal uint64
	admitted      uint64
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.log = logging.OrNop(log) }
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		log:     logging.Nop(),
		symbols: make(map[string][]time.Time),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow reports whether symbol may proceed now. On rejection the reason is
// ReasonSymbolLimit or ReasonGlobalLimit and nothing is recorded.
func (l *Limiter) Allow(symbol string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	q := purge(l.symbols[symbol], cutoff)
	l.global = purge(l.global, cutoff)

	if len(q) >= l.cfg.PerSymbolMax {
		l.symbols[symbol] = q
		l.blockedSymbol++
		l.log.Debugw("rate limited", "symbol", symbol, "reason", ReasonSymbolLimit, "count", len(q))
		return false, ReasonSymbolLimit
	}
	if len(l.global) >= l.cfg.GlobalMax {
		l.setOrDrop(symbol, q)
		l.blockedGlobal++
		l.log.Debugw("rate limited", "symbol", symbol, "reason", ReasonGlobalLimit, "count", len(l.global))
		return false, ReasonGlobalLimit
	}

	l.symbols[symbol] = append(q, now)
	l.global = append(l.global, now)
	l.admitted++
	return true, ""
}

func (l *Limiter) setOrDrop(symbol string, q []time.Time) {
	if len(q) == 0 {
		delete(l.symbols, symbol)
		return
	}
	l.symbols[symbol] = q
}

// Stats returns counters and current window occupancy.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.Window)
	per := make(map[string]int, len(l.symbols))
	for sym, q := range l.symbols {
		if n := len(purge(q, cutoff)); n > 0 {
			per[sym] = n
		}
	}
	return Stats{
		BlockedBySymbol: l.blockedSymbol,
		BlockedByGlobal: l.blockedGlobal,
		Admitted:        l.admitted,
		GlobalInWindow:  len(purge(l.global, cutoff)),
		SymbolInWindow:  per,
	}
}

// purge drops timestamps at or before cutoff. Timestamps are appended in
// order so the live tail is contiguous.
func purge(q []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(q) && !q[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return q
	}
	return append(q[:0:0], q[i:]...)
}
