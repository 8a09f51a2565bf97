package state

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/cache"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
)

// ChochKind is the cache key kind for CHoCH success-rate lookups.
const ChochKind = "choch_success_rate"

// ChochRecord is one observed change-of-character event and its outcome.
type ChochRecord struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Level     float64   `json:"level"`
	Direction string    `json:"direction"`
	Success   bool      `json:"success"`
	At        time.Time `json:"at"`
}

// SuccessRate is the historical hit rate near a price level.
type SuccessRate struct {
	Rate    float64 `json:"rate"`
	Samples int     `json:"samples"`
}

// ChochMemory is an append-only JSON-lines log of CHoCH outcomes with
// success-rate lookups served through a Historical cache.
type ChochMemory struct {
	mu        sync.RWMutex
	path      string
	tolerance float64
	records   map[string][]ChochRecord // symbol|timeframe
	cache     *cache.Historical[SuccessRate]
	log       *zap.SugaredLogger
}

// OpenChochMemory replays the log at path. Records within tolerance of a
// queried level count toward its success rate.
func OpenChochMemory(path string, tolerance float64, c *cache.Historical[SuccessRate], log *zap.SugaredLogger) (*ChochMemory, error) {
	m := &ChochMemory{
		path:      path,
		tolerance: tolerance,
		records:   make(map[string][]ChochRecord),
		cache:     c,
		log:       logging.OrNop(log),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.Wrap(err, "open choch memory")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r ChochRecord
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			m.log.Warnw("skipping bad choch record", "path", path, "line", line, "err", err)
			continue
		}
		m.index(r)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read choch memory")
	}
	return m, nil
}

func memKey(symbol, timeframe string) string {
	return canonicalSymbol(symbol) + "|" + canonicalTimeframe(timeframe)
}

// canonicalSymbol maps "EUR_USD", "eur/usd" and "EURUSD" to "EURUSD".
func canonicalSymbol(s string) string {
	if n, err := market.NormalizeSymbol(s); err == nil {
		return market.DisplaySymbol(n)
	}
	return market.DisplaySymbol(strings.TrimSpace(s))
}

func canonicalTimeframe(tf string) string {
	if label, _, err := market.ParseTimeframe(tf); err == nil {
		return label
	}
	return strings.TrimSpace(tf)
}

func (m *ChochMemory) index(r ChochRecord) {
	k := memKey(r.Symbol, r.Timeframe)
	m.records[k] = append(m.records[k], r)
}

// Append writes r to the log and indexes it. The in-memory index is
// updated even when the write fails.
func (m *ChochMemory) Append(r ChochRecord) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	r.Symbol = canonicalSymbol(r.Symbol)
	r.Timeframe = canonicalTimeframe(r.Timeframe)

	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode choch record")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.index(r)
	m.invalidate(r)

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir choch memory")
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open choch memory")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "append choch record")
	}
	return nil
}

// invalidate drops cached rates for every level r counts toward.
func (m *ChochMemory) invalidate(r ChochRecord) {
	if m.cache == nil {
		return
	}
	m.cache.DeleteFunc(func(k cache.Key) bool {
		return k.Kind == ChochKind && k.Symbol == r.Symbol && k.Timeframe == r.Timeframe &&
			math.Abs(k.Level-r.Level) <= m.tolerance+levelEpsilon
	})
}

// levelEpsilon covers the rounding MakeKey applies to cached levels.
const levelEpsilon = 1e-5

// SuccessRate returns the success rate of recorded events near level.
// It reports false when nothing was recorded there.
func (m *ChochMemory) SuccessRate(symbol, timeframe string, level float64) (SuccessRate, bool) {
	symbol, timeframe = canonicalSymbol(symbol), canonicalTimeframe(timeframe)
	key := cache.MakeKey(ChochKind, symbol, timeframe, level)
	if m.cache != nil {
		if sr, ok := m.cache.Get(key); ok {
			return sr, sr.Samples > 0
		}
	}

	// held through the cache write so a concurrent Append cannot be
	// overwritten by this stale result
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sr SuccessRate
	wins := 0
	for _, r := range m.records[memKey(symbol, timeframe)] {
		if math.Abs(r.Level-level) > m.tolerance {
			continue
		}
		sr.Samples++
		if r.Success {
			wins++
		}
	}

	if sr.Samples > 0 {
		sr.Rate = float64(wins) / float64(sr.Samples)
	}
	if m.cache != nil {
		m.cache.Set(key, sr)
	}
	return sr, sr.Samples > 0
}

func (m *ChochMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rs := range m.records {
		n += len(rs)
	}
	return n
}
