// Package cache holds historical pattern statistics with TTL expiry and a
// size bound. Expired entries are removed lazily on read and on insert.
package cache

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

// Key identifies a historical query.
type Key struct {
	Kind      string  // e.g. "choch_success_rate"
	Symbol    string
	Timeframe string
	Level     float64 // rounded by MakeKey
}

// LevelDecimals is the precision price levels are rounded to before keying.
const LevelDecimals = 5

// MakeKey builds a Key with the level rounded so nearby prices share
// an entry.
func MakeKey(kind, symbol, timeframe string, level float64) Key {
	p := math.Pow(10, LevelDecimals)
	return Key{
		Kind:      kind,
		Symbol:    strings.ToUpper(symbol),
		Timeframe: timeframe,
		Level:     math.Round(level*p) / p,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%.*f", k.Kind, k.Symbol, k.Timeframe, LevelDecimals, k.Level)
}

type entry[V any] struct {
	value   V
	created time.Time
	seq     uint64 // insertion order
}

type Config struct {
	TTL     time.Duration
	MaxSize int
}

type Stats struct {
	Size        int    `json:"size"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Expirations uint64 `json:"expirations"`
	Evictions   uint64 `json:"evictions"`
}

// Historical is a TTL and size bounded cache. Every operation runs in one
// critical section.
type Historical[V any] struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	log     *zap.SugaredLogger
	entries map[Key]entry[V]
	seq     uint64

	hits, misses, expirations, evictions uint64
}

type Option func(*options)

type options struct {
	now func() time.Time
	log *zap.SugaredLogger
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

func New[V any](cfg Config, opts ...Option) *Historical[V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.MaxSize < 1 {
		cfg.MaxSize = 1
	}
	return &Historical[V]{
		cfg:     cfg,
		now:     o.now,
		log:     logging.OrNop(o.log),
		entries: make(map[Key]entry[V]),
	}
}

// Get returns the cached value while it is younger than the TTL. An expired
// entry is deleted and reported absent.
func (c *Historical[V]) Get(k Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.expired(e, c.now()) {
		delete(c.entries, k)
		c.expirations++
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set purges expired entries, stores v, then evicts the oldest-created
// entries until the size bound holds.
func (c *Historical[V]) Set(k Key, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			c.expirations++
		}
	}

	c.seq++
	c.entries[k] = entry[V]{value: v, created: now, seq: c.seq}

	for len(c.entries) > c.cfg.MaxSize {
		oldest, found := c.oldestLocked(k)
		if !found {
			break
		}
		delete(c.entries, oldest)
		c.evictions++
		c.log.Debugw("cache evict", "key", oldest.String())
	}
}

// DeleteFunc drops every entry whose key matches and returns how many
// were dropped.
func (c *Historical[V]) DeleteFunc(match func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// GetOrLoad returns the cached value or computes, stores and returns it.
// load runs outside the lock; concurrent misses may load twice.
func (c *Historical[V]) GetOrLoad(k Key, load func() (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(k, v)
	return v, nil
}

func (c *Historical[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Historical[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Expirations: c.expirations,
		Evictions:   c.evictions,
	}
}

func (c *Historical[V]) expired(e entry[V], now time.Time) bool {
	return now.Sub(e.created) >= c.cfg.TTL
}

// oldestLocked returns the entry created first, by timestamp then by
// insertion order, skipping keep.
func (c *Historical[V]) oldestLocked(keep Key) (Key, bool) {
	var (
		oldest Key
		first  entry[V]
		found  bool
	)
	for k, e := range c.entries {
		if k == keep {
			continue
		}
		if !found || e.created.Before(first.created) ||
			(e.created.Equal(first.created) && e.seq < first.seq) {
			oldest, first, found = k, e, true
		}
	}
	return oldest, found
}
