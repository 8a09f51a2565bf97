package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(perSymbol, global int) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{Window: 60 * time.Second, PerSymbolMax: perSymbol, GlobalMax: global}, WithClock(clk.Now))
	return l, clk
}

func TestSymbolLimitAndWindowExpiry(t *testing.T) {
	l, clk := newLimiter(3, 100)

	for i := 0; i < 3; i++ {
		ok, reason := l.Allow("EURUSD")
		assert.True(t, ok, "admission %d", i)
		assert.Empty(t, reason)
		clk.Advance(time.Second)
	}

	ok, reason := l.Allow("EURUSD")
	assert.False(t, ok)
	assert.Equal(t, ReasonSymbolLimit, reason)

	ok, _ = l.Allow("GBPUSD")
	assert.True(t, ok, "other symbols are independent")

	clk.Advance(60 * time.Second)
	ok, reason = l.Allow("EURUSD")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestGlobalLimit(t *testing.T) {
	l, clk := newLimiter(5, 2)

	ok, _ := l.Allow("EURUSD")
	assert.True(t, ok)
	ok, _ = l.Allow("GBPUSD")
	assert.True(t, ok)

	ok, reason := l.Allow("USDJPY")
	assert.False(t, ok)
	assert.Equal(t, ReasonGlobalLimit, reason)

	clk.Advance(61 * time.Second)
	ok, _ = l.Allow("USDJPY")
	assert.True(t, ok)
}

func TestSymbolReasonWinsOverGlobal(t *testing.T) {
	l, _ := newLimiter(1, 1)

	ok, _ := l.Allow("EURUSD")
	assert.True(t, ok)

	ok, reason := l.Allow("EURUSD")
	assert.False(t, ok)
	assert.Equal(t, ReasonSymbolLimit, reason)
}

func TestRejectionHasNoSideEffects(t *testing.T) {
	l, _ := newLimiter(1, 10)
	l.Allow("EURUSD")

	before := l.Stats()
	for i := 0; i < 5; i++ {
		l.Allow("EURUSD")
	}
	after := l.Stats()

	assert.Equal(t, before.GlobalInWindow, after.GlobalInWindow)
	assert.Equal(t, before.SymbolInWindow, after.SymbolInWindow)
	assert.Equal(t, uint64(5), after.BlockedBySymbol)
	assert.Equal(t, uint64(0), after.BlockedByGlobal)
	assert.Equal(t, uint64(1), after.Admitted)
}

func TestConcurrentAllowNeverExceedsLimits(t *testing.T) {
	l, _ := newLimiter(10, 25)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%d", i%5)
			for j := 0; j < 10; j++ {
				if ok, _ := l.Allow(sym); ok {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, admitted)
	st := l.Stats()
	assert.Equal(t, 25, st.GlobalInWindow)
	for sym, n := range st.SymbolInWindow {
		assert.LessOrEqual(t, n, 10, sym)
	}
}
