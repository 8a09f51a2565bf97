package watchdog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/autotrader/broker/sim"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/killswitch"
	"github.com/rustyeddy/autotrader/metrics"
)

var errDown = errors.New("down")

func fastConfig(threshold int) Config {
	return Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, FailureThreshold: threshold}
}

// scripted returns values and errors in order, repeating the last.
func scripted(steps ...any) Sampler {
	var mu sync.Mutex
	i := 0
	return func(context.Context) (float64, error) {
		mu.Lock()
		defer mu.Unlock()
		s := steps[i]
		if i < len(steps)-1 {
			i++
		}
		switch v := s.(type) {
		case error:
			return 0, v
		case float64:
			return v, nil
		}
		panic("bad step")
	}
}

func TestLoopTracksFailuresAndReconnects(t *testing.T) {
	tests := []struct {
		name          string
		reconnect     Reconnector
		wantConnected bool
		wantAttempts  int
		wantFailures  int
	}{
		{
			name:          "reconnect succeeds",
			reconnect:     func(context.Context) error { return nil },
			wantConnected: true,
			wantAttempts:  1,
			wantFailures:  0,
		},
		{
			name:          "reconnect fails",
			reconnect:     func(context.Context) error { return errDown },
			wantConnected: false,
			wantAttempts:  0,
			wantFailures:  2,
		},
		{
			name:          "no reconnector",
			wantConnected: false,
			wantFailures:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoop("feed", fastConfig(2), scripted(errDown), tt.reconnect, nil)
			ctx := context.Background()

			st := l.Poll(ctx)
			assert.Equal(t, 1, st.ConsecutiveFailures)
			assert.True(t, st.Connected, "below threshold stays connected")

			st = l.Poll(ctx)
			assert.Equal(t, tt.wantConnected, st.Connected)
			assert.Equal(t, tt.wantAttempts, st.ReconnectAttempts)
			assert.Equal(t, tt.wantFailures, st.ConsecutiveFailures)
			assert.NotEmpty(t, st.LastError)
		})
	}
}

func TestLoopSuccessResetsFailures(t *testing.T) {
	l := NewLoop("feed", fastConfig(3), scripted(errDown, errDown, 12.0), nil, nil)
	ctx := context.Background()

	l.Poll(ctx)
	l.Poll(ctx)
	st := l.Poll(ctx)

	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 12.0, st.LastValue)
	assert.Empty(t, st.LastError)
	assert.True(t, st.Connected)
}

func TestLoopTimesOutSlowSampler(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	l := NewLoop("slow", fastConfig(5), func(context.Context) (float64, error) {
		<-block
		return 1, nil
	}, nil, nil)

	st := l.Poll(context.Background())
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, ErrSampleTimeout.Error())
}

func TestLoopRecoversPanics(t *testing.T) {
	l := NewLoop("panicky", fastConfig(5), func(context.Context) (float64, error) {
		panic("boom")
	}, nil, nil)

	var seen atomic.Int32
	l.Subscribe(func(Stats) { panic("listener boom") })
	l.Subscribe(func(Stats) { seen.Add(1) })

	st := l.Poll(context.Background())
	assert.Contains(t, st.LastError, "boom")
	assert.Equal(t, int32(1), seen.Load(), "later listeners still run")
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	var polls atomic.Int32
	l := NewLoop("ticker", fastConfig(1), func(context.Context) (float64, error) {
		polls.Add(1)
		return 1, nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return polls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLatencySmoothingAndGrades(t *testing.T) {
	cfg := LatencyConfig{Config: fastConfig(1), Alpha: 0.5, DegradedMs: 100, CriticalMs: 200}
	w := NewLatency(cfg, scripted(50.0, 150.0, 450.0), nil, nil)
	ctx := context.Background()

	tests := []struct {
		wantMs    float64
		wantLevel Level
	}{
		{50, LevelOK},        // seeded by the first sample
		{100, LevelDegraded}, // 0.5*150 + 0.5*50
		{275, LevelCritical}, // 0.5*450 + 0.5*100
	}
	for i, tt := range tests {
		w.Poll(ctx)
		ms, level := w.Latency()
		assert.InDelta(t, tt.wantMs, ms, 1e-9, "poll %d", i)
		assert.Equal(t, tt.wantLevel, level, "poll %d", i)
	}
}

func TestLatencyCriticalWhenDisconnected(t *testing.T) {
	cfg := LatencyConfig{Config: fastConfig(1), DegradedMs: 100, CriticalMs: 200}
	w := NewLatency(cfg, scripted(10.0, errDown), nil, nil)
	ctx := context.Background()

	w.Poll(ctx)
	_, level := w.Latency()
	assert.Equal(t, LevelOK, level)

	w.Poll(ctx)
	_, level = w.Latency()
	assert.Equal(t, LevelCritical, level)
}

func TestConnectionWatchdog(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	var reconnects atomic.Int32

	w := NewConnection("broker", fastConfig(2), func(context.Context) error {
		if up.Load() {
			return nil
		}
		return errDown
	}, func(context.Context) error {
		reconnects.Add(1)
		return errDown
	}, nil)
	ctx := context.Background()

	w.Poll(ctx)
	assert.True(t, w.Connected())

	up.Store(false)
	w.Poll(ctx)
	assert.True(t, w.Connected())
	w.Poll(ctx)
	assert.False(t, w.Connected())
	assert.Equal(t, int32(1), reconnects.Load())

	up.Store(true)
	w.Poll(ctx)
	assert.True(t, w.Connected())
}

type equityLog struct {
	mu    sync.Mutex
	snaps []journal.EquitySnapshot
}

func (e *equityLog) RecordEquity(_ context.Context, s journal.EquitySnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snaps = append(e.snaps, s)
	return nil
}

func TestAccountHealthTripsKillSwitch(t *testing.T) {
	tests := []struct {
		name       string
		autoKill   bool
		equity     float64
		wantReason string
		wantActive bool
	}{
		{"within limits", true, 9700, "", false},
		{"daily loss breach", true, 9400, ReasonDailyLoss, true},
		{"drawdown breach", true, 8900, ReasonDrawdown, true},
		{"breach without auto kill", false, 8000, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
			b := sim.New(10000, "USD")
			ks := killswitch.New()
			reg := metrics.NewRegistry("test")
			eq := &equityLog{}

			cfg := AccountConfig{
				Config:          fastConfig(1),
				MaxDrawdownPct:  0.10,
				MaxDailyLossPct: 0.05,
				AutoKill:        tt.autoKill,
			}
			m := NewAccountHealth(cfg, b, nil,
				WithHalter(ks), WithSink(reg), WithEquityRecorder(eq),
				WithAccountClock(func() time.Time { return now }))
			ctx := context.Background()

			m.Poll(ctx) // establishes peak and day start at 10000
			b.SetEquity(tt.equity)
			m.Poll(ctx)

			assert.Equal(t, tt.wantActive, ks.Active())
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, ks.Status().Reason)
			}

			h := m.Health()
			assert.Equal(t, 10000.0, h.PeakEquity)
			assert.InDelta(t, (10000-tt.equity)/10000, h.DrawdownPct, 1e-9)

			v, ok := reg.Gauge("account_equity")
			assert.True(t, ok)
			assert.Equal(t, tt.equity, v)

			eq.mu.Lock()
			assert.Len(t, eq.snaps, 2)
			eq.mu.Unlock()
		})
	}
}

func TestAccountDayRollResetsDailyLoss(t *testing.T) {
	now := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	b := sim.New(10000, "USD")
	m := NewAccountHealth(AccountConfig{Config: fastConfig(1), MaxDailyLossPct: 0.05}, b, nil,
		WithAccountClock(func() time.Time { return now }))
	ctx := context.Background()

	m.Poll(ctx)
	b.SetEquity(9600)
	m.Poll(ctx)
	assert.InDelta(t, 0.04, m.Health().DailyLossPct, 1e-9)

	now = now.Add(2 * time.Hour)
	m.Poll(ctx)
	h := m.Health()
	assert.Equal(t, 9600.0, h.DayStart)
	assert.Zero(t, h.DailyLossPct)
	assert.InDelta(t, 0.04, h.DrawdownPct, 1e-9)
}

type fixedLatency struct {
	ms    float64
	level Level
}

func (f fixedLatency) Latency() (float64, Level) { return f.ms, f.level }

func TestSystemHealthReasons(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		level       Level
		lastUpdate  time.Time
		alive       bool
		memMB       float64
		wantReasons []string
	}{
		{"healthy", LevelOK, now.Add(-time.Second), true, 100, nil},
		{"degraded latency is fine", LevelDegraded, now.Add(-time.Second), true, 100, nil},
		{"critical latency", LevelCritical, now.Add(-time.Second), true, 100, []string{ReasonLatencyCritical}},
		{"stale feed", LevelOK, now.Add(-time.Minute), true, 100, []string{ReasonDataFeedStale}},
		{"inactive feed", LevelOK, now.Add(-time.Second), false, 100, []string{ReasonDataFeedInactive}},
		{"no data yet is judged by liveness", LevelOK, time.Time{}, true, 100, nil},
		{"memory", LevelOK, now.Add(-time.Second), true, 2048, []string{ReasonMemoryCritical}},
		{
			"everything", LevelCritical, now.Add(-time.Hour), false, 4096,
			[]string{ReasonLatencyCritical, ReasonDataFeedStale, ReasonMemoryCritical},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewSystemHealth(SystemConfig{FeedMaxSilence: 30 * time.Second, MemoryCriticalMB: 1024}, nil,
				WithLatency(fixedLatency{ms: 10, level: tt.level}),
				WithFeed(func() time.Time { return tt.lastUpdate }, func() bool { return tt.alive }),
				WithMemory(func() float64 { return tt.memMB }),
				WithSystemClock(func() time.Time { return now }))

			h := m.Check()
			assert.Equal(t, tt.wantReasons, h.Reasons)
			assert.Equal(t, len(tt.wantReasons) == 0, h.Healthy)
			assert.Equal(t, now, h.CheckedAt)
		})
	}
}

func TestSystemHealthDefaults(t *testing.T) {
	h := NewSystemHealth(SystemConfig{}, nil).Check()
	assert.True(t, h.Healthy)
	assert.Greater(t, h.MemoryMB, 0.0)
}

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"HEARTBEAT"}`))
		for {
			// reading lets the default ping handler answer with pongs
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketPinger(t *testing.T) {
	srv := feedServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := NewWebsocketPinger(url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.ErrorIs(t, p.Ping(ctx), ErrNotConnected)

	require.NoError(t, p.Connect(ctx))
	defer p.Close()
	assert.True(t, p.Alive())

	require.NoError(t, p.Ping(ctx))
	require.Eventually(t, func() bool { return !p.LastMessage().IsZero() }, time.Second, 10*time.Millisecond)

	require.NoError(t, p.Reconnect(ctx))
	require.NoError(t, p.Ping(ctx))

	p.Close()
	assert.False(t, p.Alive())
}

func TestWebsocketPingerAsLatencySampler(t *testing.T) {
	srv := feedServer(t)
	p := NewWebsocketPinger("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	ctx := context.Background()
	require.NoError(t, p.Connect(ctx))
	defer p.Close()

	cfg := LatencyConfig{Config: Config{Interval: time.Second, Timeout: time.Second, FailureThreshold: 2}, DegradedMs: 500, CriticalMs: 1000}
	w := NewLatency(cfg, TimedSampler(p.Ping), p.Reconnect, nil)

	st := w.Poll(ctx)
	assert.Empty(t, st.LastError)
	_, level := w.Latency()
	assert.Equal(t, LevelOK, level)
}

func TestWebsocketPingerDialFailure(t *testing.T) {
	p := NewWebsocketPinger("ws://127.0.0.1:1/none", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, p.Connect(ctx))
	assert.False(t, p.Alive())
}
