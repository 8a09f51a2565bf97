package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/broker/sim"
	"github.com/rustyeddy/autotrader/cache"
	"github.com/rustyeddy/autotrader/envcheck"
	"github.com/rustyeddy/autotrader/execution"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/killswitch"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/position"
	"github.com/rustyeddy/autotrader/ratelimit"
	"github.com/rustyeddy/autotrader/risk"
	"github.com/rustyeddy/autotrader/state"
	"github.com/rustyeddy/autotrader/watchdog"
)

// countingRisk approves with fixed lots and counts calls.
type countingRisk struct {
	calls atomic.Int32
	d     risk.Decision
	err   error
}

func (r *countingRisk) Evaluate(context.Context, market.Signal) (risk.Decision, error) {
	r.calls.Add(1)
	return r.d, r.err
}

func approve(lots float64) *countingRisk {
	return &countingRisk{d: risk.Decision{Approved: true, Lots: lots, Stage: risk.StageApproved, CorrelationScore: 0.25}}
}

type countingExec struct {
	calls atomic.Int32
	inner Executor
	err   error
}

func (e *countingExec) Execute(ctx context.Context, spec execution.OrderSpec) (execution.Result, error) {
	e.calls.Add(1)
	if e.err != nil {
		return execution.Result{OrderID: "ord-x"}, e.err
	}
	return e.inner.Execute(ctx, spec)
}

type fixedValidator envcheck.Result

func (v fixedValidator) LastResult() envcheck.Result { return envcheck.Result(v) }

type fixedHealth watchdog.Health

func (h fixedHealth) Check() watchdog.Health { return watchdog.Health(h) }

func eurusd() market.Signal {
	return market.Signal{ID: "s1", Symbol: "EUR/USD", Side: market.Buy, Confidence: 0.8, Price: 1.1}
}

func TestEndToEnd(t *testing.T) {
	ks := killswitch.New()
	rk := approve(0.5)
	b := sim.New(10000, "USD")
	ex := &countingExec{inner: execution.NewEngine(execution.WithBroker(b))}
	tracker := position.NewTracker()
	reg := metrics.NewRegistry("test")

	p := New(rk,
		WithKillSwitch(ks),
		WithExecutor(ex),
		WithPositions(tracker),
		WithSink(reg),
	)
	ctx := context.Background()

	ks.Trigger("manual", nil)
	d, err := p.Process(ctx, eurusd())
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, d.Status)
	assert.Contains(t, d.Error, "manual")
	assert.Zero(t, rk.calls.Load())
	assert.Zero(t, ex.calls.Load())
	assert.Equal(t, 1.0, reg.Counter(MetricHalted))

	require.True(t, ks.Reset())
	before := reg.Counter(MetricProcessed)
	d, err = p.Process(ctx, eurusd())
	require.NoError(t, err)

	assert.Equal(t, StatusExecuted, d.Status)
	assert.Equal(t, "EURUSD", d.Symbol)
	assert.Equal(t, 0.5, d.Lots)
	assert.Equal(t, 0.25, d.CorrelationScore)
	assert.NotEmpty(t, d.OrderID)
	assert.NotEmpty(t, d.Ticket)
	assert.Equal(t, 1.1, d.FillPrice)
	assert.False(t, d.CompletedAt.Before(d.ReceivedAt))

	open := tracker.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "EURUSD", open[0].Symbol)
	assert.Equal(t, 0.5, open[0].Lots.InexactFloat64())

	assert.Equal(t, before+1, reg.Counter(MetricProcessed))
	assert.Equal(t, 1.0, reg.Counter(MetricExecuted))
	_, ok := reg.Gauge(MetricLastLatency)
	assert.True(t, ok)

	fills := b.Fills()
	require.Len(t, fills, 1)
}

func TestGates(t *testing.T) {
	tests := []struct {
		name       string
		opts       []Option
		risk       *countingRisk
		wantStatus Status
		wantRisk   bool
		wantWarn   string
		wantMetric string
	}{
		{
			name:       "unhealthy system",
			opts:       []Option{WithHealth(fixedHealth{Healthy: false, Reasons: []string{watchdog.ReasonLatencyCritical}})},
			risk:       approve(0.1),
			wantStatus: StatusBlockedHealth,
			wantMetric: MetricBlocked,
		},
		{
			name:       "environment error",
			opts:       []Option{WithEnvValidator(fixedValidator{Status: envcheck.StatusError, Message: "state dir not writable"})},
			risk:       approve(0.1),
			wantStatus: StatusBlockedEnv,
			wantMetric: MetricBlocked,
		},
		{
			name:       "data quality warning continues",
			opts:       []Option{WithDataQuality(fixedValidator{Status: envcheck.StatusWarn})},
			risk:       approve(0.1),
			wantStatus: StatusExecuted,
			wantRisk:   true,
			wantWarn:   WarnDataQuality,
			wantMetric: MetricExecuted,
		},
		{
			name:       "unknown environment continues",
			opts:       []Option{WithEnvValidator(fixedValidator{Status: envcheck.StatusUnknown})},
			risk:       approve(0.1),
			wantStatus: StatusExecuted,
			wantRisk:   true,
			wantWarn:   WarnEnvUnknown,
			wantMetric: MetricExecuted,
		},
		{
			name:       "risk rejects",
			risk:       &countingRisk{d: risk.Decision{Stage: risk.StageConfidence, Reasons: []string{"too weak"}}},
			wantStatus: StatusRejected,
			wantRisk:   true,
			wantMetric: MetricRiskRejections,
		},
		{
			name:       "risk errors",
			risk:       &countingRisk{err: errors.New("model offline")},
			wantStatus: StatusErrorRisk,
			wantRisk:   true,
			wantMetric: MetricRiskErrors,
		},
		{
			name:       "no executor is a dry run",
			risk:       approve(0.2),
			wantStatus: StatusExecuted,
			wantRisk:   true,
			wantWarn:   WarnDryRun,
			wantMetric: MetricExecuted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := metrics.NewRegistry("test")
			opts := append([]Option{WithSink(reg)}, tt.opts...)
			p := New(tt.risk, opts...)

			d, err := p.Process(context.Background(), eurusd())
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, d.Status)
			assert.Equal(t, tt.wantRisk, tt.risk.calls.Load() > 0)
			if tt.wantWarn != "" {
				assert.Contains(t, d.Warnings, tt.wantWarn)
			}
			assert.Equal(t, 1.0, reg.Counter(tt.wantMetric))
			assert.Equal(t, 1.0, reg.Counter(MetricProcessed))
		})
	}
}

func TestRiskPanicBecomesErrorRisk(t *testing.T) {
	p := New(risk.EvaluatorFunc(func(context.Context, market.Signal) (risk.Decision, error) {
		panic("divide by zero")
	}))
	d, err := p.Process(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, StatusErrorRisk, d.Status)
	assert.Contains(t, d.Error, "divide by zero")
}

func TestInvalidSignal(t *testing.T) {
	rk := approve(0.1)
	p := New(rk)
	d, err := p.Process(context.Background(), market.Signal{Symbol: "EURUSD", Side: "HOLD"})
	assert.ErrorIs(t, err, ErrInvalidSignal)
	assert.Equal(t, StatusInvalid, d.Status)
	assert.Zero(t, rk.calls.Load())
}

func TestRateLimited(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := ratelimit.New(ratelimit.Config{Window: time.Minute, PerSymbolMax: 1, GlobalMax: 5},
		ratelimit.WithClock(func() time.Time { return now }))
	reg := metrics.NewRegistry("test")
	p := New(approve(0.1), WithRateLimiter(lim), WithSink(reg))
	ctx := context.Background()

	d, _ := p.Process(ctx, eurusd())
	assert.Equal(t, StatusExecuted, d.Status)

	d, _ = p.Process(ctx, eurusd())
	assert.Equal(t, StatusRateLimited, d.Status)
	assert.Contains(t, d.Reasons, ratelimit.ReasonSymbolLimit)
	assert.Equal(t, 1.0, reg.Counter(MetricRateLimited))

	now = now.Add(2 * time.Minute)
	d, _ = p.Process(ctx, eurusd())
	assert.Equal(t, StatusExecuted, d.Status)
}

func TestExecutionFailure(t *testing.T) {
	tests := []struct {
		name string
		ex   Executor
	}{
		{"transport error", &countingExec{err: errors.New("connection reset")}},
		{"broker rejection", execution.NewEngine(execution.WithBroker(rejecting{}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := position.NewTracker()
			reg := metrics.NewRegistry("test")
			p := New(approve(0.3), WithExecutor(tt.ex), WithPositions(tracker), WithSink(reg))

			d, err := p.Process(context.Background(), eurusd())
			require.NoError(t, err)
			assert.Equal(t, StatusErrorExec, d.Status)
			assert.NotEmpty(t, d.Error)
			assert.NotEmpty(t, d.OrderID)
			assert.Empty(t, tracker.Open())
			assert.Equal(t, 1.0, reg.Counter(MetricExecErrors))
		})
	}
}

type rejecting struct{ broker.Broker }

func (rejecting) Name() string { return "rejecting" }

func (rejecting) SendOrder(context.Context, broker.OrderRequest) (broker.OrderResult, error) {
	return broker.OrderResult{Success: false, Error: "MARKET_HALTED"}, nil
}

// tripping trips the kill switch while the signal is being evaluated.
type tripping struct{ ks *killswitch.Switch }

func (r tripping) Evaluate(context.Context, market.Signal) (risk.Decision, error) {
	r.ks.Trigger("account_drawdown", nil)
	return risk.Decision{Approved: true, Lots: 0.1}, nil
}

func TestKillSwitchRecheckedBeforeExecution(t *testing.T) {
	ks := killswitch.New()
	ex := &countingExec{inner: execution.NewEngine(execution.WithBroker(sim.New(1000, "USD")))}
	p := New(tripping{ks}, WithKillSwitch(ks), WithExecutor(ex))

	d, err := p.Process(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, d.Status)
	assert.Zero(t, ex.calls.Load())
}

func TestHaltedSignalUsesNoRateBudget(t *testing.T) {
	ks := killswitch.New()
	lim := ratelimit.New(ratelimit.Config{Window: time.Minute, PerSymbolMax: 1, GlobalMax: 5})
	p := New(tripping{ks}, WithKillSwitch(ks), WithRateLimiter(lim))

	d, err := p.Process(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, d.Status)
	st := lim.Stats()
	assert.Zero(t, st.Admitted)
	assert.Zero(t, st.GlobalInWindow)

	ks.Reset()
	p = New(approve(0.1), WithKillSwitch(ks), WithRateLimiter(lim))
	d, err = p.Process(context.Background(), eurusd())
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, d.Status)
}

func TestRateLimitReasonDoesNotTouchRiskReasons(t *testing.T) {
	reasons := make([]string, 1, 4)
	reasons[0] = "approved"
	rk := &countingRisk{d: risk.Decision{Approved: true, Lots: 0.1, Stage: risk.StageApproved, Reasons: reasons}}
	lim := ratelimit.New(ratelimit.Config{Window: time.Minute, PerSymbolMax: 1, GlobalMax: 5})
	p := New(rk, WithRateLimiter(lim))
	ctx := context.Background()

	d, _ := p.Process(ctx, eurusd())
	require.Equal(t, StatusExecuted, d.Status)
	d, _ = p.Process(ctx, eurusd())
	require.Equal(t, StatusRateLimited, d.Status)
	assert.Equal(t, []string{"approved", ratelimit.ReasonSymbolLimit}, d.Reasons)

	assert.Equal(t, []string{"approved"}, rk.d.Reasons)
	assert.Equal(t, "", reasons[:2][1], "risk reasons backing array was written")
}

func TestJournalAndHistory(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.NewSQLite(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	hc := cache.New[state.SuccessRate](cache.Config{TTL: time.Minute, MaxSize: 10})
	mem, err := state.OpenChochMemory(filepath.Join(dir, "choch.jsonl"), 0.0005, hc, nil)
	require.NoError(t, err)
	for _, ok := range []bool{true, false, false, false} {
		require.NoError(t, mem.Append(state.ChochRecord{Symbol: "EURUSD", Timeframe: "H1", Level: 1.1, Success: ok}))
	}

	p := New(approve(0.4),
		WithExecutor(execution.NewEngine(execution.WithBroker(sim.New(10000, "USD")))),
		WithJournal(j),
		WithHistory(mem, 0.5),
	)
	sig := eurusd()
	sig.Timeframe = "H1"
	sig.Level = 1.1002

	d, err := p.Process(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, d.Status)
	require.NotNil(t, d.History)
	assert.Equal(t, 4, d.History.Samples)
	assert.InDelta(t, 0.25, d.History.Rate, 1e-12)
	assert.Contains(t, d.Warnings, WarnLowHistoryRate)

	entries, err := j.OpenEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, d.OrderID, entries[0].ID)
	assert.Equal(t, "EURUSD", entries[0].Symbol)
	assert.Equal(t, 0.4, entries[0].Lots)
}

func TestKillSwitchWinsOverValidation(t *testing.T) {
	ks := killswitch.New()
	ks.Trigger("manual", nil)
	rk := approve(0.1)

	d, err := New(rk, WithKillSwitch(ks)).Process(context.Background(), market.Signal{Symbol: "EUR", Side: "HOLD"})
	assert.NoError(t, err)
	assert.Equal(t, StatusHalted, d.Status)
	assert.Zero(t, rk.calls.Load())
}
