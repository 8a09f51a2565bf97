package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/broker/sim"
	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/position"
)

var fixedNow = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func testPolicy() Policy {
	return Policy{
		DefaultLots:     0.1,
		MaxLots:         1,
		MinLots:         0.01,
		MinConfidence:   0.5,
		MaxOpenTrades:   2,
		MaxDailyLossPct: 0.03,
		RiskPct:         0.005,
		MinRR:           1.5,
		MaxCorrelation:  0.5,
		AccountCurrency: "USD",
	}
}

func newTracker(t *testing.T, open ...string) *position.Tracker {
	t.Helper()
	tr := position.NewTracker(position.WithClock(func() time.Time { return fixedNow }))
	for _, s := range open {
		_, err := tr.Upsert(s, 0.1, 1.2, market.Buy, nil)
		require.NoError(t, err)
	}
	return tr
}

func TestPolicyEvaluator(t *testing.T) {
	tests := []struct {
		name      string
		balance   float64
		open      []string
		sig       market.Signal
		wantOK    bool
		wantStage string
		wantLots  float64
		wantWhy   string
	}{
		{
			name:      "low confidence",
			balance:   10000,
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.4},
			wantStage: StageConfidence,
		},
		{
			name:      "default lots",
			balance:   10000,
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.7},
			wantOK:    true,
			wantStage: StageApproved,
			wantLots:  0.1,
			wantWhy:   "default_lots",
		},
		{
			name:      "sized from stop",
			balance:   1_000_000,
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.7, Price: 1.5, StopLoss: 1.25, TakeProfit: 2.0},
			wantOK:    true,
			wantStage: StageApproved,
			wantLots:  0.2,
			wantWhy:   "sized_from_stop",
		},
		{
			name:      "capped at max lots",
			balance:   1_000_000,
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Sell, Confidence: 0.7, Price: 1.5, StopLoss: 1.5078125},
			wantOK:    true,
			wantStage: StageApproved,
			wantLots:  1,
			wantWhy:   "capped_at_max_lots",
		},
		{
			name:      "reward risk too low",
			balance:   1_000_000,
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.7, Price: 1.5, StopLoss: 1.25, TakeProfit: 1.625},
			wantStage: StageRewardRisk,
		},
		{
			name:      "stop on wrong side",
			balance:   10000,
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.7, Price: 1.5, StopLoss: 1.6},
			wantStage: StageValidate,
		},
		{
			name:      "invalid signal",
			balance:   10000,
			sig:       market.Signal{Symbol: "EURUSD", Side: "HOLD", Confidence: 0.7},
			wantStage: StageValidate,
		},
		{
			name:      "too many open positions",
			balance:   10000,
			open:      []string{"GBPUSD", "USDJPY"},
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.7},
			wantStage: StageExposure,
		},
		{
			name:      "correlated exposure",
			balance:   10000,
			open:      []string{"AUDUSD"},
			sig:       market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.7},
			wantStage: StageCorrelation,
		},
		{
			name:      "adding to an existing symbol ignores the open limit",
			balance:   10000,
			open:      []string{"EURUSD", "EURGBP"},
			sig:       market.Signal{Symbol: "EUR_USD", Side: market.Buy, Confidence: 0.7},
			wantStage: StageCorrelation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewPolicyEvaluator(testPolicy(), newTracker(t, tt.open...), sim.New(tt.balance, "USD"), nil,
				WithClock(func() time.Time { return fixedNow }))

			d, err := ev.Evaluate(context.Background(), tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, d.Approved)
			assert.Equal(t, tt.wantStage, d.Stage)
			if tt.wantOK {
				assert.InDelta(t, tt.wantLots, d.Lots, 1e-9)
				assert.Contains(t, d.Reasons, tt.wantWhy)
			} else {
				assert.NotEmpty(t, d.Reasons)
				assert.Zero(t, d.Lots)
			}
		})
	}
}

func TestPolicyEvaluatorDailyLoss(t *testing.T) {
	tr := newTracker(t, "EURUSD")
	_, err := tr.Close("EURUSD", 1.0)
	require.NoError(t, err)

	ev := NewPolicyEvaluator(testPolicy(), tr, sim.New(10000, "USD"), nil,
		WithClock(func() time.Time { return fixedNow }))
	d, err := ev.Evaluate(context.Background(), market.Signal{Symbol: "GBPJPY", Side: market.Buy, Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, StageDailyLoss, d.Stage)

	// yesterday's losses do not count
	ev = NewPolicyEvaluator(testPolicy(), tr, sim.New(10000, "USD"), nil,
		WithClock(func() time.Time { return fixedNow.Add(24 * time.Hour) }))
	d, err = ev.Evaluate(context.Background(), market.Signal{Symbol: "GBPJPY", Side: market.Buy, Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

type brokenAccount struct{}

func (brokenAccount) AccountSnapshot(context.Context) (broker.Account, error) {
	return broker.Account{}, errors.New("venue down")
}

func TestPolicyEvaluatorAccountError(t *testing.T) {
	ev := NewPolicyEvaluator(testPolicy(), newTracker(t), brokenAccount{}, nil)
	_, err := ev.Evaluate(context.Background(), market.Signal{Symbol: "EURUSD", Side: market.Buy, Confidence: 0.9})
	assert.ErrorContains(t, err, "venue down")
}

func TestEvaluatorFunc(t *testing.T) {
	var ev Evaluator = EvaluatorFunc(func(context.Context, market.Signal) (Decision, error) {
		return Decision{Approved: true, Lots: 0.5, Stage: StageApproved}, nil
	})
	d, err := ev.Evaluate(context.Background(), market.Signal{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, d.Lots)
}

func TestCalc(t *testing.T) {
	assert.InDelta(t, 2.0, RR(1.5, 1.25, 2.0), 1e-12)
	assert.Zero(t, RR(1.5, 1.5, 2.0))
	assert.InDelta(t, 0.0001, PipSize(-4), 1e-15)
	assert.InDelta(t, 5000.0, PlannedRisk(20000, 1.5, 1.25, 1), 1e-9)
	assert.InDelta(t, 0.005, RiskPct(50, 10000), 1e-12)
	assert.True(t, RiskPct(1, 0) > 1e300)

	assert.InDelta(t, 0.2, SizeLots(1_000_000, 0.005, 1.5, 1.25, 1), 1e-12)
	assert.Zero(t, SizeLots(1000, 0.005, 1.5, 1.5, 1))

	assert.Equal(t, 1.0, QuoteToAccount("EURUSD", 1.1, "USD"))
	assert.InDelta(t, 1/150.0, QuoteToAccount("USDJPY", 150, "USD"), 1e-12)
}

func TestCorrelation(t *testing.T) {
	assert.Zero(t, Correlation("EURUSD", nil))
	assert.Zero(t, Correlation("EURUSD", []string{"EURUSD"}))
	assert.InDelta(t, 0.5, Correlation("EURUSD", []string{"GBPJPY", "AUDUSD"}), 1e-12)
	assert.InDelta(t, 1.0, Correlation("EURUSD", []string{"EURGBP"}), 1e-12)
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.Default().Risk, "USD")
	assert.Equal(t, 0.1, p.DefaultLots)
	assert.Equal(t, 0.01, p.MinLots)
	assert.Equal(t, "USD", p.AccountCurrency)
}
