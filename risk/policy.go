// Package risk holds the bundled policy evaluator the pipeline consults
// before anything reaches the broker.
package risk

import (
	"context"

	"github.com/rustyeddy/autotrader/config"
	"github.com/rustyeddy/autotrader/market"
)

// Stages name the check that produced a decision.
const (
	StageValidate    = "validate"
	StageConfidence  = "confidence"
	StageExposure    = "exposure"
	StageDailyLoss   = "daily_loss"
	StageSizing      = "sizing"
	StageRewardRisk  = "reward_risk"
	StageCorrelation = "correlation"
	StageApproved    = "approved"
)

type Policy struct {
	DefaultLots     float64
	MaxLots         float64
	MinLots         float64
	MinConfidence   float64
	MaxOpenTrades   int
	MaxDailyLossPct float64 // of equity, realized since 00:00 UTC
	RiskPct         float64 // zero disables stop-based sizing
	MinRR           float64
	MaxCorrelation  float64 // zero disables the check
	AccountCurrency string
}

func PolicyFromConfig(c config.RiskConfig, accountCurrency string) Policy {
	return Policy{
		DefaultLots:     c.DefaultLots,
		MaxLots:         c.MaxLots,
		MinLots:         0.01,
		MinConfidence:   c.MinConfidence,
		MaxOpenTrades:   c.MaxOpenTrades,
		MaxDailyLossPct: c.MaxDailyLossPct,
		RiskPct:         c.RiskPct,
		MinRR:           c.MinRR,
		MaxCorrelation:  c.MaxCorrelation,
		AccountCurrency: accountCurrency,
	}
}

// Decision is what an evaluator hands back to the pipeline.
type Decision struct {
	Approved         bool     `json:"approved"`
	Lots             float64  `json:"lots"`
	Stage            string   `json:"stage"`
	Reasons          []string `json:"reasons,omitempty"`
	CorrelationScore float64  `json:"correlation_score"`
	PlannedRisk      float64  `json:"planned_risk,omitempty"`
	PlannedRR        float64  `json:"planned_rr,omitempty"`
}

func (d *Decision) reject(stage, reason string) {
	d.Approved = false
	d.Stage = stage
	d.Reasons = append(d.Reasons, reason)
}

// Evaluator decides whether a signal may trade and at what size. An error
// means the evaluation itself failed, not that the signal was refused.
type Evaluator interface {
	Evaluate(ctx context.Context, sig market.Signal) (Decision, error)
}

type EvaluatorFunc func(ctx context.Context, sig market.Signal) (Decision, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, sig market.Signal) (Decision, error) {
	return f(ctx, sig)
}
