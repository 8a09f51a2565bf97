package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/position"
)

// Book is the slice of the position tracker the evaluator reads.
type Book interface {
	Exposure() position.Exposure
	RealizedSince(t time.Time) decimal.Decimal
}

type AccountSource interface {
	AccountSnapshot(ctx context.Context) (broker.Account, error)
}

// PolicyEvaluator applies Policy checks in a fixed order and stops at the
// first refusal.
type PolicyEvaluator struct {
	policy  Policy
	book    Book
	account AccountSource
	now     func() time.Time
	log     *zap.SugaredLogger
}

type Option func(*PolicyEvaluator)

func WithClock(now func() time.Time) Option {
	return func(e *PolicyEvaluator) { e.now = now }
}

func NewPolicyEvaluator(p Policy, book Book, account AccountSource, log *zap.SugaredLogger, opts ...Option) *PolicyEvaluator {
	e := &PolicyEvaluator{
		policy:  p,
		book:    book,
		account: account,
		now:     time.Now,
		log:     logging.OrNop(log).With("component", "risk"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *PolicyEvaluator) Evaluate(ctx context.Context, sig market.Signal) (Decision, error) {
	p := e.policy
	d := Decision{Stage: StageValidate}

	if err := sig.Validate(); err != nil {
		d.reject(StageValidate, err.Error())
		return d, nil
	}
	if sig.Price > 0 && sig.StopLoss > 0 && (sig.StopLoss-sig.Price)*sig.Side.Sign() >= 0 {
		d.reject(StageValidate, fmt.Sprintf("stop %.5f on the wrong side of %s entry %.5f", sig.StopLoss, sig.Side, sig.Price))
		return d, nil
	}

	if sig.Confidence < p.MinConfidence {
		d.reject(StageConfidence, fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, p.MinConfidence))
		return d, nil
	}

	exp := e.book.Exposure()
	symbol := market.DisplaySymbol(canonical(sig.Symbol))
	adding := contains(exp.Symbols, symbol)
	if p.MaxOpenTrades > 0 && !adding && exp.OpenPositions >= p.MaxOpenTrades {
		d.reject(StageExposure, fmt.Sprintf("open positions %d >= max %d", exp.OpenPositions, p.MaxOpenTrades))
		return d, nil
	}

	acct, err := e.account.AccountSnapshot(ctx)
	if err != nil {
		return d, errors.Wrap(err, "account snapshot")
	}

	if p.MaxDailyLossPct > 0 && acct.Equity > 0 {
		q := QuoteToAccount(sig.Symbol, sig.Price, p.AccountCurrency)
		realized, _ := e.book.RealizedSince(startOfDay(e.now())).
			Mul(decimal.NewFromFloat(market.LotSize * q)).Float64()
		limit := -p.MaxDailyLossPct * acct.Equity
		if realized <= limit {
			d.reject(StageDailyLoss, fmt.Sprintf("day realized %.2f <= limit %.2f", realized, limit))
			return d, nil
		}
	}

	lots := p.DefaultLots
	sizing := "default_lots"
	if p.RiskPct > 0 && sig.Price > 0 && sig.StopLoss > 0 {
		q := QuoteToAccount(sig.Symbol, sig.Price, p.AccountCurrency)
		if sized := SizeLots(acct.Equity, p.RiskPct, sig.Price, sig.StopLoss, q); sized > 0 {
			lots = sized
			sizing = "sized_from_stop"
		}
		d.PlannedRisk = PlannedRisk(lots*market.LotSize, sig.Price, sig.StopLoss, q)
	}
	if p.MaxLots > 0 && lots > p.MaxLots {
		lots = p.MaxLots
		sizing = "capped_at_max_lots"
	}
	if lots < p.MinLots || lots <= 0 {
		d.reject(StageSizing, fmt.Sprintf("lots %.2f below minimum %.2f", lots, p.MinLots))
		return d, nil
	}

	if p.MinRR > 0 && sig.Price > 0 && sig.StopLoss > 0 && sig.TakeProfit > 0 {
		d.PlannedRR = RR(sig.Price, sig.StopLoss, sig.TakeProfit)
		if d.PlannedRR < p.MinRR {
			d.reject(StageRewardRisk, fmt.Sprintf("RR %.2f below minimum %.2f", d.PlannedRR, p.MinRR))
			return d, nil
		}
	}

	d.CorrelationScore = Correlation(symbol, exp.Symbols)
	if p.MaxCorrelation > 0 && d.CorrelationScore > p.MaxCorrelation {
		d.reject(StageCorrelation, fmt.Sprintf("correlation %.2f above max %.2f", d.CorrelationScore, p.MaxCorrelation))
		return d, nil
	}

	d.Approved = true
	d.Lots = lots
	d.Stage = StageApproved
	d.Reasons = append(d.Reasons, sizing)
	e.log.Debugw("signal approved", "symbol", symbol, "lots", lots, "correlation", d.CorrelationScore)
	return d, nil
}

// Correlation is the share of other open symbols that trade a currency
// leg in common with symbol.
func Correlation(symbol string, open []string) float64 {
	base, quote := market.Currencies(symbol)
	others, shared := 0, 0
	for _, s := range open {
		if s == symbol {
			continue
		}
		others++
		b, q := market.Currencies(s)
		if b == base || b == quote || q == base || q == quote {
			shared++
		}
	}
	if others == 0 {
		return 0
	}
	return float64(shared) / float64(others)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func canonical(s string) string {
	n, err := market.NormalizeSymbol(s)
	if err != nil {
		return s
	}
	return n
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
