// Package pipeline turns trade signals into orders. Every signal passes
// the kill switch, health, environment, risk and admission gates in that
// order before anything is sent to a broker.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/envcheck"
	"github.com/rustyeddy/autotrader/execution"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/pkg/id"
	"github.com/rustyeddy/autotrader/position"
	"github.com/rustyeddy/autotrader/risk"
	"github.com/rustyeddy/autotrader/state"
	"github.com/rustyeddy/autotrader/watchdog"
)

var ErrInvalidSignal = errors.New("invalid signal")

// Metric names emitted by the pipeline.
const (
	MetricProcessed      = "signals_processed"
	MetricRiskRejections = "risk_rejections"
	MetricRiskErrors     = "risk_errors"
	MetricExecuted       = "signals_executed"
	MetricHalted         = "signals_halted"
	MetricBlocked        = "signals_blocked"
	MetricRateLimited    = "rate_limited"
	MetricExecErrors     = "exec_errors"
	MetricLastLatency    = "last_latency_ms"
)

type KillSwitch interface {
	EnsureNotActive() error
}

type HealthChecker interface {
	Check() watchdog.Health
}

type Admission interface {
	Allow(symbol string) (bool, string)
}

type Executor interface {
	Execute(ctx context.Context, spec execution.OrderSpec) (execution.Result, error)
}

type Positions interface {
	Upsert(symbol string, lots, entryPrice float64, dir market.Side, meta map[string]string) (position.Position, error)
}

type OpenRecorder interface {
	RecordOpen(ctx context.Context, e journal.Entry) error
}

type History interface {
	SuccessRate(symbol, timeframe string, level float64) (state.SuccessRate, bool)
}

type Pipeline struct {
	risk      risk.Evaluator
	kill      KillSwitch
	health    HealthChecker
	env       envcheck.Validator
	quality   envcheck.Validator
	limiter   Admission
	executor  Executor
	positions Positions
	journal   OpenRecorder
	history   History
	minRate   float64
	sink      metrics.Sink
	ids       *id.Generator
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Pipeline)

func WithKillSwitch(k KillSwitch) Option { return func(p *Pipeline) { p.kill = k } }
func WithHealth(h HealthChecker) Option { return func(p *Pipeline) { p.health = h } }
func WithEnvValidator(v envcheck.Validator) Option { return func(p *Pipeline) { p.env = v } }
func WithDataQuality(v envcheck.Validator) Option { return func(p *Pipeline) { p.quality = v } }
func WithRateLimiter(a Admission) Option { return func(p *Pipeline) { p.limiter = a } }
func WithExecutor(e Executor) Option { return func(p *Pipeline) { p.executor = e } }
func WithPositions(t Positions) Option { return func(p *Pipeline) { p.positions = t } }
func WithJournal(j OpenRecorder) Option { return func(p *Pipeline) { p.journal = j } }
func WithSink(s metrics.Sink) Option { return func(p *Pipeline) { p.sink = s } }
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }
func WithLogger(l *zap.SugaredLogger) Option { return func(p *Pipeline) { p.log = logging.OrNop(l) } }

// WithHistory attaches historical success rates to decisions and flags
// signals whose level has worked less often than minRate.
func WithHistory(h History, minRate float64) Option {
	return func(p *Pipeline) {
		p.history = h
		p.minRate = minRate
	}
}

func New(evaluator risk.Evaluator, opts ...Option) *Pipeline {
	p := &Pipeline{
		risk: evaluator,
		sink: metrics.Nop{},
		ids:  id.NewGenerator("dec"),
		now:  time.Now,
		log:  logging.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs sig through every gate. The returned Decision is always
// populated; the error is non-nil only for signals that fail validation.
func (p *Pipeline) Process(ctx context.Context, sig market.Signal) (d Decision, err error) {
	d = Decision{
		ID:         p.ids.New(),
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Status:     StatusReceived,
		ReceivedAt: p.now(),
	}
	defer p.finish(&d)

	if !p.killSwitchClear(&d) {
		return d, nil
	}
	if err = sig.Validate(); err != nil {
		d.Status = StatusInvalid
		d.Error = err.Error()
		return d, errors.Wrap(ErrInvalidSignal, err.Error())
	}
	sym, _ := market.NormalizeSymbol(sig.Symbol)
	d.Symbol = market.DisplaySymbol(sym)

	if !p.gate(&d) {
		return d, nil
	}

	if p.history != nil && sig.Timeframe != "" && sig.Level > 0 {
		tf, _, _ := market.ParseTimeframe(sig.Timeframe)
		if sr, ok := p.history.SuccessRate(d.Symbol, tf, sig.Level); ok {
			d.History = &sr
			if p.minRate > 0 && sr.Rate < p.minRate {
				d.warn(WarnLowHistoryRate)
			}
		}
	}

	rd, err := p.evaluate(ctx, sig)
	if err != nil {
		d.Status = StatusErrorRisk
		d.Error = err.Error()
		p.sink.Incr(MetricRiskErrors, 1)
		p.log.Errorw("risk evaluation failed", "symbol", d.Symbol, "err", err)
		return d, nil
	}
	d.Stage = rd.Stage
	d.Reasons = append([]string(nil), rd.Reasons...)
	d.CorrelationScore = rd.CorrelationScore
	if !rd.Approved {
		d.Status = StatusRejected
		p.sink.Incr(MetricRiskRejections, 1)
		return d, nil
	}
	d.Lots = rd.Lots

	// the switch may have tripped while risk was evaluating; checked before
	// the limiter so a halted signal uses no rate budget
	if !p.killSwitchClear(&d) {
		return d, nil
	}

	if p.limiter != nil {
		if ok, reason := p.limiter.Allow(d.Symbol); !ok {
			d.Status = StatusRateLimited
			d.Reasons = append(d.Reasons, reason)
			p.sink.Incr(MetricRateLimited, 1)
			return d, nil
		}
	}

	if err := p.execute(ctx, sig, &d); err != nil {
		d.Status = StatusErrorExec
		d.Error = err.Error()
		p.sink.Incr(MetricExecErrors, 1)
		p.log.Errorw("execution failed", "symbol", d.Symbol, "order", d.OrderID, "err", err)
		return d, nil
	}
	d.Status = StatusExecuted
	p.sink.Incr(MetricExecuted, 1)

	p.track(ctx, sig, &d)
	return d, nil
}

// gate applies the pre-trade safety checks. It returns false when the
// signal must stop here.
func (p *Pipeline) gate(d *Decision) bool {
	if p.health != nil {
		if h := p.health.Check(); !h.Healthy {
			d.Status = StatusBlockedHealth
			d.Reasons = h.Reasons
			p.sink.Incr(MetricBlocked, 1)
			return false
		}
	}

	if p.env != nil {
		switch r := p.env.LastResult(); r.Status {
		case envcheck.StatusError:
			d.Status = StatusBlockedEnv
			d.Error = r.Message
			d.Reasons = r.Details
			p.sink.Incr(MetricBlocked, 1)
			return false
		case envcheck.StatusUnknown:
			d.warn(WarnEnvUnknown)
		}
	}

	if p.quality != nil && p.quality.LastResult().Status == envcheck.StatusWarn {
		d.warn(WarnDataQuality)
	}
	return true
}

func (p *Pipeline) killSwitchClear(d *Decision) bool {
	if p.kill == nil {
		return true
	}
	if err := p.kill.EnsureNotActive(); err != nil {
		d.Status = StatusHalted
		d.Error = err.Error()
		p.sink.Incr(MetricHalted, 1)
		return false
	}
	return true
}

// evaluate calls the risk evaluator and turns a panic into an error.
func (p *Pipeline) evaluate(ctx context.Context, sig market.Signal) (rd risk.Decision, err error) {
	if p.risk == nil {
		return risk.Decision{}, errors.New("no risk evaluator")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("risk evaluator panicked: %v", r)
		}
	}()
	return p.risk.Evaluate(ctx, sig)
}

func (p *Pipeline) execute(ctx context.Context, sig market.Signal, d *Decision) (err error) {
	if p.executor == nil {
		d.FillPrice = sig.Price
		d.warn(WarnDryRun)
		return nil
	}

	spec := execution.OrderSpec{
		Symbol:   d.Symbol,
		Side:     sig.Side,
		Volume:   d.Lots,
		Type:     broker.Market,
		Tag:      sig.Tag,
		Metadata: sig.Metadata,
	}
	if sig.Price > 0 {
		spec.Price = ptr(sig.Price)
	}
	if sig.StopLoss > 0 {
		spec.StopLoss = ptr(sig.StopLoss)
	}
	if sig.TakeProfit > 0 {
		spec.TakeProfit = ptr(sig.TakeProfit)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	res, err := p.executor.Execute(ctx, spec)
	d.OrderID = res.OrderID
	if err != nil {
		return err
	}
	d.Ticket = res.Ticket
	d.FillPrice = res.Price
	if d.FillPrice == 0 {
		d.FillPrice = sig.Price
	}
	return nil
}

// track records the new exposure. Failures here are logged and flagged;
// the order already exists at the broker.
func (p *Pipeline) track(ctx context.Context, sig market.Signal, d *Decision) {
	if d.Lots <= 0 {
		return
	}
	if p.positions != nil {
		meta := map[string]string{"decision": d.ID}
		if d.OrderID != "" {
			meta["order"] = d.OrderID
		}
		if _, err := p.positions.Upsert(d.Symbol, d.Lots, d.FillPrice, sig.Side, meta); err != nil {
			d.warn(WarnNotTracked)
			p.log.Warnw("position not tracked", "symbol", d.Symbol, "err", err)
		}
	}
	if p.journal != nil && d.OrderID != "" {
		err := p.journal.RecordOpen(ctx, journal.Entry{
			ID:         d.OrderID,
			Ticket:     d.Ticket,
			Symbol:     d.Symbol,
			Side:       string(sig.Side),
			Lots:       d.Lots,
			EntryPrice: d.FillPrice,
			Status:     journal.StatusOpen,
			Tag:        sig.Tag,
			OpenedAt:   p.now(),
		})
		if err != nil {
			d.warn(WarnNotJournaled)
			p.log.Warnw("journal open failed", "order", d.OrderID, "err", err)
		}
	}
}

func (p *Pipeline) finish(d *Decision) {
	d.CompletedAt = p.now()
	d.LatencyMs = float64(d.CompletedAt.Sub(d.ReceivedAt)) / float64(time.Millisecond)
	p.sink.Incr(MetricProcessed, 1)
	p.sink.SetGauge(MetricLastLatency, d.LatencyMs)
	p.log.Infow("signal processed",
		"decision", d.ID, "symbol", d.Symbol, "side", d.Side, "status", d.Status,
		"lots", d.Lots, "latency_ms", d.LatencyMs, "reasons", d.Reasons, "err", d.Error)
}

func ptr(v float64) *float64 { return &v }
