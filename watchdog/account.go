package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/metrics"
)

// Kill switch trigger reasons raised by the account monitor.
const (
	ReasonDrawdown  = "account_drawdown"
	ReasonDailyLoss = "account_daily_loss"
)

type AccountSource interface {
	AccountSnapshot(ctx context.Context) (broker.Account, error)
}

// Halter is satisfied by *killswitch.Switch.
type Halter interface {
	Trigger(reason string, metadata map[string]any) bool
}

type EquityRecorder interface {
	RecordEquity(ctx context.Context, s journal.EquitySnapshot) error
}

type AccountConfig struct {
	Config
	MaxDrawdownPct  float64 // from peak equity, e.g. 0.10
	MaxDailyLossPct float64 // from the day's first equity, e.g. 0.05
	AutoKill        bool
}

type AccountHealth struct {
	Equity       float64  `json:"equity"`
	Balance      float64  `json:"balance"`
	PeakEquity   float64  `json:"peak_equity"`
	DayStart     float64  `json:"day_start_equity"`
	DrawdownPct  float64  `json:"drawdown_pct"`
	DailyLossPct float64  `json:"daily_loss_pct"`
	Mode         string   `json:"mode"`
	Breaches     []string `json:"breaches,omitempty"`
}

// AccountHealthMonitor samples equity, tracks drawdown from the peak and
// loss since the start of the UTC day, and trips the kill switch when a
// limit is crossed and AutoKill is set.
type AccountHealthMonitor struct {
	*Loop
	cfg    AccountConfig
	source AccountSource
	halt   Halter
	sink   metrics.Sink
	equity EquityRecorder
	now    func() time.Time
	log    *zap.SugaredLogger

	mu     sync.Mutex
	health AccountHealth
	day    string
}

type AccountOption func(*AccountHealthMonitor)

func WithHalter(h Halter) AccountOption {
	return func(m *AccountHealthMonitor) { m.halt = h }
}

func WithSink(s metrics.Sink) AccountOption {
	return func(m *AccountHealthMonitor) { m.sink = s }
}

func WithEquityRecorder(r EquityRecorder) AccountOption {
	return func(m *AccountHealthMonitor) { m.equity = r }
}

func WithAccountClock(now func() time.Time) AccountOption {
	return func(m *AccountHealthMonitor) { m.now = now }
}

func NewAccountHealth(cfg AccountConfig, source AccountSource, log *zap.SugaredLogger, opts ...AccountOption) *AccountHealthMonitor {
	m := &AccountHealthMonitor{
		cfg:    cfg,
		source: source,
		sink:   metrics.Nop{},
		now:    time.Now,
		log:    logging.OrNop(log).With("watchdog", "account"),
	}
	for _, o := range opts {
		o(m)
	}
	m.Loop = NewLoop("account", cfg.Config, m.sample, nil, log)
	return m
}

func (m *AccountHealthMonitor) sample(ctx context.Context) (float64, error) {
	acct, err := m.source.AccountSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	h := m.evaluate(acct)

	m.sink.SetGauge("account_equity", h.Equity)
	m.sink.SetGauge("account_drawdown_pct", h.DrawdownPct)
	m.sink.SetGauge("account_daily_loss_pct", h.DailyLossPct)

	if m.equity != nil {
		if err := m.equity.RecordEquity(ctx, journal.EquitySnapshot{
			Time:       m.now(),
			Balance:    acct.Balance,
			Equity:     acct.Equity,
			MarginUsed: acct.MarginUsed,
		}); err != nil {
			m.log.Warnw("equity snapshot not journaled", "err", err)
		}
	}

	if len(h.Breaches) > 0 && m.cfg.AutoKill && m.halt != nil {
		meta := map[string]any{
			"equity":         h.Equity,
			"peak_equity":    h.PeakEquity,
			"drawdown_pct":   h.DrawdownPct,
			"daily_loss_pct": h.DailyLossPct,
		}
		if m.halt.Trigger(h.Breaches[0], meta) {
			m.log.Errorw("account limit breached, trading halted", "breaches", h.Breaches, "equity", h.Equity)
		}
	}
	return h.Equity, nil
}

func (m *AccountHealthMonitor) evaluate(acct broker.Account) AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := m.now().UTC().Format("2006-01-02")
	h := &m.health
	if day != m.day {
		m.day = day
		h.DayStart = acct.Equity
	}
	if acct.Equity > h.PeakEquity {
		h.PeakEquity = acct.Equity
	}
	h.Equity = acct.Equity
	h.Balance = acct.Balance
	h.Mode = acct.Mode
	h.DrawdownPct = lossPct(h.PeakEquity, acct.Equity)
	h.DailyLossPct = lossPct(h.DayStart, acct.Equity)

	h.Breaches = nil
	if m.cfg.MaxDrawdownPct > 0 && h.DrawdownPct >= m.cfg.MaxDrawdownPct {
		h.Breaches = append(h.Breaches, ReasonDrawdown)
	}
	if m.cfg.MaxDailyLossPct > 0 && h.DailyLossPct >= m.cfg.MaxDailyLossPct {
		h.Breaches = append(h.Breaches, ReasonDailyLoss)
	}

	out := *h
	out.Breaches = append([]string(nil), h.Breaches...)
	return out
}

func lossPct(ref, equity float64) float64 {
	if ref <= 0 || equity >= ref {
		return 0
	}
	return (ref - equity) / ref
}

func (m *AccountHealthMonitor) Health() AccountHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.health
	out.Breaches = append([]string(nil), m.health.Breaches...)
	return out
}
