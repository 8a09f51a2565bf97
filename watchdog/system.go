package watchdog

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

// Reasons reported by SystemHealthMonitor.
const (
	ReasonLatencyCritical  = "latency_critical"
	ReasonDataFeedStale    = "data_feed_stale"
	ReasonDataFeedInactive = "data_feed_inactive"
	ReasonMemoryCritical   = "memory_critical"
)

type Health struct {
	Healthy   bool      `json:"healthy"`
	Reasons   []string  `json:"reasons,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	LatencyMs float64   `json:"latency_ms"`
	MemoryMB  float64   `json:"memory_mb"`
}

type LatencySource interface {
	Latency() (float64, Level)
}

type SystemConfig struct {
	FeedMaxSilence   time.Duration
	MemoryCriticalMB float64
}

// SystemHealthMonitor folds latency, data feed and memory checks into one
// verdict. Any failing check makes the system unhealthy.
type SystemHealthMonitor struct {
	cfg       SystemConfig
	latency   LatencySource
	feedLast  func() time.Time
	feedAlive func() bool
	memMB     func() float64
	now       func() time.Time
	log       *zap.SugaredLogger
}

type SystemOption func(*SystemHealthMonitor)

func WithLatency(src LatencySource) SystemOption {
	return func(m *SystemHealthMonitor) { m.latency = src }
}

// WithFeed sets the last-update source used for staleness and an optional
// explicit liveness check.
func WithFeed(last func() time.Time, alive func() bool) SystemOption {
	return func(m *SystemHealthMonitor) {
		m.feedLast = last
		m.feedAlive = alive
	}
}

func WithMemory(mb func() float64) SystemOption {
	return func(m *SystemHealthMonitor) { m.memMB = mb }
}

func WithSystemClock(now func() time.Time) SystemOption {
	return func(m *SystemHealthMonitor) { m.now = now }
}

func NewSystemHealth(cfg SystemConfig, log *zap.SugaredLogger, opts ...SystemOption) *SystemHealthMonitor {
	m := &SystemHealthMonitor{
		cfg:   cfg,
		memMB: HeapMB,
		now:   time.Now,
		log:   logging.OrNop(log),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Check evaluates every configured check.
func (m *SystemHealthMonitor) Check() Health {
	h := Health{CheckedAt: m.now()}

	if m.latency != nil {
		ms, level := m.latency.Latency()
		h.LatencyMs = ms
		if level == LevelCritical {
			h.Reasons = append(h.Reasons, ReasonLatencyCritical)
		}
	}

	if reason := m.feedReason(h.CheckedAt); reason != "" {
		h.Reasons = append(h.Reasons, reason)
	}

	if m.memMB != nil {
		h.MemoryMB = m.memMB()
		if m.cfg.MemoryCriticalMB > 0 && h.MemoryMB >= m.cfg.MemoryCriticalMB {
			h.Reasons = append(h.Reasons, ReasonMemoryCritical)
		}
	}

	h.Healthy = len(h.Reasons) == 0
	if !h.Healthy {
		m.log.Warnw("system unhealthy", "reasons", h.Reasons)
	}
	return h
}

// feedReason reports stale when silence exceeds the window, otherwise
// inactive when the liveness check fails. A feed that never delivered
// anything is judged by that check alone.
func (m *SystemHealthMonitor) feedReason(now time.Time) string {
	if m.feedLast != nil && m.cfg.FeedMaxSilence > 0 {
		if last := m.feedLast(); !last.IsZero() && now.Sub(last) > m.cfg.FeedMaxSilence {
			return ReasonDataFeedStale
		}
	}
	if m.feedAlive != nil && !m.feedAlive() {
		return ReasonDataFeedInactive
	}
	return ""
}

// HeapMB reports the live heap in megabytes.
func HeapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}
