package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	LevelOK       Level = "ok"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

type LatencyConfig struct {
	Config
	Alpha      float64 // EMA weight of the newest sample
	DegradedMs float64
	CriticalMs float64
}

// LatencyWatchdog smooths sampled latency with an exponential moving
// average and grades it against the degraded and critical thresholds.
type LatencyWatchdog struct {
	*Loop
	cfg LatencyConfig
}

func NewLatency(cfg LatencyConfig, sample Sampler, reconnect Reconnector, log *zap.SugaredLogger) *LatencyWatchdog {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.2
	}
	w := &LatencyWatchdog{
		Loop: NewLoop("latency", cfg.Config, sample, reconnect, log),
		cfg:  cfg,
	}
	seeded := false
	w.onSample = func(st *Stats, v float64) {
		if !seeded {
			st.Smoothed = v
			seeded = true
		} else {
			st.Smoothed = cfg.Alpha*v + (1-cfg.Alpha)*st.Smoothed
		}
		st.Level = w.grade(st.Smoothed)
	}
	return w
}

func (w *LatencyWatchdog) grade(ms float64) Level {
	switch {
	case ms >= w.cfg.CriticalMs:
		return LevelCritical
	case ms >= w.cfg.DegradedMs:
		return LevelDegraded
	default:
		return LevelOK
	}
}

// Latency returns the smoothed latency and its grade. A disconnected
// watchdog reports critical.
func (w *LatencyWatchdog) Latency() (float64, Level) {
	st := w.Stats()
	if !st.Connected {
		return st.Smoothed, LevelCritical
	}
	return st.Smoothed, st.Level
}

// TimedSampler turns a round trip into a millisecond sample.
func TimedSampler(roundTrip func(ctx context.Context) error) Sampler {
	return func(ctx context.Context) (float64, error) {
		start := time.Now()
		if err := roundTrip(ctx); err != nil {
			return 0, err
		}
		return float64(time.Since(start)) / float64(time.Millisecond), nil
	}
}
