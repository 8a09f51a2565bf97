// Package watchdog runs the supervisory poll loops: latency, connection,
// account health, and the aggregated system health check.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

// ErrSampleTimeout is recorded when a sampler outlives its timeout.
var ErrSampleTimeout = errors.New("sample timed out")

// Sampler takes one measurement.
type Sampler func(ctx context.Context) (float64, error)

// Reconnector tries to restore whatever the sampler talks to.
type Reconnector func(ctx context.Context) error

// Listener receives a stats copy after every poll.
type Listener func(Stats)

type Stats struct {
	Name                string    `json:"name"`
	LastCheck           time.Time `json:"last_check"`
	LastValue           float64   `json:"last_value"`
	Smoothed            float64   `json:"smoothed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	Connected           bool      `json:"connected"`
	Level               Level     `json:"level"`
	LastError           string    `json:"last_error,omitempty"`
}

type Config struct {
	Interval         time.Duration
	Timeout          time.Duration // per sample and per reconnect; zero means Interval
	FailureThreshold int
}

// Loop is one self-contained supervisor. Stats are written only by the
// loop and read through Stats().
type Loop struct {
	name      string
	cfg       Config
	sample    Sampler
	reconnect Reconnector
	onSample  func(*Stats, float64)
	now       func() time.Time
	log       *zap.SugaredLogger

	mu        sync.RWMutex
	stats     Stats
	listeners []Listener
}

func NewLoop(name string, cfg Config, sample Sampler, reconnect Reconnector, log *zap.SugaredLogger) *Loop {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Loop{
		name:      name,
		cfg:       cfg,
		sample:    sample,
		reconnect: reconnect,
		now:       time.Now,
		log:       logging.OrNop(log).With("watchdog", name),
		stats:     Stats{Name: name, Connected: true, Level: LevelOK},
	}
}

func (l *Loop) Name() string { return l.name }

// Subscribe registers fn for every subsequent poll.
func (l *Loop) Subscribe(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Run polls immediately and then every Interval until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	l.log.Infow("watchdog started", "interval", l.cfg.Interval)
	defer l.log.Infow("watchdog stopped")

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		l.Poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one sample, updates stats, and notifies listeners.
func (l *Loop) Poll(ctx context.Context) Stats {
	v, err := l.bounded(ctx, func(c context.Context) (float64, error) { return l.sample(c) })

	l.mu.Lock()
	st := &l.stats
	st.LastCheck = l.now()
	if err == nil {
		st.LastValue = v
		st.ConsecutiveFailures = 0
		st.Connected = true
		st.LastError = ""
		if l.onSample != nil {
			l.onSample(st, v)
		} else {
			st.Smoothed = v
		}
	} else {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		l.log.Warnw("sample failed", "failures", st.ConsecutiveFailures, "err", err)
	}
	needReconnect := err != nil && st.ConsecutiveFailures >= l.cfg.FailureThreshold
	if needReconnect && l.reconnect == nil {
		st.Connected = false
	}
	l.mu.Unlock()

	if needReconnect && l.reconnect != nil {
		l.tryReconnect(ctx)
	}

	snap := l.Stats()
	l.notify(snap)
	return snap
}

func (l *Loop) tryReconnect(ctx context.Context) {
	_, err := l.bounded(ctx, func(c context.Context) (float64, error) { return 0, l.reconnect(c) })

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.stats.Connected = false
		l.stats.LastError = err.Error()
		l.log.Errorw("reconnect failed", "err", err)
		return
	}
	l.stats.ConsecutiveFailures = 0
	l.stats.ReconnectAttempts++
	l.stats.Connected = true
	l.log.Infow("reconnected", "attempts", l.stats.ReconnectAttempts)
}

type result struct {
	v   float64
	err error
}

// bounded runs fn under the configured timeout. A call that ignores its
// context is abandoned once the timeout passes.
func (l *Loop) bounded(ctx context.Context, fn func(context.Context) (float64, error)) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, errors.Wrapf(ErrSampleTimeout, "after %s", l.cfg.Timeout)
		}
		return 0, ctx.Err()
	}
}

func (l *Loop) notify(st Stats) {
	l.mu.RLock()
	ls := make([]Listener, len(l.listeners))
	copy(ls, l.listeners)
	l.mu.RUnlock()

	for _, fn := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Errorw("listener panicked", "panic", fmt.Sprint(r))
				}
			}()
			fn(st)
		}()
	}
}
