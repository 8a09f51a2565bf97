// Package metrics is the counter and gauge sink. Values are kept in
// memory for the JSON snapshot and mirrored into a prometheus registry.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is what components report into.
type Sink interface {
	Incr(name string, n float64)
	SetGauge(name string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Incr(string, float64)     {}
func (Nop) SetGauge(string, float64) {}

// GaugeSummary aggregates every value a gauge has held.
type GaugeSummary struct {
	Count uint64  `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Last  float64 `json:"last"`
}

type gaugeStats struct {
	count         uint64
	sum, min, max float64
	last          float64
}

// Registry implements Sink.
type Registry struct {
	mu       sync.Mutex
	started  time.Time
	counters map[string]float64 // since start
	interval map[string]float64 // since last Roll
	gauges   map[string]*gaugeStats

	prom        *prometheus.Registry
	promCounter *prometheus.CounterVec
	promGauge   *prometheus.GaugeVec
}

func NewRegistry(namespace string) *Registry {
	r := &Registry{
		started:  time.Now(),
		counters: make(map[string]float64),
		interval: make(map[string]float64),
		gauges:   make(map[string]*gaugeStats),
		prom:     prometheus.NewRegistry(),
		promCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline and supervisor event counters",
		}, []string{"name"}),
		promGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gauge",
			Help:      "Last reported gauge values",
		}, []string{"name"}),
	}
	r.prom.MustRegister(r.promCounter, r.promGauge)
	return r
}

// Prometheus exposes the underlying registry for promhttp and for
// collectors other packages want to add.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// Incr adds n to a counter. Negative n is ignored.
func (r *Registry) Incr(name string, n float64) {
	if n < 0 || math.IsNaN(n) {
		return
	}
	r.mu.Lock()
	r.counters[name] += n
	r.interval[name] += n
	r.mu.Unlock()
	r.promCounter.WithLabelValues(name).Add(n)
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	g, ok := r.gauges[name]
	if !ok {
		g = &gaugeStats{min: value, max: value}
		r.gauges[name] = g
	}
	g.count++
	g.sum += value
	g.last = value
	g.min = math.Min(g.min, value)
	g.max = math.Max(g.max, value)
	r.mu.Unlock()
	r.promGauge.WithLabelValues(name).Set(value)
}

// Counter returns the cumulative value of a counter.
func (r *Registry) Counter(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns the last value of a gauge.
func (r *Registry) Gauge(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gauges[name]
	if !ok {
		return 0, false
	}
	return g.last, true
}

// Live is the current interval: counter increments since the last roll
// and the latest gauge values.
type Live struct {
	Since    time.Time          `json:"since"`
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
}

type Snapshot struct {
	Time       time.Time               `json:"time"`
	Uptime     float64                 `json:"uptime_seconds"`
	Live       Live                    `json:"live"`
	Summary    map[string]GaugeSummary `json:"summary"`
	Cumulative map[string]float64      `json:"cumulative"`
}

// Snapshot captures the three views. When roll is true the live interval
// counters restart from zero.
func (r *Registry) Snapshot(now time.Time, since time.Time, roll bool) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		Time:   now,
		Uptime: now.Sub(r.started).Seconds(),
		Live: Live{
			Since:    since,
			Counters: copyMap(r.interval),
			Gauges:   make(map[string]float64, len(r.gauges)),
		},
		Summary:    make(map[string]GaugeSummary, len(r.gauges)),
		Cumulative: copyMap(r.counters),
	}
	for name, g := range r.gauges {
		s.Live.Gauges[name] = g.last
		s.Summary[name] = GaugeSummary{
			Count: g.count,
			Min:   g.min,
			Max:   g.max,
			Avg:   g.sum / float64(g.count),
			Last:  g.last,
		}
	}
	if roll {
		r.interval = make(map[string]float64)
	}
	return s
}

// Names lists every counter and gauge seen, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.counters)+len(r.gauges))
	for k := range r.counters {
		seen[k] = struct{}{}
	}
	for k := range r.gauges {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
