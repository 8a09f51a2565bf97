package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
	"github.com/rustyeddy/autotrader/state"
)

// Exporter periodically writes the registry snapshot to a JSON file.
type Exporter struct {
	reg      *Registry
	path     string
	interval time.Duration
	now      func() time.Time
	log      *zap.SugaredLogger
	last     time.Time
}

func NewExporter(reg *Registry, path string, interval time.Duration, log *zap.SugaredLogger) *Exporter {
	return &Exporter{
		reg:      reg,
		path:     path,
		interval: interval,
		now:      time.Now,
		log:      logging.OrNop(log),
	}
}

// WriteOnce writes one snapshot atomically and starts a new live interval.
func (e *Exporter) WriteOnce() error {
	now := e.now()
	since := e.last
	if since.IsZero() {
		since = e.reg.started
	}
	snap := e.reg.Snapshot(now, since, true)
	e.last = now
	if err := state.WriteJSONAtomic(e.path, snap); err != nil {
		return errors.WithMessage(err, "write metrics snapshot")
	}
	return nil
}

// Run writes a snapshot every interval until ctx is done, then writes a
// final one. Write failures are logged and skipped.
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := e.WriteOnce(); err != nil {
				e.log.Warnw("final metrics snapshot failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := e.WriteOnce(); err != nil {
				e.log.Warnw("metrics snapshot failed", "path", e.path, "err", err)
			}
		}
	}
}

// Handler serves the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	log = logging.OrNop(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infow("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
