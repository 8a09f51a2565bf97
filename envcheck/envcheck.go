// Package envcheck runs environment and data-quality checks on their own
// cadence so callers can read the last verdict without blocking.
package envcheck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusOK      Status = "OK"
	StatusWarn    Status = "WARN"
	StatusError   Status = "ERROR"
)

func (s Status) rank() int {
	switch s {
	case StatusOK:
		return 1
	case StatusWarn:
		return 2
	case StatusError:
		return 3
	}
	return 0
}

type Result struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Details   []string  `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Check computes a fresh result.
type Check func(ctx context.Context) Result

// Validator is what the pipeline consults.
type Validator interface {
	LastResult() Result
}

// Cached wraps a Check, recomputing it in the background and serving the
// last result.
type Cached struct {
	name     string
	check    Check
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger

	mu   sync.RWMutex
	last Result
}

func NewCached(name string, check Check, interval time.Duration, log *zap.SugaredLogger) *Cached {
	return &Cached{
		name:     name,
		check:    check,
		interval: interval,
		timeout:  interval,
		log:      logging.OrNop(log).With("check", name),
		last:     Result{Status: StatusUnknown, Message: "not checked yet"},
	}
}

func (c *Cached) Name() string { return c.name }

func (c *Cached) LastResult() Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Refresh runs the check once and stores the result. A panicking check is
// recorded as an error.
func (c *Cached) Refresh(ctx context.Context) Result {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res := func() (r Result) {
		defer func() {
			if p := recover(); p != nil {
				r = Result{Status: StatusError, Message: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		return c.check(ctx)
	}()
	if res.CheckedAt.IsZero() {
		res.CheckedAt = time.Now()
	}

	c.mu.Lock()
	prev := c.last.Status
	c.last = res
	c.mu.Unlock()

	if res.Status != prev {
		c.log.Infow("check status changed", "from", prev, "to", res.Status, "message", res.Message)
	}
	return res
}

// Run refreshes immediately and then every interval until ctx is done.
func (c *Cached) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start launches Run in a goroutine.
func (c *Cached) Start(ctx context.Context) {
	go c.Run(ctx)
}

// All folds several checks into one: the worst status wins and every
// non-OK message is kept as a detail.
func All(checks ...Check) Check {
	return func(ctx context.Context) Result {
		out := Result{Status: StatusOK}
		for _, ch := range checks {
			r := ch(ctx)
			if r.Status.rank() > out.Status.rank() {
				out.Status = r.Status
				out.Message = r.Message
			}
			if r.Status != StatusOK && r.Message != "" {
				out.Details = append(out.Details, r.Message)
			}
		}
		return out
	}
}
