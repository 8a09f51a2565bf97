package envcheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rustyeddy/autotrader/market"
)

func ok() Result { return Result{Status: StatusOK} }

func fail(status Status, format string, args ...any) Result {
	return Result{Status: status, Message: fmt.Sprintf(format, args...)}
}

// WritableDir errors when dir cannot hold state files.
func WritableDir(dir string) Check {
	return func(context.Context) Result {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(StatusError, "state dir %s: %v", dir, err)
		}
		f, err := os.CreateTemp(dir, ".envcheck-*")
		if err != nil {
			return fail(StatusError, "state dir %s not writable: %v", dir, err)
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(filepath.Clean(name))
		return ok()
	}
}

// Reachable errors when ping fails.
func Reachable(name string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return fail(StatusError, "%s unreachable: %v", name, err)
		}
		return ok()
	}
}

// Credentials errors when a live broker has no token or account.
func Credentials(kind, token, accountID string) Check {
	return func(context.Context) Result {
		if kind == "sim" {
			return ok()
		}
		if token == "" || accountID == "" {
			return fail(StatusError, "%s broker credentials missing", kind)
		}
		return ok()
	}
}

// FreshQuotes is the data-quality check: it warns when a symbol has no
// quote, a stale quote or a crossed book.
func FreshQuotes(ticks *market.TickStore, symbols []string, maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) Result {
		var problems []string
		t := now()
		for _, s := range symbols {
			q, err := ticks.Get(s)
			switch {
			case err != nil:
				problems = append(problems, s+": no quote")
			case q.Bid <= 0 || q.Ask <= 0 || q.Bid > q.Ask:
				problems = append(problems, fmt.Sprintf("%s: bad quote %.5f/%.5f", s, q.Bid, q.Ask))
			case maxAge > 0 && t.Sub(q.Time) > maxAge:
				problems = append(problems, fmt.Sprintf("%s: quote %s old", s, t.Sub(q.Time).Truncate(time.Second)))
			}
		}
		if len(problems) == 0 {
			return ok()
		}
		return Result{Status: StatusWarn, Message: "data quality degraded", Details: problems}
	}
}
