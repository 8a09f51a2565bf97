// Package notify delivers operator alerts.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/killswitch"
	"github.com/rustyeddy/autotrader/logging"
)

type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Log writes alerts to the logger; it stands in when no chat is configured.
type Log struct {
	L *zap.SugaredLogger
}

func (n Log) Send(_ context.Context, msg string) error {
	logging.OrNop(n.L).Warnw("alert", "message", msg)
	return nil
}

// KillSwitchAlert adapts a notifier into a kill switch activation callback.
func KillSwitchAlert(ctx context.Context, n Notifier, app string) killswitch.ActivateFunc {
	return func(t killswitch.Trigger) error {
		return n.Send(ctx, FormatTrigger(app, t))
	}
}

func FormatTrigger(app string, t killswitch.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] KILL SWITCH ACTIVE\nreason: %s\nat: %s", app, t.Reason, t.ActivatedAt.UTC().Format("2006-01-02 15:04:05Z"))

	keys := make([]string, 0, len(t.Metadata))
	for k := range t.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, t.Metadata[k])
	}
	return b.String()
}
