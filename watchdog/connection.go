package watchdog

import (
	"context"

	"go.uber.org/zap"
)

// ConnectionWatchdog pings a venue or feed, records the ping time in
// milliseconds and reconnects after FailureThreshold consecutive misses.
type ConnectionWatchdog struct {
	*Loop
}

func NewConnection(name string, cfg Config, ping func(ctx context.Context) error, reconnect Reconnector, log *zap.SugaredLogger) *ConnectionWatchdog {
	return &ConnectionWatchdog{Loop: NewLoop(name, cfg, TimedSampler(ping), reconnect, log)}
}

func (w *ConnectionWatchdog) Connected() bool {
	return w.Stats().Connected
}
