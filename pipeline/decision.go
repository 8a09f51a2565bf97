package pipeline

import (
	"time"

	"github.com/rustyeddy/autotrader/market"
	"github.com/rustyeddy/autotrader/state"
)

type Status string

// A signal enters RECEIVED and leaves in exactly one of the other states.
const (
	StatusReceived      Status = "RECEIVED"
	StatusInvalid       Status = "INVALID"
	StatusHalted        Status = "HALTED"
	StatusBlockedHealth Status = "BLOCKED_HEALTH"
	StatusBlockedEnv    Status = "BLOCKED_ENV"
	StatusRejected      Status = "REJECTED"
	StatusErrorRisk     Status = "ERROR_RISK"
	StatusRateLimited   Status = "RATE_LIMITED"
	StatusErrorExec     Status = "ERROR_EXEC"
	StatusExecuted      Status = "EXECUTED"
)

// Warning flags attached to a decision that still proceeded.
const (
	WarnDataQuality    = "data_quality"
	WarnEnvUnknown     = "env_unknown"
	WarnNotTracked     = "position_not_tracked"
	WarnNotJournaled   = "not_journaled"
	WarnDryRun         = "dry_run"
	WarnLowHistoryRate = "low_historical_success"
)

// Decision is the record returned for every signal.
type Decision struct {
	ID               string             `json:"id"`
	SignalID         string             `json:"signal_id,omitempty"`
	Symbol           string             `json:"symbol"`
	Side             market.Side        `json:"side"`
	Status           Status             `json:"status"`
	Error            string             `json:"error,omitempty"`
	Stage            string             `json:"stage,omitempty"`
	Reasons          []string           `json:"reasons,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	Lots             float64            `json:"lots,omitempty"`
	CorrelationScore float64            `json:"correlation_score,omitempty"`
	OrderID          string             `json:"order_id,omitempty"`
	Ticket           string             `json:"ticket,omitempty"`
	FillPrice        float64            `json:"fill_price,omitempty"`
	History          *state.SuccessRate `json:"history,omitempty"`
	LatencyMs        float64            `json:"latency_ms"`
	ReceivedAt       time.Time          `json:"received_at"`
	CompletedAt      time.Time          `json:"completed_at"`
}

func (d *Decision) warn(flag string) {
	for _, w := range d.Warnings {
		if w == flag {
			return
		}
	}
	d.Warnings = append(d.Warnings, flag)
}
