// Package journal is the durable record of trades the pipeline opened and
// closed, plus periodic equity snapshots.
package journal

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrEntryNotFound = errors.New("journal entry not found")

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

type Entry struct {
	ID          string // client order id
	Ticket      string
	Symbol      string
	Side        string
	Lots        float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	Status      string
	Tag         string
	OpenedAt    time.Time
	ClosedAt    time.Time
}

type EquitySnapshot struct {
	Time       time.Time
	Balance    float64
	Equity     float64
	MarginUsed float64
}

type Journal interface {
	RecordOpen(ctx context.Context, e Entry) error
	RecordClose(ctx context.Context, id string, exitPrice, pnl float64, at time.Time) error
	RecordEquity(ctx context.Context, s EquitySnapshot) error
	OpenEntries(ctx context.Context) ([]Entry, error)
	Close() error
}

// Open picks an implementation by driver: "sqlite3" and "postgres" use
// SQL, "csv" appends to a file.
func Open(driver, dsn string) (Journal, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	case "csv":
		return NewCSV(dsn)
	default:
		return nil, errors.Errorf("unknown journal driver %q", driver)
	}
}
