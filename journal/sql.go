package journal

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQL is a Journal over database/sql. Queries are written with '?'
// placeholders and rebound for postgres.
type SQL struct {
	db       *sql.DB
	postgres bool
}

func NewSQLite(path string) (*SQL, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite journal")
	}
	// one writer avoids "database is locked" under concurrent signals
	db.SetMaxOpenConns(1)
	return newSQL(db, sqliteSchema, false)
}

func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres journal")
	}
	return newSQL(db, postgresSchema, true)
}

func newSQL(db *sql.DB, schema string, postgres bool) (*SQL, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create journal schema")
	}
	return &SQL{db: db, postgres: postgres}, nil
}

// rebind turns '?' placeholders into $1..$n for postgres.
func rebind(postgres bool, q string) string {
	if !postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (j *SQL) q(query string) string { return rebind(j.postgres, query) }

func (j *SQL) RecordOpen(ctx context.Context, e Entry) error {
	if e.OpenedAt.IsZero() {
		e.OpenedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, j.q(`
		INSERT INTO entries
		(id, ticket, symbol, side, lots, entry_price, status, tag, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Ticket, e.Symbol, e.Side, e.Lots, e.EntryPrice, StatusOpen, e.Tag, e.OpenedAt.UTC(),
	)
	return errors.Wrapf(err, "record open %s", e.ID)
}

func (j *SQL) RecordClose(ctx context.Context, id string, exitPrice, pnl float64, at time.Time) error {
	res, err := j.db.ExecContext(ctx, j.q(`
		UPDATE entries
		SET exit_price = ?, realized_pnl = ?, status = ?, closed_at = ?
		WHERE id = ? AND status = ?`),
		exitPrice, pnl, StatusClosed, at.UTC(), id, StatusOpen,
	)
	if err != nil {
		return errors.Wrapf(err, "record close %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrap(ErrEntryNotFound, id)
	}
	return nil
}

func (j *SQL) RecordEquity(ctx context.Context, s EquitySnapshot) error {
	_, err := j.db.ExecContext(ctx, j.q(`
		INSERT INTO equity
		(time, balance, equity, margin_used)
		VALUES (?, ?, ?, ?)`),
		s.Time.UTC(), s.Balance, s.Equity, s.MarginUsed,
	)
	return errors.Wrap(err, "record equity")
}

func (j *SQL) OpenEntries(ctx context.Context) ([]Entry, error) {
	return j.list(ctx, `WHERE status = ?`, StatusOpen)
}

// Get returns one entry by id.
func (j *SQL) Get(ctx context.Context, id string) (Entry, error) {
	out, err := j.list(ctx, `WHERE id = ?`, id)
	if err != nil {
		return Entry{}, err
	}
	if len(out) == 0 {
		return Entry{}, errors.Wrap(ErrEntryNotFound, id)
	}
	return out[0], nil
}

func (j *SQL) list(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, j.q(`
		SELECT id, ticket, symbol, side, lots, entry_price, exit_price, realized_pnl, status, tag, opened_at, closed_at
		FROM entries `+where+`
		ORDER BY opened_at ASC, id ASC`), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var closed sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.Ticket, &e.Symbol, &e.Side, &e.Lots,
			&e.EntryPrice, &e.ExitPrice, &e.RealizedPnL, &e.Status, &e.Tag,
			&e.OpenedAt, &closed,
		); err != nil {
			return nil, errors.Wrap(err, "scan entry")
		}
		if closed.Valid {
			e.ClosedAt = closed.Time
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate entries")
}

func (j *SQL) Close() error {
	return j.db.Close()
}
