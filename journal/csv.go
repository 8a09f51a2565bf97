package journal

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var csvHeader = []string{"event", "id", "ticket", "symbol", "side", "lots", "price", "pnl", "tag", "time"}

// CSVJournal appends open, close and equity events to one file and
// replays it to answer OpenEntries.
type CSVJournal struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

func NewCSV(path string) (*CSVJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open csv journal")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat csv journal")
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return &CSVJournal{path: path, f: f, w: w}, nil
}

func (j *CSVJournal) write(rec []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Write(rec); err != nil {
		return errors.Wrap(err, "write csv journal")
	}
	j.w.Flush()
	return errors.Wrap(j.w.Error(), "flush csv journal")
}

func (j *CSVJournal) RecordOpen(_ context.Context, e Entry) error {
	if e.OpenedAt.IsZero() {
		e.OpenedAt = time.Now()
	}
	return j.write([]string{
		"open", e.ID, e.Ticket, e.Symbol, e.Side,
		f(e.Lots), f(e.EntryPrice), f(0), e.Tag,
		e.OpenedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (j *CSVJournal) RecordClose(ctx context.Context, id string, exitPrice, pnl float64, at time.Time) error {
	open, err := j.OpenEntries(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, e := range open {
		if e.ID == id {
			found = true
			break
		}
	}
	if !found {
		return errors.Wrap(ErrEntryNotFound, id)
	}
	return j.write([]string{
		"close", id, "", "", "", f(0), f(exitPrice), f(pnl), "",
		at.UTC().Format(time.RFC3339Nano),
	})
}

func (j *CSVJournal) RecordEquity(_ context.Context, s EquitySnapshot) error {
	return j.write([]string{
		"equity", "", "", "", "", f(s.MarginUsed), f(s.Equity), f(s.Balance), "",
		s.Time.UTC().Format(time.RFC3339Nano),
	})
}

// OpenEntries replays the file and returns entries without a close event.
func (j *CSVJournal) OpenEntries(_ context.Context) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rf, err := os.Open(j.path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv journal")
	}
	defer rf.Close()

	r := csv.NewReader(rf)
	r.FieldsPerRecord = len(csvHeader)
	entries := map[string]*Entry{}
	var order []string
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read csv journal")
		}
		if line == 0 {
			continue
		}
		switch rec[0] {
		case "open":
			lots, _ := strconv.ParseFloat(rec[5], 64)
			price, _ := strconv.ParseFloat(rec[6], 64)
			at, _ := time.Parse(time.RFC3339Nano, rec[9])
			entries[rec[1]] = &Entry{
				ID: rec[1], Ticket: rec[2], Symbol: rec[3], Side: rec[4],
				Lots: lots, EntryPrice: price, Status: StatusOpen, Tag: rec[8], OpenedAt: at,
			}
			order = append(order, rec[1])
		case "close":
			delete(entries, rec[1])
		}
	}

	var out []Entry
	for _, id := range order {
		if e, ok := entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Flush()
	if err := j.w.Error(); err != nil {
		return err
	}
	return j.f.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
