package state

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const reportTimeLayout = "20060102T150405.000000000Z"

// ReportWriter stores one timestamped JSON file per run under Dir.
type ReportWriter struct {
	Dir    string
	Prefix string
}

func NewReportWriter(dir, prefix string) *ReportWriter {
	return &ReportWriter{Dir: dir, Prefix: prefix}
}

// Write persists v as <prefix>_<timestamp>.json and returns the path.
func (w *ReportWriter) Write(at time.Time, v any) (string, error) {
	name := w.Prefix + "_" + at.UTC().Format(reportTimeLayout) + ".json"
	path := filepath.Join(w.Dir, name)
	if err := WriteJSONAtomic(path, v); err != nil {
		return "", errors.WithMessage(err, "write report")
	}
	return path, nil
}

// List returns report paths oldest first.
func (w *ReportWriter) List() ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list reports")
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, w.Prefix+"_") || !strings.HasSuffix(n, ".json") {
			continue
		}
		out = append(out, filepath.Join(w.Dir, n))
	}
	sort.Strings(out)
	return out, nil
}

// Latest decodes the newest report into v. It reports false when there
// are none.
func (w *ReportWriter) Latest(v any) (bool, error) {
	paths, err := w.List()
	if err != nil || len(paths) == 0 {
		return false, err
	}
	if err := ReadJSON(paths[len(paths)-1], v); err != nil {
		return false, err
	}
	return true, nil
}
