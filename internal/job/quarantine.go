package job

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Quarantine writes rejected rows to a CSV file with a text report next to
// it, one pair per rejection batch.
type Quarantine struct {
	dir string
	now func() time.Time
}

// NewQuarantine creates a quarantine rooted at dir.
func NewQuarantine(dir string) *Quarantine {
	return &Quarantine{dir: dir, now: time.Now}
}

// Files names the files written for one rejection batch.
type Files struct {
	Rows   string
	Report string
}

// Write stores the rows of de. Nothing is written for an empty error.
func (q *Quarantine) Write(j *domain.Job, de *domain.DataError) (Files, error) {
	if de == nil || len(de.Rows) == 0 {
		return Files{}, nil
	}
	now := q.now().UTC()
	dir := filepath.Join(q.dir, now.Format("20060102"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Files{}, fmt.Errorf("create quarantine dir: %w", err)
	}
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	base := fmt.Sprintf("%s_%s", strings.ToLower(string(j.Kind)), id)
	files := Files{
		Rows:   filepath.Join(dir, base+".csv"),
		Report: filepath.Join(dir, base+".txt"),
	}
	if err := writeRows(files.Rows, de); err != nil {
		return Files{}, err
	}
	if err := writeReport(files.Report, j, de, now); err != nil {
		return Files{}, err
	}
	return files, nil
}

func writeRows(path string, de *domain.DataError) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // path built from quarantine dir
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	header := append(append([]string{}, de.Columns...), "reason")
	_ = w.Write(header)
	for _, r := range de.Rows {
		rec := make([]string, 0, len(r.Row)+1)
		for _, v := range r.Row {
			rec = append(rec, cell(v))
		}
		_ = w.Write(append(rec, r.Reason))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func writeReport(path string, j *domain.Job, de *domain.DataError, at time.Time) error {
	reasons := make(map[string]int)
	var order []string
	for _, r := range de.Rows {
		if reasons[r.Reason] == 0 {
			order = append(order, r.Reason)
		}
		reasons[r.Reason]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job:         %s\n", j.ID)
	fmt.Fprintf(&b, "kind:        %s\n", j.Kind)
	fmt.Fprintf(&b, "data table:  %d\n", j.DataTableID)
	if j.ProcessID != 0 {
		fmt.Fprintf(&b, "process:     %d\n", j.ProcessID)
	}
	fmt.Fprintf(&b, "written at:  %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "rejected:    %d row(s)\n\n", len(de.Rows))
	for _, reason := range order {
		fmt.Fprintf(&b, "%6d  %s\n", reasons[reason], reason)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
