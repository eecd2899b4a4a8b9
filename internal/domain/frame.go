package domain

import (
	"fmt"
	"strings"
	"time"
)

// Frame is a batch of rows with named columns. Cell values are whatever the
// source driver produced: string, int64, float64, bool, time.Time, []byte or nil.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// NewFrame creates an empty frame with the given columns.
func NewFrame(columns ...string) *Frame {
	return &Frame{Columns: columns}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Index returns the position of col (case-insensitive), or -1.
func (f *Frame) Index(col string) int {
	for i, c := range f.Columns {
		if strings.EqualFold(c, col) {
			return i
		}
	}
	return -1
}

// Value returns the cell at (row, col), or nil when the column is missing.
func (f *Frame) Value(row int, col string) any {
	i := f.Index(col)
	if i < 0 || i >= len(f.Rows[row]) {
		return nil
	}
	return f.Rows[row][i]
}

// Append adds the rows of other, aligning columns by name. Columns that
// exist only in other are added; cells missing on either side become nil.
func (f *Frame) Append(other *Frame) {
	if other == nil {
		return
	}
	pos := make([]int, len(other.Columns))
	for i, c := range other.Columns {
		j := f.Index(c)
		if j < 0 {
			f.Columns = append(f.Columns, c)
			for k := range f.Rows {
				f.Rows[k] = append(f.Rows[k], nil)
			}
			j = len(f.Columns) - 1
		}
		pos[i] = j
	}
	for _, src := range other.Rows {
		dst := make([]any, len(f.Columns))
		for i, v := range src {
			if i < len(pos) {
				dst[pos[i]] = v
			}
		}
		f.Rows = append(f.Rows, dst)
	}
}

// Window is a half-open time interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Duration returns To - From.
func (w Window) Duration() time.Duration {
	return w.To.Sub(w.From)
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Overlaps reports whether [from, to] intersects the window.
func (w Window) Overlaps(from, to time.Time) bool {
	return from.Before(w.To) && !to.Before(w.From)
}

func toString(v any) string {
	return fmt.Sprint(v)
}
