package pull

import (
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// rowsByProcess is one window of source rows turned into cycles, keyed by
// process name.
type rowsByProcess struct {
	cycles   map[string][]domain.Cycle
	order    []string // process names in first-seen order
	rejected []domain.RowError
}

func (r *rowsByProcess) add(process string, c domain.Cycle) {
	if _, ok := r.cycles[process]; !ok {
		r.order = append(r.order, process)
	}
	r.cycles[process] = append(r.cycles[process], c)
}

// layout tells where the parts of a cycle live in a frame.
type layout struct {
	serial, time, process int
	dataName, dataValue   int
	values                []int // horizontal and generic value columns
	long                  bool  // one row per measured item
}

func planCycles(dt *domain.DataTable, f *domain.Frame) layout {
	l := layout{
		serial:    f.Index(dt.SerialColumn()),
		time:      f.Index(dt.TimeColumn()),
		process:   -1,
		dataName:  -1,
		dataValue: -1,
	}
	if _, col, ok := dt.ProcessGroup(); ok {
		l.process = f.Index(col)
	}
	if c, ok := dt.ColumnByGroup(domain.GroupDataName); ok {
		l.dataName = f.Index(c.Name)
	}
	if c, ok := dt.ColumnByGroup(domain.GroupDataValue); ok {
		l.dataValue = f.Index(c.Name)
	}
	l.long = !dt.Horizontal() && l.dataName >= 0 && l.dataValue >= 0
	for _, c := range dt.Columns {
		if c.Group != domain.GroupHorizontalData && c.Group != domain.GroupGeneric {
			continue
		}
		if i := f.Index(c.Name); i >= 0 {
			l.values = append(l.values, i)
		}
	}
	return l
}

// toCycles groups the rows of f into cycles per process. Long-format rows
// sharing (process, serial, time) are pivoted into one cycle keyed by
// DATA_NAME. Rows without a readable time are rejected.
func toCycles(dt *domain.DataTable, f *domain.Frame) *rowsByProcess {
	out := &rowsByProcess{cycles: make(map[string][]domain.Cycle)}
	if f.Len() == 0 {
		return out
	}
	l := planCycles(dt, f)
	loc := dt.Location()

	type key struct {
		process, serial string
		at              time.Time
	}
	pivot := make(map[key]int)

	for _, row := range f.Rows {
		process := dt.Name
		if l.process >= 0 {
			process = domain.CellString(row[l.process])
		}
		serial := ""
		if l.serial >= 0 {
			serial = domain.CellString(row[l.serial])
		}
		var raw any
		if l.time >= 0 {
			raw = row[l.time]
		}
		at, ok := domain.ParseTime(raw, loc)
		switch {
		case process == "":
			out.rejected = append(out.rejected, rejectRow(nil, serial, raw, rawValues(f, row), "missing process"))
			continue
		case !ok:
			out.rejected = append(out.rejected, rejectRow(nil, serial, raw, rawValues(f, row), "unreadable time"))
			continue
		}

		if !l.long {
			values := make(map[string]any, len(l.values))
			for _, i := range l.values {
				values[f.Columns[i]] = normalize(row[i])
			}
			out.add(process, domain.Cycle{Serial: serial, Time: at, Values: values})
			continue
		}

		name := domain.CellString(row[l.dataName])
		if name == "" {
			out.rejected = append(out.rejected, rejectRow(nil, serial, raw, rawValues(f, row), "missing data name"))
			continue
		}
		k := key{process: process, serial: serial, at: at}
		i, seen := pivot[k]
		if !seen {
			out.add(process, domain.Cycle{Serial: serial, Time: at, Values: make(map[string]any)})
			i = len(out.cycles[process]) - 1
			pivot[k] = i
		}
		out.cycles[process][i].Values[name] = normalize(row[l.dataValue])
	}
	return out
}

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func rawValues(f *domain.Frame, row []any) map[string]any {
	out := make(map[string]any, len(row))
	for i, v := range row {
		if i < len(f.Columns) {
			out[f.Columns[i]] = normalize(v)
		}
	}
	return out
}

func rejectRow(processID any, serial string, at any, values map[string]any, reason string) domain.RowError {
	return domain.RowError{Row: []any{processID, serial, normalize(at), values}, Reason: reason}
}
