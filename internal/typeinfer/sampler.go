package typeinfer

import (
	"strings"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// DefaultQuota is the number of non-null values kept per column.
const DefaultQuota = 2000

// Sampler accumulates up to quota non-null values per column across
// batches.
type Sampler struct {
	quota   int
	columns []string
	serial  string
	values  map[string][]any
}

// NewSampler samples columns plus the serial column, when serial is set.
func NewSampler(columns []string, serial string, quota int) *Sampler {
	if quota <= 0 {
		quota = DefaultQuota
	}
	s := &Sampler{quota: quota, serial: serial, values: make(map[string][]any)}
	seen := make(map[string]bool)
	for _, c := range append(append([]string(nil), columns...), serial) {
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		s.columns = append(s.columns, c)
	}
	return s
}

// Add takes values from f for every column that is not full yet.
func (s *Sampler) Add(f *domain.Frame) {
	for _, c := range s.columns {
		have := s.values[c]
		if len(have) >= s.quota {
			continue
		}
		i := f.Index(c)
		if i < 0 {
			continue
		}
		for _, row := range f.Rows {
			if i >= len(row) {
				continue
			}
			v := row[i]
			if v == nil || strings.TrimSpace(domain.CellString(v)) == "" {
				continue
			}
			have = append(have, v)
			if len(have) >= s.quota {
				break
			}
		}
		s.values[c] = have
	}
}

// Full reports whether every sampled column reached its quota.
func (s *Sampler) Full() bool {
	for _, c := range s.columns {
		if len(s.values[c]) < s.quota {
			return false
		}
	}
	return true
}

// Values returns the samples of column.
func (s *Sampler) Values(column string) []any {
	for _, c := range s.columns {
		if strings.EqualFold(c, column) {
			return s.values[c]
		}
	}
	return nil
}
