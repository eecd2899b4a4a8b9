// Package master extracts the factory-machine, part and process-data
// hierarchies from raw rows and keeps their surrogate indices stable across
// scans.
package master

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// SnapshotStore persists the master triad of one data table.
type SnapshotStore interface {
	// Load returns the stored triad, with empty relations when nothing was
	// saved yet.
	Load(ctx context.Context, dataTableID int64) (*domain.MasterTriad, error)
	Save(ctx context.Context, dataTableID int64, t *domain.MasterTriad) error
}

// Result is the outcome of one split.
type Result struct {
	// Added holds the rows that received a new index, per relation.
	Added map[domain.Relation][]domain.MasterRow
	// AddedRelationships holds index combinations not seen before.
	AddedRelationships []domain.RelationshipRow
	// Triad is the full state after the split.
	Triad *domain.MasterTriad
}

// NewRows returns the number of new master rows across all relations.
func (r *Result) NewRows() int {
	n := 0
	for _, rows := range r.Added {
		n += len(rows)
	}
	return n
}

// Splitter projects raw batches into the master triad and reconciles
// indices with the stored snapshot. Every split runs under mu, which is
// shared with the other writers of mapping data.
type Splitter struct {
	store SnapshotStore
	mu    sync.Locker
}

// NewSplitter creates a splitter. A nil mu gets a private mutex.
func NewSplitter(store SnapshotStore, mu sync.Locker) *Splitter {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Splitter{store: store, mu: mu}
}

const keySep = "\x1f"

func tupleKey(values []string) string { return strings.Join(values, keySep) }

// projection maps the frame columns of one batch onto a relation.
type projection struct {
	groups []domain.SemanticGroup
	cols   []int // frame column per group, -1 when absent
}

func (p projection) tuple(row []any) []string {
	out := make([]string, len(p.groups))
	for i, c := range p.cols {
		if c >= 0 && c < len(row) {
			out[i] = domain.CellString(row[c])
		}
	}
	return out
}

// layout is the column plan of a batch.
type layout struct {
	rel        map[domain.Relation]projection
	horizontal []string // HORIZONTAL_DATA column names
	vertical   bool     // a DATA_ID or DATA_NAME column is present
	dataName   int      // position of DATA_NAME within the process-data groups
}

func planLayout(dt *domain.DataTable, f *domain.Frame, prior *domain.MasterTriad, ignore map[string]bool) layout {
	l := layout{rel: make(map[domain.Relation]projection, 3), dataName: -1}
	for _, c := range dt.ColumnsByGroup(domain.GroupHorizontalData) {
		if !ignore[strings.ToLower(c.Name)] {
			l.horizontal = append(l.horizontal, c.Name)
		}
	}

	for _, rel := range []domain.Relation{domain.RelationFactoryMachine, domain.RelationPart, domain.RelationProcessData} {
		present := make(map[domain.SemanticGroup]int)
		for _, g := range domain.GroupsFor(rel) {
			c, ok := dt.ColumnByGroup(g)
			if !ok || ignore[strings.ToLower(c.Name)] {
				continue
			}
			if i := f.Index(c.Name); i >= 0 {
				present[g] = i
			}
		}
		keep := make(map[domain.SemanticGroup]bool, len(present))
		for g := range present {
			keep[g] = true
		}
		if pr := relationOf(prior, rel); pr != nil {
			for _, g := range pr.Columns {
				keep[g] = true
			}
		}
		if rel == domain.RelationProcessData && len(l.horizontal) > 0 {
			keep[domain.GroupDataName] = true
		}

		var p projection
		for _, g := range domain.GroupsFor(rel) {
			if !keep[g] {
				continue
			}
			idx, ok := present[g]
			if !ok {
				idx = -1
			}
			p.groups = append(p.groups, g)
			p.cols = append(p.cols, idx)
		}
		l.rel[rel] = p
	}

	pd := l.rel[domain.RelationProcessData]
	for i, g := range pd.groups {
		if (g == domain.GroupDataName || g == domain.GroupDataID) && pd.cols[i] >= 0 {
			l.vertical = true
		}
		if g == domain.GroupDataName {
			l.dataName = i
		}
	}
	return l
}

// processDataTuples returns the process-data rows one source row yields.
// Horizontal sources yield one row per measured column in addition to the
// row's own DATA_NAME/DATA_ID pair.
func (l layout) processDataTuples(row []any) [][]string {
	p := l.rel[domain.RelationProcessData]
	base := p.tuple(row)
	var out [][]string
	if l.vertical || len(l.horizontal) == 0 {
		out = append(out, base)
	}
	for _, h := range l.horizontal {
		t := make([]string, len(base))
		copy(t, base)
		for i, g := range p.groups {
			if g == domain.GroupDataID {
				t[i] = ""
			}
		}
		t[l.dataName] = h
		out = append(out, t)
	}
	return out
}

func relationOf(t *domain.MasterTriad, rel domain.Relation) *domain.MasterRelation {
	if t == nil {
		return nil
	}
	switch rel {
	case domain.RelationFactoryMachine:
		return t.FactoryMachine
	case domain.RelationPart:
		return t.Part
	case domain.RelationProcessData:
		return t.ProcessData
	}
	return nil
}

// reindex re-projects prior rows onto the (possibly wider) column list.
func reindex(prior *domain.MasterRelation, groups []domain.SemanticGroup, name domain.Relation) *domain.MasterRelation {
	out := &domain.MasterRelation{Name: name, Columns: groups}
	if prior == nil {
		return out
	}
	pos := make(map[domain.SemanticGroup]int, len(prior.Columns))
	for i, g := range prior.Columns {
		pos[g] = i
	}
	for _, r := range prior.Rows {
		vals := make([]string, len(groups))
		for i, g := range groups {
			if j, ok := pos[g]; ok && j < len(r.Values) {
				vals[i] = r.Values[j]
			}
		}
		out.Rows = append(out.Rows, domain.MasterRow{Index: r.Index, Values: vals})
	}
	return out
}

// Split projects batch into the master relations, reconciles indices with
// the stored snapshot, rebuilds the relationship rows and saves the result.
// Columns named in ignore are left out. Re-running a split over rows it has
// already seen changes nothing.
func (s *Splitter) Split(ctx context.Context, dt *domain.DataTable, batch *domain.Frame, ignore []string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, err := s.store.Load(ctx, dt.ID)
	if err != nil {
		return nil, fmt.Errorf("load master snapshot: %w", err)
	}
	ignored := make(map[string]bool, len(ignore))
	for _, c := range ignore {
		ignored[strings.ToLower(c)] = true
	}
	res := apply(dt, batch, prior, ignored)
	if res.NewRows() == 0 && len(res.AddedRelationships) == 0 && sameColumns(prior, res.Triad) {
		return res, nil
	}
	if err := s.store.Save(ctx, dt.ID, res.Triad); err != nil {
		return nil, fmt.Errorf("save master snapshot: %w", err)
	}
	return res, nil
}

func sameColumns(a, b *domain.MasterTriad) bool {
	if a == nil {
		return false
	}
	ar, br := a.Relations(), b.Relations()
	for i := range ar {
		if ar[i] == nil || br[i] == nil || len(ar[i].Columns) != len(br[i].Columns) {
			return false
		}
	}
	return true
}

func apply(dt *domain.DataTable, batch *domain.Frame, prior *domain.MasterTriad, ignore map[string]bool) *Result {
	l := planLayout(dt, batch, prior, ignore)

	res := &Result{Added: make(map[domain.Relation][]domain.MasterRow, 3)}
	triad := &domain.MasterTriad{}
	lookup := make(map[domain.Relation]map[string]int64, 3)
	next := make(map[domain.Relation]int64, 3)
	for _, rel := range []domain.Relation{domain.RelationFactoryMachine, domain.RelationPart, domain.RelationProcessData} {
		r := reindex(relationOf(prior, rel), l.rel[rel].groups, rel)
		m := make(map[string]int64, len(r.Rows))
		for _, row := range r.Rows {
			m[tupleKey(row.Values)] = row.Index
		}
		lookup[rel] = m
		next[rel] = r.MaxIndex() + 1
		switch rel {
		case domain.RelationFactoryMachine:
			triad.FactoryMachine = r
		case domain.RelationPart:
			triad.Part = r
		case domain.RelationProcessData:
			triad.ProcessData = r
		}
	}

	indexOf := func(rel domain.Relation, values []string) int64 {
		key := tupleKey(values)
		if idx, ok := lookup[rel][key]; ok {
			return idx
		}
		idx := next[rel]
		next[rel]++
		lookup[rel][key] = idx
		row := domain.MasterRow{Index: idx, Values: values}
		r := relationOf(triad, rel)
		r.Rows = append(r.Rows, row)
		res.Added[rel] = append(res.Added[rel], row)
		return idx
	}

	seen := make(map[domain.RelationshipRow]bool)
	if prior != nil {
		for _, rr := range prior.Relationship {
			seen[rr] = true
			triad.Relationship = append(triad.Relationship, rr)
		}
	}
	for _, row := range batch.Rows {
		fm := indexOf(domain.RelationFactoryMachine, l.rel[domain.RelationFactoryMachine].tuple(row))
		pt := indexOf(domain.RelationPart, l.rel[domain.RelationPart].tuple(row))
		for _, pd := range l.processDataTuples(row) {
			rr := domain.RelationshipRow{FactoryMachine: fm, Part: pt, ProcessData: indexOf(domain.RelationProcessData, pd)}
			if seen[rr] {
				continue
			}
			seen[rr] = true
			triad.Relationship = append(triad.Relationship, rr)
			res.AddedRelationships = append(res.AddedRelationships, rr)
		}
	}
	res.Triad = triad
	return res
}

// Triple is one (factory-machine, part, process-data) combination with the
// values of each relation aligned to its columns.
type Triple struct {
	FactoryMachine []string
	Part           []string
	ProcessData    []string
}

// Key returns a comparable form of the triple.
func (t Triple) Key() string {
	return tupleKey(t.FactoryMachine) + "\x1e" + tupleKey(t.Part) + "\x1e" + tupleKey(t.ProcessData)
}

// Merge joins the relationship rows back to the master relations.
func Merge(t *domain.MasterTriad) ([]Triple, error) {
	byIndex := func(r *domain.MasterRelation) map[int64][]string {
		m := make(map[int64][]string)
		if r != nil {
			for _, row := range r.Rows {
				m[row.Index] = row.Values
			}
		}
		return m
	}
	fm, pt, pd := byIndex(t.FactoryMachine), byIndex(t.Part), byIndex(t.ProcessData)

	out := make([]Triple, 0, len(t.Relationship))
	for _, rr := range t.Relationship {
		a, okA := fm[rr.FactoryMachine]
		b, okB := pt[rr.Part]
		c, okC := pd[rr.ProcessData]
		if !okA || !okB || !okC {
			return nil, fmt.Errorf("relationship (%d, %d, %d) references a missing master row",
				rr.FactoryMachine, rr.Part, rr.ProcessData)
		}
		out = append(out, Triple{FactoryMachine: a, Part: b, ProcessData: c})
	}
	return out, nil
}

// Triples returns the triples the rows of batch project onto, in row
// order. It uses the same projection as Split.
func Triples(dt *domain.DataTable, batch *domain.Frame, ignore []string) []Triple {
	ignored := make(map[string]bool, len(ignore))
	for _, c := range ignore {
		ignored[strings.ToLower(c)] = true
	}
	l := planLayout(dt, batch, nil, ignored)
	var out []Triple
	for _, row := range batch.Rows {
		fm := l.rel[domain.RelationFactoryMachine].tuple(row)
		pt := l.rel[domain.RelationPart].tuple(row)
		for _, pd := range l.processDataTuples(row) {
			out = append(out, Triple{FactoryMachine: fm, Part: pt, ProcessData: pd})
		}
	}
	return out
}
