package master

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/filestore"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
)

func lineTable() *domain.DataTable {
	return &domain.DataTable{
		ID:   11,
		Name: "line",
		Kind: domain.SourceCSV,
		Columns: []domain.LogicalColumn{
			{Name: "factory", Group: domain.GroupFactoryName},
			{Name: "line", Group: domain.GroupLineName},
			{Name: "part_no", Group: domain.GroupPartNo},
			{Name: "process", Group: domain.GroupProcessName},
			{Name: "item", Group: domain.GroupDataName},
			{Name: "value", Group: domain.GroupDataValue},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "time", Group: domain.GroupDataTime},
		},
	}
}

func frame(rows ...[]any) *domain.Frame {
	f := domain.NewFrame("factory", "line", "part_no", "process", "item", "value", "serial", "time")
	f.Rows = rows
	return f
}

func row(factory, line, part, process, item string) []any {
	return []any{factory, line, part, process, item, "1.5", "S1", "2024-01-01 00:00:00"}
}

func indexByValues(r *domain.MasterRelation) map[string]int64 {
	out := make(map[string]int64, len(r.Rows))
	for _, row := range r.Rows {
		out[tupleKey(row.Values)] = row.Index
	}
	return out
}

func TestSplit_ProjectsAndDedups(t *testing.T) {
	t.Parallel()

	s := NewSplitter(NewArrowStore(t.TempDir()), nil)
	res, err := s.Split(context.Background(), lineTable(), frame(
		row("F1", "L1", "P1", "weld", "temp"),
		row("F1", "L1", "P1", "weld", "temp"),
		row("F1", "L2", "P1", "weld", "pressure"),
	), nil)
	require.NoError(t, err)

	tr := res.Triad
	assert.Equal(t, []domain.SemanticGroup{domain.GroupFactoryName, domain.GroupLineName}, tr.FactoryMachine.Columns)
	assert.Equal(t, []domain.SemanticGroup{domain.GroupPartNo}, tr.Part.Columns)
	assert.Equal(t, []domain.SemanticGroup{domain.GroupProcessName, domain.GroupDataName}, tr.ProcessData.Columns)
	assert.Len(t, tr.FactoryMachine.Rows, 2)
	assert.Len(t, tr.Part.Rows, 1)
	assert.Len(t, tr.ProcessData.Rows, 2)
	assert.Len(t, tr.Relationship, 2)
	assert.Equal(t, 5, res.NewRows())
}

func TestSplit_IndicesStableAcrossOverlappingBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	s := NewSplitter(NewArrowStore(dir), nil)
	dt := lineTable()

	first, err := s.Split(ctx, dt, frame(
		row("F1", "L1", "P1", "weld", "temp"),
		row("F1", "L2", "P2", "paint", "gloss"),
	), nil)
	require.NoError(t, err)
	before := map[domain.Relation]map[string]int64{}
	for _, r := range first.Triad.Relations() {
		before[r.Name] = indexByValues(r)
	}

	for i := 0; i < 5; i++ {
		batch := frame(
			row("F1", "L2", "P2", "paint", "gloss"),
			row("F1", "L1", "P1", "weld", "temp"),
			row("F2", fmt.Sprintf("L%d", 10+i), "P1", "weld", fmt.Sprintf("item%d", i)),
		)
		res, err := s.Split(ctx, dt, batch, nil)
		require.NoError(t, err)

		for _, r := range res.Triad.Relations() {
			now := indexByValues(r)
			for key, idx := range before[r.Name] {
				assert.Equal(t, idx, now[key], "index of %q in %s changed", key, r.Name)
			}
			used := map[int64]string{}
			for key, idx := range now {
				prev, dup := used[idx]
				assert.False(t, dup, "index %d reused by %q and %q", idx, prev, key)
				used[idx] = key
			}
			before[r.Name] = now
		}
	}

	again, err := s.Split(ctx, dt, frame(row("F1", "L1", "P1", "weld", "temp")), nil)
	require.NoError(t, err)
	assert.Zero(t, again.NewRows())
	assert.Empty(t, again.AddedRelationships)
}

func TestSplit_HorizontalSynthesizesProcessData(t *testing.T) {
	t.Parallel()

	dt := &domain.DataTable{
		ID: 2, Name: "h", Kind: domain.SourceCSV,
		Columns: []domain.LogicalColumn{
			{Name: "line", Group: domain.GroupLineName},
			{Name: "process", Group: domain.GroupProcessName},
			{Name: "serial", Group: domain.GroupDataSerial},
			{Name: "temp", Group: domain.GroupHorizontalData},
			{Name: "pressure", Group: domain.GroupHorizontalData},
		},
	}
	f := domain.NewFrame("line", "process", "serial", "temp", "pressure")
	f.Rows = [][]any{{"L1", "weld", "S1", "20.1", "3"}, {"L1", "weld", "S2", "20.4", "3"}}

	s := NewSplitter(NewArrowStore(t.TempDir()), nil)
	res, err := s.Split(context.Background(), dt, f, nil)
	require.NoError(t, err)

	pd := res.Triad.ProcessData
	assert.Equal(t, []domain.SemanticGroup{domain.GroupProcessName, domain.GroupDataName}, pd.Columns)
	require.Len(t, pd.Rows, 2)
	assert.Equal(t, []string{"weld", "temp"}, pd.Rows[0].Values)
	assert.Equal(t, []string{"weld", "pressure"}, pd.Rows[1].Values)
	assert.Len(t, res.Triad.Relationship, 2)

	ignored, err := NewSplitter(NewArrowStore(t.TempDir()), nil).Split(context.Background(), dt, f, []string{"pressure"})
	require.NoError(t, err)
	assert.Len(t, ignored.Triad.ProcessData.Rows, 1)
}

func TestSplit_MissingRelationHasSingleEmptyRow(t *testing.T) {
	t.Parallel()

	dt := &domain.DataTable{
		ID: 3, Name: "nopart", Kind: domain.SourceCSV,
		Columns: []domain.LogicalColumn{
			{Name: "line", Group: domain.GroupLineName},
			{Name: "item", Group: domain.GroupDataName},
		},
	}
	f := domain.NewFrame("line", "item")
	f.Rows = [][]any{{"L1", "a"}, {"L2", "b"}}

	res, err := NewSplitter(NewArrowStore(t.TempDir()), nil).Split(context.Background(), dt, f, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Triad.Part.Columns)
	require.Len(t, res.Triad.Part.Rows, 1)
	assert.EqualValues(t, 1, res.Triad.Part.Rows[0].Index)
	assert.Len(t, res.Triad.Relationship, 2)
}

func TestSplitMerge_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dt := lineTable()
	var rows [][]any
	for i := 0; i < 60; i++ {
		rows = append(rows, row(
			fmt.Sprintf("F%d", i%2),
			fmt.Sprintf("L%d", i%5),
			fmt.Sprintf("P%d", i%3),
			fmt.Sprintf("proc%d", i%4),
			fmt.Sprintf("item%d", i%7),
		))
	}
	batch := frame(rows...)

	store := NewArrowStore(t.TempDir())
	s := NewSplitter(store, nil)
	_, err := s.Split(ctx, dt, frame(rows[:30]...), nil)
	require.NoError(t, err)
	_, err = s.Split(ctx, dt, frame(rows[20:]...), nil)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, dt.ID)
	require.NoError(t, err)
	merged, err := Merge(loaded)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, tr := range merged {
		got[tr.Key()] = true
	}
	want := map[string]bool{}
	for _, tr := range Triples(dt, batch, nil) {
		want[tr.Key()] = true
		assert.True(t, got[tr.Key()], "triple %v missing after merge", tr)
	}
	assert.Len(t, got, len(want), "merge yields no extra triples")
}

// writeDrop writes records as a CSV drop file under dir.
func writeDrop(t *testing.T, dir, name string, header []string, records [][]string) {
	t.Helper()
	fh, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	w := csv.NewWriter(fh)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(records))
	require.NoError(t, fh.Close())
}

// fileTriples reads the drop files back and projects each record by hand.
// Records hold factory, line, part, process and item in their first five
// fields.
func fileTriples(t *testing.T, dir string) map[string]bool {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	out := map[string]bool{}
	for _, p := range paths {
		fh, err := os.Open(p)
		require.NoError(t, err)
		records, err := csv.NewReader(fh).ReadAll()
		require.NoError(t, fh.Close())
		require.NoError(t, err)
		for _, r := range records[1:] {
			tr := Triple{
				FactoryMachine: []string{r[0], r[1]},
				Part:           []string{r[2]},
				ProcessData:    []string{r[3], r[4]},
			}
			out[tr.Key()] = true
		}
	}
	return out
}

func TestSplitMerge_RoundTripThroughFileAdapter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		kind   domain.SourceKind
		header []string // factory, line, part, process, item, value, serial, time
	}{
		{"csv", domain.SourceCSV, []string{"factory", "line", "part_no", "process", "item", "value", "serial", "time"}},
		{"v2 headers", domain.SourceV2, []string{"factory", "ライン名", "品番", "工程名", "項目名", "計測値", "シリアルNo", "計測日時"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			var records [][]string
			for i := 0; i < 40; i++ {
				records = append(records, []string{
					fmt.Sprintf("F%d", i%2),
					fmt.Sprintf("L%d", i%5),
					fmt.Sprintf("P%d", i%3),
					fmt.Sprintf("proc%d", i%4),
					fmt.Sprintf("item%d", i%7),
					"1.5",
					fmt.Sprintf("S%03d", i),
					fmt.Sprintf("2024-01-01 00:%02d:00", i),
				})
			}
			dir := t.TempDir()
			writeDrop(t, dir, "a.csv", tc.header, records[:25])
			writeDrop(t, dir, "b.csv", tc.header, records[15:])

			duck, err := sql.Open("duckdb", "")
			require.NoError(t, err)
			t.Cleanup(func() { _ = duck.Close() })

			dt := lineTable()
			dt.Kind = tc.kind
			dt.Directory = dir
			adapter, err := source.New(dt, source.Deps{Files: filestore.LocalStore{}, DuckDB: duck})
			require.NoError(t, err)
			t.Cleanup(func() { _ = adapter.Close() })

			batches, err := adapter.MasterSample(ctx)
			require.NoError(t, err)
			defer batches.Close() //nolint:errcheck

			store := NewArrowStore(t.TempDir())
			s := NewSplitter(store, nil)
			for {
				f, err := batches.Next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				_, err = s.Split(ctx, dt, f, nil)
				require.NoError(t, err)
			}

			loaded, err := store.Load(ctx, dt.ID)
			require.NoError(t, err)
			merged, err := Merge(loaded)
			require.NoError(t, err)
			got := map[string]bool{}
			for _, tr := range merged {
				got[tr.Key()] = true
			}

			want := fileTriples(t, dir)
			require.NotEmpty(t, want)
			for k := range want {
				assert.True(t, got[k], "triple %q missing after merge", k)
			}
			assert.Len(t, got, len(want), "merge yields no extra triples")
		})
	}
}

func TestArrowStore_SaveLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewArrowStore(t.TempDir())
	empty, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, empty.FactoryMachine.Rows)
	assert.Empty(t, empty.Relationship)

	tr := &domain.MasterTriad{
		FactoryMachine: &domain.MasterRelation{Name: domain.RelationFactoryMachine,
			Columns: []domain.SemanticGroup{domain.GroupLineName},
			Rows:    []domain.MasterRow{{Index: 1, Values: []string{"L1"}}, {Index: 4, Values: []string{"ライン2"}}}},
		Part:        &domain.MasterRelation{Name: domain.RelationPart, Rows: []domain.MasterRow{{Index: 1, Values: []string{}}}},
		ProcessData: &domain.MasterRelation{Name: domain.RelationProcessData, Columns: []domain.SemanticGroup{domain.GroupDataName}},
		Relationship: []domain.RelationshipRow{{FactoryMachine: 4, Part: 1, ProcessData: 2}},
	}
	require.NoError(t, store.Save(ctx, 1, tr))

	got, err := store.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tr.FactoryMachine.Rows, got.FactoryMachine.Rows)
	assert.Equal(t, tr.FactoryMachine.Columns, got.FactoryMachine.Columns)
	assert.Len(t, got.Part.Rows, 1)
	assert.Equal(t, tr.Relationship, got.Relationship)

	entries, err := os.ReadDir(filepath.Dir(store.Path(1, domain.RelationPart)))
	require.NoError(t, err)
	assert.Len(t, entries, 4, "no temp files left behind")
}
