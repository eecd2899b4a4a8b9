package master

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

const (
	indexField       = "__index"
	snapshotFileMode = 0o600
	snapshotDirMode  = 0o750
)

// ArrowStore keeps one Arrow IPC file per (data table, relation) under
// <dir>/<dataTableID>/<relation>.arrow. Files are replaced atomically.
type ArrowStore struct {
	dir string
	mem memory.Allocator
}

// NewArrowStore creates a store rooted at dir.
func NewArrowStore(dir string) *ArrowStore {
	return &ArrowStore{dir: dir, mem: memory.DefaultAllocator}
}

// Path returns the snapshot file of one relation.
func (s *ArrowStore) Path(dataTableID int64, rel domain.Relation) string {
	return filepath.Join(s.dir, strconv.FormatInt(dataTableID, 10), string(rel)+".arrow")
}

// Load reads every relation of a data table.
func (s *ArrowStore) Load(ctx context.Context, dataTableID int64) (*domain.MasterTriad, error) {
	t := &domain.MasterTriad{}
	for _, rel := range []domain.Relation{domain.RelationFactoryMachine, domain.RelationPart, domain.RelationProcessData} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.loadRelation(s.Path(dataTableID, rel), rel)
		if err != nil {
			return nil, err
		}
		switch rel {
		case domain.RelationFactoryMachine:
			t.FactoryMachine = r
		case domain.RelationPart:
			t.Part = r
		case domain.RelationProcessData:
			t.ProcessData = r
		}
	}
	rs, err := s.loadRelationship(s.Path(dataTableID, domain.RelationRelationship))
	if err != nil {
		return nil, err
	}
	t.Relationship = rs
	return t, nil
}

// Save rewrites every relation of a data table.
func (s *ArrowStore) Save(ctx context.Context, dataTableID int64, t *domain.MasterTriad) error {
	if err := os.MkdirAll(filepath.Dir(s.Path(dataTableID, domain.RelationPart)), snapshotDirMode); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	for _, r := range t.Relations() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r == nil {
			continue
		}
		rec := s.relationRecord(r)
		err := s.writeFile(s.Path(dataTableID, r.Name), rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	rec := s.relationshipRecord(t.Relationship)
	defer rec.Release()
	return s.writeFile(s.Path(dataTableID, domain.RelationRelationship), rec)
}

func (s *ArrowStore) relationRecord(r *domain.MasterRelation) arrow.Record {
	fields := make([]arrow.Field, 0, len(r.Columns)+1)
	fields = append(fields, arrow.Field{Name: indexField, Type: arrow.PrimitiveTypes.Int64})
	for _, g := range r.Columns {
		fields = append(fields, arrow.Field{Name: string(g), Type: arrow.BinaryTypes.String, Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	idx := array.NewInt64Builder(s.mem)
	defer idx.Release()
	builders := make([]*array.StringBuilder, len(r.Columns))
	for i := range builders {
		builders[i] = array.NewStringBuilder(s.mem)
	}
	for _, row := range r.Rows {
		idx.Append(row.Index)
		for i, b := range builders {
			if i < len(row.Values) {
				b.Append(row.Values[i])
			} else {
				b.Append("")
			}
		}
	}

	cols := make([]arrow.Array, 0, len(fields))
	cols = append(cols, idx.NewArray())
	for _, b := range builders {
		cols = append(cols, b.NewArray())
		b.Release()
	}
	rec := array.NewRecord(schema, cols, int64(len(r.Rows)))
	for _, c := range cols {
		c.Release()
	}
	return rec
}

var relationshipSchema = arrow.NewSchema([]arrow.Field{
	{Name: string(domain.RelationFactoryMachine), Type: arrow.PrimitiveTypes.Int64},
	{Name: string(domain.RelationPart), Type: arrow.PrimitiveTypes.Int64},
	{Name: string(domain.RelationProcessData), Type: arrow.PrimitiveTypes.Int64},
}, nil)

func (s *ArrowStore) relationshipRecord(rows []domain.RelationshipRow) arrow.Record {
	bs := []*array.Int64Builder{array.NewInt64Builder(s.mem), array.NewInt64Builder(s.mem), array.NewInt64Builder(s.mem)}
	for _, r := range rows {
		bs[0].Append(r.FactoryMachine)
		bs[1].Append(r.Part)
		bs[2].Append(r.ProcessData)
	}
	cols := make([]arrow.Array, len(bs))
	for i, b := range bs {
		cols[i] = b.NewArray()
		b.Release()
	}
	rec := array.NewRecord(relationshipSchema, cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return rec
}

// writeFile writes rec to a temp file next to path and renames it into place.
func (s *ArrowStore) writeFile(path string, rec arrow.Record) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w, err := ipc.NewFileWriter(tmp, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	if err != nil {
		return fmt.Errorf("open arrow writer: %w", err)
	}
	if err = w.Write(rec); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("close arrow writer: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(snapshotFileMode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// readFile calls fn for every record of the file at path. A missing file
// yields no records.
func (s *ArrowStore) readFile(path string, fn func(rec arrow.Record) error) error {
	fh, err := os.Open(path) //nolint:gosec // path is built from the store root
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close() //nolint:errcheck

	r, err := ipc.NewFileReader(fh, ipc.WithAllocator(s.mem))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	defer r.Close() //nolint:errcheck

	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return fmt.Errorf("read %s record %d: %w", path, i, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *ArrowStore) loadRelation(path string, rel domain.Relation) (*domain.MasterRelation, error) {
	out := &domain.MasterRelation{Name: rel}
	err := s.readFile(path, func(rec arrow.Record) error {
		schema := rec.Schema()
		if schema.NumFields() == 0 || schema.Field(0).Name != indexField {
			return fmt.Errorf("%s: unexpected snapshot layout", path)
		}
		if out.Columns == nil {
			out.Columns = make([]domain.SemanticGroup, 0, schema.NumFields()-1)
			for _, f := range schema.Fields()[1:] {
				out.Columns = append(out.Columns, domain.SemanticGroup(f.Name))
			}
		}
		idx, ok := rec.Column(0).(*array.Int64)
		if !ok {
			return fmt.Errorf("%s: index column is %s", path, rec.Column(0).DataType())
		}
		strs := make([]*array.String, len(out.Columns))
		for i := range strs {
			col, ok := rec.Column(i + 1).(*array.String)
			if !ok {
				return fmt.Errorf("%s: column %s is not a string", path, out.Columns[i])
			}
			strs[i] = col
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			vals := make([]string, len(strs))
			for i, c := range strs {
				if !c.IsNull(row) {
					vals[i] = c.Value(row)
				}
			}
			out.Rows = append(out.Rows, domain.MasterRow{Index: idx.Value(row), Values: vals})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ArrowStore) loadRelationship(path string) ([]domain.RelationshipRow, error) {
	var out []domain.RelationshipRow
	err := s.readFile(path, func(rec arrow.Record) error {
		if rec.NumCols() != 3 {
			return fmt.Errorf("%s: unexpected relationship layout", path)
		}
		cols := make([]*array.Int64, 3)
		for i := range cols {
			c, ok := rec.Column(i).(*array.Int64)
			if !ok {
				return fmt.Errorf("%s: column %d is not int64", path, i)
			}
			cols[i] = c
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			out = append(out, domain.RelationshipRow{
				FactoryMachine: cols[0].Value(row),
				Part:           cols[1].Value(row),
				ProcessData:    cols[2].Value(row),
			})
		}
		return nil
	})
	return out, err
}
