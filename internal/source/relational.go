package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // register "mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/sqlstmt"
)

// sqliteTimeLayout is how windows are bound against SQLite TEXT timestamps.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// relationalAdapter reads a factory database table, optionally split into
// time-bucketed partition tables named <Table><suffix>, where the suffix is
// the partition layout (for example "200601" for monthly tables).
type relationalAdapter struct {
	dt         *domain.DataTable
	kind       domain.SourceKind
	db         *sql.DB
	dialect    sqlstmt.Dialect
	loc        *time.Location
	partitions PartitionFilter
	logger     *slog.Logger
	batchRows  int
}

func newRelationalAdapter(dt *domain.DataTable, deps Deps, logger *slog.Logger) (*relationalAdapter, error) {
	dialect, err := sqlstmt.DialectFor(dt.Driver)
	if err != nil {
		return nil, domain.ErrValidation("data table %q: %v", dt.Name, err)
	}
	if dt.Table == "" {
		return nil, domain.ErrValidation("data table %q: table is required", dt.Name)
	}
	if dt.TimeColumn() == "" {
		return nil, domain.ErrValidation("data table %q: a DATA_TIME column is required", dt.Name)
	}
	db, err := deps.Open(string(dialect), dt.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", dialect, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &relationalAdapter{
		dt:         dt,
		kind:       domain.SourceRelational,
		db:         db,
		dialect:    dialect,
		loc:        dt.Location(),
		partitions: deps.Partitions,
		logger:     logger,
		batchRows:  DefaultBatchRows,
	}, nil
}

func (a *relationalAdapter) Kind() domain.SourceKind { return a.kind }
func (a *relationalAdapter) Close() error            { return a.db.Close() }
func (a *relationalAdapter) sealed()                 {}

func (a *relationalAdapter) columnNames() []string {
	names := make([]string, 0, len(a.dt.Columns))
	for _, c := range a.dt.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (a *relationalAdapter) masterColumnNames() []string {
	var names []string
	for _, c := range a.dt.Columns {
		if isMasterGroup(c.Group) {
			names = append(names, c.Name)
		}
	}
	return names
}

func isMasterGroup(g domain.SemanticGroup) bool {
	for _, list := range [][]domain.SemanticGroup{domain.FactoryMachineGroups, domain.PartGroups, domain.ProcessDataGroups} {
		for _, m := range list {
			if m == g {
				return true
			}
		}
	}
	return false
}

func (a *relationalAdapter) partitioned() bool { return a.dt.Partition != "" }

// Partitions lists the physical tables of the data table. The time range
// is left empty; PartitionBounds fills it.
func (a *relationalAdapter) Partitions(ctx context.Context) ([]domain.PartitionWindow, error) {
	if !a.partitioned() {
		return []domain.PartitionWindow{{DataTableID: a.dt.ID, TableName: a.dt.Table}}, nil
	}
	rows, err := a.db.QueryContext(ctx, a.dialect.ListTables(), a.dt.Table+"%")
	if err != nil {
		return nil, classify("list partitions", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.PartitionWindow
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		key := strings.TrimPrefix(name, a.dt.Table)
		if _, err := time.ParseInLocation(a.dt.Partition, key, a.loc); err != nil {
			continue
		}
		out = append(out, domain.PartitionWindow{DataTableID: a.dt.ID, TableName: name, PartitionKey: key})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list partitions", err)
	}
	return out, nil
}

// PartitionBounds returns the time range of one physical table.
func (a *relationalAdapter) PartitionBounds(ctx context.Context, table string) (Bounds, error) {
	q, err := a.dialect.TimeBounds(table, a.dt.TimeColumn())
	if err != nil {
		return Bounds{}, err
	}
	var minV, maxV any
	if err := a.db.QueryRowContext(ctx, q).Scan(&minV, &maxV); err != nil {
		return Bounds{}, classify("time bounds", err)
	}
	minT, okMin := domain.ParseTime(minV, a.loc)
	maxT, okMax := domain.ParseTime(maxV, a.loc)
	if !okMin || !okMax {
		return Bounds{Empty: true}, nil
	}
	return Bounds{Min: minT, Max: maxT}, nil
}

// Bounds spans every partition.
func (a *relationalAdapter) Bounds(ctx context.Context) (Bounds, error) {
	parts, err := a.Partitions(ctx)
	if err != nil {
		return Bounds{}, err
	}
	out := Bounds{Empty: true}
	for _, p := range parts {
		b, err := a.PartitionBounds(ctx, p.TableName)
		if err != nil {
			return Bounds{}, err
		}
		if b.Empty {
			continue
		}
		if out.Empty || b.Min.Before(out.Min) {
			out.Min = b.Min
		}
		if out.Empty || b.Max.After(out.Max) {
			out.Max = b.Max
		}
		out.Empty = false
	}
	return out, nil
}

// tablesFor returns the physical tables that may hold rows of w, oldest first.
func (a *relationalAdapter) tablesFor(ctx context.Context, w domain.Window) ([]string, error) {
	if !a.partitioned() {
		return []string{a.dt.Table}, nil
	}
	if a.partitions != nil {
		known, err := a.partitions.Overlapping(ctx, a.dt.ID, w)
		if err != nil {
			return nil, err
		}
		if len(known) > 0 {
			names := make([]string, len(known))
			for i, p := range known {
				names[i] = p.TableName
			}
			return names, nil
		}
	}
	parts, err := a.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range parts {
		start, err := time.ParseInLocation(a.dt.Partition, p.PartitionKey, a.loc)
		if err != nil || !start.Before(w.To) {
			continue
		}
		names = append(names, p.TableName)
	}
	return names, nil
}

func (a *relationalAdapter) bind(t time.Time) any {
	t = t.In(a.loc)
	if a.dialect == sqlstmt.SQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

// Count sums the rows of w across the overlapping partitions.
func (a *relationalAdapter) Count(ctx context.Context, w domain.Window) (int64, error) {
	tables, err := a.tablesFor(ctx, w)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, t := range tables {
		q, err := a.dialect.CountWindow(t, a.dt.TimeColumn())
		if err != nil {
			return 0, err
		}
		var n int64
		if err := a.db.QueryRowContext(ctx, q, a.bind(w.From), a.bind(w.To)).Scan(&n); err != nil {
			return 0, classify("count window", err)
		}
		total += n
	}
	return total, nil
}

// TransactionStream reads the partitions of w in chronological order.
func (a *relationalAdapter) TransactionStream(ctx context.Context, w domain.Window, limit int) (Batches, error) {
	tables, err := a.tablesFor(ctx, w)
	if err != nil {
		return nil, err
	}
	remaining := limit
	var current *rowsBatches
	return &lazyBatches{
		n: len(tables),
		open: func(ctx context.Context, i int) (Batches, error) {
			if current != nil && limit > 0 {
				remaining -= current.read
				if remaining <= 0 {
					return FromFrames(), nil
				}
			}
			q, err := a.dialect.SelectWindow(tables[i], a.dt.TimeColumn(), a.columnNames(), remaining)
			if err != nil {
				return nil, err
			}
			rows, err := a.db.QueryContext(ctx, q, a.bind(w.From), a.bind(w.To))
			if err != nil {
				return nil, classify("select window", err)
			}
			current, err = newRowsBatches(rows, a.batchRows, remaining)
			if err != nil {
				return nil, err
			}
			return current, nil
		},
	}, nil
}

// newestFirst returns physical tables newest partition first.
func (a *relationalAdapter) newestFirst(ctx context.Context) ([]string, error) {
	parts, err := a.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(parts))
	for i := len(parts) - 1; i >= 0; i-- {
		names = append(names, parts[i].TableName)
	}
	return names, nil
}

// MasterSample reads distinct master tuples, newest partitions first.
func (a *relationalAdapter) MasterSample(ctx context.Context) (Batches, error) {
	cols := a.masterColumnNames()
	if len(cols) == 0 {
		return FromFrames(), nil
	}
	return a.sample(ctx, cols, MasterSampleLimit, true)
}

// TypeSample reads every configured column, newest partitions first.
func (a *relationalAdapter) TypeSample(ctx context.Context) (Batches, error) {
	return a.sample(ctx, a.columnNames(), TypeSampleLimit, false)
}

func (a *relationalAdapter) sample(ctx context.Context, cols []string, limit int, distinct bool) (Batches, error) {
	tables, err := a.newestFirst(ctx)
	if err != nil {
		return nil, err
	}
	return &lazyBatches{
		n: len(tables),
		open: func(ctx context.Context, i int) (Batches, error) {
			build := a.dialect.SelectSample
			if distinct {
				build = a.dialect.SelectDistinct
			}
			q, err := build(tables[i], cols, limit)
			if err != nil {
				return nil, err
			}
			rows, err := a.db.QueryContext(ctx, q)
			if err != nil {
				return nil, classify("sample", err)
			}
			return newRowsBatches(rows, a.batchRows, limit)
		},
	}, nil
}
