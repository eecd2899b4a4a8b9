package source

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/filestore"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/sqlstmt"
)

// efaBanner starts the metadata line of an EFA file.
const efaBanner = "#EFA"

// v2HeaderAliases maps localized V2 export headers to semantic groups.
var v2HeaderAliases = map[string]domain.SemanticGroup{
	"計測日時":   domain.GroupDataTime,
	"測定日時":   domain.GroupDataTime,
	"シリアルNo": domain.GroupDataSerial,
	"シリアル":   domain.GroupDataSerial,
	"項目名":    domain.GroupDataName,
	"計測項目名":  domain.GroupDataName,
	"計測値":    domain.GroupDataValue,
	"測定値":    domain.GroupDataValue,
	"工程名":    domain.GroupProcessName,
	"ライン名":   domain.GroupLineName,
	"設備名":    domain.GroupEquipName,
	"品番":     domain.GroupPartNo,
	"単位":     domain.GroupUnit,
}

// fileAdapter reads CSV, V2 and EFA drop files through DuckDB's CSV reader.
// Each file is parsed once per adapter and reparsed only when its size or
// modification time changes.
type fileAdapter struct {
	dt     *domain.DataTable
	files  filestore.Store
	duck   *sql.DB
	loc    *time.Location
	logger *slog.Logger

	mu     sync.Mutex
	parsed map[string]parsedFile
	index  *timeIndex
}

type parsedFile struct {
	size  int64
	mod   time.Time
	frame *domain.Frame
}

// timeIndex is every row of one listing, sorted by the time column.
type timeIndex struct {
	listing string
	columns []string
	rows    []timedRow
}

func newFileAdapter(dt *domain.DataTable, files filestore.Store, duck *sql.DB, logger *slog.Logger) (*fileAdapter, error) {
	if files == nil || duck == nil {
		return nil, fmt.Errorf("file sources need a file store and a DuckDB handle")
	}
	if dt.Directory == "" {
		return nil, domain.ErrValidation("data table %q: directory is required", dt.Name)
	}
	return &fileAdapter{
		dt:     dt,
		files:  files,
		duck:   duck,
		loc:    dt.Location(),
		logger: logger,
		parsed: make(map[string]parsedFile),
	}, nil
}

func (a *fileAdapter) Kind() domain.SourceKind { return a.dt.Kind }
func (a *fileAdapter) Close() error            { return nil }
func (a *fileAdapter) sealed()                 {}

// ReadFile parses one drop file of the adapter's kind.
func (a *fileAdapter) ReadFile(ctx context.Context, path string) (*domain.Frame, error) {
	local, err := a.files.Local(ctx, path)
	if err != nil {
		return nil, classify("fetch file", err)
	}

	opts := sqlstmt.FileOptions{}
	if strings.EqualFold(filepath.Ext(local), ".tsv") {
		opts.Delimiter = "\t"
	}
	var meta map[string]string
	if a.dt.Kind == domain.SourceEFA {
		meta, err = readEFABanner(local)
		if err != nil {
			return nil, err
		}
		opts.Delimiter = "\t"
		opts.Skip = 1
	}

	q, err := sqlstmt.ReadDelimited(local, opts)
	if err != nil {
		return nil, err
	}
	rows, err := a.duck.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	b, err := newRowsBatches(rows, 0, 0)
	if err != nil {
		return nil, err
	}
	f, err := Drain(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(f.Columns) == 0 {
		f.Columns = b.columns
	}

	if a.dt.Kind == domain.SourceV2 {
		a.renameV2Headers(f)
	}
	for _, k := range sortedKeys(meta) {
		if f.Index(k) >= 0 {
			continue
		}
		f.Columns = append(f.Columns, k)
		for i := range f.Rows {
			f.Rows[i] = append(f.Rows[i], meta[k])
		}
	}
	return f, nil
}

// readEFABanner parses "#EFA<TAB>KEY=VALUE<TAB>..." from the first line.
func readEFABanner(path string) (map[string]string, error) {
	fh, err := os.Open(path) //nolint:gosec // path comes from the drop listing
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close() //nolint:errcheck

	line, err := bufio.NewReader(fh).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read EFA banner of %s: %w", path, err)
	}
	fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(fields) == 0 || fields[0] != efaBanner {
		return nil, &domain.DataError{Rows: []domain.RowError{{
			Row:    []any{path},
			Reason: "missing " + efaBanner + " banner",
		}}}
	}
	meta := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if ok && strings.TrimSpace(k) != "" {
			meta[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return meta, nil
}

func (a *fileAdapter) renameV2Headers(f *domain.Frame) {
	for i, h := range f.Columns {
		if _, ok := a.dt.Column(h); ok {
			continue
		}
		g, ok := v2HeaderAliases[strings.TrimSpace(h)]
		if !ok {
			continue
		}
		if c, ok := a.dt.ColumnByGroup(g); ok && f.Index(c.Name) < 0 {
			f.Columns[i] = c.Name
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *fileAdapter) list(ctx context.Context) ([]filestore.FileInfo, error) {
	files, err := a.files.List(ctx, a.dt.Directory)
	if err != nil {
		return nil, classify("list files", err)
	}
	return files, nil
}

// cached returns the parsed frame of fi, reading the file when it is new
// or changed. The frame is shared and must not be modified.
func (a *fileAdapter) cached(ctx context.Context, fi filestore.FileInfo) (*domain.Frame, error) {
	a.mu.Lock()
	p, ok := a.parsed[fi.Path]
	a.mu.Unlock()
	if ok && p.size == fi.Size && p.mod.Equal(fi.ModTime) {
		return p.frame, nil
	}
	f, err := a.ReadFile(ctx, fi.Path)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.parsed[fi.Path] = parsedFile{size: fi.Size, mod: fi.ModTime, frame: f}
	a.mu.Unlock()
	return f, nil
}

func cloneFrame(f *domain.Frame) *domain.Frame {
	out := &domain.Frame{Columns: append([]string(nil), f.Columns...), Rows: make([][]any, len(f.Rows))}
	for i, r := range f.Rows {
		out.Rows[i] = append([]any(nil), r...)
	}
	return out
}

func (a *fileAdapter) perFile(files []filestore.FileInfo) Batches {
	return &lazyBatches{
		n: len(files),
		open: func(ctx context.Context, i int) (Batches, error) {
			f, err := a.cached(ctx, files[i])
			if err != nil {
				return nil, err
			}
			return FromFrames(cloneFrame(f)), nil
		},
	}
}

// MasterSample yields every file, oldest first.
func (a *fileAdapter) MasterSample(ctx context.Context) (Batches, error) {
	files, err := a.list(ctx)
	if err != nil {
		return nil, err
	}
	return a.perFile(files), nil
}

// TypeSample yields files newest first.
func (a *fileAdapter) TypeSample(ctx context.Context) (Batches, error) {
	files, err := a.list(ctx)
	if err != nil {
		return nil, err
	}
	rev := make([]filestore.FileInfo, len(files))
	for i, f := range files {
		rev[len(files)-1-i] = f
	}
	return a.perFile(rev), nil
}

type timedRow struct {
	t   time.Time
	row []any
}

func listingKey(files []filestore.FileInfo) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s\x00%d\x00%d\n", f.Path, f.Size, f.ModTime.UnixNano())
	}
	return b.String()
}

// indexed returns the sorted rows of the current listing, rebuilding
// them only when the listing changed since the last call.
func (a *fileAdapter) indexed(ctx context.Context) (*timeIndex, error) {
	timeCol := a.dt.TimeColumn()
	if timeCol == "" {
		return nil, domain.ErrValidation("data table %q has no DATA_TIME column", a.dt.Name)
	}
	files, err := a.list(ctx)
	if err != nil {
		return nil, err
	}
	key := listingKey(files)
	a.mu.Lock()
	idx := a.index
	a.mu.Unlock()
	if idx != nil && idx.listing == key {
		return idx, nil
	}

	merged := &domain.Frame{}
	live := make(map[string]bool, len(files))
	for _, fi := range files {
		f, err := a.cached(ctx, fi)
		if err != nil {
			return nil, err
		}
		live[fi.Path] = true
		merged.Append(f)
	}
	idx = &timeIndex{listing: key, columns: merged.Columns}
	if ti := merged.Index(timeCol); ti >= 0 {
		unparsed := 0
		for _, row := range merged.Rows {
			t, ok := domain.ParseTime(row[ti], a.loc)
			if !ok {
				unparsed++
				continue
			}
			idx.rows = append(idx.rows, timedRow{t: t, row: row})
		}
		if unparsed > 0 {
			a.logger.Warn("rows without a readable time skipped", "column", timeCol, "rows", unparsed)
		}
		sort.SliceStable(idx.rows, func(i, j int) bool { return idx.rows[i].t.Before(idx.rows[j].t) })
	}

	a.mu.Lock()
	a.index = idx
	for path := range a.parsed {
		if !live[path] {
			delete(a.parsed, path)
		}
	}
	a.mu.Unlock()
	return idx, nil
}

// windowRows returns the indexed rows of w in time order. The rows are
// shared with the index.
func (a *fileAdapter) windowRows(ctx context.Context, w domain.Window) ([]string, []timedRow, error) {
	idx, err := a.indexed(ctx)
	if err != nil {
		return nil, nil, err
	}
	lo := sort.Search(len(idx.rows), func(i int) bool { return !idx.rows[i].t.Before(w.From) })
	hi := sort.Search(len(idx.rows), func(i int) bool { return !idx.rows[i].t.Before(w.To) })
	if hi < lo {
		hi = lo
	}
	return idx.columns, idx.rows[lo:hi], nil
}

// TransactionStream returns rows of w in time order.
func (a *fileAdapter) TransactionStream(ctx context.Context, w domain.Window, limit int) (Batches, error) {
	cols, rows, err := a.windowRows(ctx, w)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	var frames []*domain.Frame
	for start := 0; start < len(rows); start += DefaultBatchRows {
		end := min(start+DefaultBatchRows, len(rows))
		f := domain.NewFrame(cols...)
		for _, r := range rows[start:end] {
			f.Rows = append(f.Rows, append([]any(nil), r.row...))
		}
		frames = append(frames, f)
	}
	return FromFrames(frames...), nil
}

// Count returns the number of rows of w.
func (a *fileAdapter) Count(ctx context.Context, w domain.Window) (int64, error) {
	_, rows, err := a.windowRows(ctx, w)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Bounds reads the first and last indexed times.
func (a *fileAdapter) Bounds(ctx context.Context) (Bounds, error) {
	idx, err := a.indexed(ctx)
	if err != nil {
		return Bounds{}, err
	}
	if len(idx.rows) == 0 {
		return Bounds{Empty: true}, nil
	}
	return Bounds{Min: idx.rows[0].t, Max: idx.rows[len(idx.rows)-1].t}, nil
}

// RecentFiles reads the files modified at or after since. Auto-link
// sampling uses it as its third tier.
func RecentFiles(ctx context.Context, a Adapter, since time.Time) (*domain.Frame, error) {
	if g, ok := a.(*guarded); ok {
		a = g.inner
	}
	fa, ok := a.(*fileAdapter)
	if !ok {
		return &domain.Frame{}, nil
	}
	files, err := fa.list(ctx)
	if err != nil {
		return nil, err
	}
	return Drain(ctx, fa.perFile(filestore.Since(files, since)))
}
