// Package transaction stores imported transaction cycles in DuckDB.
package transaction

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duckdb/duckdb-go/v2"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	process_id BIGINT    NOT NULL,
	cycle_id   BIGINT    NOT NULL,
	serial     VARCHAR   NOT NULL,
	ts         TIMESTAMP NOT NULL,
	payload    VARCHAR   NOT NULL
)`

// Store implements domain.TransactionStore on a DuckDB database.
type Store struct {
	db        *sql.DB
	connector *duckdb.Connector
	mu        sync.Mutex // one writer at a time
}

var _ domain.TransactionStore = (*Store)(nil)

// Open opens (or creates) the DuckDB file at path. An empty path gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	db := sql.OpenDB(connector)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cycles table: %w", err)
	}
	return &Store{db: db, connector: connector}, nil
}

// DB exposes the underlying database so drop-file parsing can share it.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	err := s.db.Close()
	if cerr := s.connector.Close(); err == nil {
		err = cerr
	}
	return err
}

type cycleKey struct {
	serial string
	micros int64
}

func keyOf(c domain.Cycle) cycleKey {
	return cycleKey{serial: c.Serial, micros: c.Time.UnixMicro()}
}

// Import implements domain.TransactionStore. Rows that cannot be stored
// are returned in a *domain.DataError alongside the stored count.
func (s *Store) Import(ctx context.Context, processID int64, cycles []domain.Cycle) (int, error) {
	if len(cycles) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	accepted, rejected := dedupe(processID, cycles)
	if len(accepted) > 0 {
		existing, err := s.existingKeys(ctx, processID, accepted)
		if err != nil {
			return 0, err
		}
		fresh := accepted[:0]
		for _, c := range accepted {
			if !existing[keyOf(c)] {
				fresh = append(fresh, c)
			}
		}
		accepted = fresh
	}

	stored := 0
	if len(accepted) > 0 {
		maxID, err := s.MaxCycleID(ctx, processID)
		if err != nil {
			return 0, err
		}
		for i := range accepted {
			maxID++
			accepted[i].CycleID = maxID
		}
		if err := s.write(ctx, processID, nil, accepted); err != nil {
			return 0, err
		}
		stored = len(accepted)
	}

	if len(rejected) > 0 {
		return stored, &domain.DataError{Columns: domain.CycleRejectColumns, Rows: rejected}
	}
	return stored, nil
}

// dedupe normalizes times, drops exact in-batch duplicates and rejects
// malformed rows and duplicates that disagree on their values.
func dedupe(processID int64, cycles []domain.Cycle) ([]domain.Cycle, []domain.RowError) {
	var (
		out      []domain.Cycle
		rejected []domain.RowError
		seen     = make(map[cycleKey]int, len(cycles))
	)
	reject := func(c domain.Cycle, reason string) {
		rejected = append(rejected, domain.RowError{
			Row:    []any{processID, c.Serial, c.Time, c.Values},
			Reason: reason,
		})
	}
	for _, c := range cycles {
		c.ProcessID = processID
		c.Time = c.Time.UTC().Truncate(time.Microsecond)
		switch {
		case strings.TrimSpace(c.Serial) == "":
			reject(c, "missing serial")
			continue
		case c.Time.IsZero():
			reject(c, "missing time")
			continue
		}
		k := keyOf(c)
		if i, ok := seen[k]; ok {
			if !reflect.DeepEqual(out[i].Values, c.Values) {
				reject(c, "conflicting duplicate of serial and time")
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, c)
	}
	return out, rejected
}

func (s *Store) existingKeys(ctx context.Context, processID int64, cycles []domain.Cycle) (map[cycleKey]bool, error) {
	lo, hi := cycles[0].Time, cycles[0].Time
	for _, c := range cycles[1:] {
		if c.Time.Before(lo) {
			lo = c.Time
		}
		if c.Time.After(hi) {
			hi = c.Time
		}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial, ts FROM cycles WHERE process_id = ? AND ts BETWEEN ? AND ?`,
		processID, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query existing cycles: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[cycleKey]bool)
	for rows.Next() {
		var (
			serial string
			ts     time.Time
		)
		if err := rows.Scan(&serial, &ts); err != nil {
			return nil, fmt.Errorf("scan existing cycle: %w", err)
		}
		out[cycleKey{serial: serial, micros: ts.UnixMicro()}] = true
	}
	return out, rows.Err()
}

// Apply implements domain.TransactionStore.
func (s *Store) Apply(ctx context.Context, processID int64, cycles []domain.Cycle) error {
	if len(cycles) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(cycles))
	norm := make([]domain.Cycle, len(cycles))
	for i, c := range cycles {
		if c.CycleID <= 0 {
			return domain.ErrValidation("cycle id must be positive, got %d", c.CycleID)
		}
		c.ProcessID = processID
		c.Time = c.Time.UTC().Truncate(time.Microsecond)
		norm[i] = c
		ids = append(ids, c.CycleID)
	}
	return s.write(ctx, processID, ids, norm)
}

// write deletes the given cycle ids and appends cycles inside one DuckDB
// transaction. A failed commit is fatal.
func (s *Store) write(ctx context.Context, processID int64, deleteIDs []int64, cycles []domain.Cycle) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return domain.Transient("acquire duckdb connection", err)
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.ExecContext(ctx, `BEGIN TRANSACTION`); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	rollback := func(cause error) error {
		if _, rbErr := conn.ExecContext(context.Background(), `ROLLBACK`); rbErr != nil {
			return errors.Join(cause, fmt.Errorf("rollback: %w", rbErr))
		}
		return cause
	}

	if len(deleteIDs) > 0 {
		stmt, err := conn.PrepareContext(ctx, `DELETE FROM cycles WHERE process_id = ? AND cycle_id = ?`)
		if err != nil {
			return rollback(fmt.Errorf("prepare delete cycles: %w", err))
		}
		for _, id := range deleteIDs {
			if _, err := stmt.ExecContext(ctx, processID, id); err != nil {
				_ = stmt.Close()
				return rollback(fmt.Errorf("delete cycle %d: %w", id, err))
			}
		}
		_ = stmt.Close()
	}

	err = conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", "cycles")
		if err != nil {
			return fmt.Errorf("create cycles appender: %w", err)
		}
		defer func() { _ = appender.Close() }()

		for _, c := range cycles {
			payload, err := encodeValues(c.Values)
			if err != nil {
				return fmt.Errorf("encode cycle %d: %w", c.CycleID, err)
			}
			if err := appender.AppendRow(processID, c.CycleID, c.Serial, c.Time, payload); err != nil {
				return fmt.Errorf("append cycle %d: %w", c.CycleID, err)
			}
		}
		return appender.Flush()
	})
	if err != nil {
		return rollback(err)
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return &domain.FatalError{Err: rollback(fmt.Errorf("commit cycles: %w", err))}
	}
	return nil
}

func encodeValues(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// After implements domain.TransactionStore.
func (s *Store) After(ctx context.Context, processID, afterCycleID int64, limit int) ([]domain.Cycle, error) {
	q := `SELECT cycle_id, serial, ts, payload FROM cycles
		WHERE process_id = ? AND cycle_id > ? ORDER BY cycle_id`
	args := []any{processID, afterCycleID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cycles after %d: %w", afterCycleID, err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Cycle
	for rows.Next() {
		var (
			c       = domain.Cycle{ProcessID: processID}
			payload string
		)
		if err := rows.Scan(&c.CycleID, &c.Serial, &c.Time, &payload); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &c.Values); err != nil {
			return nil, fmt.Errorf("decode cycle %d: %w", c.CycleID, err)
		}
		c.Time = c.Time.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxCycleID implements domain.TransactionStore.
func (s *Store) MaxCycleID(ctx context.Context, processID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(cycle_id), 0) FROM cycles WHERE process_id = ?`, processID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max cycle id: %w", err)
	}
	return id, nil
}

// Samples implements domain.TransactionStore. It returns the latest time
// per serial, newest first.
func (s *Store) Samples(ctx context.Context, processID int64, since time.Time, limit int) ([]domain.AutoLinkSample, error) {
	q := `SELECT serial, MAX(ts) AS latest FROM cycles
		WHERE process_id = ? AND ts >= ? GROUP BY serial ORDER BY latest DESC, serial`
	args := []any{processID, since.UTC()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.AutoLinkSample
	for rows.Next() {
		sm := domain.AutoLinkSample{ProcessID: processID}
		if err := rows.Scan(&sm.Serial, &sm.Time); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sm.Time = sm.Time.UTC()
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Processes lists the process ids that have stored cycles.
func (s *Store) Processes(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT process_id FROM cycles`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, rows.Err()
}
