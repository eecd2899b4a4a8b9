// Package sqlstmt builds the SQL statements used to probe and read external
// sources and local DuckDB files.
package sqlstmt

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects quoting and placeholder syntax.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite3"
	MySQL    Dialect = "mysql"
	Postgres Dialect = "pgx"
	DuckDB   Dialect = "duckdb"
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "duckdb":
		return DuckDB, nil
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

// Quote quotes an identifier for the dialect.
func (d Dialect) Quote(name string) string {
	if d == MySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d Dialect) columnList(cols []string) (string, error) {
	if len(cols) == 0 {
		return "*", nil
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		if err := ValidateExternalName(c); err != nil {
			return "", fmt.Errorf("invalid column: %w", err)
		}
		quoted[i] = d.Quote(c)
	}
	return strings.Join(quoted, ", "), nil
}

// SelectSample returns `SELECT cols FROM table LIMIT n`.
func (d Dialect) SelectSample(table string, cols []string, limit int) (string, error) {
	return d.selectSample("SELECT", table, cols, limit)
}

// SelectDistinct returns `SELECT DISTINCT cols FROM table LIMIT n`.
func (d Dialect) SelectDistinct(table string, cols []string, limit int) (string, error) {
	if len(cols) == 0 {
		return "", fmt.Errorf("at least one column is required")
	}
	return d.selectSample("SELECT DISTINCT", table, cols, limit)
}

func (d Dialect) selectSample(verb, table string, cols []string, limit int) (string, error) {
	if err := ValidateExternalName(table); err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	list, err := d.columnList(cols)
	if err != nil {
		return "", err
	}
	stmt := fmt.Sprintf("%s %s FROM %s", verb, list, d.Quote(table))
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	return stmt, nil
}

// SelectWindow returns a query reading [from, to) on timeCol in time order.
// The two bind parameters are from and to.
func (d Dialect) SelectWindow(table, timeCol string, cols []string, limit int) (string, error) {
	if err := ValidateExternalName(table); err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	if err := ValidateExternalName(timeCol); err != nil {
		return "", fmt.Errorf("invalid time column: %w", err)
	}
	list, err := d.columnList(cols)
	if err != nil {
		return "", err
	}
	tc := d.Quote(timeCol)
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %s AND %s < %s ORDER BY %s",
		list, d.Quote(table), tc, d.Placeholder(1), tc, d.Placeholder(2), tc)
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	return stmt, nil
}

// CountWindow returns a query counting rows in [from, to) on timeCol.
func (d Dialect) CountWindow(table, timeCol string) (string, error) {
	if err := ValidateExternalName(table); err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	if err := ValidateExternalName(timeCol); err != nil {
		return "", fmt.Errorf("invalid time column: %w", err)
	}
	tc := d.Quote(timeCol)
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s >= %s AND %s < %s",
		d.Quote(table), tc, d.Placeholder(1), tc, d.Placeholder(2)), nil
}

// TimeBounds returns a query for MIN and MAX of timeCol.
func (d Dialect) TimeBounds(table, timeCol string) (string, error) {
	if err := ValidateExternalName(table); err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	if err := ValidateExternalName(timeCol); err != nil {
		return "", fmt.Errorf("invalid time column: %w", err)
	}
	tc := d.Quote(timeCol)
	return fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", tc, tc, d.Quote(table)), nil
}

// ListTables returns a query listing tables whose name starts with the
// bound prefix parameter (pass prefix + "%").
func (d Dialect) ListTables() string {
	switch d {
	case MySQL:
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name LIKE ? ORDER BY table_name"
	case Postgres:
		return "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name LIKE $1 ORDER BY table_name"
	case DuckDB:
		return "SELECT table_name FROM information_schema.tables WHERE table_name LIKE ? ORDER BY table_name"
	default:
		return "SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name"
	}
}
