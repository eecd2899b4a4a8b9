// Package db opens the SQLite metadata store and applies its migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // register "sqlite3"
)

// Pool is the role of a connection pool on the metadata file.
type Pool int

// Pool roles. SQLite allows one writer at a time, so the write pool holds a
// single connection and begins transactions with a reserved lock.
const (
	WritePool Pool = iota
	ReadPool
)

func (p Pool) String() string {
	switch p {
	case WritePool:
		return "write"
	case ReadPool:
		return "read"
	}
	return fmt.Sprintf("pool(%d)", int(p))
}

const (
	busyTimeout     = 5 * time.Second
	defaultReadOpen = 4
	pingTimeout     = 5 * time.Second
)

// OpenSQLite opens one pool on the metadata file at path, creating the
// parent directory when needed. maxOpen sizes the read pool; 0 selects the
// default. Both roles run in WAL mode with foreign keys enforced.
func OpenSQLite(path string, pool Pool, maxOpen int) (*sql.DB, error) {
	if pool != WritePool && pool != ReadPool {
		return nil, fmt.Errorf("unknown sqlite %s", pool)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create metadata directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", buildDSN(path, pool))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s pool: %w", pool, err)
	}
	if pool == WritePool {
		maxOpen = 1
	} else if maxOpen <= 0 {
		maxOpen = defaultReadOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s pool: %w", pool, err)
	}
	return db, nil
}

// OpenSQLitePair opens the write pool and a read pool of readMaxOpen
// connections on the same file. Repositories write through the first; the
// ops API and readiness checks use the second.
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	if writeDB, err = OpenSQLite(path, WritePool, 0); err != nil {
		return nil, nil, err
	}
	if readDB, err = OpenSQLite(path, ReadPool, readMaxOpen); err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}
	return writeDB, readDB, nil
}

func buildDSN(path string, pool Pool) string {
	params := url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {fmt.Sprint(busyTimeout.Milliseconds())},
		"_synchronous":  {"NORMAL"},
		"_foreign_keys": {"on"},
	}
	if pool == WritePool {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
