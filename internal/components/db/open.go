package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverLibsql   = "libsql"
)

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// Open opens a database for one of the supported drivers and applies the
// schema, every statement in it is idempotent.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSqlite, "":
		conn, err = openSqlite(dsn)
	case DriverPostgres:
		conn, err = openPostgres(ctx, dsn)
	case DriverLibsql:
		conn, err = sql.Open(DriverLibsql, dsn)
	default:
		err = fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, wrapOpenDB(err)
	}

	_, err = conn.ExecContext(ctx, Schema)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return conn, nil
}

func openSqlite(path string) (*sql.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open(DriverSqlite, path)
	if err != nil {
		return nil, err
	}

	// sqlite only allows a single writer, a single connection also keeps an
	// in-memory database alive for the lifetime of the pool.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)
	if path != ":memory:" {
		_, err = conn.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			return nil, err
		}
	}
	return conn, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err = conn.PingContext(pingCtx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// IsUniqueViolation reports whether err was caused by a unique constraint or
// unique index, for any of the supported drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	// libsql reports errors as plain strings
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
