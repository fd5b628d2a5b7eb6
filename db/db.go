// Package db is the embedded SQLite layer: a serialized Store, the config
// key/value table and the session/message repository built on top of it.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"deepchat/logger"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const dbFileName = "deepchat.db"

// Scanner is the part of *sql.Row / *sql.Rows a RowMapper needs.
type Scanner interface {
	Scan(dest ...any) error
}

// RowMapper converts the current result row into a T.
type RowMapper[T any] func(Scanner) (T, error)

// Querier is implemented by *Store and *Tx so Query works on both.
type Querier interface {
	query(ctx context.Context, q string, args ...any) (*sql.Rows, func(), error)
}

// Store is a thin synchronous wrapper around the database file. Every
// operation runs under one mutex, so callers never lock themselves.
type Store struct {
	mu   sync.Mutex
	conn *sql.DB
	path string
	log  *logger.Logger
}

// Path returns the database file path inside dataDir, creating the directory.
func Path(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dataDir, dbFileName), nil
}

func dsn(path string) string {
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, log *logger.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var fk int
	if err := conn.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		conn.Close()
		if err == nil {
			err = errors.New("pragma not applied")
		}
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	log = log.With("component", "store")
	log.Debug("database opened", "path", path)
	return &Store{conn: conn, path: path, log: log}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Exec runs a statement and returns the number of affected rows.
func (s *Store) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return execOn(ctx, s.conn, q, args...)
}

// Scalar returns the first column of the first row, or nil when there is no row.
func (s *Store) Scalar(ctx context.Context, q string, args ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scalarOn(ctx, s.conn, q, args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, func(), error) {
	s.mu.Lock()
	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	return rows, s.mu.Unlock, nil
}

// WithTx runs fn inside a transaction while holding the store lock. fn must
// only use the *Tx it is given.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.log.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Tx is an open transaction handed to WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, q string, args ...any) (int64, error) {
	return execOn(ctx, t.tx, q, args...)
}

func (t *Tx) Scalar(ctx context.Context, q string, args ...any) (any, error) {
	return scalarOn(ctx, t.tx, q, args...)
}

func (t *Tx) query(ctx context.Context, q string, args ...any) (*sql.Rows, func(), error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	return rows, func() {}, nil
}

// Query runs q and maps every row with mapper, preserving result order.
func Query[T any](ctx context.Context, on Querier, q string, mapper RowMapper[T], args ...any) ([]T, error) {
	rows, release, err := on.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer release()
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := mapper(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execOn(ctx context.Context, c sqlConn, q string, args ...any) (int64, error) {
	res, err := c.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scalarOn(ctx context.Context, c sqlConn, q string, args ...any) (any, error) {
	var v any
	err := c.QueryRowContext(ctx, q, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
