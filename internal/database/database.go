// Package database provides the PostgreSQL access used by the telemetry core: catalog
// queries, measurement batches and incident rows. Workers never share a connection;
// each one works through its own Session.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Queryer is the subset of *sql.DB, *sql.Conn and *sql.Tx used by the queries.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Queryer = (*sql.DB)(nil)
	_ Queryer = (*sql.Conn)(nil)
	_ Queryer = (*sql.Tx)(nil)
)

// DB wraps the connection pool that sessions draw their dedicated connections from.
type DB struct {
	conn *sql.DB
}

// NewDB opens the pool and verifies connectivity.
func NewDB(dsn string) (*DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Successfully connected to PostgreSQL database")

	return &DB{conn: conn}, nil
}

// NewFromSQL wraps an existing pool. It is used by tools and tests that open the pool
// themselves.
func NewFromSQL(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		slog.Info("Closing database connection")
		return db.conn.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database is not open")
	}
	return db.conn.PingContext(ctx)
}

// SetPoolLimits bounds the pool. Every long-lived worker holds one connection, so the
// pool must allow at least that many.
func (db *DB) SetPoolLimits(maxOpen, maxIdle int) {
	db.conn.SetMaxOpenConns(maxOpen)
	db.conn.SetMaxIdleConns(maxIdle)
}
