package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

const (
	// DefaultPingTimeout bounds the liveness check done before each use of a session.
	DefaultPingTimeout = 2 * time.Second
	// DefaultRetryWindow bounds how long a session keeps reconnecting for one call.
	DefaultRetryWindow = 30 * time.Second
)

// Session is a dedicated connection owned by one worker. The connection is checked
// before every use and transparently replaced when it has gone bad.
type Session struct {
	pool        *sql.DB
	name        string
	pingTimeout time.Duration
	retryWindow time.Duration

	mu   sync.Mutex
	conn *sql.Conn
}

// Session returns a new session drawing its connection from the pool. The connection
// is acquired lazily on first use.
func (db *DB) Session(name string) *Session {
	return &Session{
		pool:        db.conn,
		name:        name,
		pingTimeout: DefaultPingTimeout,
		retryWindow: DefaultRetryWindow,
	}
}

// SetRetryWindow changes how long Do keeps retrying after connection failures.
func (s *Session) SetRetryWindow(d time.Duration) {
	s.retryWindow = d
}

// Name identifies the owning worker in logs.
func (s *Session) Name() string { return s.name }

// Do runs fn on the session's connection. Connection failures (including failures of
// fn caused by a broken connection) drop the connection and retry with exponential
// backoff; any other error from fn is returned as is. fn may therefore run more than
// once and must be safe to repeat.
func (s *Session) Do(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return s.run(ctx, fn, true)
}

// DoOnce is like Do but never repeats fn once it has been called. Only acquiring a
// live connection is retried. A connection failure inside fn drops the connection and
// is returned, since the statement may or may not have been applied.
func (s *Session) DoOnce(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return s.run(ctx, fn, false)
}

func (s *Session) run(ctx context.Context, fn func(conn *sql.Conn) error, repeat bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.retryWindow

	attempt := 0
	op := func() error {
		attempt++
		conn, err := s.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("Database session unavailable, retrying",
				"session", s.name,
				"attempt", attempt,
				"error", err,
			)
			return err
		}

		if err := fn(conn); err != nil {
			if IsConnectionError(err) && ctx.Err() == nil {
				s.discard()
				if !repeat {
					slog.Warn("Database connection lost during statement, not repeating it",
						"session", s.name,
						"error", err,
					)
					return backoff.Permanent(err)
				}
				slog.Warn("Database connection lost, reconnecting",
					"session", s.name,
					"attempt", attempt,
					"error", err,
				)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// acquire returns a live connection, replacing the current one if its ping fails.
// Callers hold s.mu.
func (s *Session) acquire(ctx context.Context) (*sql.Conn, error) {
	if s.conn != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
		err := s.conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return s.conn, nil
		}
		slog.Warn("Database session failed liveness check", "session", s.name, "error", err)
		s.discard()
	}

	conn, err := s.pool.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for %s: %w", s.name, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping new connection for %s: %w", s.name, err)
	}

	s.conn = conn
	slog.Debug("Database session connected", "session", s.name)
	return conn, nil
}

// discard closes and forgets the current connection. Callers hold s.mu.
func (s *Session) discard() {
	if s.conn == nil {
		return
	}
	// Raw marks the connection bad so the pool does not hand it out again.
	_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = s.conn.Close()
	s.conn = nil
}

// Close returns the session's connection to the pool.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// IsConnectionError reports whether err means the connection itself is unusable, as
// opposed to a failed statement on a healthy connection.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 is connection_exception; 57P01..57P03 are server shutdown states.
		if pqErr.Code.Class() == "08" {
			return true
		}
		switch pqErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsStatementError reports whether err is the server rejecting a statement on a healthy
// connection, such as a constraint violation. Repeating the statement fails the same way.
func IsStatementError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && !IsConnectionError(err)
}
