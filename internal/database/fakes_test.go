package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
)

// countingConnector is a database/sql driver whose connections apply every INSERT and
// then fail the first failInserts of them with a broken-connection error, as a server
// that commits and then drops the socket would.
type countingConnector struct {
	mu          sync.Mutex
	inserts     int
	failInserts int
}

func (c *countingConnector) Connect(context.Context) (driver.Conn, error) {
	return &countingConn{c: c}, nil
}

func (c *countingConnector) Driver() driver.Driver { return countingDriver{} }

func (c *countingConnector) executed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inserts
}

type countingDriver struct{}

func (countingDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("use the connector")
}

type countingConn struct {
	c *countingConnector
}

func (cn *countingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepared statements not supported")
}

func (cn *countingConn) Close() error { return nil }

func (cn *countingConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (cn *countingConn) Ping(context.Context) error { return nil }

func (cn *countingConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if !strings.Contains(query, "INSERT INTO") {
		return nil, errors.New("unexpected query")
	}
	cn.c.mu.Lock()
	defer cn.c.mu.Unlock()
	cn.c.inserts++
	if cn.c.inserts <= cn.c.failInserts {
		return nil, io.ErrUnexpectedEOF
	}
	return &idRows{id: int64(cn.c.inserts)}, nil
}

// idRows yields a single (id, created) row.
type idRows struct {
	id   int64
	done bool
}

func (r *idRows) Columns() []string { return []string{"id", "created"} }

func (r *idRows) Close() error { return nil }

func (r *idRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.id
	dest[1] = true
	return nil
}
