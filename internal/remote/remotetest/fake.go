// Package remotetest provides an in-memory remote.Conn double for tests
// in other packages. It is isolated from the production remote package so
// the scriptable fake never ships inside a production binary.
package remotetest

import (
	"context"
	"sync"

	"github.com/globalxact/tpc/internal/remote"
)

// FakeConn is an in-memory remote.Conn used by tests across this module.
// Real Postgres-only commands (PREPARE TRANSACTION, COMMIT PREPARED,
// ROLLBACK PREPARED, pg_prepared_xacts) have no sqlite equivalent, so
// exercising the coordinator's protocol logic end-to-end requires a test
// double that can be told, per call, to succeed or fail.
type FakeConn struct {
	mu sync.Mutex

	host, port, database string
	status               remote.ConnStatus
	closed               bool
	resetCount           int

	// ExecFunc, when set, is consulted for every Exec call and lets tests
	// script failures (e.g. a PREPARE that fails on the second site).
	ExecFunc func(ctx context.Context, query string) error
	// QueryFunc, when set, is consulted for every Query call.
	QueryFunc func(ctx context.Context, query string) (rowCount int, err error)

	execLog  []string
	queryLog []string
}

var _ remote.Conn = (*FakeConn)(nil)

// New returns a connected FakeConn identified by host/port/database.
func New(host, port, database string) *FakeConn {
	return &FakeConn{host: host, port: port, database: database, status: remote.StatusOK}
}

func (c *FakeConn) Host() string     { return c.host }
func (c *FakeConn) Port() string     { return c.port }
func (c *FakeConn) Database() string { return c.database }

func (c *FakeConn) Status() remote.ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus lets a test simulate the remote going bad or recovering.
func (c *FakeConn) SetStatus(s remote.ConnStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *FakeConn) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetCount++
	c.status = remote.StatusOK
	return nil
}

func (c *FakeConn) ResetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetCount
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ExecLog returns every command string passed to Exec, in order. Existence
// checks issued through Query are tracked separately in QueryLog, since
// they are reads against pg_prepared_xacts, not commands the txnset log
// would ever record as an action.
func (c *FakeConn) ExecLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.execLog))
	copy(out, c.execLog)
	return out
}

// QueryLog returns every query string passed to Query, in order.
func (c *FakeConn) QueryLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.queryLog))
	copy(out, c.queryLog)
	return out
}

func (c *FakeConn) Exec(ctx context.Context, query string) error {
	c.mu.Lock()
	c.execLog = append(c.execLog, query)
	fn := c.ExecFunc
	c.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, query)
}

func (c *FakeConn) Query(ctx context.Context, query string) (int, error) {
	c.mu.Lock()
	c.queryLog = append(c.queryLog, query)
	fn := c.QueryFunc
	c.mu.Unlock()

	if fn == nil {
		return 0, nil
	}
	return fn(ctx, query)
}
