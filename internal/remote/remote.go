// Package remote wraps a single remote database session the coordinator
// drives through PREPARE TRANSACTION / COMMIT PREPARED / ROLLBACK PREPARED.
//
// The opaque remote-session handle is the Conn interface below,
// deliberately narrow so any driver that can execute SQL and report
// connectivity can stand in for a libpq-style session.
package remote

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/globalxact/tpc/internal/obs"
	"github.com/sirupsen/logrus"
)

// ConnStatus mirrors libpq's PQstatus: either the connection is usable, or
// it has gone bad and must be reset before further use.
type ConnStatus int

const (
	StatusOK ConnStatus = iota
	StatusBad
)

// Conn is the opaque remote-session handle a Site wraps. Implementations
// never need to support concurrent use: a Conn is exclusively owned by
// either the foreground txnset or exactly one RecoveryWorker at a time.
type Conn interface {
	// Exec issues a synchronous SQL command and reports its command status
	// via err (nil on success), mirroring PQresultStatus without ever
	// needing the caller to inspect a *sql.Rows.
	Exec(ctx context.Context, sql string) error
	// Query issues a synchronous query and returns how many rows it
	// produced, for existence checks like pg_prepared_xacts lookups.
	Query(ctx context.Context, sql string) (rowCount int, err error)

	Host() string
	Port() string
	Database() string
	Status() ConnStatus
	Reset(ctx context.Context) error
	Close() error
}

// SQLConn adapts a database/sql connection pool to Conn. The driver
// underneath can be any database/sql driver registered under driverName;
// tests and local development use github.com/mattn/go-sqlite3 ("sqlite3")
// as an always-reachable stand-in remote, exercised through this same
// interface a production Postgres driver would use.
type SQLConn struct {
	db                   *sql.DB
	driverName, dsn      string
	host, port, database string
}

var _ Conn = (*SQLConn)(nil)

// Dial opens a new SQLConn. host/port/database are the identity triple
// recorded in the journal; dsn is the driver-specific connection string
// actually used to open db.
func Dial(driverName, dsn, host, port, database string) (*SQLConn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("remote: opening %s://%s:%s/%s: %w", driverName, host, port, database, err)
	}
	return &SQLConn{db: db, driverName: driverName, dsn: dsn, host: host, port: port, database: database}, nil
}

func (c *SQLConn) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

func (c *SQLConn) Query(ctx context.Context, query string) (int, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

func (c *SQLConn) Host() string     { return c.host }
func (c *SQLConn) Port() string     { return c.port }
func (c *SQLConn) Database() string { return c.database }

func (c *SQLConn) Status() ConnStatus {
	if err := c.db.Ping(); err != nil {
		return StatusBad
	}
	return StatusOK
}

// Reset closes and reopens the underlying pool and returns any open or
// ping error. Site.EnsureAlive logs and swallows that error; a failed reset
// just means the next attempt will observe StatusBad again and retry,
// which is exactly what recovery is for.
func (c *SQLConn) Reset(ctx context.Context) error {
	_ = c.db.Close()
	db, err := sql.Open(c.driverName, c.dsn)
	if err != nil {
		return err
	}
	c.db = db
	return c.db.PingContext(ctx)
}

func (c *SQLConn) Close() error { return c.db.Close() }

// Site is the thin coordinator-facing wrapper over a Conn.
type Site struct {
	conn Conn
}

// NewSite wraps an already-dialed Conn.
func NewSite(conn Conn) *Site { return &Site{conn: conn} }

// Identity returns the (host, port, database) triple used only for log
// emission; it is never used to address the remote (the Conn already is).
func (s *Site) Identity() (host, port, database string) {
	return s.conn.Host(), s.conn.Port(), s.conn.Database()
}

// Exec issues a synchronous SQL command and reports whether it succeeded.
// It never raises: any driver error is logged and folded into ok=false, so
// callers can treat every Exec as the remote's command-status the way
// PQresultStatus does.
func (s *Site) Exec(ctx context.Context, sql string) (ok bool) {
	if err := s.conn.Exec(ctx, sql); err != nil {
		obs.Log().WithFields(logrus.Fields{
			"host": s.conn.Host(), "port": s.conn.Port(), "database": s.conn.Database(), "error": err,
		}).Debug("remote exec failed")
		return false
	}
	return true
}

// CountRows issues a synchronous query and returns the number of rows it
// produced, for existence checks against a prepared-transaction catalog
// (e.g. pg_prepared_xacts). A query failure is reported via err so the
// caller can treat it as "present, retry later" rather than "absent".
func (s *Site) CountRows(ctx context.Context, sql string) (int, error) {
	return s.conn.Query(ctx, sql)
}

// EnsureAlive resets the session if its connectivity has gone bad. Reset
// errors are swallowed: recovery will retry.
func (s *Site) EnsureAlive(ctx context.Context) {
	if s.conn.Status() == StatusBad {
		if err := s.conn.Reset(ctx); err != nil {
			obs.Log().WithFields(logrus.Fields{
				"host": s.conn.Host(), "port": s.conn.Port(), "database": s.conn.Database(), "error": err,
			}).Warn("failed to reset remote session")
		}
	}
}

// Close releases the underlying session.
func (s *Site) Close() error { return s.conn.Close() }
