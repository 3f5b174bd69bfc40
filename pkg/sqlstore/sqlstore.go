// Package sqlstore opens pool connections through database/sql drivers. The
// postgres (lib/pq), mysql and sqlite3 drivers are registered by this package.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/kong/pg-pool-manager/pkg/pool"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite3"
)

// Dialer hands out dedicated *sql.Conn handles. One *sql.DB is kept per endpoint;
// it retains no idle connections, so the pool manager stays the only pool.
type Dialer struct {
	driver string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewDialer(driver string) *Dialer {
	return &Dialer{driver: driver, dbs: map[string]*sql.DB{}}
}

// Register makes Dial use db for the endpoint with the given id instead of opening
// a new handle from the endpoint URI.
func (d *Dialer) Register(endpointID string, db *sql.DB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dbs[endpointID] = db
}

func (d *Dialer) db(ep pool.EndpointConfig) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.dbs[ep.ID]; ok {
		return db, nil
	}
	db, err := sql.Open(d.driver, ep.URI)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ep.ID, err)
	}
	db.SetMaxIdleConns(0)
	d.dbs[ep.ID] = db
	return db, nil
}

func (d *Dialer) Dial(ctx context.Context, ep pool.EndpointConfig) (pool.Conn, error) {
	db, err := d.db(ep)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep.ID, err)
	}
	return &Conn{conn: conn}, nil
}

// Close closes every *sql.DB the dialer opened or was given.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for id, db := range d.dbs {
		err = multierr.Append(err, db.Close())
		delete(d.dbs, id)
	}
	return err
}

type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Conn struct {
	conn *sql.Conn
}

func (c *Conn) Run(ctx context.Context, stmt string, params ...any) (*pool.Rows, error) {
	return run(ctx, c.conn, stmt, params)
}

func (c *Conn) Begin(ctx context.Context, level pool.IsolationLevel) (pool.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{tx: tx}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *Conn) Close(context.Context) error {
	return c.conn.Close()
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Run(ctx context.Context, stmt string, params ...any) (*pool.Rows, error) {
	return run(ctx, t.tx, stmt, params)
}

func (t *Tx) Commit(context.Context) error {
	return classify(t.tx.Commit())
}

func (t *Tx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

var execKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "replace": true,
	"create": true, "drop": true, "alter": true, "truncate": true,
}

// isExec reports whether stmt produces no rows and should go through ExecContext.
func isExec(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	if !execKeywords[strings.ToLower(fields[0])] {
		return false
	}
	return !strings.Contains(strings.ToLower(stmt), "returning")
}

func run(ctx context.Context, e execer, stmt string, params []any) (*pool.Rows, error) {
	if isExec(stmt) {
		res, err := e.ExecContext(ctx, stmt, params...)
		if err != nil {
			return nil, classify(err)
		}
		out := &pool.Rows{}
		if n, err := res.RowsAffected(); err == nil {
			out.RowsAffected = n
		}
		return out, nil
	}

	rows, err := e.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &pool.Rows{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify(err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	out.RowsAffected = int64(len(out.Values))
	return out, nil
}

var mysqlPermanent = map[uint16]bool{
	1048: true, // column cannot be null
	1062: true, // duplicate entry
	1064: true, // syntax error
	1146: true, // table does not exist
	1264: true, // out of range value
	1406: true, // data too long
	1451: true, // foreign key parent row
	1452: true, // foreign key child row
	3819: true, // check constraint
}

// classify marks data, integrity and syntax errors from any of the registered
// drivers as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return pool.Permanent(err)
		}
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if mysqlPermanent[myErr.Number] {
			return pool.Permanent(err)
		}
		return err
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code {
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig, sqlite3.ErrRange:
			return pool.Permanent(err)
		}
		return err
	}
	return err
}
