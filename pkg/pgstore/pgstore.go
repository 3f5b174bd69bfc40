// Package pgstore opens pool connections to PostgreSQL with pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kong/pg-pool-manager/pkg/pool"
)

// Dialer opens one pgx connection per pool connection using the endpoint URI as the
// connection string.
type Dialer struct {
	// Configure, when set, can adjust the parsed config before connecting.
	Configure func(*pgx.ConnConfig)
}

func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(ctx context.Context, ep pool.EndpointConfig) (pool.Conn, error) {
	cfg, err := pgx.ParseConfig(ep.URI)
	if err != nil {
		return nil, fmt.Errorf("parse connection string for %s: %w", ep.ID, err)
	}
	if d.Configure != nil {
		d.Configure(cfg)
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep.ID, err)
	}
	return &Conn{conn: conn}, nil
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Conn struct {
	conn *pgx.Conn
}

func (c *Conn) Run(ctx context.Context, stmt string, params ...any) (*pool.Rows, error) {
	return run(ctx, c.conn, stmt, params)
}

func (c *Conn) Begin(ctx context.Context, level pool.IsolationLevel) (pool.Tx, error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(level)})
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{tx: tx}, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Run(ctx context.Context, stmt string, params ...any) (*pool.Rows, error) {
	return run(ctx, t.tx, stmt, params)
}

func (t *Tx) Commit(ctx context.Context) error {
	return classify(t.tx.Commit(ctx))
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func run(ctx context.Context, q queryer, stmt string, params []any) (*pool.Rows, error) {
	rows, err := q.Query(ctx, stmt, params...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := &pool.Rows{}
	for _, fd := range rows.FieldDescriptions() {
		out.Columns = append(out.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		out.Values = append(out.Values, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	out.RowsAffected = rows.CommandTag().RowsAffected()
	return out, nil
}

// classify marks data, integrity and syntax errors as permanent so the pool does
// not retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code),
		pgerrcode.IsDataException(pgErr.Code),
		pgerrcode.IsSyntaxErrororAccessRuleViolation(pgErr.Code):
		return pool.Permanent(err)
	}
	return err
}

func isoLevel(level pool.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case pool.LevelReadUncommitted:
		return pgx.ReadUncommitted
	case pool.LevelReadCommitted:
		return pgx.ReadCommitted
	case pool.LevelRepeatableRead:
		return pgx.RepeatableRead
	case pool.LevelSerializable:
		return pgx.Serializable
	default:
		return ""
	}
}
