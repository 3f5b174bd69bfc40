package pool

import (
	"context"
	"database/sql"
)

// Rows is a fully materialized statement result.
type Rows struct {
	Columns      []string
	Values       [][]any
	RowsAffected int64
}

// Len returns the number of rows returned by the statement.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Clone copies the column and row slices. Values themselves are shared.
func (r *Rows) Clone() *Rows {
	if r == nil {
		return nil
	}
	out := &Rows{
		Columns:      append([]string(nil), r.Columns...),
		Values:       make([][]any, len(r.Values)),
		RowsAffected: r.RowsAffected,
	}
	for i, row := range r.Values {
		out.Values[i] = append([]any(nil), row...)
	}
	return out
}

// IsolationLevel mirrors the database/sql levels so adapters can translate them.
type IsolationLevel = sql.IsolationLevel

const (
	LevelDefault         = sql.LevelDefault
	LevelReadUncommitted = sql.LevelReadUncommitted
	LevelReadCommitted   = sql.LevelReadCommitted
	LevelRepeatableRead  = sql.LevelRepeatableRead
	LevelSerializable    = sql.LevelSerializable
)

// Conn is a single live handle to one endpoint. A Conn is only ever used by the
// caller currently holding its Connection.
type Conn interface {
	Run(ctx context.Context, stmt string, params ...any) (*Rows, error)
	Begin(ctx context.Context, level IsolationLevel) (Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

type Tx interface {
	Run(ctx context.Context, stmt string, params ...any) (*Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Dialer opens handles for an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint EndpointConfig) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint EndpointConfig) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint EndpointConfig) (Conn, error) {
	return f(ctx, endpoint)
}
