package pool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Operation is one statement of a transaction.
type Operation struct {
	Statement string
	Params    []any
}

type TxOptions struct {
	IsolationLevel IsolationLevel
	// Timeout bounds the whole transaction. Zero uses QueryConfig.Timeout.
	Timeout time.Duration
}

// ExecuteTransaction runs ops in order on a single primary connection and commits.
// Any failure rolls the transaction back and returns the original error wrapped in
// ErrTransactionFailed; a failed rollback is only logged.
func (m *Manager) ExecuteTransaction(ctx context.Context, ops []Operation, opts TxOptions) ([]*Rows, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Query.Timeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := m.Acquire(ctx, AcquireOptions{})
	if err != nil {
		m.metrics.RecordTransaction(time.Since(start), false)
		return nil, err
	}
	defer m.Release(conn)

	fail := func(step string, cause error) error {
		return &OpError{
			Op:       "transaction " + step,
			Kind:     ErrTransactionFailed,
			Endpoint: conn.endpoint.cfg.ID,
			Attempts: 1,
			Elapsed:  time.Since(start),
			Err:      cause,
		}
	}

	tx, err := conn.Begin(ctx, opts.IsolationLevel)
	if err != nil {
		m.metrics.RecordTransaction(time.Since(start), false)
		return nil, fail("begin", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		m.rollback(conn, tx)
		m.metrics.RecordTransaction(time.Since(start), false)
	}()

	results := make([]*Rows, 0, len(ops))
	for i, op := range ops {
		rows, err := tx.Run(ctx, op.Statement, op.Params...)
		if err != nil {
			return nil, fail(fmt.Sprintf("operation %d", i), err)
		}
		results = append(results, rows)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail("commit", err)
	}
	committed = true
	m.metrics.RecordTransaction(time.Since(start), true)
	return results, nil
}

func (m *Manager) rollback(conn *Connection, tx Tx) {
	m.mu.Lock()
	tainted := conn.tainted
	m.mu.Unlock()
	if tainted {
		// the connection is about to be retired, which discards the transaction
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Settings.DestroyTimeout)
	defer cancel()
	if err := tx.Rollback(ctx); err != nil {
		m.logger.Error("transaction rollback failed",
			zap.String("endpoint", conn.endpoint.cfg.ID),
			zap.String("connection", conn.id),
			zap.Error(err))
	}
}
