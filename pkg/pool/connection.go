package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Connection is a pooled handle to one endpoint. It is exclusively borrowed between
// Acquire and Release and must not be retained after Release.
type Connection struct {
	id        string
	endpoint  *endpoint
	handle    Conn
	manager   *Manager
	createdAt time.Time

	// guarded by Manager.mu
	active  bool
	probing bool
	tainted bool
	closed  bool

	healthy atomic.Bool

	mu                  sync.Mutex
	lastUsed            time.Time
	queryCount          int64
	errorCount          int64
	avgResponseTime     time.Duration
	lastHealthCheck     time.Time
	consecutiveFailures int
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Endpoint() EndpointConfig {
	return c.endpoint.cfg
}

func (c *Connection) Healthy() bool {
	return c.healthy.Load()
}

// Run executes stmt on the borrowed connection and records its outcome.
func (c *Connection) Run(ctx context.Context, stmt string, params ...any) (*Rows, error) {
	start := time.Now()
	rows, err := c.guard(ctx, func(ctx context.Context) (*Rows, error) {
		return c.handle.Run(ctx, stmt, params...)
	})
	c.observe(stmt, time.Since(start), err)
	return rows, err
}

// Begin starts a transaction at the given isolation level. Statements run through
// the returned Tx are subject to the same deadline handling as Run.
func (c *Connection) Begin(ctx context.Context, level IsolationLevel) (Tx, error) {
	var tx Tx
	_, err := c.guard(ctx, func(ctx context.Context) (*Rows, error) {
		var err error
		tx, err = c.handle.Begin(ctx, level)
		return nil, err
	})
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	return &connTx{conn: c, tx: tx}, nil
}

type runResult struct {
	rows *Rows
	err  error
}

// guard runs fn and returns no later than ctx's deadline. If fn overruns, the
// connection is tainted and retired once fn finally returns, since its state is unknown.
func (c *Connection) guard(ctx context.Context, fn func(ctx context.Context) (*Rows, error)) (*Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryTimeout, err)
	}
	done := make(chan runResult, 1)
	go func() {
		rows, err := fn(ctx)
		done <- runResult{rows: rows, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrQueryTimeout, res.err)
		}
		return res.rows, res.err
	case <-ctx.Done():
		c.manager.taint(c)
		go func() {
			<-done
			c.manager.retire(c, "statement overran its deadline")
		}()
		return nil, fmt.Errorf("%w: %w", ErrQueryTimeout, ctx.Err())
	}
}

func (c *Connection) observe(stmt string, elapsed time.Duration, err error) {
	if err != nil {
		c.recordFailure()
	} else {
		c.recordSuccess(elapsed)
	}
	m := c.manager
	if elapsed > m.cfg.Query.SlowQueryThreshold {
		m.logger.Warn("slow query",
			zap.String("statement", truncate(stmt, 100)),
			zap.Duration("duration", elapsed),
			zap.String("endpoint", c.endpoint.cfg.ID),
			zap.String("connection", c.id),
			zap.Bool("failed", err != nil))
	}
}

func (c *Connection) recordSuccess(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryCount++
	c.avgResponseTime += (elapsed - c.avgResponseTime) / time.Duration(c.queryCount)
	c.lastUsed = time.Now()
}

func (c *Connection) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.lastUsed = time.Now()
}

// recordProbe applies a health probe outcome and returns the consecutive failure count.
func (c *Connection) recordProbe(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errorCount++
		c.consecutiveFailures++
		c.healthy.Store(false)
		return c.consecutiveFailures
	}
	c.consecutiveFailures = 0
	c.lastHealthCheck = time.Now()
	c.healthy.Store(true)
	return 0
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *Connection) avgResponse() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgResponseTime
}

func (c *Connection) snapshot() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm := ConnectionMetrics{
		ID:              c.id,
		Endpoint:        c.endpoint.cfg.ID,
		Role:            c.endpoint.cfg.Role,
		Active:          c.active,
		Healthy:         c.healthy.Load(),
		CreatedAt:       c.createdAt,
		LastUsed:        c.lastUsed,
		LastHealthCheck: c.lastHealthCheck,
		QueryCount:      c.queryCount,
		ErrorCount:      c.errorCount,
		AvgResponseTime: c.avgResponseTime,
	}
	if total := c.queryCount + c.errorCount; total > 0 {
		cm.ErrorRate = float64(c.errorCount) / float64(total)
	}
	return cm
}

type connTx struct {
	conn *Connection
	tx   Tx
}

func (t *connTx) Run(ctx context.Context, stmt string, params ...any) (*Rows, error) {
	start := time.Now()
	rows, err := t.conn.guard(ctx, func(ctx context.Context) (*Rows, error) {
		return t.tx.Run(ctx, stmt, params...)
	})
	t.conn.observe(stmt, time.Since(start), err)
	return rows, err
}

func (t *connTx) Commit(ctx context.Context) error {
	_, err := t.conn.guard(ctx, func(ctx context.Context) (*Rows, error) {
		return nil, t.tx.Commit(ctx)
	})
	return err
}

func (t *connTx) Rollback(ctx context.Context) error {
	_, err := t.conn.guard(ctx, func(ctx context.Context) (*Rows, error) {
		return nil, t.tx.Rollback(ctx)
	})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
