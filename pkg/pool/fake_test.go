package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errTransient = errors.New("connection reset by peer")

// fakeDialer is an in-memory store. Statements containing "conflict" fail with a
// validation error; committed transactions append their statements to applied.
type fakeDialer struct {
	mu        sync.Mutex
	failDial  map[string]bool
	pingErr   error
	failRuns  int
	runDelay  time.Duration
	applied   []string
	dials     atomic.Int64
	runs      atomic.Int64
	closes    atomic.Int64
	rollbacks atomic.Int64
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failDial: map[string]bool{}}
}

func (d *fakeDialer) Dial(_ context.Context, ep EndpointConfig) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDial[ep.ID] {
		return nil, fmt.Errorf("dial %s: %w", ep.ID, errTransient)
	}
	d.dials.Add(1)
	return &fakeConn{d: d, endpoint: ep.ID}, nil
}

func (d *fakeDialer) setFailDial(id string, fail bool) {
	d.mu.Lock()
	d.failDial[id] = fail
	d.mu.Unlock()
}

func (d *fakeDialer) setPingErr(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) setFailRuns(n int) {
	d.mu.Lock()
	d.failRuns = n
	d.mu.Unlock()
}

func (d *fakeDialer) setRunDelay(delay time.Duration) {
	d.mu.Lock()
	d.runDelay = delay
	d.mu.Unlock()
}

func (d *fakeDialer) appliedStatements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.applied...)
}

// exec ignores ctx on purpose so deadline handling is exercised in the pool.
func (d *fakeDialer) exec(endpoint, stmt string) (*Rows, error) {
	d.runs.Add(1)
	d.mu.Lock()
	delay := d.runDelay
	fail := d.failRuns > 0
	if fail {
		d.failRuns--
	}
	d.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, errTransient
	}
	if strings.Contains(stmt, "conflict") {
		return nil, Permanent(errors.New("duplicate key value violates unique constraint"))
	}
	return &Rows{
		Columns:      []string{"endpoint", "statement"},
		Values:       [][]any{{endpoint, stmt}},
		RowsAffected: 1,
	}, nil
}

type fakeConn struct {
	d        *fakeDialer
	endpoint string
}

func (c *fakeConn) Run(_ context.Context, stmt string, _ ...any) (*Rows, error) {
	return c.d.exec(c.endpoint, stmt)
}

func (c *fakeConn) Begin(context.Context, IsolationLevel) (Tx, error) {
	return &fakeTx{c: c}, nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return c.d.pingErr
}

func (c *fakeConn) Close(context.Context) error {
	c.d.closes.Add(1)
	return nil
}

type fakeTx struct {
	c       *fakeConn
	pending []string
}

func (t *fakeTx) Run(_ context.Context, stmt string, _ ...any) (*Rows, error) {
	rows, err := t.c.d.exec(t.c.endpoint, stmt)
	if err != nil {
		return nil, err
	}
	t.pending = append(t.pending, stmt)
	return rows, nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.c.d.mu.Lock()
	defer t.c.d.mu.Unlock()
	t.c.d.applied = append(t.c.d.applied, t.pending...)
	t.pending = nil
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.c.d.rollbacks.Add(1)
	t.pending = nil
	return nil
}

func testConfig() Config {
	return Config{
		Primary: EndpointConfig{ID: "primary", URI: "fake://primary", Region: "us-east-1"},
		Settings: PoolSettings{
			Min:                 1,
			Max:                 3,
			AcquireTimeout:      time.Second,
			CreateTimeout:       time.Millisecond * 100,
			CreateRetryInterval: time.Millisecond * 10,
			ReapInterval:        time.Hour,
		},
		Cache: CacheConfig{Enabled: true, MaxEntries: 16, DefaultTTL: time.Minute},
		Query: QueryConfig{
			Timeout:        time.Second,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  time.Millisecond * 10,
		},
		HealthCheck: HealthCheckConfig{DestroyAfterFailures: -1},
	}
}

func withReplicas(cfg Config, replicas ...EndpointConfig) Config {
	cfg.Replicas = replicas
	return cfg
}

func observedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core), logs
}

func newTestManager(t *testing.T, cfg Config, d *fakeDialer, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, d, zap.NewNop(), opts...)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = m.Shutdown(time.Second)
	})
	return m
}
