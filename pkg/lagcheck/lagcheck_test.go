package lagcheck

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kong/pg-pool-manager/pkg/pool"
	"github.com/kong/pg-pool-manager/pkg/sqlstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sqliteReadStatement = `SELECT id, (julianday('now') - julianday(ts)) * 86400000.0 AS diff_ms FROM replication_canary`

type recorder struct {
	mu       sync.Mutex
	lags     []float64
	failures []error
}

func (r *recorder) ReportLag(_ string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lags = append(r.lags, ms)
}

func (r *recorder) ReportFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func setupManager(t *testing.T) *pool.Manager {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "lag.db") + "?_busy_timeout=5000"
	d := sqlstore.NewDialer(sqlstore.DriverSQLite)
	t.Cleanup(func() { _ = d.Close() })
	m, err := pool.New(pool.Config{
		Primary:  pool.EndpointConfig{ID: "primary", URI: dsn},
		Settings: pool.PoolSettings{Min: 1, Max: 2},
	}, d, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(time.Second) })

	ctx := context.Background()
	_, err = m.ExecuteQuery(ctx, "CREATE TABLE replication_canary (id INTEGER NOT NULL, ts TIMESTAMP NOT NULL)", nil, pool.QueryOptions{})
	require.NoError(t, err)
	_, err = m.ExecuteQuery(ctx, "INSERT INTO replication_canary (id, ts) VALUES (1, CURRENT_TIMESTAMP)", nil, pool.QueryOptions{})
	require.NoError(t, err)
	return m
}

func TestMonitor_Measure(t *testing.T) {
	m := setupManager(t)
	rec := &recorder{}
	mon := New(m, Config{ReadStatement: sqliteReadStatement}, Reporters{rec}, zaptest.NewLogger(t))

	canary, err := mon.Measure(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, canary.ID)
	require.Equal(t, "primary", canary.Endpoint)
	require.GreaterOrEqual(t, canary.DiffMS, 0.0)

	canary, err = mon.Measure(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, canary.ID)

	last, lastErr := mon.Last()
	require.NoError(t, lastErr)
	require.Equal(t, canary, last)
	require.Len(t, rec.lags, 2)
	require.Empty(t, rec.failures)
}

func TestMonitor_CanaryNeverReplicates(t *testing.T) {
	m := setupManager(t)
	rec := &recorder{}
	mon := New(m, Config{
		RetryInterval:  time.Millisecond,
		MaxReadRetries: 3,
		// every read sees a different id, as if the replica never caught up
		ReadStatement: `SELECT abs(random()) AS id, 0.0 AS diff_ms`,
	}, rec, zaptest.NewLogger(t))

	_, err := mon.Measure(context.Background())
	require.ErrorIs(t, err, ErrCanaryMismatch)
	_, lastErr := mon.Last()
	require.Error(t, lastErr)
	require.Len(t, rec.failures, 1)
	require.Empty(t, rec.lags)
}

func TestMonitor_MissingCanaryRow(t *testing.T) {
	m := setupManager(t)
	_, err := m.ExecuteQuery(context.Background(), "DELETE FROM replication_canary", nil, pool.QueryOptions{})
	require.NoError(t, err)

	mon := New(m, Config{ReadStatement: sqliteReadStatement}, nil, nil)
	_, err = mon.Measure(context.Background())
	require.ErrorContains(t, err, "affected zero rows")
}

func TestMonitor_StartAndClose(t *testing.T) {
	m := setupManager(t)
	rec := &recorder{}
	mon := New(m, Config{Interval: time.Millisecond * 10, ReadStatement: sqliteReadStatement}, rec, nil)
	mon.Start()
	require.Eventually(t, func() bool {
		last, _ := mon.Last()
		return last != nil
	}, time.Second*2, time.Millisecond*10)
	mon.Close()
	mon.Close()
}

func TestDecodeCanary(t *testing.T) {
	c, err := decodeCanary(&pool.Rows{Values: [][]any{{int64(5), 12.5}}})
	require.NoError(t, err)
	require.Equal(t, Canary{ID: 5, DiffMS: 12.5}, c)

	_, err = decodeCanary(&pool.Rows{})
	require.Error(t, err)
	_, err = decodeCanary(&pool.Rows{Values: [][]any{{"5", 1.0}}})
	require.Error(t, err)
}
