package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestExecuteQuery_CachedReadHitsWithoutAcquiring(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig()
	cfg.Settings.Max = 1
	m := newTestManager(t, cfg, d)
	ctx := context.Background()
	opts := QueryOptions{ReadOnly: true, Cached: true, CacheTTL: time.Minute}

	first, err := m.ExecuteQuery(ctx, "select * from users where id = $1", []any{42}, opts)
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	require.Equal(t, 1, first.RowCount)
	require.Equal(t, "primary", first.Endpoint)

	// with the only connection held, a second call can only succeed from the cache
	conn, err := m.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)
	defer m.Release(conn)

	second, err := m.ExecuteQuery(ctx, "select * from users where id = $1", []any{42}, opts)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, first.Data, second.Data)
	require.Empty(t, second.Endpoint)
	require.EqualValues(t, 1, d.runs.Load())

	stats := m.Cache().Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.Equal(t, 1, stats.Entries)
}

func TestExecuteQuery_CacheKeyedOnParams(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	ctx := context.Background()
	opts := QueryOptions{ReadOnly: true, Cached: true}

	for _, id := range []int{1, 2, 1, 2} {
		_, err := m.ExecuteQuery(ctx, "select * from users where id = $1", []any{id}, opts)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, d.runs.Load())

	require.Equal(t, 2, m.InvalidateCache("from users"))
	_, err := m.ExecuteQuery(ctx, "select * from users where id = $1", []any{1}, opts)
	require.NoError(t, err)
	require.EqualValues(t, 3, d.runs.Load())

	m.ClearCache()
	require.Equal(t, 0, m.Cache().Stats().Entries)
}

func TestExecuteQuery_ExpiredEntryRequeries(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	ctx := context.Background()
	opts := QueryOptions{ReadOnly: true, Cached: true, CacheTTL: time.Millisecond * 10}

	_, err := m.ExecuteQuery(ctx, "select now()", nil, opts)
	require.NoError(t, err)
	time.Sleep(time.Millisecond * 20)
	res, err := m.ExecuteQuery(ctx, "select now()", nil, opts)
	require.NoError(t, err)
	require.False(t, res.CacheHit)
	require.EqualValues(t, 2, d.runs.Load())
}

func TestExecuteQuery_RetriesTransientErrors(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	d.setFailRuns(2)

	res, err := m.ExecuteQuery(context.Background(), "select 1", nil, QueryOptions{Retries: 3})
	require.NoError(t, err)
	require.Equal(t, 3, res.Attempts)
	require.EqualValues(t, 3, d.runs.Load())
}

func TestExecuteQuery_RetriesExhausted(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	d.setFailRuns(100)

	_, err := m.ExecuteQuery(context.Background(), "select 1", nil, QueryOptions{Retries: 2})
	require.ErrorIs(t, err, ErrQueryExecutionFailed)
	require.ErrorIs(t, err, errTransient)
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, 3, opErr.Attempts)
	require.Equal(t, "primary", opErr.Endpoint)
	require.EqualValues(t, 3, d.runs.Load())
}

func TestExecuteQuery_ValidationErrorNotRetried(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)

	_, err := m.ExecuteQuery(context.Background(), "insert conflict", nil, QueryOptions{Retries: 5})
	require.ErrorIs(t, err, ErrValidation)
	require.False(t, errors.Is(err, ErrQueryExecutionFailed))
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, 1, opErr.Attempts)
	require.EqualValues(t, 1, d.runs.Load())
}

func TestExecuteQuery_TimeoutReturnsPromptly(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	d.setRunDelay(time.Millisecond * 400)

	start := time.Now()
	_, err := m.ExecuteQuery(context.Background(), "select pg_sleep(10)", nil,
		QueryOptions{Timeout: time.Millisecond * 50})
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrQueryTimeout)
	require.Less(t, elapsed, time.Millisecond*250)

	// the overrunning connection is retired once the statement finally returns
	require.Eventually(t, func() bool {
		return d.closes.Load() == 1
	}, time.Second, time.Millisecond*10)
}

func TestExecuteQuery_SlowQueryLogged(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig()
	cfg.Query.SlowQueryThreshold = time.Millisecond * 5
	logger, logs := observedLogger(zapcore.WarnLevel)
	m, err := New(cfg, d, logger)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(time.Second)

	_, err = m.ExecuteQuery(context.Background(), "select 1", nil, QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, logs.FilterMessage("slow query").Len())

	d.setRunDelay(time.Millisecond * 20)
	_, err = m.ExecuteQuery(context.Background(), "select 2", nil, QueryOptions{})
	require.NoError(t, err)
	slow := logs.FilterMessage("slow query").All()
	require.Len(t, slow, 1)
	require.Equal(t, "select 2", slow[0].ContextMap()["statement"])
}

func TestExecuteQuery_NotInitialized(t *testing.T) {
	m, err := New(testConfig(), newFakeDialer(), nil)
	require.NoError(t, err)
	_, err = m.ExecuteQuery(context.Background(), "select 1", nil, QueryOptions{})
	require.ErrorIs(t, err, ErrNotInitialized)
}

type user struct {
	Endpoint string
	Stmt     string
}

func decodeUsers(rows *Rows) ([]user, error) {
	out := make([]user, 0, rows.Len())
	for _, v := range rows.Values {
		ep, ok := v[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected column type %T", v[0])
		}
		out = append(out, user{Endpoint: ep, Stmt: v[1].(string)})
	}
	return out, nil
}

func TestQuery_DecodesIntoType(t *testing.T) {
	m := newTestManager(t, withReplicas(testConfig(), EndpointConfig{ID: "replica-1"}), newFakeDialer())
	res, err := Query(context.Background(), m, "select * from users", nil, decodeUsers,
		QueryOptions{ReadOnly: true, Cached: true})
	require.NoError(t, err)
	require.Equal(t, []user{{Endpoint: "replica-1", Stmt: "select * from users"}}, res.Data)

	hit, err := Query(context.Background(), m, "select * from users", nil, decodeUsers,
		QueryOptions{ReadOnly: true, Cached: true})
	require.NoError(t, err)
	require.True(t, hit.CacheHit)
	require.Equal(t, res.Data, hit.Data)
}

func TestQuery_DecodeErrorNotRetried(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	decodeErr := errors.New("bad row")
	_, err := Query(context.Background(), m, "select 1", nil, func(*Rows) (int, error) {
		return 0, decodeErr
	}, QueryOptions{Retries: 3})
	require.ErrorIs(t, err, decodeErr)
	require.EqualValues(t, 1, d.runs.Load())
}

func TestExecuteQuery_WritesAreNeverCached(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := m.ExecuteQuery(ctx, "insert into t values ($1)", []any{1}, QueryOptions{Cached: true})
		require.NoError(t, err)
		require.False(t, res.CacheHit)
	}
	require.EqualValues(t, 2, d.runs.Load())
	require.Equal(t, 0, m.Cache().Stats().Entries)
}

func TestExecuteQuery_CachedRowsAreCopies(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)
	ctx := context.Background()
	opts := QueryOptions{ReadOnly: true, Cached: true}

	first, err := m.ExecuteQuery(ctx, "select name from users", nil, opts)
	require.NoError(t, err)
	first.Data.Values[0][1] = "changed"

	second, err := m.ExecuteQuery(ctx, "select name from users", nil, opts)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, "select name from users", second.Data.Values[0][1])
	second.Data.Values[0][0] = "changed"

	third, err := m.ExecuteQuery(ctx, "select name from users", nil, opts)
	require.NoError(t, err)
	require.Equal(t, "primary", third.Data.Values[0][0])
	require.EqualValues(t, 1, d.runs.Load())
}
