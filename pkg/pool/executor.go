package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// QueryOptions tune a single ExecuteQuery or Query call. Zero values fall back to the
// manager's QueryConfig and CacheConfig.
type QueryOptions struct {
	ReadOnly bool
	// Cached memoizes the result of a read-only query. It is ignored for writes.
	Cached          bool
	CacheTTL        time.Duration
	Timeout         time.Duration
	Retries         int
	PreferredRegion string
}

// QueryResult is the outcome of a query decoded into T.
type QueryResult[T any] struct {
	Data     T
	CacheHit bool
	RowCount int
	Duration time.Duration
	// Endpoint is empty for cache hits.
	Endpoint string
	Attempts int
}

// Decoder converts raw rows into the caller's result type. A decoder error is
// returned as-is and never retried.
type Decoder[T any] func(*Rows) (T, error)

// RawRows is the identity Decoder.
func RawRows(rows *Rows) (*Rows, error) {
	return rows, nil
}

type cachedValue[T any] struct {
	data     T
	rowCount int
}

// queryJob traces one in-flight query.
type queryJob struct {
	stmt       string
	params     int
	connection string
	endpoint   string
	start      time.Time
	cacheHit   bool
	rowCount   int
}

func (j *queryJob) log(logger *zap.Logger, err error) {
	logger.Debug("query completed",
		zap.String("statement", truncate(j.stmt, 100)),
		zap.Int("params", j.params),
		zap.String("endpoint", j.endpoint),
		zap.String("connection", j.connection),
		zap.Bool("cache_hit", j.cacheHit),
		zap.Int("rows", j.rowCount),
		zap.Duration("duration", time.Since(j.start)),
		zap.Error(err))
}

// ExecuteQuery runs stmt and returns the raw rows. Rows served through the cache are
// copies, so callers may modify them.
func (m *Manager) ExecuteQuery(ctx context.Context, stmt string, params []any, opts QueryOptions) (*QueryResult[*Rows], error) {
	res, err := Query(ctx, m, stmt, params, RawRows, opts)
	if err != nil {
		return nil, err
	}
	if m.queryDefaults(opts).Cached {
		res.Data = res.Data.Clone()
	}
	return res, nil
}

// Query runs stmt with retries and optional caching and decodes the rows into T.
// Transient failures are retried with exponential backoff; errors wrapping
// ErrValidation fail on the first attempt. A cached T is shared by every caller
// that hits it and must not be modified.
func Query[T any](ctx context.Context, m *Manager, stmt string, params []any, decode Decoder[T], opts QueryOptions) (*QueryResult[T], error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	opts = m.queryDefaults(opts)
	start := time.Now()

	if !opts.Cached {
		res, err := runQuery(ctx, m, stmt, params, decode, opts)
		m.metrics.RecordQuery(time.Since(start), err)
		return res, err
	}

	key := CacheKey(stmt, params, opts.ReadOnly)
	var res *QueryResult[T]
	v, hit, err := m.cache.Do(key, stmt, opts.CacheTTL, func() (any, error) {
		r, err := runQuery(ctx, m, stmt, params, decode, opts)
		if err != nil {
			return nil, err
		}
		res = r
		return cachedValue[T]{data: r.Data, rowCount: r.RowCount}, nil
	})
	if err != nil {
		m.metrics.RecordQuery(time.Since(start), err)
		return nil, err
	}
	if res != nil {
		m.metrics.RecordQuery(time.Since(start), nil)
		return res, nil
	}
	cv, ok := v.(cachedValue[T])
	if !ok {
		// same statement cached under a different result type
		res, err := runQuery(ctx, m, stmt, params, decode, opts)
		m.metrics.RecordQuery(time.Since(start), err)
		return res, err
	}
	if hit {
		m.metrics.RecordCacheHit()
	}
	job := &queryJob{stmt: stmt, params: len(params), start: start, cacheHit: hit, rowCount: cv.rowCount}
	job.log(m.logger, nil)
	return &QueryResult[T]{
		Data:     cv.data,
		CacheHit: hit,
		RowCount: cv.rowCount,
		Duration: time.Since(start),
	}, nil
}

func (m *Manager) queryDefaults(opts QueryOptions) QueryOptions {
	if opts.Timeout <= 0 {
		opts.Timeout = m.cfg.Query.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = m.cfg.Cache.DefaultTTL
	}
	if !m.cfg.Cache.Enabled || !opts.ReadOnly {
		opts.Cached = false
	}
	return opts
}

// DefaultQueryOptions returns options using the configured retry count.
func (m *Manager) DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		Timeout:  m.cfg.Query.Timeout,
		Retries:  m.cfg.Query.Retries,
		CacheTTL: m.cfg.Cache.DefaultTTL,
	}
}

func (m *Manager) retryBackOff(ctx context.Context, retries int) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.cfg.Query.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         m.cfg.Query.RetryMaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func runQuery[T any](ctx context.Context, m *Manager, stmt string, params []any, decode Decoder[T], opts QueryOptions) (*QueryResult[T], error) {
	start := time.Now()
	attempts := 0
	var lastEndpoint string
	var result *QueryResult[T]

	operation := func() error {
		attempts++
		job := &queryJob{stmt: stmt, params: len(params), start: time.Now()}
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		conn, err := m.Acquire(attemptCtx, AcquireOptions{
			ReadOnly:        opts.ReadOnly,
			PreferredRegion: opts.PreferredRegion,
			Timeout:         m.cfg.Settings.AcquireTimeout,
		})
		if err != nil {
			if !IsRetryable(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer m.Release(conn)
		job.connection, job.endpoint = conn.ID(), conn.endpoint.cfg.ID
		lastEndpoint = job.endpoint

		rows, err := conn.Run(attemptCtx, stmt, params...)
		if err != nil {
			job.log(m.logger, err)
			if errors.Is(err, ErrValidation) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		data, err := decode(rows)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("decode result: %w", err))
		}
		job.rowCount = rows.Len()
		job.log(m.logger, nil)
		result = &QueryResult[T]{
			Data:     data,
			RowCount: job.rowCount,
			Endpoint: job.endpoint,
		}
		return nil
	}

	err := backoff.RetryNotify(operation, m.retryBackOff(ctx, opts.Retries), func(err error, next time.Duration) {
		m.logger.Info("query attempt failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.String("endpoint", lastEndpoint),
			zap.Error(err))
	})
	if err != nil {
		kind := ErrQueryExecutionFailed
		if errors.Is(err, ErrValidation) {
			kind = ErrValidation
		}
		return nil, &OpError{
			Op:       "query",
			Kind:     kind,
			Endpoint: lastEndpoint,
			Attempts: attempts,
			Elapsed:  time.Since(start),
			Err:      err,
		}
	}
	result.Attempts = attempts
	result.Duration = time.Since(start)
	return result, nil
}
