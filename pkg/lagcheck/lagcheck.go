// Package lagcheck measures replication lag by writing a canary row through the
// pool's primary and polling for it on the read-only path.
package lagcheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kong/pg-pool-manager/pkg/pool"
	"go.uber.org/zap"
)

var (
	defaultLagCheckFrequency        = time.Second * 60
	defaultBackoffInterval          = time.Millisecond * 5 // keeping this low, otherwise it impacts least-count
	defaultLagReadRetries    uint64 = 500
	defaultStatementTimeout         = time.Second * 5
)

const (
	DefaultUpdateStatement = `UPDATE replication_canary SET id = id + 1, ts = CURRENT_TIMESTAMP`
	DefaultReadStatement   = `SELECT id, (EXTRACT(EPOCH FROM (CURRENT_TIMESTAMP - ts)) * 1000)::float8 AS diff_ms
                              FROM replication_canary`
)

// ErrCanaryMismatch is returned while the read-only path has not yet seen the
// latest canary write.
var ErrCanaryMismatch = errors.New("write ID not found during read")

type Config struct {
	Interval time.Duration
	// RetryInterval and MaxReadRetries bound the wait for the canary to replicate.
	RetryInterval  time.Duration
	MaxReadRetries uint64
	Timeout        time.Duration
	// UpdateStatement bumps the canary id on the primary. ReadStatement returns the
	// current id and the age of the row in milliseconds, in that column order.
	UpdateStatement string
	ReadStatement   string
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = defaultLagCheckFrequency
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = defaultBackoffInterval
	}
	if c.MaxReadRetries == 0 {
		c.MaxReadRetries = defaultLagReadRetries
	}
	if c.Timeout == 0 {
		c.Timeout = defaultStatementTimeout
	}
	if c.UpdateStatement == "" {
		c.UpdateStatement = DefaultUpdateStatement
	}
	if c.ReadStatement == "" {
		c.ReadStatement = DefaultReadStatement
	}
	return c
}

// Reporter receives every lag measurement and every failed measurement.
type Reporter interface {
	ReportLag(endpoint string, ms float64)
	ReportFailure(err error)
}

// Reporters fans out to several reporters.
type Reporters []Reporter

func (rs Reporters) ReportLag(endpoint string, ms float64) {
	for _, r := range rs {
		r.ReportLag(endpoint, ms)
	}
}

func (rs Reporters) ReportFailure(err error) {
	for _, r := range rs {
		r.ReportFailure(err)
	}
}

type Canary struct {
	ID       int64     `json:"ID"`
	DiffMS   float64   `json:"diffMS"`
	Endpoint string    `json:"endpoint"`
	At       time.Time `json:"measuredAt"`
}

type Monitor struct {
	manager  *pool.Manager
	cfg      Config
	reporter Reporter
	logger   *zap.Logger

	mu      sync.Mutex
	last    *Canary
	lastErr error

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(m *pool.Manager, cfg Config, reporter Reporter, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = Reporters(nil)
	}
	return &Monitor{
		manager:   m,
		cfg:       cfg.withDefaults(),
		reporter:  reporter,
		logger:    logger.Named("lagcheck"),
		closeChan: make(chan struct{}),
	}
}

// Start runs Measure every interval until Close.
func (mon *Monitor) Start() {
	mon.wg.Add(1)
	go mon.backgroundLagCheck()
}

func (mon *Monitor) Close() {
	mon.closeOnce.Do(func() {
		close(mon.closeChan)
	})
	mon.wg.Wait()
}

func (mon *Monitor) backgroundLagCheck() {
	defer mon.wg.Done()
	ticker := time.NewTicker(mon.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-mon.closeChan:
			mon.logger.Info("backgroundLagCheck exited..")
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-mon.closeChan:
					cancel()
				case <-ctx.Done():
				}
			}()
			_, _ = mon.Measure(ctx)
			cancel()
		}
	}
}

// Last returns the most recent measurement and the error of the most recent
// attempt, if it failed.
func (mon *Monitor) Last() (*Canary, error) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.last, mon.lastErr
}

// Measure bumps the canary on the primary and polls the read-only path until the
// new id is visible.
func (mon *Monitor) Measure(ctx context.Context) (*Canary, error) {
	canary, err := mon.measure(ctx)
	mon.mu.Lock()
	mon.lastErr = err
	if err == nil {
		mon.last = canary
	}
	mon.mu.Unlock()
	if err != nil {
		mon.logger.Error("failed lag measurement", zap.Error(err))
		mon.reporter.ReportFailure(err)
		return nil, err
	}
	mon.reporter.ReportLag(canary.Endpoint, canary.DiffMS)
	mon.logger.Info("read lag measured",
		zap.String("endpoint", canary.Endpoint),
		zap.Float64("duration_ms", canary.DiffMS))
	return canary, nil
}

func (mon *Monitor) measure(ctx context.Context) (*Canary, error) {
	opts := pool.QueryOptions{Timeout: mon.cfg.Timeout}
	res, err := mon.manager.ExecuteQuery(ctx, mon.cfg.UpdateStatement, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("lag check update: %w", err)
	}
	if res.Data.RowsAffected == 0 {
		return nil, errors.New("replication canary update affected zero rows")
	}
	written, err := pool.Query(ctx, mon.manager, mon.cfg.ReadStatement, nil, decodeCanary, opts)
	if err != nil {
		return nil, fmt.Errorf("lag check read from primary: %w", err)
	}
	mon.logger.Debug("updated replication canary", zap.Int64("ID", written.Data.ID))

	var canary *Canary
	readOpts := opts
	readOpts.ReadOnly = true
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(mon.cfg.RetryInterval), mon.cfg.MaxReadRetries), ctx)
	err = backoff.Retry(func() error {
		read, err := pool.Query(ctx, mon.manager, mon.cfg.ReadStatement, nil, decodeCanary, readOpts)
		if err != nil {
			mon.logger.Error("lag check read action error.", zap.Error(err))
			return err
		}
		if read.Data.ID != written.Data.ID {
			mon.logger.Debug("canary write and read are not the same.",
				zap.Int64("write ID", written.Data.ID),
				zap.Int64("read ID", read.Data.ID))
			return ErrCanaryMismatch
		}
		c := read.Data
		c.Endpoint = read.Endpoint
		c.At = time.Now()
		canary = &c
		return nil
	}, b)
	if err != nil {
		return nil, err
	}
	return canary, nil
}

func decodeCanary(rows *pool.Rows) (Canary, error) {
	if rows.Len() == 0 {
		return Canary{}, errors.New("replication canary row missing")
	}
	row := rows.Values[0]
	if len(row) < 2 {
		return Canary{}, fmt.Errorf("replication canary row has %d columns, want 2", len(row))
	}
	id, err := toInt64(row[0])
	if err != nil {
		return Canary{}, err
	}
	diff, err := toFloat64(row[1])
	if err != nil {
		return Canary{}, err
	}
	return Canary{ID: id, DiffMS: diff}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected canary id type %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unexpected canary lag type %T", v)
	}
}
