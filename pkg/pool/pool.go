// Package pool distributes connections to a primary data store and its read replicas,
// monitors their health, and runs queries and transactions through them with caching,
// retries and load balancing.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AcquireOptions filter the connections a caller may receive.
type AcquireOptions struct {
	ReadOnly        bool
	PreferredRegion string
	// Timeout bounds the wait for a free connection. Zero uses PoolSettings.AcquireTimeout.
	Timeout time.Duration
}

type Option func(*Manager)

// WithMetricsSink registers a sink that receives periodic snapshots and alerts.
func WithMetricsSink(sink MetricsSink) Option {
	return func(m *Manager) {
		m.sinks = append(m.sinks, sink)
	}
}

// WithBalancer overrides the balancer built from Config.Strategy.
func WithBalancer(b Balancer) Option {
	return func(m *Manager) {
		m.balancer = b
	}
}

// Manager owns every connection of one logical pool. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	dialer    Dialer
	logger    *zap.Logger
	sinks     []MetricsSink
	balancer  Balancer
	validator ValidationFunction
	cache     *QueryCache
	metrics   *aggregator

	initMu sync.Mutex

	mu          sync.Mutex
	reg         *registry
	notify      chan struct{}
	waiting     int
	initialized bool
	closed      bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New validates cfg and returns an uninitialized Manager. No connections are opened
// until Initialize.
func New(cfg Config, dialer Dialer, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, fmt.Errorf("%w: dialer cannot be nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.Named("pool"),
		reg:     newRegistry(cfg),
		notify:  make(chan struct{}),
		metrics: newAggregator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loopCtx, m.loopCancel = context.WithCancel(context.Background())
	return m, nil
}

// Initialize opens the minimum number of connections per endpoint and starts the
// background loops. It is a no-op once it has succeeded. Only an unreachable
// primary is fatal; replica failures are logged and reads fall back to the primary.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	initialized, closed := m.initialized, m.closed
	m.mu.Unlock()
	if initialized {
		return nil
	}
	if closed {
		return ErrPoolClosed
	}

	start := time.Now()
	if m.balancer == nil {
		b, err := NewBalancer(m.cfg.Strategy, m.cfg.ResponseTimeProbeEvery)
		if err != nil {
			return &OpError{Op: "initialize", Kind: ErrPoolInitialization, Elapsed: time.Since(start), Err: err}
		}
		m.balancer = b
	}
	cache, err := NewQueryCache(m.cfg.Cache.MaxEntries)
	if err != nil {
		return &OpError{Op: "initialize", Kind: ErrPoolInitialization, Elapsed: time.Since(start), Err: err}
	}
	m.cache = cache

	primary := m.reg.primary
	want := primary.min
	if want < 1 {
		want = 1
	}
	created, err := m.fill(ctx, primary, want, true)
	if created == 0 {
		return &OpError{
			Op:       "initialize",
			Kind:     ErrPoolInitialization,
			Endpoint: primary.cfg.ID,
			Attempts: 1,
			Elapsed:  time.Since(start),
			Err:      err,
		}
	}
	for _, ep := range m.reg.replicas {
		if _, err := m.fill(ctx, ep, ep.min, true); err != nil {
			m.logger.Warn("replica endpoint unavailable, read traffic falls back to primary",
				zap.String("endpoint", ep.cfg.ID), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	m.startLoop("maintenance", m.cfg.Settings.ReapInterval, m.maintain)
	if m.cfg.HealthCheck.Enabled {
		m.startLoop("health", m.cfg.HealthCheck.Interval, m.checkHealth)
	}
	if m.cfg.Monitoring.Enabled {
		m.startLoop("monitoring", m.cfg.Monitoring.Interval, m.monitor)
	}
	m.logger.Info("pool initialized",
		zap.String("strategy", m.cfg.Strategy),
		zap.Int("replicas", len(m.reg.replicas)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// fill opens up to n connections on ep, stopping at the first failure.
func (m *Manager) fill(ctx context.Context, ep *endpoint, n int, retry bool) (int, error) {
	created := 0
	for i := 0; i < n; i++ {
		m.mu.Lock()
		if m.closed || ep.size() >= ep.max {
			m.mu.Unlock()
			break
		}
		ep.pending++
		m.mu.Unlock()

		handle, err := m.dial(ctx, ep, retry)

		m.mu.Lock()
		ep.pending--
		if err != nil {
			m.broadcastLocked()
			m.mu.Unlock()
			return created, err
		}
		if m.closed {
			m.mu.Unlock()
			m.closeHandle(handle)
			return created, ErrPoolClosed
		}
		m.registerLocked(ep, handle)
		m.broadcastLocked()
		m.mu.Unlock()
		created++
	}
	return created, nil
}

// dial opens one handle, retrying at CreateRetryInterval until CreateTimeout unless
// creation errors propagate immediately.
func (m *Manager) dial(ctx context.Context, ep *endpoint, retry bool) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Settings.CreateTimeout)
	defer cancel()

	var b backoff.BackOff = backoff.NewConstantBackOff(m.cfg.Settings.CreateRetryInterval)
	if !retry || m.cfg.Settings.PropagateCreateError {
		b = &backoff.StopBackOff{}
	}
	var handle Conn
	var lastErr error
	err := backoff.RetryNotify(func() error {
		h, err := m.dialer.Dial(ctx, ep.cfg)
		if err != nil {
			lastErr = err
			return err
		}
		handle = h
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		m.logger.Debug("connection create failed, retrying",
			zap.String("endpoint", ep.cfg.ID), zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return handle, nil
}

func (m *Manager) registerLocked(ep *endpoint, handle Conn) *Connection {
	now := time.Now()
	c := &Connection{
		id:        uuid.NewString(),
		endpoint:  ep,
		handle:    handle,
		manager:   m,
		createdAt: now,
		lastUsed:  now,
	}
	c.healthy.Store(true)
	ep.conns = append(ep.conns, c)
	m.logger.Debug("connection created", zap.String("endpoint", ep.cfg.ID), zap.String("connection", c.id))
	return c
}

// Acquire borrows a healthy connection chosen by the load balancer. It waits up to
// the acquire timeout for a connection to be released or for the pool to grow.
// The caller must Release the connection on every path; AcquireFunc does that.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (*Connection, error) {
	start := time.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.Settings.AcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(ep string, err error) error {
		return &OpError{
			Op:       "acquire",
			Kind:     ErrNoAvailableConnections,
			Endpoint: ep,
			Attempts: 1,
			Elapsed:  time.Since(start),
			Err:      err,
		}
	}

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if !m.initialized {
			m.mu.Unlock()
			return nil, ErrNotInitialized
		}
		targets := m.reg.targets(opts.ReadOnly, opts.PreferredRegion)
		if len(targets) == 0 {
			m.mu.Unlock()
			return nil, fail("", fmt.Errorf("no endpoint in region %q", opts.PreferredRegion))
		}
		if c := m.pickLocked(targets); c != nil {
			m.markActiveLocked(c)
			m.mu.Unlock()
			return c, nil
		}
		if ep := growable(targets); ep != nil {
			ep.pending++
			m.mu.Unlock()
			handle, err := m.dial(ctx, ep, true)
			m.mu.Lock()
			ep.pending--
			if err == nil {
				if m.closed {
					m.mu.Unlock()
					m.closeHandle(handle)
					return nil, ErrPoolClosed
				}
				c := m.registerLocked(ep, handle)
				m.markActiveLocked(c)
				m.mu.Unlock()
				return c, nil
			}
			m.broadcastLocked()
			if m.cfg.Settings.PropagateCreateError {
				m.mu.Unlock()
				return nil, fail(ep.cfg.ID, err)
			}
			m.logger.Warn("could not grow pool", zap.String("endpoint", ep.cfg.ID), zap.Error(err))
			if ctx.Err() != nil {
				m.mu.Unlock()
				return nil, fail(ep.cfg.ID, err)
			}
		}

		wait := m.notify
		m.waiting++
		m.mu.Unlock()
		select {
		case <-wait:
			m.mu.Lock()
			m.waiting--
		case <-ctx.Done():
			m.mu.Lock()
			m.waiting--
			m.mu.Unlock()
			return nil, fail("", ctx.Err())
		}
	}
}

// AcquireFunc acquires a connection, calls fn with it and releases it afterwards,
// including when fn panics.
func (m *Manager) AcquireFunc(ctx context.Context, opts AcquireOptions, fn func(*Connection) error) error {
	conn, err := m.Acquire(ctx, opts)
	if err != nil {
		return err
	}
	defer m.Release(conn)
	return fn(conn)
}

// Release returns conn to the pool. It never closes the underlying handle, except
// after Shutdown has begun. Releasing twice is a no-op.
func (m *Manager) Release(conn *Connection) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(conn)
}

func (m *Manager) releaseLocked(c *Connection) {
	if !c.active {
		return
	}
	c.active = false
	if !c.closed {
		c.endpoint.active--
	}
	c.touch()
	m.broadcastLocked()
}

func (m *Manager) pickLocked(targets []*endpoint) *Connection {
	var conns []*Connection
	var candidates []Candidate
	for _, ep := range targets {
		for _, c := range ep.conns {
			if c.active || c.probing || c.closed || c.tainted || !c.healthy.Load() {
				continue
			}
			conns = append(conns, c)
			candidates = append(candidates, Candidate{
				ID:              c.id,
				Endpoint:        ep.cfg.ID,
				Weight:          ep.weight(),
				Active:          ep.active,
				AvgResponseTime: c.avgResponse(),
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	perEndpoint := map[string]int{}
	for _, c := range candidates {
		perEndpoint[c.Endpoint]++
	}
	for i := range candidates {
		candidates[i].Siblings = perEndpoint[candidates[i].Endpoint]
	}
	i := m.balancer.Pick(candidates)
	if i < 0 || i >= len(conns) {
		i = 0
	}
	return conns[i]
}

func growable(targets []*endpoint) *endpoint {
	var best *endpoint
	for _, ep := range targets {
		if ep.size() >= ep.max {
			continue
		}
		if best == nil || ep.cfg.Priority > best.cfg.Priority ||
			(ep.cfg.Priority == best.cfg.Priority && ep.size() < best.size()) {
			best = ep
		}
	}
	return best
}

func (m *Manager) markActiveLocked(c *Connection) {
	c.active = true
	c.endpoint.active++
	c.touch()
}

// broadcastLocked wakes every goroutine waiting in Acquire or Shutdown.
func (m *Manager) broadcastLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *Manager) taint(c *Connection) {
	m.mu.Lock()
	c.tainted = true
	m.mu.Unlock()
}

// retire removes c from the pool and closes its handle.
func (m *Manager) retire(c *Connection, reason string) {
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return
	}
	m.removeLocked(c)
	m.broadcastLocked()
	m.mu.Unlock()
	m.logger.Info("connection retired",
		zap.String("endpoint", c.endpoint.cfg.ID),
		zap.String("connection", c.id),
		zap.String("reason", reason))
	m.closeHandle(c.handle)
}

func (m *Manager) removeLocked(c *Connection) {
	c.endpoint.remove(c)
	c.closed = true
}

func (m *Manager) closeHandle(handle Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Settings.DestroyTimeout)
	defer cancel()
	if err := handle.Close(ctx); err != nil {
		m.logger.Warn("connection close resulted in error", zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) ready() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrPoolClosed
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) startLoop(name string, every time.Duration, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-m.loopCtx.Done():
				m.logger.Debug("background loop exited", zap.String("loop", name))
				return
			case <-ticker.C:
				fn(m.loopCtx)
			}
		}
	}()
}

// Shutdown stops the background loops, waits up to timeout for borrowed connections
// to come back, then closes every connection. Connections still borrowed when the
// timeout expires are force-closed.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.broadcastLocked()
	m.mu.Unlock()

	m.loopCancel()
	m.wg.Wait()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	m.mu.Lock()
drain:
	for m.activeLocked() > 0 {
		wait := m.notify
		m.mu.Unlock()
		select {
		case <-wait:
			m.mu.Lock()
		case <-timer.C:
			m.mu.Lock()
			break drain
		}
	}
	forced := m.activeLocked()
	conns := m.reg.connections()
	for _, c := range conns {
		m.removeLocked(c)
	}
	m.broadcastLocked()
	m.mu.Unlock()

	if forced > 0 {
		m.logger.Warn("force-closing connections still in use after shutdown timeout",
			zap.Int("count", forced), zap.Duration("timeout", timeout))
	}
	var err error
	for _, c := range conns {
		err = multierr.Append(err, m.closeHandle(c.handle))
	}
	if m.cache != nil {
		m.cache.Clear()
	}
	m.logger.Info("pool shut down", zap.Int("closed", len(conns)), zap.Int("forced", forced))
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, ep := range m.reg.all() {
		n += ep.active
	}
	return n
}

// Config returns the defaulted configuration the manager runs with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Cache returns the query cache, or nil before Initialize.
func (m *Manager) Cache() *QueryCache {
	return m.cache
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
