package pool

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ValidationFunction probes a single idle connection. A non-nil error marks the
// connection unhealthy.
type ValidationFunction func(ctx context.Context, conn Conn, logger *zap.Logger) error

// WithValidator replaces the default probe, which runs HealthCheckConfig.Statement or
// pings the connection when no statement is configured.
func WithValidator(fn ValidationFunction) Option {
	return func(m *Manager) {
		m.validator = fn
	}
}

// CheckHealth probes every idle connection once. The background health loop calls it
// on every tick; it is exported for callers that want an immediate check.
func (m *Manager) CheckHealth(ctx context.Context) error {
	if err := m.ready(); err != nil {
		return err
	}
	m.checkHealth(ctx)
	return nil
}

func (m *Manager) checkHealth(ctx context.Context) {
	m.logger.Debug("started health check run..")

	// probed connections are hidden from Acquire and the reaper but do not count as
	// borrowed, and lastUsed is left alone so probing never keeps one from being reaped
	m.mu.Lock()
	var conns []*Connection
	for _, c := range m.reg.connections() {
		if c.active || c.probing || c.closed || c.tainted {
			continue
		}
		c.probing = true
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if len(conns) == 0 {
		m.logger.Debug("health check found no idle connections")
		return
	}

	unhealthy, destroyed := 0, 0
	for _, c := range conns {
		if ctx.Err() != nil {
			m.giveBack(c)
			continue
		}
		err := m.probe(ctx, c)
		failures := c.recordProbe(err)
		if err != nil {
			unhealthy++
			m.logger.Warn("connection health check failed",
				zap.String("endpoint", c.endpoint.cfg.ID),
				zap.String("connection", c.id),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
		}
		if limit := m.cfg.HealthCheck.DestroyAfterFailures; limit > 0 && failures >= limit {
			m.giveBack(c)
			m.retire(c, "health check failed repeatedly")
			destroyed++
			continue
		}
		m.giveBack(c)
	}
	m.logger.Info("connections health state",
		zap.Int("checked", len(conns)),
		zap.Int("unhealthy", unhealthy),
		zap.Int("destroyed", destroyed))
}

func (m *Manager) probe(ctx context.Context, c *Connection) error {
	tCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheck.Timeout)
	defer cancel()
	_, err := c.guard(tCtx, func(ctx context.Context) (*Rows, error) {
		if m.validator != nil {
			return nil, m.validator(ctx, c.handle, m.logger)
		}
		if stmt := m.cfg.HealthCheck.Statement; stmt != "" {
			return c.handle.Run(ctx, stmt)
		}
		return nil, c.handle.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailed, err)
	}
	return nil
}

func (m *Manager) giveBack(c *Connection) {
	m.mu.Lock()
	if c.probing {
		c.probing = false
		m.broadcastLocked()
	}
	m.mu.Unlock()
}

// HealthyEndpoints reports, per endpoint id, whether at least one of its
// connections is currently healthy.
func (m *Manager) HealthyEndpoints() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.reg.replicas)+1)
	for _, ep := range m.reg.all() {
		out[ep.cfg.ID] = ep.healthyConns() > 0
	}
	return out
}

