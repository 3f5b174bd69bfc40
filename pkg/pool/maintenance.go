package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// maintain reaps connections idle past IdleTimeout, refills endpoints below their
// minimum and purges expired cache entries.
func (m *Manager) maintain(ctx context.Context) {
	now := time.Now()
	idleTimeout := m.cfg.Settings.IdleTimeout

	m.mu.Lock()
	var reaped []*Connection
	for _, ep := range m.reg.all() {
		for _, c := range append([]*Connection(nil), ep.conns...) {
			if len(ep.conns) <= ep.min {
				break
			}
			if c.active || c.probing || c.tainted {
				continue
			}
			if now.Sub(c.idleSince()) >= idleTimeout {
				m.removeLocked(c)
				reaped = append(reaped, c)
			}
		}
	}
	m.mu.Unlock()

	for _, c := range reaped {
		m.logger.Debug("reaping idle connection",
			zap.String("endpoint", c.endpoint.cfg.ID), zap.String("connection", c.id))
		m.closeHandle(c.handle)
	}

	for _, ep := range m.reg.all() {
		m.mu.Lock()
		missing := ep.min - ep.size()
		m.mu.Unlock()
		if missing <= 0 || ctx.Err() != nil {
			continue
		}
		if _, err := m.fill(ctx, ep, missing, false); err != nil {
			m.logger.Debug("could not refill endpoint",
				zap.String("endpoint", ep.cfg.ID), zap.Error(err))
		}
	}

	if m.cache != nil {
		if n := m.cache.PurgeExpired(); n > 0 {
			m.logger.Debug("purged expired cache entries", zap.Int("count", n))
		}
	}
}
