package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ConnectionMetrics struct {
	ID              string
	Endpoint        string
	Role            Role
	Active          bool
	Healthy         bool
	CreatedAt       time.Time
	LastUsed        time.Time
	LastHealthCheck time.Time
	QueryCount      int64
	ErrorCount      int64
	AvgResponseTime time.Duration
	ErrorRate       float64
}

type EndpointMetrics struct {
	ID      string
	Role    Role
	Region  string
	Total   int
	Active  int
	Idle    int
	Healthy int
	Max     int
}

type QueryStats struct {
	Total                  int64
	Failed                 int64
	CacheHits              int64
	AvgDuration            time.Duration
	ErrorRate              float64
	TransactionsCommitted  int64
	TransactionsRolledBack int64
}

// PoolMetricsSnapshot is a consistent point-in-time view of the pool.
type PoolMetricsSnapshot struct {
	Taken            time.Time
	Total            int
	Active           int
	Idle             int
	Waiting          int
	Healthy          int
	ConnectionErrors int64
	Endpoints        []EndpointMetrics
	Connections      []ConnectionMetrics
	Queries          QueryStats
	Cache            CacheStats
}

// Alert is raised when a monitored value crosses its configured threshold.
type Alert struct {
	Name      string
	Value     float64
	Threshold float64
	Message   string
	At        time.Time
}

// MetricsSink receives a snapshot on every monitoring tick and every raised alert.
type MetricsSink interface {
	Emit(snapshot *PoolMetricsSnapshot)
	Alert(alert Alert)
}

// aggregator collects query and transaction outcomes reported by the executor and
// the transaction coordinator.
type aggregator struct {
	mu         sync.Mutex
	total      int64
	failed     int64
	cacheHits  int64
	durations  time.Duration
	committed  int64
	rolledBack int64

	// counters at the previous monitoring tick
	lastTotal     int64
	lastFailed    int64
	lastDurations time.Duration
}

func newAggregator() *aggregator {
	return &aggregator{}
}

func (a *aggregator) RecordQuery(d time.Duration, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.durations += d
	if err != nil {
		a.failed++
	}
}

func (a *aggregator) RecordCacheHit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.cacheHits++
}

func (a *aggregator) RecordTransaction(d time.Duration, committed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if committed {
		a.committed++
	} else {
		a.rolledBack++
	}
}

func (a *aggregator) stats() QueryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := QueryStats{
		Total:                  a.total,
		Failed:                 a.failed,
		CacheHits:              a.cacheHits,
		TransactionsCommitted:  a.committed,
		TransactionsRolledBack: a.rolledBack,
	}
	if executed := a.total - a.cacheHits; executed > 0 {
		s.AvgDuration = a.durations / time.Duration(executed)
	}
	if a.total > 0 {
		s.ErrorRate = float64(a.failed) / float64(a.total)
	}
	return s
}

// window returns average latency and error rate since the previous call.
func (a *aggregator) window() (time.Duration, float64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.total - a.lastTotal
	failed := a.failed - a.lastFailed
	d := a.durations - a.lastDurations
	a.lastTotal, a.lastFailed, a.lastDurations = a.total, a.failed, a.durations
	if n == 0 {
		return 0, 0, 0
	}
	return d / time.Duration(n), float64(failed) / float64(n), n
}

// Metrics returns a snapshot of every connection, endpoint, query counter and the
// cache, taken under the pool lock.
func (m *Manager) Metrics() PoolMetricsSnapshot {
	s := PoolMetricsSnapshot{Taken: time.Now()}
	m.mu.Lock()
	s.Waiting = m.waiting
	for _, ep := range m.reg.all() {
		em := EndpointMetrics{
			ID:     ep.cfg.ID,
			Role:   ep.cfg.Role,
			Region: ep.cfg.Region,
			Total:  len(ep.conns),
			Active: ep.active,
			Max:    ep.max,
		}
		for _, c := range ep.conns {
			cm := c.snapshot()
			if cm.Healthy && !c.tainted {
				em.Healthy++
			}
			s.ConnectionErrors += cm.ErrorCount
			s.Connections = append(s.Connections, cm)
		}
		em.Idle = em.Total - em.Active
		s.Total += em.Total
		s.Active += em.Active
		s.Idle += em.Idle
		s.Healthy += em.Healthy
		s.Endpoints = append(s.Endpoints, em)
	}
	m.mu.Unlock()

	s.Queries = m.metrics.stats()
	if m.cache != nil {
		s.Cache = m.cache.Stats()
	}
	return s
}

func (m *Manager) monitor(_ context.Context) {
	snapshot := m.Metrics()
	m.logger.Info("pool stats",
		zap.Int("total", snapshot.Total),
		zap.Int("active", snapshot.Active),
		zap.Int("idle", snapshot.Idle),
		zap.Int("waiting", snapshot.Waiting),
		zap.Int("healthy", snapshot.Healthy),
		zap.Int("cache_entries", snapshot.Cache.Entries),
		zap.Float64("cache_hit_rate", snapshot.Cache.HitRate))
	for _, sink := range m.sinks {
		sink.Emit(&snapshot)
	}
	for _, alert := range m.evaluate(&snapshot) {
		m.logger.Warn("pool alert",
			zap.String("alert", alert.Name),
			zap.Float64("value", alert.Value),
			zap.Float64("threshold", alert.Threshold),
			zap.String("message", alert.Message))
		for _, sink := range m.sinks {
			sink.Alert(alert)
		}
	}
}

func (m *Manager) evaluate(s *PoolMetricsSnapshot) []Alert {
	th := m.cfg.Monitoring
	var alerts []Alert

	capacity := 0
	for _, ep := range s.Endpoints {
		capacity += ep.Max
	}
	if capacity > 0 {
		ratio := float64(s.Active) / float64(capacity)
		if ratio >= th.ConnectionUsageRatio {
			alerts = append(alerts, Alert{
				Name:      "connection_usage",
				Value:     ratio,
				Threshold: th.ConnectionUsageRatio,
				Message:   fmt.Sprintf("%d of %d connections in use", s.Active, capacity),
				At:        s.Taken,
			})
		}
	}

	latency, errRate, n := m.metrics.window()
	if n == 0 {
		return alerts
	}
	if latency > th.QueryLatency {
		alerts = append(alerts, Alert{
			Name:      "query_latency",
			Value:     latency.Seconds(),
			Threshold: th.QueryLatency.Seconds(),
			Message:   fmt.Sprintf("average query latency %s over %d queries", latency, n),
			At:        s.Taken,
		})
	}
	if errRate > th.ErrorRate {
		alerts = append(alerts, Alert{
			Name:      "error_rate",
			Value:     errRate,
			Threshold: th.ErrorRate,
			Message:   fmt.Sprintf("%.1f%% of %d queries failed", errRate*100, n),
			At:        s.Taken,
		})
	}
	return alerts
}

// EmitMetrics runs one monitoring tick immediately.
func (m *Manager) EmitMetrics() {
	m.monitor(context.Background())
}
