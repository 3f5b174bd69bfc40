package metrics

import (
	"net/http"

	"github.com/kong/pg-pool-manager/pkg/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink mirrors the latest pool snapshot into gauges on its own registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	connections  *prometheus.GaugeVec
	queries      *prometheus.GaugeVec
	queryLatency prometheus.Gauge
	cacheEntries prometheus.Gauge
	cacheHitRate prometheus.Gauge
	alerts       *prometheus.CounterVec
	lag          prometheus.Gauge
	lagFailures  prometheus.Counter
}

func NewPrometheusSink(namespace string) *PrometheusSink {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusSink{
		registry: reg,
		connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections",
				Help:      "Pool connections per endpoint and state.",
			},
			[]string{"endpoint", "role", "state"}, // state: "active", "idle", "healthy"
		),
		queries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queries",
				Help:      "Queries and transactions handled since start.",
			},
			[]string{"outcome"}, // outcome: "total", "failed", "cache_hit", "committed", "rolled_back"
		),
		queryLatency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_query_avg_duration_seconds",
			Help:      "Average query duration since start.",
		}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_cache_entries",
			Help:      "Entries in the query cache.",
		}),
		cacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_cache_hit_ratio",
			Help:      "Query cache hit ratio.",
		}),
		alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_alerts_total",
				Help:      "Alert threshold breaches.",
			},
			[]string{"alert"},
		),
		lag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_replication_lag_milliseconds",
			Help:      "Last measured replication lag.",
		}),
		lagFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_replication_lag_failures_total",
			Help:      "Replication lag measurements that did not complete.",
		}),
	}
}

func (p *PrometheusSink) Emit(snap *pool.PoolMetricsSnapshot) {
	for _, ep := range snap.Endpoints {
		role := string(ep.Role)
		p.connections.WithLabelValues(ep.ID, role, "active").Set(float64(ep.Active))
		p.connections.WithLabelValues(ep.ID, role, "idle").Set(float64(ep.Idle))
		p.connections.WithLabelValues(ep.ID, role, "healthy").Set(float64(ep.Healthy))
	}
	q := snap.Queries
	p.queries.WithLabelValues("total").Set(float64(q.Total))
	p.queries.WithLabelValues("failed").Set(float64(q.Failed))
	p.queries.WithLabelValues("cache_hit").Set(float64(q.CacheHits))
	p.queries.WithLabelValues("committed").Set(float64(q.TransactionsCommitted))
	p.queries.WithLabelValues("rolled_back").Set(float64(q.TransactionsRolledBack))
	p.queryLatency.Set(q.AvgDuration.Seconds())
	p.cacheEntries.Set(float64(snap.Cache.Entries))
	p.cacheHitRate.Set(snap.Cache.HitRate)
}

func (p *PrometheusSink) Alert(a pool.Alert) {
	p.alerts.WithLabelValues(a.Name).Inc()
}

func (p *PrometheusSink) ReportLag(_ string, ms float64) {
	p.lag.Set(ms)
}

func (p *PrometheusSink) ReportFailure(error) {
	p.lagFailures.Inc()
}

func (p *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusSink) Registry() *prometheus.Registry {
	return p.registry
}
