// Package metrics forwards pool snapshots and alerts to DataDog statsd and Prometheus.
package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kong/pg-pool-manager/pkg/lagcheck"
	"github.com/kong/pg-pool-manager/pkg/pool"
	"go.uber.org/zap"
)

// Statter is the subset of the statsd client the sink uses.
type Statter interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Event(e *statsd.Event) error
}

var (
	_ pool.MetricsSink  = (*StatsdSink)(nil)
	_ lagcheck.Reporter = (*StatsdSink)(nil)
	_ pool.MetricsSink  = (*PrometheusSink)(nil)
	_ lagcheck.Reporter = (*PrometheusSink)(nil)
)

// StatsdSink emits pool snapshots as gauges and alerts as statsd events.
type StatsdSink struct {
	client Statter
	prefix string
	tags   []string
	logger *zap.Logger
}

// NewStatsdClient dials the agent at addr, e.g. "127.0.0.1:8125".
func NewStatsdClient(addr string, tags ...string) (*statsd.Client, error) {
	return statsd.New(addr, statsd.WithTags(tags))
}

func NewStatsdSink(client Statter, prefix string, logger *zap.Logger, tags ...string) *StatsdSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsdSink{client: client, prefix: prefix, tags: tags, logger: logger.Named("statsd")}
}

func (s *StatsdSink) name(metric string) string {
	if s.prefix == "" {
		return metric
	}
	return s.prefix + "." + metric
}

func (s *StatsdSink) gauge(metric string, value float64, tags ...string) {
	if err := s.client.Gauge(s.name(metric), value, append(tags, s.tags...), 1); err != nil {
		s.logger.Debug("statsd gauge failed", zap.String("metric", metric), zap.Error(err))
	}
}

func (s *StatsdSink) Emit(snap *pool.PoolMetricsSnapshot) {
	s.gauge("connections.total", float64(snap.Total))
	s.gauge("connections.active", float64(snap.Active))
	s.gauge("connections.idle", float64(snap.Idle))
	s.gauge("connections.waiting", float64(snap.Waiting))
	s.gauge("connections.healthy", float64(snap.Healthy))
	for _, ep := range snap.Endpoints {
		tags := []string{"endpoint:" + ep.ID, "role:" + string(ep.Role)}
		s.gauge("endpoint.active", float64(ep.Active), tags...)
		s.gauge("endpoint.idle", float64(ep.Idle), tags...)
		s.gauge("endpoint.healthy", float64(ep.Healthy), tags...)
	}
	s.gauge("queries.total", float64(snap.Queries.Total))
	s.gauge("queries.failed", float64(snap.Queries.Failed))
	s.gauge("queries.avg_duration_ms", float64(snap.Queries.AvgDuration.Milliseconds()))
	s.gauge("queries.error_rate", snap.Queries.ErrorRate)
	s.gauge("cache.entries", float64(snap.Cache.Entries))
	s.gauge("cache.hit_rate", snap.Cache.HitRate)
}

func (s *StatsdSink) Alert(a pool.Alert) {
	e := statsd.NewEvent(fmt.Sprintf("pool alert: %s", a.Name), a.Message)
	e.AlertType = statsd.Warning
	e.Timestamp = a.At
	e.Tags = append([]string{"alert:" + a.Name}, s.tags...)
	if err := s.client.Event(e); err != nil {
		s.logger.Debug("statsd event failed", zap.String("alert", a.Name), zap.Error(err))
	}
	if err := s.client.Count(s.name("alerts"), 1, e.Tags, 1); err != nil {
		s.logger.Debug("statsd count failed", zap.String("alert", a.Name), zap.Error(err))
	}
}

// ReportLag records a replication lag measurement.
func (s *StatsdSink) ReportLag(endpoint string, ms float64) {
	s.gauge("replication_lag_ms", ms, "endpoint:"+endpoint)
}

// ReportFailure counts a failed replication lag measurement.
func (s *StatsdSink) ReportFailure(error) {
	if err := s.client.Count(s.name("replication_lag_failures"), 1, s.tags, 1); err != nil {
		s.logger.Debug("statsd count failed", zap.String("metric", "replication_lag_failures"), zap.Error(err))
	}
}
