package pool

import (
	"fmt"
	"time"
)

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// EndpointConfig describes one backing-store target. It is immutable once registered.
type EndpointConfig struct {
	ID             string
	URI            string
	Role           Role
	Region         string
	Weight         int
	MaxConnections int
	Priority       int
}

// PoolSettings bound the size and timing of every endpoint's connection set.
type PoolSettings struct {
	Min                  int
	Max                  int
	AcquireTimeout       time.Duration
	CreateTimeout        time.Duration
	DestroyTimeout       time.Duration
	IdleTimeout          time.Duration
	ReapInterval         time.Duration
	CreateRetryInterval  time.Duration
	PropagateCreateError bool
}

type HealthCheckConfig struct {
	Enabled  bool
	Interval time.Duration
	// Timeout bounds a single probe and is independent of query timeouts.
	Timeout time.Duration
	// Statement is the probe; empty means the driver's Ping.
	Statement string
	// DestroyAfterFailures retires a connection after this many consecutive failed
	// probes. A negative value keeps failing connections around until they recover.
	DestroyAfterFailures int
}

type CacheConfig struct {
	Enabled    bool
	MaxEntries int
	DefaultTTL time.Duration
}

type QueryConfig struct {
	Timeout            time.Duration
	Retries            int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	SlowQueryThreshold time.Duration
}

// MonitoringConfig holds the alert thresholds checked by the metrics aggregator.
type MonitoringConfig struct {
	Enabled              bool
	Interval             time.Duration
	ConnectionUsageRatio float64
	QueryLatency         time.Duration
	ErrorRate            float64
}

type Config struct {
	Primary  EndpointConfig
	Replicas []EndpointConfig
	Settings PoolSettings

	HealthCheck HealthCheckConfig
	Cache       CacheConfig
	Query       QueryConfig
	Monitoring  MonitoringConfig

	// Strategy is one of round-robin, least-connections, weighted or response-time.
	Strategy string
	// ResponseTimeProbeEvery makes every Nth response-time pick a random one.
	ResponseTimeProbeEvery int
}

var (
	defaultMinConnections       = 2
	defaultMaxConnections       = 10
	defaultAcquireTimeout       = time.Second * 30
	defaultCreateTimeout        = time.Second * 30
	defaultDestroyTimeout       = time.Second * 5
	defaultIdleTimeout          = time.Minute * 10
	defaultReapInterval         = time.Second
	defaultCreateRetryInterval  = time.Millisecond * 200
	defaultHealthCheckPeriod    = time.Second * 30
	defaultHealthCheckTimeout   = time.Second * 5
	defaultDestroyAfterFailures = 5
	defaultCacheEntries         = 1000
	defaultCacheTTL             = time.Minute * 5
	defaultQueryTimeout         = time.Second * 30
	defaultRetryBaseDelay       = time.Second
	defaultRetryMaxDelay        = time.Second * 30
	defaultSlowQueryThreshold   = time.Second
	defaultStrategy             = StrategyRoundRobin
	defaultProbeEvery           = 10
	defaultMonitoringInterval   = time.Minute
	defaultUsageRatio           = 0.8
	defaultQueryLatency         = time.Second
	defaultErrorRate            = 0.05
)

// WithDefaults returns a copy of c with every unset field filled in.
func (c Config) WithDefaults() Config {
	s := &c.Settings
	if s.Max == 0 {
		s.Max = defaultMaxConnections
	}
	if s.Min == 0 {
		s.Min = defaultMinConnections
	}
	if s.Min > s.Max {
		s.Min = s.Max
	}
	if s.AcquireTimeout == 0 {
		s.AcquireTimeout = defaultAcquireTimeout
	}
	if s.CreateTimeout == 0 {
		s.CreateTimeout = defaultCreateTimeout
	}
	if s.DestroyTimeout == 0 {
		s.DestroyTimeout = defaultDestroyTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
	if s.ReapInterval == 0 {
		s.ReapInterval = defaultReapInterval
	}
	if s.CreateRetryInterval == 0 {
		s.CreateRetryInterval = defaultCreateRetryInterval
	}

	h := &c.HealthCheck
	if h.Interval == 0 {
		h.Interval = defaultHealthCheckPeriod
	}
	if h.Timeout == 0 {
		h.Timeout = defaultHealthCheckTimeout
	}
	if h.DestroyAfterFailures == 0 {
		h.DestroyAfterFailures = defaultDestroyAfterFailures
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaultCacheEntries
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = defaultCacheTTL
	}

	q := &c.Query
	if q.Timeout == 0 {
		q.Timeout = defaultQueryTimeout
	}
	if q.RetryBaseDelay == 0 {
		q.RetryBaseDelay = defaultRetryBaseDelay
	}
	if q.RetryMaxDelay == 0 {
		q.RetryMaxDelay = defaultRetryMaxDelay
	}
	if q.SlowQueryThreshold == 0 {
		q.SlowQueryThreshold = defaultSlowQueryThreshold
	}

	if c.Strategy == "" {
		c.Strategy = defaultStrategy
	}
	if c.ResponseTimeProbeEvery == 0 {
		c.ResponseTimeProbeEvery = defaultProbeEvery
	}

	m := &c.Monitoring
	if m.Interval == 0 {
		m.Interval = defaultMonitoringInterval
	}
	if m.ConnectionUsageRatio == 0 {
		m.ConnectionUsageRatio = defaultUsageRatio
	}
	if m.QueryLatency == 0 {
		m.QueryLatency = defaultQueryLatency
	}
	if m.ErrorRate == 0 {
		m.ErrorRate = defaultErrorRate
	}

	if c.Primary.Role == "" {
		c.Primary.Role = RolePrimary
	}
	c.Replicas = append([]EndpointConfig(nil), c.Replicas...)
	for i := range c.Replicas {
		if c.Replicas[i].Role == "" {
			c.Replicas[i].Role = RoleReplica
		}
	}
	return c
}

// Validate checks a defaulted configuration.
func (c Config) Validate() error {
	s := c.Settings
	if s.Max < 1 {
		return fmt.Errorf("%w: max pool size must be at least 1", ErrInvalidConfig)
	}
	if s.Min < 0 || s.Min > s.Max {
		return fmt.Errorf("%w: min pool size %d outside [0, %d]", ErrInvalidConfig, s.Min, s.Max)
	}
	if c.Primary.ID == "" {
		return fmt.Errorf("%w: primary endpoint id cannot be empty", ErrInvalidConfig)
	}
	if c.Primary.Role != RolePrimary {
		return fmt.Errorf("%w: endpoint %s must have role %s", ErrInvalidConfig, c.Primary.ID, RolePrimary)
	}
	seen := map[string]bool{c.Primary.ID: true}
	for _, ep := range append([]EndpointConfig{c.Primary}, c.Replicas...) {
		if ep.Weight < 0 {
			return fmt.Errorf("%w: endpoint %s has negative weight", ErrInvalidConfig, ep.ID)
		}
		if ep.MaxConnections < 0 {
			return fmt.Errorf("%w: endpoint %s has negative max connections", ErrInvalidConfig, ep.ID)
		}
	}
	for _, ep := range c.Replicas {
		if ep.ID == "" {
			return fmt.Errorf("%w: replica endpoint id cannot be empty", ErrInvalidConfig)
		}
		if ep.Role != RoleReplica {
			return fmt.Errorf("%w: endpoint %s must have role %s", ErrInvalidConfig, ep.ID, RoleReplica)
		}
		if seen[ep.ID] {
			return fmt.Errorf("%w: duplicate endpoint id %s", ErrInvalidConfig, ep.ID)
		}
		seen[ep.ID] = true
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("%w: cache max entries must be at least 1", ErrInvalidConfig)
	}
	if c.Monitoring.ConnectionUsageRatio > 1 || c.Monitoring.ErrorRate > 1 {
		return fmt.Errorf("%w: monitoring ratios must be within (0, 1]", ErrInvalidConfig)
	}
	return nil
}
