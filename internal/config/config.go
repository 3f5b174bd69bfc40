// Package config loads the pool manager configuration from a TOML file, with
// credentials and the log level overridable from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/kong/pg-pool-manager/pkg/pool"
)

var dsnNoTLS = "postgres://%s:%s@%s:%s/%s?sslmode=disable"

var dsnTLS = "postgres://%s:%s@%s:%s/%s?sslmode=verify-ca&sslrootcert=%s"

const (
	caBundleFSPath       = "/config/ca_certs/aws-postgres-cabundle-secret"
	defaultHTTPAddr      = "0.0.0.0:8080"
	defaultDriver        = "pgx"
	defaultLogLevel      = "info"
	defaultShutdownGrace = time.Second * 30
	roReplicaID          = "replica-ro"
)

// Settings is everything the binary needs to run a pool.
type Settings struct {
	Pool          pool.Config
	Driver        string
	LogLevel      string
	HTTPAddr      string
	ShutdownGrace time.Duration
	Statsd        StatsdConfig
	LagCheck      LagCheckConfig
}

type StatsdConfig struct {
	Address string   `toml:"address"`
	Prefix  string   `toml:"prefix"`
	Tags    []string `toml:"tags"`
}

type LagCheckConfig struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
}

type endpointFile struct {
	ID             string `toml:"id"`
	URI            string `toml:"uri"`
	Region         string `toml:"region"`
	Weight         int    `toml:"weight"`
	MaxConnections int    `toml:"max_connections"`
	Priority       int    `toml:"priority"`
}

type poolFile struct {
	Min                  int           `toml:"min"`
	Max                  int           `toml:"max"`
	AcquireTimeout       time.Duration `toml:"acquire_timeout"`
	CreateTimeout        time.Duration `toml:"create_timeout"`
	DestroyTimeout       time.Duration `toml:"destroy_timeout"`
	IdleTimeout          time.Duration `toml:"idle_timeout"`
	ReapInterval         time.Duration `toml:"reap_interval"`
	CreateRetryInterval  time.Duration `toml:"create_retry_interval"`
	PropagateCreateError bool          `toml:"propagate_create_error"`
}

type healthFile struct {
	Enabled              bool          `toml:"enabled"`
	Interval             time.Duration `toml:"interval"`
	Timeout              time.Duration `toml:"timeout"`
	Statement            string        `toml:"statement"`
	DestroyAfterFailures int           `toml:"destroy_after_failures"`
}

type cacheFile struct {
	Enabled    bool          `toml:"enabled"`
	MaxEntries int           `toml:"max_entries"`
	DefaultTTL time.Duration `toml:"default_ttl"`
}

type queryFile struct {
	Timeout            time.Duration `toml:"timeout"`
	Retries            int           `toml:"retries"`
	RetryBaseDelay     time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `toml:"retry_max_delay"`
	SlowQueryThreshold time.Duration `toml:"slow_query_threshold"`
}

type monitoringFile struct {
	Enabled              bool          `toml:"enabled"`
	Interval             time.Duration `toml:"interval"`
	ConnectionUsageRatio float64       `toml:"connection_usage_ratio"`
	QueryLatency         time.Duration `toml:"query_latency"`
	ErrorRate            float64       `toml:"error_rate"`
}

type file struct {
	LogLevel               string         `toml:"log_level"`
	Driver                 string         `toml:"driver"`
	HTTPAddr               string         `toml:"http_addr"`
	ShutdownGrace          time.Duration  `toml:"shutdown_grace"`
	Strategy               string         `toml:"strategy"`
	ResponseTimeProbeEvery int            `toml:"response_time_probe_every"`
	Primary                endpointFile   `toml:"primary"`
	Replicas               []endpointFile `toml:"replicas"`
	Pool                   poolFile       `toml:"pool"`
	HealthCheck            healthFile     `toml:"health_check"`
	Cache                  cacheFile      `toml:"cache"`
	Query                  queryFile      `toml:"query"`
	Monitoring             monitoringFile `toml:"monitoring"`
	Statsd                 StatsdConfig   `toml:"statsd"`
	LagCheck               LagCheckConfig `toml:"lag_check"`
}

// pgEnv carries the PG_* variables. When PG_HOST is set they replace the primary
// URI from the file, and PG_RO_HOST adds a read-only replica.
type pgEnv struct {
	User           string `envconfig:"PG_USER"`
	Password       string `envconfig:"PG_PASSWORD"`
	Database       string `envconfig:"PG_DATABASE"`
	HostURL        string `envconfig:"PG_HOST"`
	ROHostURL      string `envconfig:"PG_RO_HOST"`
	Port           string `envconfig:"PG_PORT" default:"5432"`
	EnableTLS      string `envconfig:"ENABLE_TLS"`
	CABundleFSPath string `envconfig:"PG_CA_BUNDLE_FS_PATH"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
}

func (e pgEnv) tls() bool {
	return e.EnableTLS == "yes" || e.EnableTLS == "true"
}

func validate(pgc *pgEnv) error {
	if pgc.User == "" {
		return fmt.Errorf("PG_USER cannot be empty")
	}
	if pgc.Password == "" {
		return fmt.Errorf("PG_PASSWORD cannot be empty")
	}
	if pgc.Port == "" {
		return fmt.Errorf("PG_PORT cannot be empty")
	}
	if pgc.Database == "" {
		return fmt.Errorf("PG_DATABASE cannot be empty")
	}
	return nil
}

func dsn(pgc *pgEnv, host string) string {
	if !pgc.tls() {
		return fmt.Sprintf(dsnNoTLS, pgc.User, pgc.Password, host, pgc.Port, pgc.Database)
	}
	bundle := pgc.CABundleFSPath
	if bundle == "" {
		bundle = caBundleFSPath
	}
	return fmt.Sprintf(dsnTLS, pgc.User, pgc.Password, host, pgc.Port, pgc.Database, bundle)
}

// Load reads the TOML file at path, applies environment overrides and validates
// the resulting pool configuration. An empty path loads from the environment only.
func Load(path string) (*Settings, error) {
	var f file
	if path != "" {
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var env pgEnv
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := applyEnv(&f, &env); err != nil {
		return nil, err
	}

	s := &Settings{
		Pool:          f.poolConfig(),
		Driver:        orDefault(f.Driver, defaultDriver),
		LogLevel:      orDefault(f.LogLevel, defaultLogLevel),
		HTTPAddr:      orDefault(f.HTTPAddr, defaultHTTPAddr),
		ShutdownGrace: f.ShutdownGrace,
		Statsd:        f.Statsd,
		LagCheck:      f.LagCheck,
	}
	if s.ShutdownGrace == 0 {
		s.ShutdownGrace = defaultShutdownGrace
	}
	if err := s.Pool.Validate(); err != nil {
		return nil, err
	}
	if _, err := pool.NewBalancer(s.Pool.Strategy, s.Pool.ResponseTimeProbeEvery); err != nil {
		return nil, fmt.Errorf("%w: %w", pool.ErrInvalidConfig, err)
	}
	return s, nil
}

func applyEnv(f *file, env *pgEnv) error {
	if env.LogLevel != "" {
		f.LogLevel = env.LogLevel
	}
	if env.HostURL == "" {
		if env.ROHostURL != "" {
			return fmt.Errorf("PG_RO_HOST requires PG_HOST")
		}
		return nil
	}
	if err := validate(env); err != nil {
		return err
	}
	if f.Primary.ID == "" {
		f.Primary.ID = "primary"
	}
	f.Primary.URI = dsn(env, env.HostURL)
	if env.ROHostURL == "" {
		return nil
	}
	ro := endpointFile{ID: roReplicaID, URI: dsn(env, env.ROHostURL)}
	for i, r := range f.Replicas {
		if r.ID == roReplicaID {
			ro.Region, ro.Weight, ro.MaxConnections, ro.Priority = r.Region, r.Weight, r.MaxConnections, r.Priority
			f.Replicas[i] = ro
			return nil
		}
	}
	f.Replicas = append(f.Replicas, ro)
	return nil
}

func (f *file) poolConfig() pool.Config {
	cfg := pool.Config{
		Primary: f.Primary.endpoint(pool.RolePrimary),
		Settings: pool.PoolSettings{
			Min:                  f.Pool.Min,
			Max:                  f.Pool.Max,
			AcquireTimeout:       f.Pool.AcquireTimeout,
			CreateTimeout:        f.Pool.CreateTimeout,
			DestroyTimeout:       f.Pool.DestroyTimeout,
			IdleTimeout:          f.Pool.IdleTimeout,
			ReapInterval:         f.Pool.ReapInterval,
			CreateRetryInterval:  f.Pool.CreateRetryInterval,
			PropagateCreateError: f.Pool.PropagateCreateError,
		},
		HealthCheck: pool.HealthCheckConfig(f.HealthCheck),
		Cache:       pool.CacheConfig(f.Cache),
		Query:       pool.QueryConfig(f.Query),
		Monitoring:  pool.MonitoringConfig(f.Monitoring),
		Strategy:    strings.ToLower(f.Strategy),

		ResponseTimeProbeEvery: f.ResponseTimeProbeEvery,
	}
	for _, r := range f.Replicas {
		cfg.Replicas = append(cfg.Replicas, r.endpoint(pool.RoleReplica))
	}
	return cfg.WithDefaults()
}

func (e endpointFile) endpoint(role pool.Role) pool.EndpointConfig {
	return pool.EndpointConfig{
		ID:             e.ID,
		URI:            e.URI,
		Role:           role,
		Region:         e.Region,
		Weight:         e.Weight,
		MaxConnections: e.MaxConnections,
		Priority:       e.Priority,
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
