package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{
		Primary:  EndpointConfig{ID: "primary"},
		Replicas: []EndpointConfig{{ID: "replica-1"}},
		Settings: PoolSettings{Min: 20, Max: 5},
	}.WithDefaults()

	require.Equal(t, 5, cfg.Settings.Min)
	require.Equal(t, 5, cfg.Settings.Max)
	require.Equal(t, RolePrimary, cfg.Primary.Role)
	require.Equal(t, RoleReplica, cfg.Replicas[0].Role)
	require.Equal(t, StrategyRoundRobin, cfg.Strategy)
	require.Equal(t, time.Second*30, cfg.HealthCheck.Interval)
	require.Equal(t, time.Second*5, cfg.HealthCheck.Timeout)
	require.Equal(t, 1000, cfg.Cache.MaxEntries)
	require.Equal(t, time.Second, cfg.Query.RetryBaseDelay)
	require.Equal(t, 0.8, cfg.Monitoring.ConnectionUsageRatio)
	require.NoError(t, cfg.Validate())
}

func TestConfig_WithDefaultsCopiesReplicas(t *testing.T) {
	replicas := []EndpointConfig{{ID: "replica-1"}}
	_ = Config{Primary: EndpointConfig{ID: "primary"}, Replicas: replicas}.WithDefaults()
	require.Equal(t, Role(""), replicas[0].Role)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Primary:  EndpointConfig{ID: "primary"},
			Replicas: []EndpointConfig{{ID: "replica-1", Weight: 3}},
		}.WithDefaults()
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing primary id", func(c *Config) { c.Primary.ID = "" }},
		{"primary with replica role", func(c *Config) { c.Primary.Role = RoleReplica }},
		{"replica with primary role", func(c *Config) { c.Replicas[0].Role = RolePrimary }},
		{"missing replica id", func(c *Config) { c.Replicas[0].ID = "" }},
		{"duplicate id", func(c *Config) { c.Replicas[0].ID = "primary" }},
		{"negative weight", func(c *Config) { c.Replicas[0].Weight = -1 }},
		{"negative max connections", func(c *Config) { c.Primary.MaxConnections = -2 }},
		{"min above max", func(c *Config) { c.Settings.Min = c.Settings.Max + 1 }},
		{"zero max", func(c *Config) { c.Settings.Max = 0 }},
		{"zero cache", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"usage ratio above one", func(c *Config) { c.Monitoring.ConnectionUsageRatio = 1.5 }},
	}
	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestEndpoint_MaxConnectionsOverridesSettings(t *testing.T) {
	ep := newEndpoint(EndpointConfig{ID: "r", MaxConnections: 1}, PoolSettings{Min: 2, Max: 10})
	require.Equal(t, 1, ep.max)
	require.Equal(t, 1, ep.min)
	require.Equal(t, 1, ep.weight())
}
