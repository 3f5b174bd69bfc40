package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/kong/pg-pool-manager/internal/config"
	"github.com/kong/pg-pool-manager/pkg/lagcheck"
	"github.com/kong/pg-pool-manager/pkg/metrics"
	"github.com/kong/pg-pool-manager/pkg/pgstore"
	"github.com/kong/pg-pool-manager/pkg/pool"
	"github.com/kong/pg-pool-manager/pkg/sqlstore"
	"go.uber.org/zap"
)

const metricsNamespace = "pgpool"

func main() {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := SetupLogging(settings.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	dialer, closeDialer := newDialer(settings.Driver)
	defer closeDialer()

	prom := metrics.NewPrometheusSink(metricsNamespace)
	opts := []pool.Option{pool.WithMetricsSink(prom)}
	reporters := lagcheck.Reporters{prom}
	if settings.Statsd.Address != "" {
		client, err := metrics.NewStatsdClient(settings.Statsd.Address, settings.Statsd.Tags...)
		if err != nil {
			logger.Warn("statsd disabled", zap.String("address", settings.Statsd.Address), zap.Error(err))
		} else {
			defer client.Close()
			sink := metrics.NewStatsdSink(client, settings.Statsd.Prefix, logger)
			opts = append(opts, pool.WithMetricsSink(sink))
			reporters = append(reporters, sink)
		}
	}

	m, err := pool.New(settings.Pool, dialer, logger, opts...)
	if err != nil {
		logger.Fatal("invalid pool configuration", zap.Error(err))
	}
	logger.Info("DB connection:", zap.String("primary", settings.Pool.Primary.ID),
		zap.Int("replicas", len(settings.Pool.Replicas)),
		zap.String("driver", settings.Driver),
		zap.String("strategy", settings.Pool.Strategy))
	if err := m.Initialize(context.Background()); err != nil {
		logger.Fatal("DB Connection failed", zap.Error(err))
	}

	ac := &appContext{
		Pool:    m,
		Metrics: prom.Handler(),
		Logger:  logger,
	}
	if settings.LagCheck.Enabled {
		ac.Lag = lagcheck.New(m, lagcheck.Config{Interval: settings.LagCheck.Interval}, reporters, logger)
		ac.Lag.Start()
		defer ac.Lag.Close()
	}

	srv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           ac.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()
	ac.Logger.Info("Application is running", zap.String("address", settings.HTTPAddr))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	shutdown := m.ShutdownOnSignal(ctx, settings.ShutdownGrace)
	select {
	case err := <-shutdown:
		if err != nil {
			logger.Error("pool shutdown", zap.Error(err))
		}
	case err := <-serverErr:
		logger.Error("http server stopped", zap.Error(err))
		stop()
		if err := m.Shutdown(settings.ShutdownGrace); err != nil {
			logger.Error("pool shutdown", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server shutdown", zap.Error(err))
	}
}

// newDialer returns the pgx dialer for "pgx" and a database/sql dialer for any
// other registered driver name.
func newDialer(driver string) (pool.Dialer, func()) {
	if driver == "pgx" {
		return pgstore.NewDialer(), func() {}
	}
	d := sqlstore.NewDialer(driver)
	return d, func() { _ = d.Close() }
}
