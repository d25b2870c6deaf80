package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"can-telemetry-core/config"
	"can-telemetry-core/monitor"
	"can-telemetry-core/transport"
)

// connectRedis returns nil when redis is disabled.
func connectRedis(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (*transport.RedisPublisher, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	log.Infof("connected to redis at %s (prefix %s)", cfg.Addr, cfg.Prefix)
	return transport.NewRedisPublisher(client, cfg.Prefix, log), func() { _ = client.Close() }, nil
}

// startMetrics returns nil metrics when monitoring is disabled.
func startMetrics(ctx context.Context, cfg config.MonitorConfig, log logrus.FieldLogger) *monitor.Metrics {
	if !cfg.Enabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := monitor.NewMetrics(reg)
	monitor.Serve(ctx, cfg.MetricsPort, reg, log)
	return m
}
