package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"convoy/cmd/server/config"
	"convoy/internal/bus"
)

// eventBus bundles the outbound publisher and the inbound consumer.
type eventBus struct {
	publisher bus.Publisher
	consumer  bus.Consumer
}

// buildEventBus returns a Redis Streams bus when REDIS_URL is set, an
// in-process loopback bus otherwise. The loopback mode is for local
// development: anything published lands back on the coordinator's own
// consumer.
func buildEventBus(ctx context.Context) (eventBus, func(), error) {
	if strings.TrimSpace(os.Getenv("REDIS_URL")) == "" {
		log.Printf("REDIS_URL not set, using in-memory loopback bus")
		mem := bus.NewInMemoryBus(0)
		return eventBus{publisher: mem, consumer: mem}, func() { mem.Close() }, nil
	}

	cfg, err := config.LoadRedis()
	if err != nil {
		return eventBus{}, nil, err
	}

	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return eventBus{}, nil, err
	}

	outbound := bus.NewRedisStreamBus(client, cfg.OutboundStream, cfg.StreamMaxLen)
	inbound := bus.NewRedisStreamBus(client, cfg.InboundStream, 0)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Printf("close redis client: %v", err)
		}
	}
	return eventBus{publisher: outbound, consumer: inbound}, cleanup, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
