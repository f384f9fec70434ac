package redisholder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/config"
)

// Build connects to redis, preferring a cluster client and falling back to
// the first reachable single node. A health loop pings the client every
// HealthCheckInterval and rebuilds it on failure until ctx is done.
func Build(ctx context.Context, cfg *config.RedisConfig, log *zap.Logger) (*Holder, error) {
	log = log.Named("redis")

	var cl redis.UniversalClient
	cl, err := newClusterClient(ctx, cfg)
	if err != nil {
		clusterErr := err
		cl, err = newClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		log.Info("cluster client failed; using single-node client", zap.Error(clusterErr))
	}

	h := NewHolder(cl)

	go healthLoop(ctx, h, cfg, log)

	return h, nil
}

func healthLoop(ctx context.Context, h *Holder, cfg *config.RedisConfig, log *zap.Logger) {
	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Info("health loop started", zap.Duration("interval", interval))

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.Get().Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Debug("ping ok")
			return
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("ping failed; attempting reconnect", zap.Error(err))

		// Rebuild client (cluster first, then fallback)
		var newCl redis.UniversalClient
		newCl, newErr := newClusterClient(ctx, cfg)
		if newErr != nil {
			newCl, newErr = newClient(ctx, cfg)
		}
		if newErr != nil {
			log.Error("reconnect failed", zap.Error(newErr))
			return
		}

		old := h.swap(newCl)
		if old != nil {
			_ = old.Close()
		}
		log.Info("reconnected successfully")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			log.Info("health loop stopped", zap.Error(ctx.Err()))
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(ctx context.Context, cfg *config.RedisConfig) (*redis.ClusterClient, error) {
	if len(cfg.Nodes) < 2 {
		return nil, errors.New("cluster needs at least two nodes")
	}

	nodeAddrs := make([]string, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodeAddrs = append(nodeAddrs, node.Addr())
	}

	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          nodeAddrs,
		DialTimeout:    cfg.DialTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
		MaxRetries:     3,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}

	return cl, nil
}

func newClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, node := range cfg.Nodes {
		cl := redis.NewClient(&redis.Options{
			Addr:         node.Addr(),
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", node.Addr(), err)
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}
