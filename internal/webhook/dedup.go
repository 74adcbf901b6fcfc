package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "plansync:webhook:"

// RedisDeduper claims event ids with SETNX. Claims expire after ttl, which
// should outlast the gateway's redelivery window.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// ConnectRedis parses url and pings the server.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	ok, err := d.client.SetNX(ctx, redisKeyPrefix+eventID, eventType, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", eventID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, redisKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("release %s: %w", eventID, err)
	}
	return nil
}

// EventPruner deletes claims older than a cutoff.
type EventPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Prune removes stale rows from the persisted dedup table every interval
// until ctx is done.
func Prune(ctx context.Context, p EventPruner, retention, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.DeleteBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("prune webhook events", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned webhook events", "count", n)
			}
		}
	}
}
