// Package cache keeps the latest verification report per series in Redis so
// the API can answer report reads without touching SQLite.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/lox/wandiskill/internal/verify"
)

// DefaultTTL bounds how long a cached report survives without a refresh.
const DefaultTTL = 24 * time.Hour

// ReportCache stores the latest report for a series.
type ReportCache interface {
	Get(ctx context.Context, site, variable string) (*verify.Report, error)
	Set(ctx context.Context, r *verify.Report) error
	Delete(ctx context.Context, site, variable string) error
}

// Redis is a ReportCache backed by a Redis client.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps client. A non-positive ttl uses DefaultTTL.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Key returns the Redis key holding the latest report of a series.
func Key(site, variable string) string {
	return fmt.Sprintf("wandiskill:report:%s:%s", site, variable)
}

// Get returns the cached report, or nil when nothing is cached.
func (c *Redis) Get(ctx context.Context, site, variable string) (*verify.Report, error) {
	data, err := c.client.Get(ctx, Key(site, variable)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached report: %w", err)
	}
	return decode(data)
}

// Set caches r under its series key, retrying transient Redis errors briefly.
func (c *Redis) Set(ctx context.Context, r *verify.Report) error {
	data, err := encode(r)
	if err != nil {
		return err
	}

	operation := func() error {
		return c.client.Set(ctx, Key(r.Site, r.Variable), data, c.ttl).Err()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("set cached report: %w", err)
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, site, variable string) error {
	return c.client.Del(ctx, Key(site, variable)).Err()
}

func encode(r *verify.Report) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*verify.Report, error) {
	var r verify.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
