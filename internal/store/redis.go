package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the side-effect queue and health reporting only; no door
// decision ever waits on it. Timeouts stay short so a Redis outage degrades
// to dropped side effects instead of stalled scans.
type Redis struct {
	Client *redis.Client
}

// NewRedis builds the client. Connectivity is not verified here; the queue
// consumer and /healthz surface failures at their own pace.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     8,
		MinIdleConns: 1,
	})
	return &Redis{Client: client}
}

// Healthy reports whether Redis answers a ping.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}
