// Package redis provides Redis-backed implementations of the trust anchor
// store and the nonce store for distributed deployments.
//
// This package requires a Redis client to be passed in, giving you full control
// over connection pooling, timeouts, and clustering configuration.
//
// Supported Redis clients:
//   - github.com/redis/go-redis/v9 (through a thin adapter)
//   - Any client implementing the Cmdable interface
package redis

import (
	"context"
	"time"
)

// Cmdable is the subset of Redis commands used by the stores.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	Del(ctx context.Context, keys ...string) IntCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}

// isNil checks if the error is a redis.Nil error.
// We check the error string to avoid importing go-redis directly.
func isNil(err error) bool {
	return err != nil && err.Error() == "redis: nil"
}
