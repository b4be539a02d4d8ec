// Package cache stores computed permission payloads behind a small key/value contract.
// Values are immutable byte payloads, so concurrent writers race only on which complete
// value wins.
package cache

import (
	"context"
	"time"
)

// Cache is the contract the permission engine caches through. Get reports a miss with
// ok=false and a nil error. Failures wrap shared.ErrCache.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	// Incr atomically increments a counter that never expires and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
}

// Nop disables caching: every read misses and every write is dropped.
type Nop struct{}

var _ Cache = Nop{}

func (Nop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Invalidate(context.Context, ...string) error              { return nil }
func (Nop) InvalidatePrefix(context.Context, string) error           { return nil }
func (Nop) Incr(context.Context, string) (int64, error)              { return 0, nil }
