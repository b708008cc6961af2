// Package toolcache provides the storage backends for the idempotency
// result cache: an in-memory store with TTL-based eviction and a
// Redis-backed store for the optional distributed deployment. Stores only
// hold entries; coalescing and key derivation live in the cache middleware.
package toolcache

import (
	"context"
	"time"
)

// Entry is one cached tool result.
type Entry struct {
	Key         string    `json:"key"`
	ToolName    string    `json:"tool_name"`
	ToolVersion string    `json:"tool_version,omitempty"`
	Value       any       `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HitCount    int       `json:"hit_count"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// Store is the backend interface. Get returns (nil, nil) on a miss; an
// error from any method means the backend is unhealthy and callers must
// degrade to a miss, never surface the error to the tool caller.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
