package middleware

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"toolexec/execconfig"
	"toolexec/tool"
	"toolexec/toolcache"
)

// CacheMiddleware serves repeated calls from the idempotency cache and
// coalesces concurrent identical calls into one underlying execution.
// Only successful results are cached; backend errors downgrade to a miss.
type CacheMiddleware struct {
	store toolcache.Store
	ttl   time.Duration
	group singleflight.Group

	// version resolves a tool's version for cache-key scoping; nil means
	// versions do not participate in keys.
	version func(toolName string) string
}

// NewCacheMiddleware builds the cache wrapper. version may be nil.
func NewCacheMiddleware(store toolcache.Store, cfg execconfig.CacheConfig, version func(string) string) *CacheMiddleware {
	return &CacheMiddleware{
		store:   store,
		ttl:     cfg.TTL,
		version: version,
	}
}

func (m *CacheMiddleware) Name() string { return "cache" }

func (m *CacheMiddleware) cacheKey(call *tool.Call) string {
	key := call.IdempotencyKey()
	if m.version != nil {
		if v := m.version(call.Tool); v != "" {
			key += ":" + v
		}
	}
	return key
}

func (m *CacheMiddleware) Execute(ctx context.Context, call *tool.Call, next Handler) *tool.Result {
	key := m.cacheKey(call)
	lookupStart := time.Now()

	entry, err := m.store.Get(ctx, key)
	if err != nil {
		log.Printf("Cache lookup failed for %s, treating as miss: %v", call.Tool, err)
	}
	if entry != nil {
		return cachedResult(call, lookupStart, entry.Value)
	}

	// Coalesce concurrent identical calls: only the first runs, the rest
	// await its outcome and observe it as a cache hit.
	ran := false
	v, err, shared := m.group.Do(key, func() (any, error) {
		ran = true
		result := next(ctx, call)
		if result.Success {
			m.writeThrough(ctx, key, call, result)
		}
		return result, nil
	})
	if err != nil {
		// The singleflight fn never returns an error; this is defensive
		// against a panicking tool propagated by the group.
		result := next(ctx, call)
		if result.Success {
			m.writeThrough(ctx, key, call, result)
		}
		return result
	}

	result := v.(*tool.Result)
	if shared && !ran && result.Success {
		return cachedResult(call, lookupStart, result.Result)
	}
	if result.CallID != call.CallID {
		// The coalesced leader ran under a different call id; re-stamp.
		copied := *result
		copied.CallID = call.CallID
		return &copied
	}
	return result
}

// writeThrough stores a successful result. Failures only log: the cache
// must never surface backend errors to the caller.
func (m *CacheMiddleware) writeThrough(ctx context.Context, key string, call *tool.Call, result *tool.Result) {
	now := time.Now()
	entry := &toolcache.Entry{
		Key:       key,
		ToolName:  call.Tool,
		Value:     result.Result,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if m.version != nil {
		entry.ToolVersion = m.version(call.Tool)
	}
	if err := m.store.Set(ctx, key, entry); err != nil {
		log.Printf("Cache write failed for %s: %v", call.Tool, err)
	}
}

// cachedResult builds the hit-shaped result: cached=true, attempts=0, and
// duration reflecting only the lookup.
func cachedResult(call *tool.Call, lookupStart time.Time, value any) *tool.Result {
	r := &tool.Result{
		CallID:    call.CallID,
		Tool:      call.Tool,
		Success:   true,
		Result:    value,
		StartTime: lookupStart,
		Attempts:  0,
		Cached:    true,
	}
	r.Finish()
	return r
}
