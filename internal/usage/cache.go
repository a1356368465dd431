// internal/usage/cache.go
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// cacheSize bounds the number of distinct date ranges kept. Summaries are
// small; the UI only ever asks for a handful of ranges.
const cacheSize = 32

// ComputeFunc produces a summary for a date range.
type ComputeFunc func(ctx context.Context, startMs, endMs int64) (*Summary, error)

type cacheEntry struct {
	summary   *Summary
	fetchedAt time.Time
}

// Cache fronts summary computation with a freshness window and single-flight
// recomputation. A hit younger than the TTL returns immediately; concurrent
// misses for the same range share one computation; a failed recomputation
// falls back to the last good value when one exists.
type Cache struct {
	ttl     time.Duration
	compute ComputeFunc
	now     func() time.Time

	group   singleflight.Group
	entries *lru.Cache[string, cacheEntry]
}

func NewCache(ttl time.Duration, compute ComputeFunc) *Cache {
	entries, _ := lru.New[string, cacheEntry](cacheSize)
	return &Cache{
		ttl:     ttl,
		compute: compute,
		now:     time.Now,
		entries: entries,
	}
}

func rangeKey(startMs, endMs int64) string {
	return fmt.Sprintf("%d:%d", startMs, endMs)
}

// Summary returns the cached summary for the range when fresh, otherwise
// recomputes it. Freshness is sacrificed for availability: a recomputation
// failure returns the stale value when one exists, and only propagates the
// error when the cache holds nothing for the range.
func (c *Cache) Summary(ctx context.Context, startMs, endMs int64) (*Summary, error) {
	key := rangeKey(startMs, endMs)

	if entry, ok := c.entries.Get(key); ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.summary, nil
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a caller that queued behind a completed
		// computation takes its result instead of starting another.
		if entry, ok := c.entries.Get(key); ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.summary, nil
		}
		summary, err := c.compute(ctx, startMs, endMs)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, cacheEntry{summary: summary, fetchedAt: c.now()})
		return summary, nil
	})
	if err != nil {
		if entry, ok := c.entries.Get(key); ok {
			slog.Warn("usage recomputation failed, serving stale summary",
				"range", key, "age", c.now().Sub(entry.fetchedAt), "error", err)
			return entry.summary, nil
		}
		return nil, err
	}
	return result.(*Summary), nil
}

// Invalidate drops every cached range. Called after writes that change
// historical usage, e.g. transcript imports.
func (c *Cache) Invalidate() {
	c.entries.Purge()
}
