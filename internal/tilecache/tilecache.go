// Package tilecache is the bounded in-process LRU of tile bytes plus the
// parallel fetch worker pool (§4.2). Grounded on the teacher's
// internal/cache/tilecache.go (LRU index + background eviction goroutine
// shape), but backed by github.com/hashicorp/golang-lru/v2 instead of a
// hand-rolled map + bubble-sort eviction -- the teacher's own go.mod
// already carries golang-lru as an indirect dependency; this wires it
// directly instead of reinventing bounded-LRU bookkeeping.
package tilecache

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"imagerypipeline/internal/model"
)

// Stats mirrors §4.2's per-fetch stats.
type Stats struct {
	Requests        int64
	Hits            int64
	Misses          int64
	TotalFetchNanos int64
	MaxConcurrent   int64
}

func (s Stats) AverageFetchMillis() float64 {
	if s.Misses == 0 {
		return 0
	}
	return float64(s.TotalFetchNanos) / float64(s.Misses) / float64(time.Millisecond)
}

// PublicURLResolver resolves a tile key to a fetchable URL, implemented by
// objectstore.Store.PublicURL.
type PublicURLResolver interface {
	PublicURL(key string) (string, bool)
}

// Cache is the process-global tile LRU + fetch pool singleton (§5).
type Cache struct {
	lru *lru.Cache[string, []byte]

	resolver PublicURLResolver
	client   *http.Client
	workers  int

	mu    sync.Mutex // guards stats; lru itself is internally synchronized
	stats Stats

	concurrent atomic.Int64
}

// New creates a tile cache with capacity entries and a fetch pool of
// `workers` goroutines (defaults: 500 / 50 per §6).
func New(capacity, workers int, resolver PublicURLResolver) (*Cache, error) {
	if capacity <= 0 {
		capacity = 500
	}
	if workers <= 0 {
		workers = 50
	}
	c, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("tilecache: %w", err)
	}
	return &Cache{
		lru:      c,
		resolver: resolver,
		workers:  workers,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}, nil
}

func cacheKey(k model.TileKey) string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", k.DatasetID, k.Z, k.X, k.Y, k.Format)
}

// Get returns cached bytes for key, touching LRU recency on hit.
func (c *Cache) Get(key model.TileKey) ([]byte, bool) {
	data, ok := c.lru.Get(cacheKey(key))
	c.mu.Lock()
	c.stats.Requests++
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
	return data, ok
}

// Put stores bytes for key, evicting the oldest entry on overflow (handled
// internally by golang-lru).
func (c *Cache) Put(key model.TileKey, data []byte) {
	c.lru.Add(cacheKey(key), data)
}

// Clear empties the cache, optionally scoped to a single dataset, and
// returns the number of entries removed.
func (c *Cache) Clear(datasetID string) int {
	if datasetID == "" {
		n := c.lru.Len()
		c.lru.Purge()
		return n
	}
	removed := 0
	for _, k := range c.lru.Keys() {
		if hasDatasetPrefix(k, datasetID) {
			c.lru.Remove(k)
			removed++
		}
	}
	return removed
}

func hasDatasetPrefix(cacheKey, datasetID string) bool {
	prefix := datasetID + "/"
	return len(cacheKey) >= len(prefix) && cacheKey[:len(prefix)] == prefix
}

// MaxBatch is the §4.2/§8 cap on a single fetch_many request.
const MaxBatch = 100

// ErrTooManyKeys is returned when a FetchMany request exceeds MaxBatch.
var ErrTooManyKeys = fmt.Errorf("tilecache: batch exceeds %d keys", MaxBatch)

// FetchMany resolves keys from cache where possible and dispatches the
// remainder to the bounded worker pool against ObjectStore's public URL,
// caching successful fetches. Overall per-future wait is bounded to 15s
// per §5 via the context passed in by the caller.
func (c *Cache) FetchMany(ctx context.Context, keys []model.TileKey) (map[model.TileKey][]byte, error) {
	if len(keys) > MaxBatch {
		return nil, ErrTooManyKeys
	}

	result := make(map[model.TileKey][]byte, len(keys))
	var mu sync.Mutex
	var missing []model.TileKey

	for _, k := range keys {
		if data, ok := c.Get(k); ok {
			mu.Lock()
			result[k] = data
			mu.Unlock()
		} else {
			missing = append(missing, k)
		}
	}

	if len(missing) == 0 {
		return result, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, k := range missing {
		k := k
		g.Go(func() error {
			data, err := c.fetchOne(gctx, k)
			if err != nil {
				return nil // per §4.2/§7: a miss is not a batch-level failure
			}
			c.Put(k, data)
			mu.Lock()
			result[k] = data
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Cache) fetchOne(ctx context.Context, k model.TileKey) ([]byte, error) {
	url, ok := c.resolver.PublicURL(cacheKey(k))
	if !ok {
		return nil, fmt.Errorf("tilecache: no public url for %v", k)
	}

	cur := c.concurrent.Add(1)
	defer c.concurrent.Add(-1)
	c.mu.Lock()
	if cur > c.stats.MaxConcurrent {
		c.stats.MaxConcurrent = cur
	}
	c.mu.Unlock()

	start := time.Now()
	var data []byte
	err := doWithRetry(ctx, c.client, url, &data)
	c.mu.Lock()
	c.stats.TotalFetchNanos += int64(time.Since(start))
	c.mu.Unlock()
	return data, err
}

// doWithRetry performs the HTTP GET with up to 3 attempts and exponential
// backoff on 5xx, per §4.2.
func doWithRetry(ctx context.Context, client *http.Client, url string, out *[]byte) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(300*(1<<uint(attempt-1))) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("tilecache: fetch %s: status %d", url, resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("tilecache: fetch %s: status %d", url, resp.StatusCode)
		}
		*out = body
		return nil
	}
	return lastErr
}

// Stats returns a snapshot of fetch statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
