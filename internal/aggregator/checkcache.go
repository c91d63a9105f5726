package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rat-data/scgateway/internal/scpb"
)

// DefaultCheckCacheCapacity is the default maximum number of cached
// check decisions.
const DefaultCheckCacheCapacity = 10000

// DefaultCheckTTL is the default freshness window for a cached decision.
const DefaultCheckTTL = 5 * time.Minute

// DefaultCheckRefreshInterval is the default for
// CheckCacheOptions.RefreshInterval. The cache does not read
// RefreshInterval: both Get and the shared ticker start a background
// refresh only once an entry is older than TTL.
const DefaultCheckRefreshInterval = time.Minute

// CheckFunc issues one remote check call. Implementations wrap
// scclient.Factory.Call plus scpb marshal/unmarshal.
type CheckFunc func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error)

// CheckCacheOptions configures a CheckCache. Zero values take the
// package defaults.
type CheckCacheOptions struct {
	Capacity        int
	TTL             time.Duration
	RefreshInterval time.Duration
	// NetworkFailOpen selects whether a control-plane error yields an Ok
	// decision (true, counted as a control-plane-fault allow) or is
	// surfaced as Unavailable (false, counted as a control-plane-fault
	// deny).
	NetworkFailOpen bool
}

func (o CheckCacheOptions) withDefaults() CheckCacheOptions {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCheckCacheCapacity
	}
	if o.TTL <= 0 {
		o.TTL = DefaultCheckTTL
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultCheckRefreshInterval
	}
	return o
}

// CheckResult is the outcome of a CheckCache lookup.
type CheckResult struct {
	Response   scpb.CheckResponse
	Err        error
	// FailedOpen is true when Err is nil only because NetworkFailOpen
	// swallowed a control-plane error.
	FailedOpen bool
}

type checkEntry struct {
	result     CheckResult
	lastReq    scpb.CheckRequest
	fetchedAt  time.Time
	refreshing bool
}

type checkWaiter chan CheckResult

// CheckCache caches check decisions keyed by caller-supplied string
// (typically operation name + consumer id), coalescing concurrent
// misses into a single remote call and serving stale entries while a
// background refresh is in flight.
type CheckCache struct {
	fetch  CheckFunc
	opts   CheckCacheOptions
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*checkEntry
	order   []string
	waiters map[string][]checkWaiter
}

// NewCheckCache builds a CheckCache backed by fetch.
func NewCheckCache(fetch CheckFunc, opts CheckCacheOptions, logger *slog.Logger) *CheckCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckCache{
		fetch:   fetch,
		opts:    opts.withDefaults(),
		logger:  logger,
		entries: make(map[string]*checkEntry),
		waiters: make(map[string][]checkWaiter),
	}
}

// Get returns the cached decision for key if fresh or stale-but-present,
// otherwise performs a single-flight remote check and populates the
// cache. req is only used when a remote call is actually made.
func (c *CheckCache) Get(ctx context.Context, key string, req scpb.CheckRequest) CheckResult {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		stale := now.Sub(e.fetchedAt) >= c.opts.TTL
		result := e.result
		if stale && !e.refreshing {
			e.refreshing = true
			c.mu.Unlock()
			go c.refresh(context.Background(), key, req)
			return result
		}
		c.mu.Unlock()
		return result
	}

	if waiters, inFlight := c.waiters[key]; inFlight {
		ch := make(checkWaiter, 1)
		c.waiters[key] = append(waiters, ch)
		c.mu.Unlock()
		select {
		case r := <-ch:
			return r
		case <-ctx.Done():
			return CheckResult{Err: ctx.Err()}
		}
	}

	c.waiters[key] = nil
	c.mu.Unlock()
	return c.fetchAndPopulate(ctx, key, req)
}

func (c *CheckCache) refresh(ctx context.Context, key string, req scpb.CheckRequest) {
	c.fetchAndPopulate(ctx, key, req)
}

func (c *CheckCache) fetchAndPopulate(ctx context.Context, key string, req scpb.CheckRequest) CheckResult {
	resp, err := c.fetch(ctx, req)
	result := c.toResult(resp, err)

	c.mu.Lock()
	c.setLocked(key, req, result)
	waiters := c.waiters[key]
	delete(c.waiters, key)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- result
	}
	return result
}

func (c *CheckCache) toResult(resp scpb.CheckResponse, err error) CheckResult {
	if err == nil {
		return CheckResult{Response: resp}
	}
	if c.opts.NetworkFailOpen {
		c.logger.Warn("check cache: control-plane error, failing open", "error", err)
		return CheckResult{FailedOpen: true}
	}
	return CheckResult{Err: err}
}

func (c *CheckCache) setLocked(key string, req scpb.CheckRequest, result CheckResult) {
	if e, ok := c.entries[key]; ok {
		e.result = result
		e.lastReq = req
		e.fetchedAt = time.Now()
		e.refreshing = false
		return
	}

	if len(c.entries) >= c.opts.Capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = &checkEntry{result: result, lastReq: req, fetchedAt: time.Now()}
	c.order = append(c.order, key)
}

func (c *CheckCache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// sweepStale is invoked by the shared aggregator ticker; it kicks off a
// background refresh for every stale entry not already refreshing, so
// low-traffic keys still get refreshed without waiting on a Get.
func (c *CheckCache) sweepStale(now time.Time) {
	type refreshJob struct {
		key string
		req scpb.CheckRequest
	}
	var jobs []refreshJob
	c.mu.Lock()
	for key, e := range c.entries {
		if !e.refreshing && now.Sub(e.fetchedAt) >= c.opts.TTL {
			e.refreshing = true
			jobs = append(jobs, refreshJob{key: key, req: e.lastReq})
		}
	}
	c.mu.Unlock()

	for _, j := range jobs {
		go c.refresh(context.Background(), j.key, j.req)
	}
}

// Len reports the number of cached entries, for tests and diagnostics.
func (c *CheckCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
