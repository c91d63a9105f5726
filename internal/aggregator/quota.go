package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rat-data/scgateway/internal/scpb"
)

// DefaultQuotaWindow is the default aggregation window for allocate-
// quota requests sharing an (operation, consumer) key.
const DefaultQuotaWindow = time.Second

// DefaultQuotaRetries is the retry budget for a quota window flush.
const DefaultQuotaRetries = 1

// QuotaFunc issues one remote allocateQuota call.
type QuotaFunc func(ctx context.Context, req scpb.QuotaRequest) (scpb.QuotaResponse, error)

// QuotaResult is the outcome of an aggregated allocate-quota call.
type QuotaResult struct {
	Response   scpb.QuotaResponse
	Err        error
	FailedOpen bool
}

type quotaWaiter chan QuotaResult

type quotaWindow struct {
	req       scpb.QuotaRequest
	createdAt time.Time
	waiters   []quotaWaiter
}

// QuotaAggregator coalesces allocate-quota requests sharing a key into
// one remote call per window. Quota is always fail-open: a
// control-plane error after the retry budget is exhausted permits the
// request.
type QuotaAggregator struct {
	allocate QuotaFunc
	window   time.Duration
	retries  uint
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*quotaWindow
}

// NewQuotaAggregator builds a QuotaAggregator backed by allocate.
func NewQuotaAggregator(allocate QuotaFunc, window time.Duration, retries uint, logger *slog.Logger) *QuotaAggregator {
	if window <= 0 {
		window = DefaultQuotaWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaAggregator{
		allocate: allocate,
		window:   window,
		retries:  retries,
		logger:   logger,
		pending:  make(map[string]*quotaWindow),
	}
}

// Allocate enqueues req under key and blocks until the window it lands
// in is flushed (or ctx is cancelled). Costs for repeated metric names
// within one window are summed.
func (a *QuotaAggregator) Allocate(ctx context.Context, key string, req scpb.QuotaRequest) QuotaResult {
	ch := make(quotaWaiter, 1)

	a.mu.Lock()
	w, ok := a.pending[key]
	if !ok {
		w = &quotaWindow{req: req, createdAt: time.Now()}
		a.pending[key] = w
	} else {
		w.req = mergeQuotaRequest(w.req, req)
	}
	w.waiters = append(w.waiters, ch)
	a.mu.Unlock()

	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return QuotaResult{Err: ctx.Err()}
	}
}

func mergeQuotaRequest(existing, incoming scpb.QuotaRequest) scpb.QuotaRequest {
	costs := make(map[string]int64)
	for _, mv := range existing.AllocateOperation.QuotaMetrics {
		costs[mv.MetricName] += mv.Cost
	}
	for _, mv := range incoming.AllocateOperation.QuotaMetrics {
		costs[mv.MetricName] += mv.Cost
	}
	merged := incoming
	merged.AllocateOperation.QuotaMetrics = nil
	for name, cost := range costs {
		merged.AllocateOperation.QuotaMetrics = append(merged.AllocateOperation.QuotaMetrics, scpb.MetricValue{MetricName: name, Cost: cost})
	}
	return merged
}

// flushDue is invoked by the shared aggregator ticker; it flushes every
// window older than the configured window duration.
func (a *QuotaAggregator) flushDue(now time.Time) {
	var due []*quotaWindow
	a.mu.Lock()
	for key, w := range a.pending {
		if now.Sub(w.createdAt) >= a.window {
			due = append(due, w)
			delete(a.pending, key)
		}
	}
	a.mu.Unlock()

	for _, w := range due {
		go a.flush(w)
	}
}

func (a *QuotaAggregator) flush(w *quotaWindow) {
	ctx := context.Background()
	var resp scpb.QuotaResponse
	var err error
	for attempt := uint(0); attempt <= a.retries; attempt++ {
		resp, err = a.allocate(ctx, w.req)
		if err == nil {
			break
		}
	}

	var result QuotaResult
	if err != nil {
		a.logger.Warn("quota aggregator: control-plane error, failing open", "error", err)
		result = QuotaResult{FailedOpen: true}
	} else {
		result = QuotaResult{Response: resp}
	}

	for _, ch := range w.waiters {
		ch <- result
	}
}

// Pending reports the number of open windows, for tests and diagnostics.
func (a *QuotaAggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
