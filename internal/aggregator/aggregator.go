// Package aggregator implements the gateway's client-side cache and
// batching layer in front of the Service Control client (C5): a
// check-decision cache, a windowed quota aggregator, and a report
// batcher, all driven by one shared periodic timer.
package aggregator

import (
	"context"
	"time"
)

// DefaultTickInterval is the resolution of the shared periodic timer
// driving check-cache refresh, quota-window flush, and report-batch
// flush.
const DefaultTickInterval = 100 * time.Millisecond

// Aggregator owns one CheckCache, one QuotaAggregator, and one
// ReportBatcher, ticking all three from a single background goroutine —
// spec's "three aggregation modes share a single periodic timer."
type Aggregator struct {
	Check  *CheckCache
	Quota  *QuotaAggregator
	Report *ReportBatcher

	tickInterval time.Duration
	cancel       context.CancelFunc
	done         chan struct{}
}

// New builds an Aggregator wiring the three components. Any of check,
// quota, report may be nil if that mode is unused.
func New(check *CheckCache, quota *QuotaAggregator, report *ReportBatcher) *Aggregator {
	return &Aggregator{Check: check, Quota: quota, Report: report, tickInterval: DefaultTickInterval}
}

// Start begins the shared flush loop. Safe to call once; call Stop to
// terminate it.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.tick()
			}
		}
	}()
}

func (a *Aggregator) tick() {
	now := time.Now()
	if a.Check != nil {
		a.Check.sweepStale(now)
	}
	if a.Quota != nil {
		a.Quota.flushDue(now)
	}
	if a.Report != nil {
		a.Report.flushDue(now)
	}
}

// Stop cancels the flush loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}
