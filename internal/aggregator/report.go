package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rat-data/scgateway/internal/scpb"
)

// DefaultReportFlushInterval is the default periodic flush cadence.
const DefaultReportFlushInterval = time.Second

// DefaultReportThreshold flushes immediately once the buffer reaches
// this many pending operations, without waiting for the next tick.
const DefaultReportThreshold = 100

// DefaultReportRetries is the retry budget for one flush attempt.
const DefaultReportRetries = 5

// ReportFunc sends one batched report call. Reports are fire-and-forget:
// the gateway does not act on a successful response beyond marking the
// transport healthy.
type ReportFunc func(ctx context.Context, req scpb.ReportRequest) error

// ReportBatcher accumulates report operations and flushes them in
// batches, fire-and-forget, with bounded retries. While the transport is
// unhealthy (the previous flush failed), repeated operations for the
// same operation id are coalesced in place instead of growing the
// buffer unbounded.
type ReportBatcher struct {
	send            ReportFunc
	serviceName     string
	serviceConfigID string
	flushInterval   time.Duration
	threshold       int
	retries         uint
	logger          *slog.Logger

	mu        sync.Mutex
	buffer    []scpb.ReportOperation
	index     map[string]int // operation id -> index in buffer, used only while unhealthy
	healthy   bool
	lastFlush time.Time
	flushing  bool
}

// NewReportBatcher builds a ReportBatcher backed by send.
func NewReportBatcher(send ReportFunc, serviceName, serviceConfigID string, flushInterval time.Duration, threshold int, retries uint, logger *slog.Logger) *ReportBatcher {
	if flushInterval <= 0 {
		flushInterval = DefaultReportFlushInterval
	}
	if threshold <= 0 {
		threshold = DefaultReportThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportBatcher{
		send:            send,
		serviceName:     serviceName,
		serviceConfigID: serviceConfigID,
		flushInterval:   flushInterval,
		threshold:       threshold,
		retries:         retries,
		logger:          logger,
		healthy:         true,
		index:           make(map[string]int),
	}
}

// Enqueue adds op to the pending batch. It never blocks on a network
// call and never drops op due to backpressure; while unhealthy it
// coalesces by operation id instead of growing the buffer.
func (b *ReportBatcher) Enqueue(op scpb.ReportOperation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.healthy {
		if i, ok := b.index[op.Operation.OperationID]; ok {
			b.buffer[i] = op
			return
		}
		b.index[op.Operation.OperationID] = len(b.buffer)
	}
	b.buffer = append(b.buffer, op)

	if len(b.buffer) >= b.threshold && !b.flushing {
		b.flushing = true
		batch := b.takeLocked()
		go b.flush(batch)
	}
}

// flushDue is invoked by the shared aggregator ticker.
func (b *ReportBatcher) flushDue(now time.Time) {
	b.mu.Lock()
	if b.flushing || len(b.buffer) == 0 || now.Sub(b.lastFlush) < b.flushInterval {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	batch := b.takeLocked()
	b.mu.Unlock()

	go b.flush(batch)
}

// takeLocked snapshots and clears the buffer. Caller must hold b.mu.
func (b *ReportBatcher) takeLocked() []scpb.ReportOperation {
	batch := b.buffer
	b.buffer = nil
	b.index = make(map[string]int)
	return batch
}

func (b *ReportBatcher) flush(batch []scpb.ReportOperation) {
	req := scpb.ReportRequest{ServiceName: b.serviceName, ServiceConfigID: b.serviceConfigID, Operations: batch}

	var err error
	for attempt := uint(0); attempt <= b.retries; attempt++ {
		err = b.send(context.Background(), req)
		if err == nil {
			break
		}
	}

	b.mu.Lock()
	b.flushing = false
	if err != nil {
		b.logger.Warn("report batcher: flush failed, coalescing until next refresh", "error", err, "operations", len(batch))
		b.healthy = false
		// Requeue the failed batch ahead of anything enqueued meanwhile,
		// rebuilding the coalescing index over the combined set.
		b.buffer = append(batch, b.buffer...)
		b.index = make(map[string]int)
		for i, op := range b.buffer {
			b.index[op.Operation.OperationID] = i
		}
	} else {
		b.healthy = true
		b.lastFlush = time.Now()
	}
	b.mu.Unlock()
}

// Len reports the number of buffered operations, for tests and
// diagnostics.
func (b *ReportBatcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
