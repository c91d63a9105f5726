package aggregator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rat-data/scgateway/internal/aggregator"
	"github.com/rat-data/scgateway/internal/scpb"
	"github.com/stretchr/testify/assert"
)

func TestReportBatcher_FlushesOnThreshold(t *testing.T) {
	var calls int32
	var gotOps int32
	send := func(ctx context.Context, req scpb.ReportRequest) error {
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&gotOps, int32(len(req.Operations)))
		return nil
	}
	rb := aggregator.NewReportBatcher(send, "svc", "cfg-1", time.Hour, 3, 5, nil)

	for i := 0; i < 3; i++ {
		rb.Enqueue(scpb.ReportOperation{Operation: scpb.Operation{OperationID: "op"}})
	}

	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
	assert.EqualValues(t, 3, atomic.LoadInt32(&gotOps))
}

func TestReportBatcher_FlushesOnTick(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, req scpb.ReportRequest) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	rb := aggregator.NewReportBatcher(send, "svc", "cfg-1", 10*time.Millisecond, 100, 5, nil)
	rb.Enqueue(scpb.ReportOperation{Operation: scpb.Operation{OperationID: "op"}})

	agg := aggregator.New(nil, nil, rb)
	agg.Start(context.Background())
	defer agg.Stop()

	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) >= 1 })
}

func TestReportBatcher_CoalescesWhileUnhealthy(t *testing.T) {
	var calls int32
	send := func(ctx context.Context, req scpb.ReportRequest) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return errors.New("transport unhealthy")
		}
		return nil
	}
	rb := aggregator.NewReportBatcher(send, "svc", "cfg-1", time.Hour, 1, 0, nil)

	rb.Enqueue(scpb.ReportOperation{Operation: scpb.Operation{OperationID: "op-1"}})
	waitUntil(t, func() bool { return atomic.LoadInt32(&calls) == 1 })

	// Transport now unhealthy; repeated enqueues for the same id coalesce
	// instead of growing the buffer.
	for i := 0; i < 5; i++ {
		rb.Enqueue(scpb.ReportOperation{Operation: scpb.Operation{OperationID: "op-1"}})
	}
	assert.Equal(t, 1, rb.Len())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
