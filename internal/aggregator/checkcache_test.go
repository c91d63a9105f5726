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
	"github.com/stretchr/testify/require"
)

func TestCheckCache_MissFetchesAndCachesFresh(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		atomic.AddInt32(&calls, 1)
		return scpb.CheckResponse{}, nil
	}
	cc := aggregator.NewCheckCache(fetch, aggregator.CheckCacheOptions{TTL: time.Hour}, nil)

	r1 := cc.Get(context.Background(), "k", scpb.CheckRequest{})
	require.NoError(t, r1.Err)
	r2 := cc.Get(context.Background(), "k", scpb.CheckRequest{})
	require.NoError(t, r2.Err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second Get should hit the cache, not refetch")
}

func TestCheckCache_ConcurrentMissesCoalesceIntoOneFetch(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return scpb.CheckResponse{}, nil
	}
	cc := aggregator.NewCheckCache(fetch, aggregator.CheckCacheOptions{TTL: time.Hour}, nil)

	results := make(chan aggregator.CheckResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- cc.Get(context.Background(), "shared-key", scpb.CheckRequest{})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.Err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "concurrent misses on the same key must coalesce")
}

func TestCheckCache_NetworkFailOpen(t *testing.T) {
	fetch := func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		return scpb.CheckResponse{}, errors.New("control plane unreachable")
	}
	cc := aggregator.NewCheckCache(fetch, aggregator.CheckCacheOptions{NetworkFailOpen: true}, nil)

	r := cc.Get(context.Background(), "k", scpb.CheckRequest{})
	assert.NoError(t, r.Err)
	assert.True(t, r.FailedOpen)
}

func TestCheckCache_NetworkFailClosed(t *testing.T) {
	fetch := func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		return scpb.CheckResponse{}, errors.New("control plane unreachable")
	}
	cc := aggregator.NewCheckCache(fetch, aggregator.CheckCacheOptions{NetworkFailOpen: false}, nil)

	r := cc.Get(context.Background(), "k", scpb.CheckRequest{})
	assert.Error(t, r.Err)
	assert.False(t, r.FailedOpen)
}

func TestCheckCache_StaleEntryServedWhileRefreshing(t *testing.T) {
	var calls int32
	blockSecond := make(chan struct{})
	fetch := func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			<-blockSecond
		}
		return scpb.CheckResponse{}, nil
	}
	cc := aggregator.NewCheckCache(fetch, aggregator.CheckCacheOptions{TTL: 10 * time.Millisecond}, nil)

	r1 := cc.Get(context.Background(), "k", scpb.CheckRequest{})
	require.NoError(t, r1.Err)

	time.Sleep(20 * time.Millisecond) // entry goes stale

	r2 := cc.Get(context.Background(), "k", scpb.CheckRequest{})
	require.NoError(t, r2.Err, "stale entry should still be served immediately")
	close(blockSecond)
}

func TestCheckCache_CapacityEvictsOldest(t *testing.T) {
	fetch := func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		return scpb.CheckResponse{}, nil
	}
	cc := aggregator.NewCheckCache(fetch, aggregator.CheckCacheOptions{Capacity: 2, TTL: time.Hour}, nil)

	cc.Get(context.Background(), "a", scpb.CheckRequest{})
	cc.Get(context.Background(), "b", scpb.CheckRequest{})
	cc.Get(context.Background(), "c", scpb.CheckRequest{})

	assert.Equal(t, 2, cc.Len())
}
