// Package scwire adapts the typed HTTP call factory (C5, internal/scclient)
// into the three function types the aggregator (C6) calls against: one
// check, one allocateQuota, one report. Each adapter marshals a scpb
// request, dispatches it through the shared Factory, and unmarshals the
// response.
package scwire

import (
	"context"
	"fmt"
	"time"

	"github.com/rat-data/scgateway/internal/aggregator"
	"github.com/rat-data/scgateway/internal/scclient"
	"github.com/rat-data/scgateway/internal/scpb"
)

// timeoutFunc builds a CallOptions.Timeout from a fixed duration; zero
// means no per-call deadline beyond the caller's context.
func timeoutFunc(d time.Duration) func(context.Context) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return nil
	}
	return func(ctx context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, d)
	}
}

// Check returns a CheckFunc dispatching through f with the given timeout
// and retry budget.
func Check(f *scclient.Factory, timeout time.Duration, retries uint) aggregator.CheckFunc {
	return func(ctx context.Context, req scpb.CheckRequest) (scpb.CheckResponse, error) {
		res, err := f.Call(ctx, scclient.CallOptions{
			PathSuffix: ":check",
			Body:       req.Marshal(),
			Timeout:    timeoutFunc(timeout),
			Retries:    retries,
			OpName:     "check",
		})
		if err != nil {
			return scpb.CheckResponse{}, fmt.Errorf("scwire: check: %w", err)
		}
		resp, err := scpb.UnmarshalCheckResponse(res.Body)
		if err != nil {
			return scpb.CheckResponse{}, fmt.Errorf("scwire: check: decoding response: %w", err)
		}
		return resp, nil
	}
}

// Quota returns a QuotaFunc dispatching through f with the given timeout
// and retry budget.
func Quota(f *scclient.Factory, timeout time.Duration, retries uint) aggregator.QuotaFunc {
	return func(ctx context.Context, req scpb.QuotaRequest) (scpb.QuotaResponse, error) {
		res, err := f.Call(ctx, scclient.CallOptions{
			PathSuffix: ":allocateQuota",
			Body:       req.Marshal(),
			Timeout:    timeoutFunc(timeout),
			Retries:    retries,
			OpName:     "allocate_quota",
		})
		if err != nil {
			return scpb.QuotaResponse{}, fmt.Errorf("scwire: allocate_quota: %w", err)
		}
		resp, err := scpb.UnmarshalQuotaResponse(res.Body)
		if err != nil {
			return scpb.QuotaResponse{}, fmt.Errorf("scwire: allocate_quota: decoding response: %w", err)
		}
		return resp, nil
	}
}

// Report returns a ReportFunc dispatching through f with the given
// timeout and retry budget. The response body is discarded: Service
// Control's :report endpoint carries no fields the gateway consumes.
func Report(f *scclient.Factory, timeout time.Duration, retries uint) aggregator.ReportFunc {
	return func(ctx context.Context, req scpb.ReportRequest) error {
		_, err := f.Call(ctx, scclient.CallOptions{
			PathSuffix: ":report",
			Body:       req.Marshal(),
			Timeout:    timeoutFunc(timeout),
			Retries:    retries,
			OpName:     "report",
		})
		if err != nil {
			return fmt.Errorf("scwire: report: %w", err)
		}
		return nil
	}
}
