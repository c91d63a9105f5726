// Package stats registers the gateway's Prometheus metrics: the
// allowed/denied request counters, per-RPC status counters, latency
// histograms, and path-matcher/path-rewrite outcome counters. The
// teacher's own HandleMetrics hand-rolls Prometheus text exposition and
// explicitly calls out prometheus/client_golang as the real answer for
// histogram support — this package takes that up.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the gateway emits. Construct one with
// New and register it with a *prometheus.Registry (or the default
// registerer) at startup.
type Registry struct {
	Allowed                  prometheus.Counter
	Denied                   prometheus.Counter
	AllowedControlPlaneFault prometheus.Counter
	DeniedControlPlaneFault  prometheus.Counter
	DeniedConsumerBlocked    prometheus.Counter
	DeniedConsumerError      prometheus.Counter
	DeniedConsumerQuota      prometheus.Counter
	DeniedProducerError      prometheus.Counter

	// RPCStatus is keyed by (rpc, code): rpc is one of
	// "check"/"allocate_quota"/"report".
	RPCStatus *prometheus.CounterVec

	RequestTime  prometheus.Histogram
	BackendTime  prometheus.Histogram
	OverheadTime prometheus.Histogram

	PathMatcherAllowed prometheus.Counter
	PathMatcherDenied  prometheus.Counter

	PathRewriteChanged   prometheus.Counter
	PathRewriteUnchanged prometheus.Counter
	PathRewriteDeniedBy  *prometheus.CounterVec
}

// New builds a Registry. namespace prefixes every metric name (e.g.
// "service_control"), matching the "service_control.<name>" dotted
// names in the metrics menu translated to Prometheus's underscore
// convention.
func New(namespace string) *Registry {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	}

	return &Registry{
		Allowed:                  counter("allowed", "Requests allowed by service control."),
		Denied:                   counter("denied", "Requests denied by service control."),
		AllowedControlPlaneFault: counter("allowed_control_plane_fault", "Requests allowed despite a control-plane fault (fail-open)."),
		DeniedControlPlaneFault:  counter("denied_control_plane_fault", "Requests denied due to a control-plane fault (fail-closed)."),
		DeniedConsumerBlocked:    counter("denied_consumer_blocked", "Requests denied: consumer blocked (IP/referer/app/target)."),
		DeniedConsumerError:      counter("denied_consumer_error", "Requests denied: consumer error."),
		DeniedConsumerQuota:      counter("denied_consumer_quota", "Requests denied: quota exhausted."),
		DeniedProducerError:      counter("denied_producer_error", "Requests denied: producer/control-plane error."),

		RPCStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rpc_status", Help: "Outcome of each Service Control RPC by name and gRPC status code.",
		}, []string{"rpc", "code"}),

		RequestTime:  histogram("request_time_seconds", "End-to-end request handling latency.", prometheus.DefBuckets),
		BackendTime:  histogram("backend_time_seconds", "Backend latency as observed by the handler.", prometheus.DefBuckets),
		OverheadTime: histogram("overhead_time_seconds", "Gateway-added overhead latency.", prometheus.DefBuckets),

		PathMatcherAllowed: counter("path_matcher_allowed", "Requests whose path matched a configured operation."),
		PathMatcherDenied:  counter("path_matcher_denied", "Requests whose path matched no configured operation."),

		PathRewriteChanged:   counter("path_rewrite_changed", "Requests whose path was rewritten before forwarding."),
		PathRewriteUnchanged: counter("path_rewrite_unchanged", "Requests forwarded with their original path."),
		PathRewriteDeniedBy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "path_rewrite_denied", Help: "Requests denied during path rewriting, by reason.",
		}, []string{"reason"}),
	}
}

// MustRegister registers every metric in r against reg. Panics on a
// duplicate registration, matching prometheus.MustRegister's contract.
func (r *Registry) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		r.Allowed, r.Denied, r.AllowedControlPlaneFault, r.DeniedControlPlaneFault,
		r.DeniedConsumerBlocked, r.DeniedConsumerError, r.DeniedConsumerQuota, r.DeniedProducerError,
		r.RPCStatus, r.RequestTime, r.BackendTime, r.OverheadTime,
		r.PathMatcherAllowed, r.PathMatcherDenied,
		r.PathRewriteChanged, r.PathRewriteUnchanged, r.PathRewriteDeniedBy,
	)
}

// RecordDecision tallies one request outcome using the sccode-style
// counter name (e.g. "denied_consumer_quota") produced by C9.
func (r *Registry) RecordDecision(counter string) {
	switch counter {
	case "allowed":
		r.Allowed.Inc()
	case "denied_control_plane_fault":
		r.DeniedControlPlaneFault.Inc()
		r.Denied.Inc()
	case "denied_consumer_blocked":
		r.DeniedConsumerBlocked.Inc()
		r.Denied.Inc()
	case "denied_consumer_error":
		r.DeniedConsumerError.Inc()
		r.Denied.Inc()
	case "denied_consumer_quota":
		r.DeniedConsumerQuota.Inc()
		r.Denied.Inc()
	case "denied_producer_error":
		r.DeniedProducerError.Inc()
		r.Denied.Inc()
	default:
		r.Denied.Inc()
	}
}
