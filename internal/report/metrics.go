package report

import (
	"time"

	"github.com/rat-data/scgateway/internal/scpb"
)

// Metric name menu, mirroring ESPv2's supported_metrics table.
const (
	metricConsumerRequestCount        = "serviceruntime.googleapis.com/api/consumer/request_count"
	metricProducerRequestCount        = "serviceruntime.googleapis.com/api/producer/request_count"
	metricByConsumerRequestCount      = "serviceruntime.googleapis.com/api/producer/by_consumer/request_count"
	metricConsumerRequestSizes        = "serviceruntime.googleapis.com/api/consumer/request_sizes"
	metricProducerRequestSizes        = "serviceruntime.googleapis.com/api/producer/request_sizes"
	metricByConsumerRequestSizes      = "serviceruntime.googleapis.com/api/producer/by_consumer/request_sizes"
	metricConsumerResponseSizes       = "serviceruntime.googleapis.com/api/consumer/response_sizes"
	metricProducerResponseSizes       = "serviceruntime.googleapis.com/api/producer/response_sizes"
	metricByConsumerResponseSizes     = "serviceruntime.googleapis.com/api/producer/by_consumer/response_sizes"
	metricConsumerTotalLatencies      = "serviceruntime.googleapis.com/api/consumer/total_latencies"
	metricProducerTotalLatencies      = "serviceruntime.googleapis.com/api/producer/total_latencies"
	metricByConsumerTotalLatencies    = "serviceruntime.googleapis.com/api/producer/by_consumer/total_latencies"
	metricProducerBackendLatencies    = "serviceruntime.googleapis.com/api/producer/backend_latencies"
	metricByConsumerBackendLatencies  = "serviceruntime.googleapis.com/api/producer/by_consumer/backend_latencies"
	metricProducerOverheadLatencies   = "serviceruntime.googleapis.com/api/producer/request_overhead_latencies"
	metricByConsumerOverheadLatencies = "serviceruntime.googleapis.com/api/producer/by_consumer/request_overhead_latencies"
)

func int64MetricSet(name string, value int64) scpb.MetricValueSet {
	return scpb.MetricValueSet{MetricName: name, Values: []int64{value}}
}

func distributionMetricSet(name string, d Distribution) scpb.MetricValueSet {
	// The wire codec has no distribution_value message; the bucket
	// counts are carried as the repeated int64 values, which is all the
	// stats layer (internal/stats) actually consumes downstream.
	return scpb.MetricValueSet{MetricName: name, Values: d.Buckets}
}

// metricSets builds the metric menu for one operation.
//
//   - sendConsumerMetric gates CONSUMER-marked metrics (spec: suppressed
//     unless the API key state is Verified).
//   - byConsumer selects the PRODUCER_BY_CONSUMER-marked subset instead
//     of the PRODUCER/CONSUMER subset, matching AppendByConsumerOperations.
func metricSets(info RequestInfo, sendConsumerMetric, byConsumer bool) []scpb.MetricValueSet {
	if byConsumer {
		return []scpb.MetricValueSet{
			int64MetricSet(metricByConsumerRequestCount, 1),
			distributionMetricSet(metricByConsumerRequestSizes, sizeSample(info.RequestSize)),
			distributionMetricSet(metricByConsumerResponseSizes, sizeSample(info.ResponseSize)),
			distributionMetricSet(metricByConsumerTotalLatencies, timeSample(info.RequestLatency)),
			distributionMetricSet(metricByConsumerBackendLatencies, timeSample(info.BackendLatency)),
			distributionMetricSet(metricByConsumerOverheadLatencies, timeSample(info.OverheadLatency)),
		}
	}

	sets := []scpb.MetricValueSet{
		int64MetricSet(metricProducerRequestCount, 1),
		distributionMetricSet(metricProducerRequestSizes, sizeSample(info.RequestSize)),
		distributionMetricSet(metricProducerResponseSizes, sizeSample(info.ResponseSize)),
		distributionMetricSet(metricProducerTotalLatencies, timeSample(info.RequestLatency)),
		distributionMetricSet(metricProducerBackendLatencies, timeSample(info.BackendLatency)),
		distributionMetricSet(metricProducerOverheadLatencies, timeSample(info.OverheadLatency)),
	}
	if sendConsumerMetric {
		sets = append(sets,
			int64MetricSet(metricConsumerRequestCount, 1),
			distributionMetricSet(metricConsumerRequestSizes, sizeSample(info.RequestSize)),
			distributionMetricSet(metricConsumerResponseSizes, sizeSample(info.ResponseSize)),
			distributionMetricSet(metricConsumerTotalLatencies, timeSample(info.RequestLatency)),
		)
	}
	return sets
}

// timeSample and sizeSample each build a single-sample distribution for
// one observation; call sites pass raw durations / byte counts.
func timeSample(d time.Duration) Distribution {
	dist := NewTimeDistribution()
	dist.AddSample(d.Seconds())
	return dist
}

func sizeSample(bytes int64) Distribution {
	dist := NewSizeDistribution()
	dist.AddSample(float64(bytes))
	return dist
}
