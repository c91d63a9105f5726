package report

import "math"

// Distribution is an exponential-bucket histogram matching the
// control plane's serviceruntime distribution wire shape: bucket 0 is
// the underflow bucket (value < scale), buckets 1..N-2 cover
// [scale*growth^(i-1), scale*growth^i), and bucket N-1 is overflow.
type Distribution struct {
	Buckets []int64
	Growth  float64
	Scale   float64
	Count   int64
	Mean    float64
}

// The time* and size* parameters mirror ESPv2's fixed histogram
// parameters for latency (seconds) and byte-size
// metrics respectively.
var (
	timeBuckets = 29
	timeGrowth  = 2.0
	timeScale   = 1e-6

	sizeBuckets = 8
	sizeGrowth  = 10.0
	sizeScale   = 1.0
)

// NewTimeDistribution returns an empty exponential distribution sized
// for latency samples expressed in seconds.
func NewTimeDistribution() Distribution {
	return newExponentialDistribution(timeBuckets, timeGrowth, timeScale)
}

// NewSizeDistribution returns an empty exponential distribution sized
// for byte-count samples.
func NewSizeDistribution() Distribution {
	return newExponentialDistribution(sizeBuckets, sizeGrowth, sizeScale)
}

func newExponentialDistribution(buckets int, growth, scale float64) Distribution {
	return Distribution{Buckets: make([]int64, buckets), Growth: growth, Scale: scale}
}

// AddSample records one observation into the distribution's bucket and
// running mean.
func (d *Distribution) AddSample(value float64) {
	idx := d.bucketIndex(value)
	d.Buckets[idx]++
	d.Count++
	d.Mean += (value - d.Mean) / float64(d.Count)
}

func (d *Distribution) bucketIndex(value float64) int {
	n := len(d.Buckets)
	if value < d.Scale {
		return 0
	}
	idx := 1 + int(math.Log(value/d.Scale)/math.Log(d.Growth))
	if idx >= n {
		return n - 1
	}
	if idx < 1 {
		return 1
	}
	return idx
}
