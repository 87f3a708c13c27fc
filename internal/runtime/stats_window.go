package runtime

import (
	"math"
	"slices"
	"time"
)

const (
	latencySamples    = 256
	throughputHorizon = time.Minute
)

// latencyRing keeps the most recent handler durations.
type latencyRing struct {
	buf  []int64
	head int
	full bool
	last int64
}

func newLatencyRing(size int) *latencyRing {
	if size <= 0 {
		size = latencySamples
	}
	return &latencyRing{buf: make([]int64, 0, size)}
}

func (r *latencyRing) Add(d time.Duration) {
	r.last = int64(d)
	if !r.full {
		r.buf = append(r.buf, int64(d))
		r.full = len(r.buf) == cap(r.buf)
		return
	}
	r.buf[r.head] = int64(d)
	r.head = (r.head + 1) % len(r.buf)
}

// Snapshot reports the window. AverageNs covers the window only.
func (r *latencyRing) Snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: r.last, SampleSize: len(r.buf)}
	if len(r.buf) == 0 {
		return m
	}
	sorted := slices.Clone(r.buf)
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	m.AverageNs = sum / int64(len(sorted))
	m.P50Ns = nearestRank(sorted, 0.50)
	m.P95Ns = nearestRank(sorted, 0.95)
	m.P99Ns = nearestRank(sorted, 0.99)
	return m
}

// nearestRank returns the q-th quantile of an ascending slice.
func nearestRank(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}

// throughputBuckets counts completions per wall-clock second over a
// sliding horizon.
type throughputBuckets struct {
	counts []uint64
	secs   []int64
}

func newThroughputBuckets(horizon time.Duration) *throughputBuckets {
	n := max(int(horizon/time.Second), 1)
	return &throughputBuckets{counts: make([]uint64, n), secs: make([]int64, n)}
}

// Add records one completion at now and reports the current window.
func (b *throughputBuckets) Add(now time.Time) ThroughputMetrics {
	sec := now.Unix()
	i := int(sec % int64(len(b.secs)))
	if b.secs[i] != sec {
		b.secs[i] = sec
		b.counts[i] = 0
	}
	b.counts[i]++
	return b.window(now)
}

func (b *throughputBuckets) window(now time.Time) ThroughputMetrics {
	sec := now.Unix()
	oldest := sec
	var total uint64
	for i, s := range b.secs {
		if b.counts[i] == 0 || s > sec || sec-s >= int64(len(b.secs)) {
			continue
		}
		total += b.counts[i]
		oldest = min(oldest, s)
	}
	span := float64(max(sec-oldest, 1))
	return ThroughputMetrics{
		CurrentRPS:       float64(total) / span,
		WindowSeconds:    span,
		MessagesInWindow: total,
	}
}
