package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricCPUTotal   = "/cpu/classes/total:cpu-seconds"
	metricHeapLive   = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceRefresh bounds how often dispatch pays for a runtime/metrics read.
const resourceRefresh = 250 * time.Millisecond

// resourceTracker samples process CPU, heap and goroutines for the handler
// stats. One tracker is shared by every type on a bus.
type resourceTracker struct {
	mu      sync.Mutex
	samples []metrics.Sample
	cpuSecs float64
	at      time.Time
	last    ResourceUsage
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !r.at.IsZero() && now.Sub(r.at) < resourceRefresh {
		return r.last
	}
	if r.samples == nil {
		r.samples = []metrics.Sample{{Name: metricCPUTotal}, {Name: metricHeapLive}, {Name: metricGoroutines}}
	}
	metrics.Read(r.samples)

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.MemoryBytes = v.Uint64()
	}
	if v := r.samples[2].Value; v.Kind() == metrics.KindUint64 {
		usage.Goroutines = int(v.Uint64())
	}
	if usage.MemoryBytes == 0 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		usage.MemoryBytes = mem.HeapAlloc
	}

	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if wall := now.Sub(r.at).Seconds(); !r.at.IsZero() && wall > 0 {
			usage.CPUPercent = max((cpu-r.cpuSecs)/wall/float64(runtime.GOMAXPROCS(0))*100, 0)
		}
		r.cpuSecs = cpu
	}

	r.at = now
	r.last = usage
	return usage
}
