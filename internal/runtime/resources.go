package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	cpuSecondsMetric  = "/sched/cpu:seconds"
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	goroutinesMetric  = "/sched/goroutines:goroutines"

	resourceSampleInterval = time.Second
)

// resourceTracker samples process CPU, heap and goroutine counts for the
// subscription stats. Samples are reused for resourceSampleInterval since
// every handler invocation asks for one.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	last           ResourceUsage
	numCPU         float64
	now            func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: cpuSecondsMetric},
			{Name: heapObjectsMetric},
			{Name: goroutinesMetric},
		},
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if !r.lastSample.IsZero() && now.Sub(r.lastSample) < resourceSampleInterval {
		return r.last
	}

	metrics.Read(r.samples)
	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	for _, s := range r.samples {
		switch {
		case s.Name == cpuSecondsMetric && s.Value.Kind() == metrics.KindFloat64:
			cpu := s.Value.Float64()
			if !r.lastSample.IsZero() && r.numCPU > 0 {
				if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
					usage.CPUPercent = (cpu - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpu
		case s.Name == heapObjectsMetric && s.Value.Kind() == metrics.KindUint64:
			usage.MemoryBytes = s.Value.Uint64()
		case s.Name == goroutinesMetric && s.Value.Kind() == metrics.KindUint64:
			usage.Goroutines = int(s.Value.Uint64())
		}
	}

	r.lastSample = now
	r.last = usage
	return usage
}
