package backpressure

import (
	"fmt"
	"math"
	"runtime/debug"
	"runtime/metrics"

	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is one memory reading.
type Sample struct {
	Used     uint64
	Capacity uint64
}

// Utilization returns Used/Capacity, or 0 when capacity is unknown.
func (s Sample) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Capacity)
}

// Sampler reads current memory usage.
type Sampler interface {
	Sample() (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (Sample, error)

func (f SamplerFunc) Sample() (Sample, error) { return f() }

// heapObjectsMetric is the live and not yet swept heap, read without
// stopping the world.
const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// RuntimeSampler measures the Go heap against the process memory limit
// (GOMEMLIMIT) or, when no limit is set, against total system memory.
type RuntimeSampler struct {
	capacity uint64
	metric   string
}

// NewRuntimeSampler resolves the capacity once.
func NewRuntimeSampler() (*RuntimeSampler, error) {
	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit != math.MaxInt64 {
		return &RuntimeSampler{capacity: uint64(limit), metric: heapObjectsMetric}, nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("read system memory: %w", err)
	}
	return &RuntimeSampler{capacity: vm.Total, metric: heapObjectsMetric}, nil
}

func (s *RuntimeSampler) Sample() (Sample, error) {
	m := []metrics.Sample{{Name: s.metric}}
	metrics.Read(m)
	if m[0].Value.Kind() != metrics.KindUint64 {
		return Sample{}, fmt.Errorf("runtime metric %s unsupported", s.metric)
	}
	return Sample{Used: m[0].Value.Uint64(), Capacity: s.capacity}, nil
}

// SystemSampler measures host memory as reported by the operating system.
type SystemSampler struct{}

func (SystemSampler) Sample() (Sample, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("read system memory: %w", err)
	}
	return Sample{Used: vm.Used, Capacity: vm.Total}, nil
}
