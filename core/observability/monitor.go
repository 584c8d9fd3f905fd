package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/errclass"
)

// Pipeline stages timed by the dispatcher
const (
	StageQueue    = "queue"    // enqueue -> dequeue
	StageBusiness = "business" // business function
	StageWrite    = "write"    // response encode + transport write
)

// Fault is a per-connection failure category
type Fault string

const (
	FaultQueueFull       Fault = "queue_full"
	FaultTimeout         Fault = "timeout"
	FaultWriteFailure    Fault = "write_failure"
	FaultBusinessFailure Fault = "business_failure"
	FaultBadRequest      Fault = "bad_request"
	FaultSuppressed      Fault = "suppressed_write"
)

// PerformanceMonitor records stage latencies and fault counts.
// All methods are safe for concurrent use; a nil monitor records nothing.
type PerformanceMonitor struct {
	stages sync.Map // stage -> *StageMetrics
	faults sync.Map // Fault -> *atomic.Uint64
	errs   sync.Map // errclass label -> *atomic.Uint64
}

// StageMetrics stores per-stage metrics
type StageMetrics struct {
	Name           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [10]atomic.Uint64
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string
	Location string
	Severity int
	Details  string
}

// NewPerformanceMonitor creates a monitor
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// RecordStage records one pass through a pipeline stage
func (pm *PerformanceMonitor) RecordStage(stage string, duration time.Duration, isError bool) {
	if pm == nil {
		return
	}

	val, _ := pm.stages.LoadOrStore(stage, &StageMetrics{Name: stage})
	metrics := val.(*StageMetrics)

	metrics.Count.Add(1)
	if isError {
		metrics.Errors.Add(1)
	}

	durationNs := uint64(max(duration, 0).Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	pm.updateMinMax(metrics, durationNs)
	metrics.latencyBuckets[bucketFor(durationNs)].Add(1)
}

// RecordFault counts a fault; err, when non-nil, is also counted by its errclass label
func (pm *PerformanceMonitor) RecordFault(fault Fault, err error) {
	if pm == nil {
		return
	}

	counter(&pm.faults, fault).Add(1)
	if err != nil {
		counter(&pm.errs, errclass.New(err)).Add(1)
	}
}

func counter[K comparable](m *sync.Map, key K) *atomic.Uint64 {
	val, _ := m.LoadOrStore(key, new(atomic.Uint64))
	return val.(*atomic.Uint64)
}

func (pm *PerformanceMonitor) updateMinMax(m *StageMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

// bucketFor maps a duration to its latency bucket (<1ms ... >=10s)
func bucketFor(durationNs uint64) int {
	ms := durationNs / 1_000_000
	switch {
	case ms < 1:
		return 0
	case ms < 5:
		return 1
	case ms < 10:
		return 2
	case ms < 50:
		return 3
	case ms < 100:
		return 4
	case ms < 500:
		return 5
	case ms < 1000:
		return 6
	case ms < 5000:
		return 7
	case ms < 10000:
		return 8
	default:
		return 9
	}
}

// Snapshot is a point-in-time copy of the monitor
type Snapshot struct {
	Stages map[string]StageSnapshot `json:"stages"`
	Faults map[Fault]uint64         `json:"faults"`
	Errors map[string]uint64        `json:"errors"`
}

// StageSnapshot summarises one stage
type StageSnapshot struct {
	Count   uint64        `json:"count"`
	Errors  uint64        `json:"errors"`
	Avg     time.Duration `json:"avg"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Buckets [10]uint64    `json:"buckets"`
}

// Snapshot returns the current metrics
func (pm *PerformanceMonitor) Snapshot() Snapshot {
	snap := Snapshot{
		Stages: make(map[string]StageSnapshot),
		Faults: make(map[Fault]uint64),
		Errors: make(map[string]uint64),
	}
	if pm == nil {
		return snap
	}

	pm.stages.Range(func(key, value any) bool {
		m := value.(*StageMetrics)
		s := StageSnapshot{
			Count:  m.Count.Load(),
			Errors: m.Errors.Load(),
			Min:    time.Duration(m.MinDuration.Load()),
			Max:    time.Duration(m.MaxDuration.Load()),
		}
		if s.Count > 0 {
			s.Avg = time.Duration(m.TotalDuration.Load() / s.Count)
		}
		for i := range m.latencyBuckets {
			s.Buckets[i] = m.latencyBuckets[i].Load()
		}
		snap.Stages[m.Name] = s
		return true
	})
	pm.faults.Range(func(key, value any) bool {
		snap.Faults[key.(Fault)] = value.(*atomic.Uint64).Load()
		return true
	})
	pm.errs.Range(func(key, value any) bool {
		snap.Errors[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})

	return snap
}

// Bottlenecks reports stages that are slow or failing
func (pm *PerformanceMonitor) Bottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)

	for name, s := range pm.Snapshot().Stages {
		if s.Count == 0 {
			continue
		}

		// High latency
		if s.Avg > 100*time.Millisecond {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "latency",
				Location: name,
				Severity: 8,
				Details:  fmt.Sprintf("High latency (%v avg)", s.Avg),
			})
		}

		// High error rate
		if s.Errors > 0 && float64(s.Errors)/float64(s.Count) > 0.05 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "errors",
				Location: name,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", float64(s.Errors)/float64(s.Count)*100),
			})
		}
	}

	sort.Slice(bottlenecks, func(i, j int) bool {
		if bottlenecks[i].Severity != bottlenecks[j].Severity {
			return bottlenecks[i].Severity > bottlenecks[j].Severity
		}
		return bottlenecks[i].Location < bottlenecks[j].Location
	})
	return bottlenecks
}
