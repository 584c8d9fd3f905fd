package core

import (
	"encoding/json"
	"fmt"

	"github.com/searchktools/async-server/core/observability"
	"github.com/searchktools/async-server/core/pools"
	"github.com/searchktools/async-server/core/timeout"
)

// Stats is a point-in-time view of the engine and its dispatcher
type Stats struct {
	Connections int                    `json:"connections"`
	Workers     pools.WorkerPoolStats  `json:"workers"`
	BytePool    pools.BytePoolStats    `json:"byte_pool"`
	Deadlines   timeout.GuardStats     `json:"deadlines"`
	GC          pools.GCStats          `json:"gc"`
	Monitor     observability.Snapshot `json:"monitor"`
}

// GetStats returns statistics for the engine, its pools and its deadlines
func (e *Engine) GetStats() Stats {
	return Stats{
		Connections: e.Connections(),
		Workers:     e.dispatcher.Stats(),
		BytePool:    e.bytePool.Stats(),
		Deadlines:   e.guard.Stats(),
		GC:          pools.GetGCStats(),
		Monitor:     e.monitor.Snapshot(),
	}
}

// GetStatsJSON returns engine statistics as JSON string
func (e *Engine) GetStatsJSON() string {
	data, _ := json.MarshalIndent(e.GetStats(), "", "  ")
	return string(data)
}

// GetStatsText returns engine statistics as human-readable text
func (e *Engine) GetStatsText() string {
	stats := e.GetStats()
	return fmt.Sprintf(`Engine Statistics
=================

Connections: %d

Worker Pool:
  Workers:   %d
  Queued:    %d / %d
  Active:    %d (peak %d)
  Submitted: %d
  Completed: %d
  Rejected:  %d
  Panicked:  %d

Byte Pool:
  Gets:      %d
  Puts:      %d
  Oversized: %d

Deadlines:
  Pending: %d
  Armed:   %d
  Expired: %d

GC:
  Cycles:     %d
  Pause:      %v
  Goroutines: %d
`,
		stats.Connections,
		stats.Workers.NumWorkers,
		stats.Workers.Queued, stats.Workers.QueueCapacity,
		stats.Workers.Active, stats.Workers.PeakActive,
		stats.Workers.TasksSubmitted,
		stats.Workers.TasksCompleted,
		stats.Workers.TasksRejected,
		stats.Workers.TasksPanicked,
		stats.BytePool.Gets, stats.BytePool.Puts, stats.BytePool.Oversized,
		stats.Deadlines.Pending, stats.Deadlines.Armed, stats.Deadlines.Expired,
		stats.GC.NumGC, stats.GC.PauseTotal, stats.GC.NumGoroutine,
	)
}
