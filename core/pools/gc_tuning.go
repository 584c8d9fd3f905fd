package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters
type GCConfig struct {
	// GOGC sets the garbage collection target percentage.
	// 0 leaves the runtime default untouched.
	GOGC int

	// MemoryLimit sets soft memory limit in bytes
	// 0 = no limit
	MemoryLimit int64
}

// ApplyGCConfig applies GC tuning and returns the previous GC percentage
func ApplyGCConfig(cfg GCConfig) int {
	prev := debug.SetGCPercent(-1)
	debug.SetGCPercent(prev)

	if cfg.GOGC > 0 {
		prev = debug.SetGCPercent(cfg.GOGC)
	}

	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}

	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total"`
	LastPause    time.Duration `json:"last_pause"`
	AllocBytes   uint64        `json:"alloc_bytes"`
	Sys          uint64        `json:"sys"`
	NumGoroutine int           `json:"num_goroutine"`
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		AllocBytes:   ms.Alloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}

	return stats
}
