// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package monitor

import (
	"sync"
	"time"
)

// HealthStats is operational bookkeeping the engine attaches alongside each
// snapshot: it answers "is the pipeline keeping up", not "what did it
// observe".
//
// It is deliberately not part of Snapshot: Snapshot is sampled data,
// immutable once published; HealthStats is mutable bookkeeping the engine
// updates every tick and that callers read as a live view, not a
// point-in-time copy.
type HealthStats struct {
	mu sync.Mutex

	TicksRun           uint64
	TicksMissed        uint64
	LastTickDuration   time.Duration
	LastTickPartial    bool
	ScraperErrors      map[string]uint64
	ComponentsDisabled map[string]bool
}

// NewHealthStats returns a zeroed HealthStats ready for use.
func NewHealthStats() *HealthStats {
	return &HealthStats{
		ScraperErrors:      make(map[string]uint64),
		ComponentsDisabled: make(map[string]bool),
	}
}

// RecordTick folds the outcome of one sampler tick into the stats.
func (h *HealthStats) RecordTick(d time.Duration, partial bool, missed uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.TicksRun++
	h.TicksMissed += missed
	h.LastTickDuration = d
	h.LastTickPartial = partial
}

// RecordScraperError increments the error counter for a named /proc source
// (e.g. "stat", "meminfo", "loadavg", "uptime").
func (h *HealthStats) RecordScraperError(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ScraperErrors[source]++
}

// LatchDisabled marks a component (e.g. "netprobe", "gpu") as permanently
// disabled for the process lifetime.
func (h *HealthStats) LatchDisabled(component string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ComponentsDisabled[component] = true
}

// Disabled reports whether a component has been latched off.
func (h *HealthStats) Disabled(component string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ComponentsDisabled[component]
}

// Snapshot returns a point-in-time copy safe for a caller to hold onto.
func (h *HealthStats) Snapshot() HealthStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	errs := make(map[string]uint64, len(h.ScraperErrors))
	for k, v := range h.ScraperErrors {
		errs[k] = v
	}
	disabled := make(map[string]bool, len(h.ComponentsDisabled))
	for k, v := range h.ComponentsDisabled {
		disabled[k] = v
	}

	return HealthStats{
		TicksRun:           h.TicksRun,
		TicksMissed:        h.TicksMissed,
		LastTickDuration:   h.LastTickDuration,
		LastTickPartial:    h.LastTickPartial,
		ScraperErrors:      errs,
		ComponentsDisabled: disabled,
	}
}
