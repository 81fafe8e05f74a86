// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package monitor

import (
	"os"
	"time"
)

// SamplerConfig configures one run of the sampling-and-classification
// pipeline. A zero-value SamplerConfig is valid input to ApplyDefaults.
type SamplerConfig struct {
	// TickInterval is the sampler loop's period, set by the CLI's -d flag.
	TickInterval time.Duration

	// ClassificationCacheTicks is N: a classification cache entry is
	// dropped once its cgroup identifier has gone unseen for this many
	// consecutive ticks.
	ClassificationCacheTicks int

	// NetTableCapacity mirrors the capacity of the kernel-side per-pid
	// byte counter table, beyond which the kernel's own LRU map type
	// evicts the least recently updated entry. The loaded map's capacity
	// is fixed at compile time (NET_COUNTERS_MAX_ENTRIES in
	// bpf/include/common.h); this field is not applied to it.
	NetTableCapacity int

	// FreezePollInterval and FreezeDeadline govern the freeze controller's
	// poll loop; the deadline defaults to 5s.
	FreezePollInterval time.Duration
	FreezeDeadline     time.Duration

	// ExpandThreads presents each thread as its own process entry keyed by
	// pid instead of collapsing threads into their thread-group's entry.
	ExpandThreads bool

	// HostProcPath overrides /proc, for running the scraper against a
	// bind-mounted host /proc from inside a container.
	HostProcPath string

	// HostSysPath overrides /sys. No pipeline component reads it: the
	// classifier discovers the cgroup-v2 hierarchy root from mountinfo
	// under HostProcPath and walks that root directly.
	HostSysPath string
}

// DefaultSamplerConfig returns this package's baseline defaults.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		TickInterval:             time.Second,
		ClassificationCacheTicks: 8,
		NetTableCapacity:         16384,
		FreezePollInterval:       50 * time.Millisecond,
		FreezeDeadline:           5 * time.Second,
		ExpandThreads:            false,
		HostProcPath:             "/proc",
		HostSysPath:              "/sys",
	}
}

// ApplyDefaults fills zero-valued fields with defaults, then applies any
// HOST_PROC/HOST_SYS environment overrides, letting an operator point the
// scraper and classifier at a mounted host filesystem without recompiling.
func (c *SamplerConfig) ApplyDefaults() {
	defaults := DefaultSamplerConfig()

	if c.TickInterval == 0 {
		c.TickInterval = defaults.TickInterval
	}
	if c.ClassificationCacheTicks == 0 {
		c.ClassificationCacheTicks = defaults.ClassificationCacheTicks
	}
	if c.NetTableCapacity == 0 {
		c.NetTableCapacity = defaults.NetTableCapacity
	}
	if c.FreezePollInterval == 0 {
		c.FreezePollInterval = defaults.FreezePollInterval
	}
	if c.FreezeDeadline == 0 {
		c.FreezeDeadline = defaults.FreezeDeadline
	}
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = defaults.HostSysPath
	}

	if v := os.Getenv("HOST_PROC"); v != "" {
		c.HostProcPath = v
	}
	if v := os.Getenv("HOST_SYS"); v != "" {
		c.HostSysPath = v
	}
}
