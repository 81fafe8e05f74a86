// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package monitor holds the data model shared by every stage of the
// sampling-and-classification pipeline: the raw task record emitted by the
// kernel sampler, the derived process entry and snapshot the aggregator
// publishes, and the freeze controller's operation state.
package monitor

import "time"

// TaskRecordFlag marks a task record field as the product of a failed
// in-kernel safe-read rather than a genuine zero value.
type TaskRecordFlag uint8

const (
	// TaskRecordPartialRead is set when any safe-read inside the kernel
	// sampler failed for this task; the corresponding fields were zeroed.
	TaskRecordPartialRead TaskRecordFlag = 1 << 0
)

// TaskRecord is the userspace mirror of the kernel sampler's wire struct
// (bpf/include/common.h: struct task_record). Field order here has no
// bearing on the wire format; pkg/tasksource decodes the little-endian
// layout into this shape.
type TaskRecord struct {
	PID  int32
	TGID int32
	PPID int32
	UID  uint32
	EUID uint32

	StartTimeTicks uint64
	UTimeTicks     uint64
	STimeTicks     uint64

	RSSPages   uint64
	VSizePages uint64
	MinFlt     uint64
	MajFlt     uint64

	NumThreads uint32
	Nice       int32
	Policy     uint32

	CgroupID uint64

	Comm    string
	Cmdline string
	// CmdlineTruncated is true when Cmdline hit the kernel's bound with no
	// trailing NUL.
	CmdlineTruncated bool

	State byte

	NVCSW  uint64
	NIVCSW uint64

	ReadBytes  uint64
	WriteBytes uint64

	Flags TaskRecordFlag
}

// PartialRead reports whether any field of t was the product of a failed
// in-kernel safe-read.
func (t TaskRecord) PartialRead() bool {
	return t.Flags&TaskRecordPartialRead != 0
}

// NetCounters is the userspace mirror of a kernel net_counters map entry,
// keyed by pid in pkg/netprobe.
type NetCounters struct {
	BytesSent    uint64
	BytesRecv    uint64
	LastUpdateNs uint64
}

// FreezeState is the observed state of a cgroup-v2 subtree's freeze
// attribute.
type FreezeState int

const (
	FreezeStateUnknown FreezeState = iota
	FreezeStateThawed
	FreezeStateFreezing
	FreezeStateFrozen
	FreezeStateThawing
)

func (s FreezeState) String() string {
	switch s {
	case FreezeStateThawed:
		return "thawed"
	case FreezeStateFreezing:
		return "freezing"
	case FreezeStateFrozen:
		return "frozen"
	case FreezeStateThawing:
		return "thawing"
	default:
		return "unknown"
	}
}

// FreezeOutcome is the result of a freeze or thaw operation.
type FreezeOutcome int

const (
	FreezeOutcomePending FreezeOutcome = iota
	FreezeOutcomeSuccess
	FreezeOutcomeTimeout
	FreezeOutcomeDenied
	FreezeOutcomeVanished
)

func (o FreezeOutcome) String() string {
	switch o {
	case FreezeOutcomeSuccess:
		return "success"
	case FreezeOutcomeTimeout:
		return "timeout"
	case FreezeOutcomeDenied:
		return "denied"
	case FreezeOutcomeVanished:
		return "vanished"
	default:
		return "pending"
	}
}

// FreezeOperation tracks one in-flight or completed freeze/thaw transition.
type FreezeOperation struct {
	CgroupRoot    string
	Desired       FreezeState
	Observed      FreezeState
	StartTime     time.Time
	LastPolled    time.Time
	Outcome       FreezeOutcome
	CorrelationID string
}

// Classification is the result of resolving a task's cgroup identifier to
// the service-unit / container / cgroup-root triple.
type Classification struct {
	ServiceUnit string
	Container   string
	CgroupRoot  string
}

// GPUUsage is one process's share of an accelerator, joined in by pid.
type GPUUsage struct {
	VRAMBytes          uint64
	UtilizationPercent float64
}

// ProcessEntry is one row of a published snapshot: the raw task record plus
// everything derived from it against the previous snapshot.
type ProcessEntry struct {
	Task TaskRecord

	// FirstSeen is true when no previous snapshot carried a matching
	// (pid, start-time) pair; derived rates below are zero in that case.
	FirstSeen bool

	CPUUserPercent     float64
	CPUSystemPercent   float64
	CPUPercent         float64
	MemoryPercent      float64
	ReadBytesPerSec    float64
	WriteBytesPerSec   float64
	NetSendBytesPerSec float64
	NetRecvBytesPerSec float64

	Classification Classification
	FreezeState    FreezeState

	// GPU is nil when the GPU probe is disabled or this process has no
	// GPU context.
	GPU *GPUUsage
}

// SystemTotals is the system-wide portion of a snapshot, populated from
// four /proc reads.
type SystemTotals struct {
	CPU        CPUTotals
	MemTotal   uint64
	MemFree    uint64
	MemAvail   uint64
	Buffers    uint64
	Cached     uint64
	SwapTotal  uint64
	SwapUsed   uint64
	ZramUsed   uint64
	Load1      float64
	Load5      float64
	Load15     float64
	UptimeSecs float64

	// CPUPercent is derived by the aggregator from this snapshot's CPU
	// counters against the previous snapshot's and is zero on the first
	// snapshot. MemoryPercent is computed by the scraper from this tick's
	// (MemTotal - MemFree) / MemTotal.
	CPUPercent    float64
	MemoryPercent float64
}

// CPUTotals is the aggregate "cpu" line of /proc/stat plus any per-CPU
// lines, carried as cumulative tick counters; rates are derived by the
// aggregator against the previous snapshot.
type CPUTotals struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	PerCPU  []CPUTicks
}

// CPUTicks is one "cpuN" line of /proc/stat.
type CPUTicks struct {
	Index  int
	User   uint64
	Nice   uint64
	System uint64
	Idle   uint64
}

// Snapshot is an immutable, atomically published view of every process and
// the system totals for one tick. Once published it is never mutated;
// readers hold it as long as they like.
type Snapshot struct {
	Generation uint64
	Collected  time.Time

	Processes map[int32]ProcessEntry
	Totals    SystemTotals

	// Partial is set when the tick's iteration pull did not drain within
	// its deadline or failed outright.
	Partial bool
}
