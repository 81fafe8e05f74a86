// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aggregator joins one tick's task records, /proc totals,
// classification, GPU table, and network-counter table against the
// previously published snapshot, derives rates, and publishes the
// result.
package aggregator

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/unitop/unitop/pkg/classify"
	"github.com/unitop/unitop/pkg/freeze"
	"github.com/unitop/unitop/pkg/monitor"
	"github.com/unitop/unitop/pkg/performance/procutils"
)

// NetCounterDeleter reclaims one pid's entry from the kernel-side network
// counter table. *netprobe.Prober implements it; kept as a small interface
// here so this package does not need to import netprobe directly.
type NetCounterDeleter interface {
	DeletePID(pid int32) error
}

// Inputs bundles one tick's raw material for a publish cycle, except the
// previous snapshot, which the Aggregator already holds via its
// Publisher.
type Inputs struct {
	Records   []monitor.TaskRecord
	Partial   bool
	Totals    monitor.SystemTotals
	GPU       map[int32]monitor.GPUUsage
	Net       map[int32]monitor.NetCounters
	Collected time.Time
}

// Aggregator owns the classification cache and the published snapshot
// history; both are private to it.
type Aggregator struct {
	logger logr.Logger

	classifier    *classify.Classifier
	freezeCtl     *freeze.Controller
	netProbe      NetCounterDeleter
	expandThreads bool

	publisher  *monitor.Publisher
	generation uint64

	pageSize       int64
	ticksPerSecond int64

	// prevNet holds the raw network counters from the previous tick,
	// keyed by pid. It is not part of Snapshot: only the derived rates go
	// into ProcessEntry, so the raw counters needed to compute the next
	// tick's delta live only here.
	prevNet map[int32]monitor.NetCounters

	// missingTicks counts, per pid, how many consecutive ticks that pid
	// has been absent from the process table since it was last seen. A
	// pid reaching two consecutive misses has its network counter entry
	// reclaimed and is dropped from this map.
	missingTicks map[int32]int
}

// New builds an Aggregator. classifier and freezeCtl may be nil only in
// tests; in production both are always constructed at startup. netProbe
// may be nil, meaning the network probe failed to load and there is
// nothing to reclaim.
func New(logger logr.Logger, classifier *classify.Classifier, freezeCtl *freeze.Controller, netProbe NetCounterDeleter, cfg monitor.SamplerConfig) *Aggregator {
	pu := procutils.New(cfg.HostProcPath)
	pageSize, err := pu.GetPageSize()
	if err != nil {
		pageSize = 4096
	}
	hz, err := pu.GetUserHZ()
	if err != nil {
		hz = 100
	}

	return &Aggregator{
		logger:         logger.WithName("aggregator"),
		classifier:     classifier,
		freezeCtl:      freezeCtl,
		netProbe:       netProbe,
		expandThreads:  cfg.ExpandThreads,
		publisher:      monitor.NewPublisher(),
		pageSize:       pageSize,
		ticksPerSecond: hz,
		missingTicks:   make(map[int32]int),
	}
}

// Publisher exposes the snapshot subscription point to the UI collaborator.
func (a *Aggregator) Publisher() *monitor.Publisher {
	return a.publisher
}

// Aggregate runs one publish cycle and returns the newly published
// snapshot.
func (a *Aggregator) Aggregate(in Inputs) *monitor.Snapshot {
	prev := a.publisher.Latest()

	if a.classifier != nil {
		a.classifier.Tick()
	}

	kept := a.selectRecords(in.Records)

	processes := make(map[int32]monitor.ProcessEntry, len(kept))
	freezeCache := make(map[string]monitor.FreezeState)

	var elapsed time.Duration
	if prev != nil {
		elapsed = in.Collected.Sub(prev.Collected)
	}

	for pid, rec := range kept {
		entry := monitor.ProcessEntry{Task: rec}

		var prevEntry *monitor.ProcessEntry
		if prev != nil {
			if pe, ok := prev.Processes[pid]; ok && pe.Task.StartTimeTicks == rec.StartTimeTicks {
				prevEntry = &pe
			}
		}

		if prevEntry == nil || elapsed <= 0 {
			entry.FirstSeen = prevEntry == nil
		} else {
			entry.CPUUserPercent = a.tickRate(rec.UTimeTicks, prevEntry.Task.UTimeTicks, elapsed)
			entry.CPUSystemPercent = a.tickRate(rec.STimeTicks, prevEntry.Task.STimeTicks, elapsed)
			entry.CPUPercent = entry.CPUUserPercent + entry.CPUSystemPercent
			entry.ReadBytesPerSec = byteRate(rec.ReadBytes, prevEntry.Task.ReadBytes, elapsed)
			entry.WriteBytesPerSec = byteRate(rec.WriteBytes, prevEntry.Task.WriteBytes, elapsed)
		}

		if in.Totals.MemTotal > 0 {
			entry.MemoryPercent = float64(rec.RSSPages*uint64(a.pageSize)) / float64(in.Totals.MemTotal) * 100
		}

		if a.classifier != nil {
			cls, err := a.classifier.Classify(rec.CgroupID)
			if err != nil {
				a.logger.V(1).Info("classification failed", "pid", pid, "error", err)
			} else {
				entry.Classification = cls
				entry.FreezeState = a.freezeState(cls.CgroupRoot, freezeCache)
			}
		}

		if gpu, ok := in.GPU[pid]; ok {
			usage := gpu
			entry.GPU = &usage
		}

		if net, ok := in.Net[pid]; ok {
			if prevNet, ok := a.prevNet[pid]; ok && elapsed > 0 {
				entry.NetSendBytesPerSec = byteRate(net.BytesSent, prevNet.BytesSent, elapsed)
				entry.NetRecvBytesPerSec = byteRate(net.BytesRecv, prevNet.BytesRecv, elapsed)
			}
		}

		processes[pid] = entry
	}

	a.reclaimGoneProcesses(prev, kept)
	a.prevNet = in.Net

	totals := in.Totals
	if prev != nil {
		totals.CPUPercent = systemCPUPercent(totals.CPU, prev.Totals.CPU)
	}

	a.generation++
	snap := &monitor.Snapshot{
		Generation: a.generation,
		Collected:  in.Collected,
		Processes:  processes,
		Totals:     totals,
		Partial:    in.Partial,
	}

	a.publisher.Publish(snap)
	return snap
}

// reclaimGoneProcesses tracks, per pid that was present in prev or is
// already being tracked, how many consecutive ticks it has since been
// missing from kept. A pid gone for two consecutive ticks running has its
// network counter entry reclaimed; a pid that reappears has its miss count
// cleared.
func (a *Aggregator) reclaimGoneProcesses(prev *monitor.Snapshot, kept map[int32]monitor.TaskRecord) {
	if prev == nil {
		return
	}

	for pid := range prev.Processes {
		if _, ok := kept[pid]; !ok {
			if _, tracked := a.missingTicks[pid]; !tracked {
				a.missingTicks[pid] = 0
			}
		}
	}

	for pid := range a.missingTicks {
		if _, ok := kept[pid]; ok {
			delete(a.missingTicks, pid)
			continue
		}

		a.missingTicks[pid]++
		if a.missingTicks[pid] < 2 {
			continue
		}

		if a.netProbe != nil {
			if err := a.netProbe.DeletePID(pid); err != nil {
				a.logger.V(1).Info("failed to reclaim network counter entry", "pid", pid, "error", err)
			}
		}
		delete(a.missingTicks, pid)
	}
}

// selectRecords collapses thread-level records to their process (the
// thread-group leader) unless ExpandThreads is set in SamplerConfig.
func (a *Aggregator) selectRecords(records []monitor.TaskRecord) map[int32]monitor.TaskRecord {
	kept := make(map[int32]monitor.TaskRecord, len(records))
	for _, rec := range records {
		if a.expandThreads {
			kept[rec.PID] = rec
			continue
		}
		if rec.PID == rec.TGID {
			kept[rec.TGID] = rec
		}
	}
	return kept
}

// freezeState reads the freeze-state file once per distinct cgroup root
// seen this tick and caches the result for the remainder of the tick.
func (a *Aggregator) freezeState(cgroupRoot string, cache map[string]monitor.FreezeState) monitor.FreezeState {
	if cgroupRoot == "" || a.freezeCtl == nil {
		return monitor.FreezeStateUnknown
	}
	if state, ok := cache[cgroupRoot]; ok {
		return state
	}
	state, err := a.freezeCtl.Status(cgroupRoot)
	if err != nil {
		state = monitor.FreezeStateUnknown
	}
	cache[cgroupRoot] = state
	return state
}

func (a *Aggregator) tickRate(cur, prev uint64, elapsed time.Duration) float64 {
	if cur < prev {
		return 0
	}
	deltaTicks := float64(cur - prev)
	elapsedTicks := elapsed.Seconds() * float64(a.ticksPerSecond)
	if elapsedTicks <= 0 {
		return 0
	}
	return deltaTicks / elapsedTicks * 100
}

func byteRate(cur, prev uint64, elapsed time.Duration) float64 {
	if cur < prev || elapsed <= 0 {
		return 0
	}
	return float64(cur-prev) / elapsed.Seconds()
}

// systemCPUPercent computes system-wide CPU busy percent from the delta
// between two aggregate tick-counter vectors.
func systemCPUPercent(cur, prev monitor.CPUTotals) float64 {
	busyDelta := deltaOrZero(cur.User, prev.User) + deltaOrZero(cur.Nice, prev.Nice) +
		deltaOrZero(cur.System, prev.System) + deltaOrZero(cur.IOWait, prev.IOWait) +
		deltaOrZero(cur.IRQ, prev.IRQ) + deltaOrZero(cur.SoftIRQ, prev.SoftIRQ) +
		deltaOrZero(cur.Steal, prev.Steal)
	idleDelta := deltaOrZero(cur.Idle, prev.Idle)

	total := busyDelta + idleDelta
	if total == 0 {
		return 0
	}
	return float64(busyDelta) / float64(total) * 100
}

func deltaOrZero(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
