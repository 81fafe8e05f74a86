// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package netprobe hooks four kprobes on the TCP/UDP send/recv entry
// points, accumulating per-pid byte counters in a shared LRU-evicted map
// that userspace walks once per tick.
package netprobe

import (
	"errors"
	"fmt"
	"sync"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	unitopebpf "github.com/unitop/unitop/pkg/ebpf"
	"github.com/unitop/unitop/pkg/monitor"
)

// Prober owns the netprobe program and its kprobe attachments. It can be
// toggled at runtime without reloading the program.
type Prober struct {
	logger logr.Logger

	objs unitopebpf.NetprobeObjects

	mu       sync.Mutex
	links    []link.Link
	attached bool
}

// NewProber loads the netprobe program but does not attach it; callers
// decide when to call Attach, matching the CLI's optional network-probe
// toggle.
func NewProber(logger logr.Logger) (*Prober, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	var objs unitopebpf.NetprobeObjects
	if err := unitopebpf.LoadNetprobeObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading netprobe program: %w", err)
	}

	return &Prober{logger: logger.WithName("netprobe"), objs: objs}, nil
}

// Attach attaches all four kprobes. It is a no-op if already attached.
// Failure to attach is reported to the caller but does not prevent the
// rest of the sampling pipeline from running.
func (p *Prober) Attach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached {
		return nil
	}

	attachments := []struct {
		symbol string
		prog   *cebpf.Program
	}{
		{"tcp_sendmsg", p.objs.ProbeTcpSendmsg},
		{"tcp_recvmsg", p.objs.ProbeTcpRecvmsg},
		{"udp_sendmsg", p.objs.ProbeUdpSendmsg},
		{"udp_recvmsg", p.objs.ProbeUdpRecvmsg},
	}

	links := make([]link.Link, 0, len(attachments))
	for _, a := range attachments {
		l, err := link.Kprobe(a.symbol, a.prog, nil)
		if err != nil {
			for _, al := range links {
				al.Close()
			}
			return fmt.Errorf("attaching kprobe %s: %w", a.symbol, err)
		}
		links = append(links, l)
	}

	p.links = links
	p.attached = true
	return nil
}

// Detach releases all kprobe attachments and clears the counter table, so
// a subsequent Attach starts from a clean state. Reported network rates
// are zero while detached.
func (p *Prober) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return nil
	}

	var errs []error
	for _, l := range p.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.links = nil
	p.attached = false

	if err := p.clearTableLocked(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("detaching netprobe: %v", errs)
	}
	return nil
}

// Attached reports whether the probes are currently attached.
func (p *Prober) Attached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attached
}

// Close detaches (if needed) and releases the program and map handles.
func (p *Prober) Close() error {
	if err := p.Detach(); err != nil {
		p.logger.Error(err, "error detaching netprobe during close")
	}
	return p.objs.Close()
}

// Snapshot walks the shared counter table once, returning a copy keyed by
// pid. Returns an empty map (not an error) when detached.
func (p *Prober) Snapshot() (map[int32]monitor.NetCounters, error) {
	if !p.Attached() {
		return map[int32]monitor.NetCounters{}, nil
	}

	out := make(map[int32]monitor.NetCounters)
	var key uint32
	var val unitopebpf.NetprobeNetCounters

	it := p.objs.NetCounters.Iterate()
	for it.Next(&key, &val) {
		out[int32(key)] = monitor.NetCounters{
			BytesSent:    val.BytesSent,
			BytesRecv:    val.BytesRecv,
			LastUpdateNs: val.LastUpdateNs,
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating net counters map: %w", err)
	}
	return out, nil
}

// DeletePID removes one pid's entry from the counter table. It is a no-op,
// not an error, if the pid has no entry or the probe is detached; callers
// use it to reclaim the table once they have independently confirmed a
// pid is gone for good, rather than waiting on the kernel map's own LRU
// eviction.
func (p *Prober) DeletePID(pid int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.attached {
		return nil
	}

	key := uint32(pid)
	if err := p.objs.NetCounters.Delete(&key); err != nil {
		if errors.Is(err, cebpf.ErrKeyNotExist) {
			return nil
		}
		return fmt.Errorf("deleting net counters entry for pid %d: %w", pid, err)
	}
	return nil
}

// clearTableLocked deletes every entry from the counter table. Caller must
// hold p.mu.
func (p *Prober) clearTableLocked() error {
	var keys []uint32
	var key uint32
	var val unitopebpf.NetprobeNetCounters
	it := p.objs.NetCounters.Iterate()
	for it.Next(&key, &val) {
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("listing net counters map for clear: %w", err)
	}

	for _, k := range keys {
		if err := p.objs.NetCounters.Delete(&k); err != nil {
			return fmt.Errorf("clearing net counters entry: %w", err)
		}
	}
	return nil
}
