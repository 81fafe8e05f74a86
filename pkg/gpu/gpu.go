// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package gpu performs an optional per-process GPU query. It initializes
// NVML once at startup; if that fails, Probe stays permanently disabled
// and Sample is a no-op for the process lifetime.
package gpu

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/unitop/unitop/pkg/monitor"
)

// Probe queries NVML for per-process VRAM and SM utilization. The zero
// value is a disabled probe; use NewProbe to attempt initialization.
type Probe struct {
	enabled bool

	mu sync.Mutex
	// lastSampleTime tracks, per device index, the watermark passed to
	// nvmlDeviceGetProcessUtilization so each tick only sees new samples.
	lastSampleTime map[int]uint64
}

// NewProbe attempts to initialize NVML. A failure here is not fatal: the
// returned Probe has Enabled()==false and Sample always returns an empty
// table.
func NewProbe() *Probe {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return &Probe{enabled: false}
	}
	return &Probe{enabled: true, lastSampleTime: make(map[int]uint64)}
}

// Enabled reports whether NVML initialized successfully.
func (p *Probe) Enabled() bool {
	return p != nil && p.enabled
}

// Close shuts down NVML if it was initialized.
func (p *Probe) Close() error {
	if !p.Enabled() {
		return nil
	}
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %v", nvml.ErrorString(ret))
	}
	return nil
}

// Sample queries every visible device for its resident compute processes
// and per-process SM utilization since the last call, returning a table
// keyed by pid for the aggregator to join against task records. A query
// failure on one device does not abort the others and is not reported;
// an error is returned only when the device count itself cannot be read.
func (p *Probe) Sample() (map[int32]monitor.GPUUsage, error) {
	table := make(map[int32]monitor.GPUUsage)
	if !p.Enabled() {
		return table, nil
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return table, fmt.Errorf("nvml device count: %v", nvml.ErrorString(ret))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		p.sampleDevice(i, device, table)
	}

	return table, nil
}

func (p *Probe) sampleDevice(index int, device nvml.Device, table map[int32]monitor.GPUUsage) {
	procs, ret := device.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS || len(procs) == 0 {
		return
	}

	lastTS := p.lastSampleTime[index]
	utilSamples, ret := device.GetProcessUtilization(lastTS)
	if ret != nvml.SUCCESS && ret != nvml.ERROR_NOT_FOUND {
		// NOT_FOUND means no samples since lastTS (all processes idle);
		// every other error leaves the utilization side of this device
		// at zero for this tick but memory-side data still flows through.
	}

	if len(utilSamples) > 0 {
		maxTS := lastTS
		for _, s := range utilSamples {
			if s.TimeStamp > maxTS {
				maxTS = s.TimeStamp
			}
		}
		p.lastSampleTime[index] = maxTS
	}

	utilByPID := make(map[uint32]uint32, len(utilSamples))
	for _, s := range utilSamples {
		if s.SmUtil > utilByPID[s.Pid] {
			utilByPID[s.Pid] = s.SmUtil
		}
	}

	for _, proc := range procs {
		pid := int32(proc.Pid)
		usage := table[pid]
		usage.VRAMBytes += proc.UsedGpuMemory
		if u := float64(utilByPID[proc.Pid]); u > usage.UtilizationPercent {
			usage.UtilizationPercent = u
		}
		table[pid] = usage
	}
}
