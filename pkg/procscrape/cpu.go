// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procscrape

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/unitop/unitop/pkg/monitor"
)

// readCPUTotals parses the global CPU-tick vector from /proc/stat: the
// aggregate "cpu" line plus any per-"cpuN" lines, in USER_HZ units.
//
// Reference: https://www.kernel.org/doc/html/latest/filesystems/proc.html#proc-stat
func readCPUTotals(path string) (monitor.CPUTotals, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return monitor.CPUTotals{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var totals monitor.CPUTotals
	var perCPU []monitor.CPUTicks
	haveAggregate := false

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "cpu") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}

		name := fields[0]
		if name == "cpu" {
			totals.User, _ = strconv.ParseUint(fields[1], 10, 64)
			totals.Nice, _ = strconv.ParseUint(fields[2], 10, 64)
			totals.System, _ = strconv.ParseUint(fields[3], 10, 64)
			totals.Idle, _ = strconv.ParseUint(fields[4], 10, 64)
			totals.IOWait, _ = strconv.ParseUint(fields[5], 10, 64)
			totals.IRQ, _ = strconv.ParseUint(fields[6], 10, 64)
			totals.SoftIRQ, _ = strconv.ParseUint(fields[7], 10, 64)
			if len(fields) > 8 {
				totals.Steal, _ = strconv.ParseUint(fields[8], 10, 64)
			}
			haveAggregate = true
			continue
		}

		if len(name) <= 3 || name[3] < '0' || name[3] > '9' {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
		if err != nil {
			continue
		}

		var ticks monitor.CPUTicks
		ticks.Index = idx
		ticks.User, _ = strconv.ParseUint(fields[1], 10, 64)
		ticks.Nice, _ = strconv.ParseUint(fields[2], 10, 64)
		ticks.System, _ = strconv.ParseUint(fields[3], 10, 64)
		ticks.Idle, _ = strconv.ParseUint(fields[4], 10, 64)
		perCPU = append(perCPU, ticks)
	}

	if !haveAggregate {
		return monitor.CPUTotals{}, fmt.Errorf("no aggregate cpu line found in %s", path)
	}

	totals.PerCPU = perCPU
	return totals, nil
}
