// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procscrape

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/unitop/unitop/pkg/monitor"
)

// readMeminfo reads the subset of /proc/meminfo that feeds the snapshot's
// system totals; every other field in that file is outside scope.
//
// Reference: https://www.kernel.org/doc/html/latest/filesystems/proc.html#meminfo
func readMeminfo(path string) (monitor.SystemTotals, error) {
	file, err := os.Open(path)
	if err != nil {
		return monitor.SystemTotals{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var totals monitor.SystemTotals
	var swapFree uint64

	fieldMap := map[string]*uint64{
		"MemTotal":     &totals.MemTotal,
		"MemFree":      &totals.MemFree,
		"MemAvailable": &totals.MemAvail,
		"Buffers":      &totals.Buffers,
		"Cached":       &totals.Cached,
		"SwapTotal":    &totals.SwapTotal,
		"SwapFree":     &swapFree,
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		name := strings.TrimSuffix(parts[0], ":")
		dst, ok := fieldMap[name]
		if !ok {
			continue
		}
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		*dst = value * 1024 // meminfo reports kB
	}
	if err := scanner.Err(); err != nil {
		return monitor.SystemTotals{}, fmt.Errorf("error reading %s: %w", path, err)
	}

	if totals.SwapTotal >= swapFree {
		totals.SwapUsed = totals.SwapTotal - swapFree
	}

	// ZramUsed has no source among the four fixed /proc reads this scraper
	// performs (stat, meminfo, loadavg, uptime); it would require a fifth
	// read of /sys/block/zram*/mm_stat, so it stays zero here rather than
	// growing the scraper's read set.
	return totals, nil
}
