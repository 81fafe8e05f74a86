// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command sampler-bench measures the iteration pull's throughput and
// latency directly, bypassing the aggregator and CLI entirely.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/unitop/unitop/pkg/ebpf/core"
	"github.com/unitop/unitop/pkg/tasksource"
)

var (
	iterations = flag.Int("iterations", 20, "number of iteration pulls to benchmark")
	timeout    = flag.Duration("timeout", 2*time.Second, "per-pull deadline")
	verbose    = flag.Bool("verbose", false, "print per-iteration detail")
)

func main() {
	flag.Parse()

	if runtime.GOOS != "linux" {
		fmt.Fprintln(os.Stderr, "sampler-bench requires Linux: the task sampler depends on /proc, cgroup v2, and the eBPF task-iterator ABI.")
		os.Exit(1)
	}

	logger := logr.Discard()

	coreMgr, err := core.NewManager(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probing kernel features: %v\n", err)
		os.Exit(1)
	}

	loader, err := tasksource.NewLoader(logger, coreMgr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading task sampler: %v\n", err)
		os.Exit(1)
	}
	defer loader.Close()

	var durations []time.Duration
	var recordCounts []int
	partialCount := 0

	for i := 0; i < *iterations; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		start := time.Now()
		records, partial, err := loader.Pull(ctx)
		duration := time.Since(start)
		cancel()

		if err != nil {
			fmt.Fprintf(os.Stderr, "iteration %d: pull failed: %v\n", i+1, err)
			continue
		}
		if partial {
			partialCount++
		}

		durations = append(durations, duration)
		recordCounts = append(recordCounts, len(records))

		if *verbose {
			fmt.Printf("iteration %d: %v, %d records, partial=%v\n", i+1, duration, len(records), partial)
		}
	}

	if len(durations) == 0 {
		fmt.Fprintln(os.Stderr, "no successful pulls to report")
		os.Exit(1)
	}

	printSummary(durations, recordCounts, partialCount)
}

func printSummary(durations []time.Duration, recordCounts []int, partialCount int) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	avg := total / time.Duration(len(durations))
	min := durations[0]
	max := durations[len(durations)-1]
	median := durations[len(durations)/2]

	totalRecords := 0
	for _, n := range recordCounts {
		totalRecords += n
	}
	avgRecords := totalRecords / len(recordCounts)

	fmt.Printf("\nResults (%d pulls):\n", len(durations))
	fmt.Printf("  Average latency: %v\n", avg)
	fmt.Printf("  Median latency:  %v\n", median)
	fmt.Printf("  Min latency:     %v\n", min)
	fmt.Printf("  Max latency:     %v\n", max)
	fmt.Printf("  Average records per pull: %d\n", avgRecords)
	fmt.Printf("  Partial pulls: %d\n", partialCount)
}
