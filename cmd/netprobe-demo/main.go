// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command netprobe-demo attaches the network probe standalone, prints its
// per-pid byte counter table on an interval, and detaches cleanly on
// signal. It exercises the netprobe package's attach/detach lifecycle in
// isolation from the rest of the sampler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/unitop/unitop/pkg/netprobe"
)

var (
	interval = flag.Duration("interval", 2*time.Second, "print interval")
	verbose  = flag.Bool("verbose", false, "enable verbose logging")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	prober, err := netprobe.NewProber(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load network probe: %v\n", err)
		os.Exit(1)
	}
	defer prober.Close()

	if err := prober.Attach(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to attach network probe: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("network probe attached, press Ctrl+C to detach and exit")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := prober.Detach(); err != nil {
				fmt.Fprintf(os.Stderr, "error detaching network probe: %v\n", err)
			}
			return
		case <-ticker.C:
			printCounters(prober)
		}
	}
}

func printCounters(prober *netprobe.Prober) {
	table, err := prober.Snapshot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading counter table: %v\n", err)
		return
	}

	pids := make([]int32, 0, len(table))
	for pid := range table {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	fmt.Printf("=== %s (%d pids) ===\n", time.Now().Format(time.RFC3339), len(pids))
	for _, pid := range pids {
		c := table[pid]
		fmt.Printf("%7d  sent=%d recv=%d\n", pid, c.BytesSent, c.BytesRecv)
	}
}
