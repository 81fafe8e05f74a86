// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command sampler-dump runs the engine against the live kernel and dumps
// each published snapshot as JSON, for debugging the pipeline without a
// terminal UI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/unitop/unitop/pkg/engine"
	"github.com/unitop/unitop/pkg/monitor"
)

var (
	interval    = flag.Duration("interval", time.Second, "sampler tick interval")
	procPath    = flag.String("proc-path", "/proc", "path to the proc filesystem")
	sysPath     = flag.String("sys-path", "/sys", "path to the sys filesystem")
	verbose     = flag.Bool("verbose", false, "enable verbose logging")
	prettyPrint = flag.Bool("pretty", true, "pretty-print JSON output")
	once        = flag.Bool("once", false, "print a single snapshot and exit instead of running continuously")
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

	cfg := monitor.SamplerConfig{
		TickInterval: *interval,
		HostProcPath: *procPath,
		HostSysPath:  *sysPath,
	}
	cfg.ApplyDefaults()

	eng, err := engine.New(logger, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	count := 0
	eng.Aggregator().Publisher().Subscribe(func(snap *monitor.Snapshot) {
		dumpSnapshot(snap, *prettyPrint)
		count++
		if *once && count >= 1 {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	if *once {
		go func() {
			<-done
			cancel()
		}()
	}

	if err := eng.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "engine run failed: %v\n", err)
		os.Exit(1)
	}

	health := eng.Health().Snapshot()
	fmt.Fprintf(os.Stderr, "ticks_run=%d ticks_missed=%d scraper_errors=%v\n",
		health.TicksRun, health.TicksMissed, health.ScraperErrors)
}

func dumpSnapshot(snap *monitor.Snapshot, pretty bool) {
	var (
		out []byte
		err error
	)
	if pretty {
		out, err = json.MarshalIndent(snap, "", "  ")
	} else {
		out, err = json.Marshal(snap)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling snapshot: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
