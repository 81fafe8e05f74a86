// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command unitop owns the sampler engine's lifetime, renders the published
// snapshot, and exposes the freeze/thaw/status operations as subcommands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/unitop/unitop/pkg/engine"
	"github.com/unitop/unitop/pkg/freeze"
	"github.com/unitop/unitop/pkg/monitor"
)

// Exit codes: 0 normal exit, 1 unrecoverable kernel-program load failure,
// 2 missing required capability.
const (
	exitOK                = 0
	exitKernelLoadFailed  = 1
	exitMissingCapability = 2
)

var (
	tickMillis int
	treeMode   bool
	userFilter string
	verbose    bool
	hostProc   string
	hostSys    string
)

func main() {
	root := &cobra.Command{
		Use:           "unitop",
		Short:         "Interactive Linux process monitor backed by an eBPF task sampler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSampler,
	}
	root.Flags().IntVarP(&tickMillis, "interval", "d", 1000, "tick interval in milliseconds")
	root.Flags().BoolVarP(&treeMode, "tree", "t", false, "start in tree grouping mode")
	root.Flags().StringVarP(&userFilter, "user", "u", "", "only show processes owned by this username")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	root.PersistentFlags().StringVar(&hostProc, "proc-path", "/proc", "path to the proc filesystem")
	root.PersistentFlags().StringVar(&hostSys, "sys-path", "/sys", "path to the sys filesystem")

	root.AddCommand(newFreezeCmd(), newThawCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func newLogger() logr.Logger {
	if !verbose {
		return logr.Discard()
	}
	zapLog, _ := zap.NewDevelopment()
	return zapr.NewLogger(zapLog)
}

func newConfig() monitor.SamplerConfig {
	cfg := monitor.SamplerConfig{
		TickInterval: time.Duration(tickMillis) * time.Millisecond,
		HostProcPath: hostProc,
		HostSysPath:  hostSys,
	}
	cfg.ApplyDefaults()
	return cfg
}

// exitCodeFor maps a fatal startup error to the process's exit code. A
// permission error from the kernel program load (missing BPF/perfmon/
// memlock capability) maps to the missing-capability code; anything else
// from engine.New is a generic load failure.
func exitCodeFor(err error) int {
	if errors.Is(err, unix.EPERM) || errors.Is(err, os.ErrPermission) {
		return exitMissingCapability
	}
	return exitKernelLoadFailed
}

func runSampler(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg := newConfig()

	var uid uint32
	if userFilter != "" {
		u, err := user.Lookup(userFilter)
		if err != nil {
			return fmt.Errorf("resolving user filter: %w", err)
		}
		id, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return fmt.Errorf("parsing uid for %s: %w", userFilter, err)
		}
		uid = uint32(id)
	}

	eng, err := engine.New(logger, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng.Aggregator().Publisher().Subscribe(func(snap *monitor.Snapshot) {
		renderSnapshot(snap, treeMode, userFilter, uid)
	})

	if err := eng.Run(ctx); err != nil {
		return err
	}
	return nil
}

func renderSnapshot(snap *monitor.Snapshot, tree bool, userFilter string, uid uint32) {
	fmt.Printf("\n--- snapshot %d @ %s (cpu %.1f%% mem %.1f%%) ---\n",
		snap.Generation, snap.Collected.Format(time.RFC3339), snap.Totals.CPUPercent, snap.Totals.MemoryPercent)

	pids := make([]int32, 0, len(snap.Processes))
	for pid, entry := range snap.Processes {
		if userFilter != "" && entry.Task.UID != uid {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	if tree {
		renderTree(snap, pids)
		return
	}

	for _, pid := range pids {
		entry := snap.Processes[pid]
		fmt.Printf("%7d %5.1f%% %5.1f%% %9s  %-20s %s\n",
			pid, entry.CPUPercent, entry.MemoryPercent,
			humanize.Bytes(uint64(entry.ReadBytesPerSec+entry.WriteBytesPerSec))+"/s",
			unitLabel(entry), entry.Task.Comm)
	}
}

// renderTree groups pids by parent pid and prints each top-level pid (one
// whose parent is not in the snapshot) with its descendants nested
// recursively beneath it.
func renderTree(snap *monitor.Snapshot, pids []int32) {
	children := make(map[int32][]int32)
	for _, pid := range pids {
		ppid := snap.Processes[pid].Task.PPID
		children[ppid] = append(children[ppid], pid)
	}
	for _, pid := range pids {
		entry := snap.Processes[pid]
		if _, isChild := snap.Processes[entry.Task.PPID]; isChild {
			continue
		}
		printTreeNode(snap, children, pid, 0)
	}
}

func printTreeNode(snap *monitor.Snapshot, children map[int32][]int32, pid int32, depth int) {
	entry := snap.Processes[pid]
	fmt.Printf("%*s%d %s (%.1f%% cpu)\n", depth*2, "", pid, entry.Task.Comm, entry.CPUPercent)
	for _, child := range children[pid] {
		printTreeNode(snap, children, child, depth+1)
	}
}

func unitLabel(entry monitor.ProcessEntry) string {
	if entry.Classification.Container != "" {
		return "container:" + entry.Classification.Container
	}
	if entry.Classification.ServiceUnit != "" {
		return entry.Classification.ServiceUnit
	}
	return "-"
}

func newFreezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze <cgroup-root>",
		Short: "Freeze a cgroup v2 subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFreezeOp(args[0], func(ctl *freeze.Controller, ctx context.Context, root string) monitor.FreezeOutcome {
				return ctl.Freeze(ctx, root).Outcome
			})
		},
	}
}

func newThawCmd() *cobra.Command {
	var instant bool
	cmd := &cobra.Command{
		Use:   "thaw <cgroup-root>",
		Short: "Thaw a cgroup v2 subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFreezeOp(args[0], func(ctl *freeze.Controller, ctx context.Context, root string) monitor.FreezeOutcome {
				return ctl.Thaw(ctx, root, !instant).Outcome
			})
		},
	}
	cmd.Flags().BoolVar(&instant, "instant", false, "skip confirming the subtree still exists before thawing")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <cgroup-root>",
		Short: "Report the observed freeze state of a cgroup v2 subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := newConfig()
			ctl := freeze.NewController(newLogger(), cfg)
			state, err := ctl.Status(args[0])
			if err != nil {
				return err
			}
			fmt.Println(state)
			return nil
		},
	}
}

func runFreezeOp(cgroupRoot string, op func(ctl *freeze.Controller, ctx context.Context, root string) monitor.FreezeOutcome) error {
	cfg := newConfig()
	ctl := freeze.NewController(newLogger(), cfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.FreezeDeadline+time.Second)
	defer cancel()

	outcome := op(ctl, ctx, cgroupRoot)
	fmt.Println(outcome)
	if outcome != monitor.FreezeOutcomeSuccess {
		return fmt.Errorf("operation did not succeed: %s", outcome)
	}
	return nil
}
