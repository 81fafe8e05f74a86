// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ebpf

// This file contains go:generate directives for generating Go bindings from
// the eBPF programs under bpf/src. bpf2go emits one <Name>.go per invocation
// plus an architecture pair of object files (bpf2go always cross-builds
// both, regardless of the build host).

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I../../bpf/include" -type task_record -go-package ebpf -output-dir . Sampler ../../bpf/src/sampler.bpf.c -- -D__TARGET_ARCH_x86

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I../../bpf/include" -type net_counters -go-package ebpf -output-dir . Netprobe ../../bpf/src/netprobe.bpf.c -- -D__TARGET_ARCH_x86
