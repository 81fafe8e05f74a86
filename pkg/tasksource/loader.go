// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package tasksource is component A+C: it loads the kernel task-iterator
// program, drives one iteration pull per tick, and decodes the resulting
// records into monitor.TaskRecord.
package tasksource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	unitopebpf "github.com/unitop/unitop/pkg/ebpf"
	"github.com/unitop/unitop/pkg/ebpf/core"
	"github.com/unitop/unitop/pkg/monitor"
)

// Loader owns the sampler program, its ring buffer, and the iterator link
// for the process lifetime. Acquired once at start, released once at
// shutdown.
type Loader struct {
	logger logr.Logger

	objs     unitopebpf.SamplerObjects
	iterLink link.Link
	reader   *ringbuf.Reader
}

// NewLoader loads the compiled sampler program and attaches it to the
// kernel's task-iteration hook. The returned Loader must be closed exactly
// once.
func NewLoader(logger logr.Logger, coreMgr *core.Manager) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	features := coreMgr.GetKernelFeatures()
	logger = logger.WithName("tasksource")
	logger.V(1).Info("loading task sampler", "kernel", features.KernelVersion, "core_support", features.CORESupport)

	var objs unitopebpf.SamplerObjects
	if err := unitopebpf.LoadSamplerObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading sampler program: %w", err)
	}

	it, err := link.AttachIter(link.IterOptions{Program: objs.DumpTask})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attaching task iterator: %w", err)
	}

	rd, err := ringbuf.NewReader(objs.Records)
	if err != nil {
		it.Close()
		objs.Close()
		return nil, fmt.Errorf("opening sampler ring buffer: %w", err)
	}

	return &Loader{logger: logger, objs: objs, iterLink: it, reader: rd}, nil
}

// Close releases the ring buffer, iterator link, and program/map handles,
// in reverse order of acquisition.
func (l *Loader) Close() error {
	var errs []error
	if err := l.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.iterLink.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := l.objs.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing tasksource loader: %v", errs)
	}
	return nil
}

// Pull performs one iteration pull: opening a fresh reader over the task
// iterator drives the kernel to invoke the sampler once per live task,
// each of which emits a record into the shared ring buffer read
// concurrently here. Iteration is expected to finish within ctx's
// deadline; if it does not, the records drained so far are returned with
// partial=true.
func (l *Loader) Pull(ctx context.Context) (records []monitor.TaskRecord, partial bool, err error) {
	iterReader, err := l.iterLink.(interface {
		Open() (io.ReadCloser, error)
	}).Open()
	if err != nil {
		return nil, false, fmt.Errorf("opening iteration handle: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := l.reader.SetDeadline(deadline); err != nil {
			iterReader.Close()
			return nil, false, fmt.Errorf("setting ring buffer deadline: %w", err)
		}
	}

	drainDone := make(chan error, 1)
	go func() {
		// The iterator program communicates over the ring buffer, not the
		// seq_file text interface; reading to EOF here only drives the
		// kernel to invoke dump_task for every task.
		_, copyErr := io.Copy(io.Discard, iterReader)
		iterReader.Close()
		drainDone <- copyErr
	}()

	records = make([]monitor.TaskRecord, 0, 512)
	for {
		ev, rerr := l.reader.Read()
		if rerr != nil {
			if errors.Is(rerr, os.ErrDeadlineExceeded) {
				partial = true
				break
			}
			if errors.Is(rerr, ringbuf.ErrClosed) {
				break
			}
			return records, false, fmt.Errorf("reading sampler ring buffer: %w", rerr)
		}

		rec, derr := decodeTaskRecord(ev.RawSample)
		if derr != nil {
			l.logger.V(1).Info("dropping malformed task record", "error", derr)
			continue
		}
		records = append(records, rec)
	}

	select {
	case drainErr := <-drainDone:
		if drainErr != nil && !errors.Is(drainErr, io.EOF) {
			l.logger.V(1).Info("task iterator drain ended with error", "error", drainErr)
		}
	default:
		// Iterator hasn't finished draining; this pull is already partial.
		partial = true
	}

	return records, partial, nil
}
