// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package tasksource

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/unitop/unitop/pkg/monitor"
)

// recordSize is the wire size of struct task_record (bpf/include/common.h),
// packed, host-endian. Kept in lockstep with the C struct by hand: bump
// both sides together if a field is added or widened.
const recordSize = 4*5 + 8*7 + 4*3 + 8 + 16 + 256 + 1 + 8*2 + 8*2 + 1

func decodeTaskRecord(raw []byte) (monitor.TaskRecord, error) {
	if len(raw) < recordSize {
		return monitor.TaskRecord{}, fmt.Errorf("task record truncated: got %d bytes, want %d", len(raw), recordSize)
	}

	r := bytes.NewReader(raw)
	var rec monitor.TaskRecord

	var pid, tgid, ppid, uid, euid uint32
	read(r, &pid)
	read(r, &tgid)
	read(r, &ppid)
	read(r, &uid)
	read(r, &euid)
	rec.PID = int32(pid)
	rec.TGID = int32(tgid)
	rec.PPID = int32(ppid)
	rec.UID = uid
	rec.EUID = euid

	read(r, &rec.StartTimeTicks)
	read(r, &rec.UTimeTicks)
	read(r, &rec.STimeTicks)
	read(r, &rec.RSSPages)
	read(r, &rec.VSizePages)
	read(r, &rec.MinFlt)
	read(r, &rec.MajFlt)

	read(r, &rec.NumThreads)
	var nice int32
	read(r, &nice)
	rec.Nice = nice
	read(r, &rec.Policy)

	read(r, &rec.CgroupID)

	comm := make([]byte, 16)
	r.Read(comm)
	rec.Comm = cString(comm)

	cmdline := make([]byte, 256)
	r.Read(cmdline)
	rec.Cmdline, rec.CmdlineTruncated = boundedCString(cmdline)

	state, _ := r.ReadByte()
	rec.State = state

	read(r, &rec.NVCSW)
	read(r, &rec.NIVCSW)
	read(r, &rec.ReadBytes)
	read(r, &rec.WriteBytes)

	flags, _ := r.ReadByte()
	rec.Flags = monitor.TaskRecordFlag(flags)

	return rec, nil
}

func read(r *bytes.Reader, v any) {
	// Errors are impossible here: recordSize was already checked against
	// len(raw) above, so every fixed-width read below stays in bounds.
	_ = binary.Read(r, binary.LittleEndian, v)
}

// cString trims a NUL-padded fixed-size field at its first NUL byte.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// boundedCString reports both the trimmed string and whether the field hit
// its bound with no terminating NUL; the decoder stores the latter as
// TaskRecord.CmdlineTruncated.
func boundedCString(b []byte) (string, bool) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i]), false
	}
	return string(b), true
}
