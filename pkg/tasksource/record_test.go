package tasksource

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitop/unitop/pkg/monitor"
)

// buildRawRecord packs a task_record byte-for-byte the way the kernel
// sampler would, for decodeTaskRecord to parse back.
func buildRawRecord(t *testing.T, mutate func(buf *bytes.Buffer)) []byte {
	t.Helper()
	buf := new(bytes.Buffer)

	write := func(v any) {
		require.NoError(t, binary.Write(buf, binary.LittleEndian, v))
	}

	write(uint32(1234)) // pid
	write(uint32(1234)) // tgid
	write(uint32(1))    // ppid
	write(uint32(1000)) // uid
	write(uint32(1000)) // euid
	write(uint64(5000)) // start_time_ticks
	write(uint64(100))  // utime_ticks
	write(uint64(50))   // stime_ticks
	write(uint64(2048)) // rss_pages
	write(uint64(4096)) // vsize_pages
	write(uint64(3))    // min_flt
	write(uint64(1))    // maj_flt
	write(uint32(1))    // num_threads
	write(int32(0))     // nice
	write(uint32(0))    // policy
	write(uint64(9001)) // cgroup_id

	var comm [16]byte
	copy(comm[:], "myapp")
	buf.Write(comm[:])

	var cmdline [256]byte
	copy(cmdline[:], "myapp --flag value")
	buf.Write(cmdline[:])

	write(uint8(0)) // state
	write(uint64(7))
	write(uint64(2))
	write(uint64(4096))
	write(uint64(1024))
	write(uint8(0)) // flags

	if mutate != nil {
		mutate(buf)
	}
	return buf.Bytes()
}

func TestDecodeTaskRecord_Basic(t *testing.T) {
	raw := buildRawRecord(t, nil)

	rec, err := decodeTaskRecord(raw)
	require.NoError(t, err)

	assert.Equal(t, int32(1234), rec.PID)
	assert.Equal(t, int32(1234), rec.TGID)
	assert.Equal(t, "myapp", rec.Comm)
	assert.Equal(t, "myapp --flag value", rec.Cmdline)
	assert.False(t, rec.CmdlineTruncated)
	assert.False(t, rec.PartialRead())
}

func TestDecodeTaskRecord_PartialReadFlagSet(t *testing.T) {
	raw := buildRawRecord(t, nil)
	raw[len(raw)-1] = byte(monitor.TaskRecordPartialRead)

	rec, err := decodeTaskRecord(raw)
	require.NoError(t, err)
	assert.True(t, rec.PartialRead())
}

func TestDecodeTaskRecord_TruncatedCmdlineHasNoNUL(t *testing.T) {
	buf := new(bytes.Buffer)
	write := func(v any) { require.NoError(t, binary.Write(buf, binary.LittleEndian, v)) }

	write(uint32(1))
	write(uint32(1))
	write(uint32(0))
	write(uint32(0))
	write(uint32(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint32(1))
	write(int32(0))
	write(uint32(0))
	write(uint64(0))

	var comm [16]byte
	buf.Write(comm[:])

	// Fill the whole 256-byte cmdline field with non-NUL bytes.
	cmdline := bytes.Repeat([]byte{'x'}, 256)
	buf.Write(cmdline)

	write(uint8(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint64(0))
	write(uint8(0))

	rec, err := decodeTaskRecord(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, rec.CmdlineTruncated)
	assert.Len(t, rec.Cmdline, 256)
}

func TestDecodeTaskRecord_ShortBufferErrors(t *testing.T) {
	_, err := decodeTaskRecord([]byte{1, 2, 3})
	assert.Error(t, err)
}
