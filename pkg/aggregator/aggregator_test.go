package aggregator_test

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitop/unitop/pkg/aggregator"
	"github.com/unitop/unitop/pkg/monitor"
)

func newAggregator() *aggregator.Aggregator {
	return aggregator.New(logr.Discard(), nil, nil, nil, monitor.SamplerConfig{})
}

func TestAggregate_FirstTickMarksEverythingFirstSeen(t *testing.T) {
	a := newAggregator()

	snap := a.Aggregate(aggregator.Inputs{
		Records: []monitor.TaskRecord{
			{PID: 100, TGID: 100, StartTimeTicks: 5, UTimeTicks: 10},
		},
		Collected: time.Now(),
	})

	require.Len(t, snap.Processes, 1)
	entry := snap.Processes[100]
	assert.True(t, entry.FirstSeen)
	assert.Zero(t, entry.CPUPercent)
	assert.EqualValues(t, 1, snap.Generation)
}

func TestAggregate_SecondTickDerivesRates(t *testing.T) {
	a := newAggregator()
	t0 := time.Now()

	a.Aggregate(aggregator.Inputs{
		Records: []monitor.TaskRecord{
			{PID: 100, TGID: 100, StartTimeTicks: 5, UTimeTicks: 100, ReadBytes: 1000},
		},
		Collected: t0,
	})

	snap := a.Aggregate(aggregator.Inputs{
		Records: []monitor.TaskRecord{
			{PID: 100, TGID: 100, StartTimeTicks: 5, UTimeTicks: 200, ReadBytes: 3000},
		},
		Collected: t0.Add(time.Second),
	})

	entry := snap.Processes[100]
	assert.False(t, entry.FirstSeen)
	assert.InDelta(t, 100.0, entry.CPUUserPercent, 0.01)
	assert.InDelta(t, 2000.0, entry.ReadBytesPerSec, 0.01)
	assert.EqualValues(t, 2, snap.Generation)
}

func TestAggregate_PidReuseTreatedAsFirstSeen(t *testing.T) {
	a := newAggregator()
	t0 := time.Now()

	a.Aggregate(aggregator.Inputs{
		Records:   []monitor.TaskRecord{{PID: 100, TGID: 100, StartTimeTicks: 5, UTimeTicks: 100}},
		Collected: t0,
	})

	snap := a.Aggregate(aggregator.Inputs{
		Records:   []monitor.TaskRecord{{PID: 100, TGID: 100, StartTimeTicks: 99, UTimeTicks: 5}},
		Collected: t0.Add(time.Second),
	})

	entry := snap.Processes[100]
	assert.True(t, entry.FirstSeen)
	assert.Zero(t, entry.CPUUserPercent)
}

func TestAggregate_ThreadsCollapsedByDefault(t *testing.T) {
	a := newAggregator()

	snap := a.Aggregate(aggregator.Inputs{
		Records: []monitor.TaskRecord{
			{PID: 100, TGID: 100},
			{PID: 101, TGID: 100},
		},
		Collected: time.Now(),
	})

	assert.Len(t, snap.Processes, 1)
	_, ok := snap.Processes[100]
	assert.True(t, ok)
}

func TestAggregate_ExpandThreadsKeepsEachThread(t *testing.T) {
	a := aggregator.New(logr.Discard(), nil, nil, nil, monitor.SamplerConfig{ExpandThreads: true})

	snap := a.Aggregate(aggregator.Inputs{
		Records: []monitor.TaskRecord{
			{PID: 100, TGID: 100},
			{PID: 101, TGID: 100},
		},
		Collected: time.Now(),
	})

	assert.Len(t, snap.Processes, 2)
}

func TestAggregate_GPUAndNetJoinedByPID(t *testing.T) {
	a := newAggregator()

	snap := a.Aggregate(aggregator.Inputs{
		Records:   []monitor.TaskRecord{{PID: 100, TGID: 100}},
		GPU:       map[int32]monitor.GPUUsage{100: {VRAMBytes: 512}},
		Net:       map[int32]monitor.NetCounters{100: {BytesSent: 10}},
		Collected: time.Now(),
	})

	entry := snap.Processes[100]
	require.NotNil(t, entry.GPU)
	assert.EqualValues(t, 512, entry.GPU.VRAMBytes)
}

type fakeNetDeleter struct {
	deleted []int32
}

func (f *fakeNetDeleter) DeletePID(pid int32) error {
	f.deleted = append(f.deleted, pid)
	return nil
}

func TestAggregate_ReclaimsNetCounterAfterTwoConsecutiveMisses(t *testing.T) {
	deleter := &fakeNetDeleter{}
	a := aggregator.New(logr.Discard(), nil, nil, deleter, monitor.SamplerConfig{})

	a.Aggregate(aggregator.Inputs{
		Records:   []monitor.TaskRecord{{PID: 100, TGID: 100}},
		Net:       map[int32]monitor.NetCounters{100: {BytesSent: 10}},
		Collected: time.Now(),
	})
	assert.Empty(t, deleter.deleted, "process still present, nothing to reclaim")

	a.Aggregate(aggregator.Inputs{Collected: time.Now()})
	assert.Empty(t, deleter.deleted, "first miss alone must not reclaim")

	a.Aggregate(aggregator.Inputs{Collected: time.Now()})
	assert.Equal(t, []int32{100}, deleter.deleted, "second consecutive miss reclaims the entry")

	a.Aggregate(aggregator.Inputs{Collected: time.Now()})
	assert.Equal(t, []int32{100}, deleter.deleted, "already reclaimed, no further delete calls")
}

func TestAggregate_ReappearingProcessResetsMissCount(t *testing.T) {
	deleter := &fakeNetDeleter{}
	a := aggregator.New(logr.Discard(), nil, nil, deleter, monitor.SamplerConfig{})

	rec := monitor.TaskRecord{PID: 100, TGID: 100}
	a.Aggregate(aggregator.Inputs{Records: []monitor.TaskRecord{rec}, Collected: time.Now()})
	a.Aggregate(aggregator.Inputs{Collected: time.Now()})
	a.Aggregate(aggregator.Inputs{Records: []monitor.TaskRecord{rec}, Collected: time.Now()})
	a.Aggregate(aggregator.Inputs{Collected: time.Now()})

	assert.Empty(t, deleter.deleted, "a single miss after reappearing must not trigger reclaim")
}
