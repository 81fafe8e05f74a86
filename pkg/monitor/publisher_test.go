package monitor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitop/unitop/pkg/monitor"
)

func TestPublisher_LatestNilUntilFirstPublish(t *testing.T) {
	p := monitor.NewPublisher()
	assert.Nil(t, p.Latest())
}

func TestPublisher_PublishReplacesLatest(t *testing.T) {
	p := monitor.NewPublisher()

	first := &monitor.Snapshot{Generation: 1}
	p.Publish(first)
	require.NotNil(t, p.Latest())
	assert.Equal(t, uint64(1), p.Latest().Generation)

	second := &monitor.Snapshot{Generation: 2}
	p.Publish(second)
	assert.Equal(t, uint64(2), p.Latest().Generation)
}

func TestPublisher_SubscribersNotifiedInOrder(t *testing.T) {
	p := monitor.NewPublisher()

	var seen []uint64
	p.Subscribe(func(s *monitor.Snapshot) { seen = append(seen, s.Generation) })
	p.Subscribe(func(s *monitor.Snapshot) { seen = append(seen, s.Generation*10) })

	p.Publish(&monitor.Snapshot{Generation: 1})

	assert.Equal(t, []uint64{1, 10}, seen)
}

func TestPublisher_SubscriberRegisteredAfterPublishMissesPast(t *testing.T) {
	p := monitor.NewPublisher()
	p.Publish(&monitor.Snapshot{Generation: 1})

	var calls int
	p.Subscribe(func(s *monitor.Snapshot) { calls++ })

	assert.Equal(t, 0, calls)

	p.Publish(&monitor.Snapshot{Generation: 2})
	assert.Equal(t, 1, calls)
}

func TestHealthStats_RecordTickAccumulates(t *testing.T) {
	h := monitor.NewHealthStats()

	h.RecordTick(10*time.Millisecond, false, 0)
	h.RecordTick(20*time.Millisecond, true, 1)

	snap := h.Snapshot()
	assert.Equal(t, uint64(2), snap.TicksRun)
	assert.Equal(t, uint64(1), snap.TicksMissed)
	assert.Equal(t, 20*time.Millisecond, snap.LastTickDuration)
	assert.True(t, snap.LastTickPartial)
}

func TestHealthStats_ScraperErrorsPerSource(t *testing.T) {
	h := monitor.NewHealthStats()

	h.RecordScraperError("stat")
	h.RecordScraperError("stat")
	h.RecordScraperError("meminfo")

	snap := h.Snapshot()
	assert.Equal(t, uint64(2), snap.ScraperErrors["stat"])
	assert.Equal(t, uint64(1), snap.ScraperErrors["meminfo"])
}

func TestHealthStats_LatchDisabledIsSticky(t *testing.T) {
	h := monitor.NewHealthStats()

	assert.False(t, h.Disabled("gpu"))
	h.LatchDisabled("gpu")
	assert.True(t, h.Disabled("gpu"))
}

func TestTaskRecord_PartialRead(t *testing.T) {
	tests := []struct {
		name  string
		flags monitor.TaskRecordFlag
		want  bool
	}{
		{"no flags", 0, false},
		{"partial read set", monitor.TaskRecordPartialRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := monitor.TaskRecord{Flags: tt.flags}
			assert.Equal(t, tt.want, rec.PartialRead())
		})
	}
}

func TestFreezeState_String(t *testing.T) {
	tests := []struct {
		state monitor.FreezeState
		want  string
	}{
		{monitor.FreezeStateThawed, "thawed"},
		{monitor.FreezeStateFreezing, "freezing"},
		{monitor.FreezeStateFrozen, "frozen"},
		{monitor.FreezeStateThawing, "thawing"},
		{monitor.FreezeStateUnknown, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
