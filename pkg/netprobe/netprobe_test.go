package netprobe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unitop/unitop/pkg/netprobe"
)

func TestProber_ZeroValueIsDetached(t *testing.T) {
	var p netprobe.Prober
	assert.False(t, p.Attached())
}

func TestProber_SnapshotEmptyWhenDetached(t *testing.T) {
	var p netprobe.Prober
	counters, err := p.Snapshot()
	assert.NoError(t, err)
	assert.Empty(t, counters)
}
