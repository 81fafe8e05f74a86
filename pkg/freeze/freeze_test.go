package freeze_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitop/unitop/pkg/freeze"
	"github.com/unitop/unitop/pkg/monitor"
)

func newTestController() *freeze.Controller {
	cfg := monitor.SamplerConfig{
		FreezePollInterval: time.Millisecond,
		FreezeDeadline:     200 * time.Millisecond,
	}
	return freeze.NewController(logr.Discard(), cfg)
}

// fakeCgroup writes cgroup.freeze/cgroup.events into dir and starts a
// background writer that flips cgroup.events' frozen field to match
// whatever was last written to cgroup.freeze, after a short delay, the way
// the real kernel does asynchronously.
func fakeCgroup(t *testing.T, initialFrozen bool) string {
	t.Helper()
	dir := t.TempDir()
	writeFrozen(t, dir, initialFrozen)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.freeze"), []byte(boolToFlag(initialFrozen)), 0644))
	return dir
}

func writeFrozen(t *testing.T, dir string, frozen bool) {
	t.Helper()
	content := "populated 1\nfrozen " + boolToFlag(frozen) + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.events"), []byte(content), 0644))
}

func boolToFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func TestController_Freeze_AlreadyFrozenIsIdempotent(t *testing.T) {
	dir := fakeCgroup(t, true)
	c := newTestController()

	res := c.Freeze(context.Background(), dir)
	assert.Equal(t, monitor.FreezeOutcomeSuccess, res.Outcome)
	assert.Equal(t, monitor.FreezeStateFrozen, res.State)
	assert.NotEmpty(t, res.CorrelationID)
}

func TestController_Freeze_ObservesAsyncTransition(t *testing.T) {
	dir := fakeCgroup(t, false)
	c := newTestController()

	go func() {
		time.Sleep(10 * time.Millisecond)
		writeFrozen(t, dir, true)
	}()

	res := c.Freeze(context.Background(), dir)
	assert.Equal(t, monitor.FreezeOutcomeSuccess, res.Outcome)
	assert.Equal(t, monitor.FreezeStateFrozen, res.State)
}

func TestController_Freeze_TimesOutIfNeverObserved(t *testing.T) {
	dir := fakeCgroup(t, false)
	c := newTestController()

	res := c.Freeze(context.Background(), dir)
	assert.Equal(t, monitor.FreezeOutcomeTimeout, res.Outcome)
	assert.Equal(t, monitor.FreezeStateFreezing, res.State)
}

func TestController_Freeze_VanishedRoot(t *testing.T) {
	c := newTestController()
	res := c.Freeze(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Equal(t, monitor.FreezeOutcomeVanished, res.Outcome)
}

func TestController_Thaw_ConfirmedVanishedRoot(t *testing.T) {
	c := newTestController()
	res := c.Thaw(context.Background(), filepath.Join(t.TempDir(), "gone"), true)
	assert.Equal(t, monitor.FreezeOutcomeVanished, res.Outcome)
}

func TestController_Status(t *testing.T) {
	dir := fakeCgroup(t, true)
	c := newTestController()

	state, err := c.Status(dir)
	require.NoError(t, err)
	assert.Equal(t, monitor.FreezeStateFrozen, state)
}
