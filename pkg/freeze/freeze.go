// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package freeze is the cgroup-v2 freeze controller. It drives a subtree
// through thawed -> freezing -> frozen -> thawing -> thawed by writing
// cgroup.freeze and polling cgroup.events, with no per-pid signaling.
package freeze

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	unitoperrors "github.com/unitop/unitop/pkg/errors"
	"github.com/unitop/unitop/pkg/monitor"
)

// Outcome is the result of a freeze/thaw/status call. Success means the
// requested state was observed before the deadline; the other values name
// the ways a transition can fail to reach it.
type Outcome = monitor.FreezeOutcome

// Result is returned by Freeze and Thaw.
type Result struct {
	CorrelationID string
	State         monitor.FreezeState
	Outcome       Outcome
}

// Controller drives freeze/thaw transitions against a cgroup v2 subtree.
// It holds no per-root state between calls; every call re-reads
// cgroup.freeze and cgroup.events from disk.
type Controller struct {
	logger   logr.Logger
	deadline time.Duration
	interval time.Duration
}

// NewController builds a Controller using cfg's freeze poll interval and
// deadline.
func NewController(logger logr.Logger, cfg monitor.SamplerConfig) *Controller {
	return &Controller{
		logger:   logger.WithName("freeze"),
		deadline: cfg.FreezeDeadline,
		interval: cfg.FreezePollInterval,
	}
}

// Freeze writes 1 to <cgroupRoot>/cgroup.freeze and polls cgroup.events
// until its frozen field reads 1 or the deadline expires. Idempotent:
// calling Freeze on an already-frozen subtree observes frozen=1 on the
// very first poll and returns Success immediately.
func (c *Controller) Freeze(ctx context.Context, cgroupRoot string) Result {
	return c.transition(ctx, cgroupRoot, "1", monitor.FreezeStateFreezing, monitor.FreezeStateFrozen)
}

// Thaw writes 0 to <cgroupRoot>/cgroup.freeze and polls until frozen
// reads 0 or the deadline expires. confirm requests verification that
// cgroupRoot still exists before writing; instant thaw (confirm=false)
// skips that check.
func (c *Controller) Thaw(ctx context.Context, cgroupRoot string, confirm bool) Result {
	if confirm {
		if _, err := os.Stat(cgroupRoot); err != nil {
			return Result{Outcome: monitor.FreezeOutcomeVanished}
		}
	}
	return c.transition(ctx, cgroupRoot, "0", monitor.FreezeStateThawing, monitor.FreezeStateThawed)
}

// Status reads the current freeze state without writing anything.
func (c *Controller) Status(cgroupRoot string) (monitor.FreezeState, error) {
	frozen, err := readFrozenField(cgroupRoot)
	if err != nil {
		return monitor.FreezeStateUnknown, err
	}
	if frozen {
		return monitor.FreezeStateFrozen, nil
	}
	return monitor.FreezeStateThawed, nil
}

func (c *Controller) transition(ctx context.Context, cgroupRoot, writeValue string, inFlight, target monitor.FreezeState) Result {
	correlationID := uuid.NewString()
	log := c.logger.WithValues("correlationID", correlationID, "cgroupRoot", cgroupRoot)

	if _, err := os.Stat(cgroupRoot); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{CorrelationID: correlationID, Outcome: monitor.FreezeOutcomeVanished}
		}
		return Result{CorrelationID: correlationID, Outcome: monitor.FreezeOutcomeDenied}
	}

	attrPath := filepath.Join(cgroupRoot, "cgroup.freeze")
	if err := os.WriteFile(attrPath, []byte(writeValue), 0644); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{CorrelationID: correlationID, Outcome: monitor.FreezeOutcomeVanished}
		}
		if errors.Is(err, os.ErrPermission) {
			return Result{CorrelationID: correlationID, State: inFlight, Outcome: monitor.FreezeOutcomeDenied}
		}
		return Result{CorrelationID: correlationID, State: inFlight, Outcome: monitor.FreezeOutcomeDenied}
	}

	wantFrozen := writeValue == "1"

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval
	b.MaxInterval = c.deadline

	op := func() (struct{}, error) {
		frozen, err := readFrozenField(cgroupRoot)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return struct{}{}, backoff.Permanent(errVanished)
			}
			return struct{}{}, unitoperrors.NewRetryable(err.Error())
		}
		if frozen == wantFrozen {
			return struct{}{}, nil
		}
		return struct{}{}, unitoperrors.NewRetryable("transition not yet observed")
	}

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(b))
	switch {
	case err == nil:
		log.V(1).Info("freeze transition observed", "target", target)
		return Result{CorrelationID: correlationID, State: target, Outcome: monitor.FreezeOutcomeSuccess}
	case errors.Is(err, errVanished):
		return Result{CorrelationID: correlationID, Outcome: monitor.FreezeOutcomeVanished}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{CorrelationID: correlationID, State: inFlight, Outcome: monitor.FreezeOutcomeTimeout}
	case errors.Is(ctx.Err(), context.Canceled):
		return Result{CorrelationID: correlationID, State: inFlight, Outcome: monitor.FreezeOutcomePending}
	default:
		return Result{CorrelationID: correlationID, State: inFlight, Outcome: monitor.FreezeOutcomeTimeout}
	}
}

var errVanished = unitoperrors.New("cgroup vanished during freeze poll")

// readFrozenField reads <cgroupRoot>/cgroup.events and returns the value
// of its "frozen" field. The file is a flat "key value\n" list per
// kernel Documentation/admin-guide/cgroup-v2.rst.
func readFrozenField(cgroupRoot string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.events"))
	if err != nil {
		return false, fmt.Errorf("reading cgroup.events: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "frozen" {
			return fields[1] == "1", nil
		}
	}
	return false, fmt.Errorf("no frozen field in cgroup.events")
}
