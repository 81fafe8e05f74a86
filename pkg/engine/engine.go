// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package engine is the single-threaded sampler loop that drives one
// tick of the task pull, /proc scrape, and aggregation pipeline,
// publishing one snapshot per tick.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/unitop/unitop/pkg/aggregator"
	"github.com/unitop/unitop/pkg/classify"
	"github.com/unitop/unitop/pkg/ebpf/core"
	"github.com/unitop/unitop/pkg/freeze"
	"github.com/unitop/unitop/pkg/gpu"
	"github.com/unitop/unitop/pkg/monitor"
	"github.com/unitop/unitop/pkg/netprobe"
	"github.com/unitop/unitop/pkg/performance/ringbuffer"
	"github.com/unitop/unitop/pkg/procscrape"
	"github.com/unitop/unitop/pkg/tasksource"
)

// Engine owns every component's lifetime handle and drives the tick loop.
// Kernel program and map handles are acquired once in New and released
// once in Close, in reverse order of acquisition.
type Engine struct {
	logger logr.Logger
	cfg    monitor.SamplerConfig

	loader     *tasksource.Loader
	netProbe   *netprobe.Prober
	scraper    *procscrape.Scraper
	classifier *classify.Classifier
	gpuProbe   *gpu.Probe
	freezeCtl  *freeze.Controller
	aggregator *aggregator.Aggregator

	health *monitor.HealthStats
	// tickDurations keeps the last few tick durations for the engine's
	// health diagnostics beyond the single most-recent value HealthStats
	// tracks.
	tickDurations *ringbuffer.RingBuffer[time.Duration]
}

// New loads every component required for sampling. On a setup-fatal
// condition (kernel program load failure, cgroup v2 not mounted) it
// returns an error and releases anything it had already acquired; callers
// should treat this as a setup-fatal condition.
func New(logger logr.Logger, cfg monitor.SamplerConfig) (*Engine, error) {
	cfg.ApplyDefaults()

	coreMgr, err := core.NewManager(logger)
	if err != nil {
		return nil, fmt.Errorf("probing kernel features: %w", err)
	}

	loader, err := tasksource.NewLoader(logger, coreMgr)
	if err != nil {
		return nil, fmt.Errorf("loading task sampler: %w", err)
	}

	classifier, err := classify.NewClassifier(logger, cfg.HostProcPath, cfg.ClassificationCacheTicks)
	if err != nil {
		loader.Close()
		return nil, fmt.Errorf("starting classifier: %w", err)
	}

	health := monitor.NewHealthStats()

	netProbe, err := netprobe.NewProber(logger)
	if err != nil {
		logger.Error(err, "network probe unavailable, network rates will be suppressed")
		health.LatchDisabled("netprobe")
	} else if err := netProbe.Attach(); err != nil {
		logger.Error(err, "network probe failed to attach, network rates will be suppressed")
		health.LatchDisabled("netprobe")
	}

	gpuProbe := gpu.NewProbe()
	if !gpuProbe.Enabled() {
		logger.V(1).Info("GPU library unavailable, GPU fields will be omitted from every snapshot")
		health.LatchDisabled("gpu")
	}

	freezeCtl := freeze.NewController(logger, cfg)

	ringBuf, err := ringbuffer.New[time.Duration](64)
	if err != nil {
		gpuProbe.Close()
		if netProbe != nil {
			netProbe.Close()
		}
		loader.Close()
		return nil, fmt.Errorf("allocating tick history buffer: %w", err)
	}

	// netProbe is passed through as an interface only when it loaded
	// successfully; a nil *netprobe.Prober boxed into a non-nil interface
	// would make the aggregator's nil check for it useless.
	var netDeleter aggregator.NetCounterDeleter
	if netProbe != nil {
		netDeleter = netProbe
	}

	return &Engine{
		logger:        logger.WithName("engine"),
		cfg:           cfg,
		loader:        loader,
		netProbe:      netProbe,
		scraper:       procscrape.NewScraper(logger, cfg.HostProcPath),
		classifier:    classifier,
		gpuProbe:      gpuProbe,
		freezeCtl:     freezeCtl,
		aggregator:    aggregator.New(logger, classifier, freezeCtl, netDeleter, cfg),
		health:        health,
		tickDurations: ringBuf,
	}, nil
}

// Aggregator exposes the snapshot publisher to the CLI/UI collaborator.
func (e *Engine) Aggregator() *aggregator.Aggregator {
	return e.aggregator
}

// Health returns the engine's live operational bookkeeping.
func (e *Engine) Health() *monitor.HealthStats {
	return e.health
}

// RecentTickDurations returns the engine's most recent tick durations,
// oldest first, for CLI diagnostics beyond HealthStats' single last value.
func (e *Engine) RecentTickDurations() []time.Duration {
	return e.tickDurations.GetAll()
}

// FreezeController exposes freeze/thaw/status operations independent of
// the sampling loop; callers may invoke them concurrently with Run.
func (e *Engine) FreezeController() *freeze.Controller {
	return e.freezeCtl
}

// Run drives the tick loop until ctx is canceled. If a tick overruns its
// interval, the next tick begins immediately with no catch-up; missed
// ticks are counted.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	lastTick := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			var missed uint64
			if over := now.Sub(lastTick); over > e.cfg.TickInterval {
				missed = uint64(over / e.cfg.TickInterval)
			}
			lastTick = now
			e.tick(ctx, missed)
		}
	}
}

// tick runs one pull/scrape/join/publish cycle.
func (e *Engine) tick(ctx context.Context, missed uint64) {
	start := time.Now()

	tickCtx, cancel := context.WithDeadline(ctx, start.Add(e.cfg.TickInterval))
	defer cancel()

	records, partial, err := e.loader.Pull(tickCtx)
	if err != nil {
		e.logger.Error(err, "iteration pull failed")
		e.health.RecordScraperError("tasksource")
		partial = true
	}

	totals := e.scraper.Scrape(tickCtx, e.lastTotals(), e.health)

	var netTable map[int32]monitor.NetCounters
	if e.netProbe != nil {
		netTable, err = e.netProbe.Snapshot()
		if err != nil {
			e.logger.V(1).Info("network counter snapshot failed", "error", err)
			netTable = nil
		}
	}

	var gpuTable map[int32]monitor.GPUUsage
	if e.gpuProbe.Enabled() {
		gpuTable, err = e.gpuProbe.Sample()
		if err != nil {
			e.logger.V(1).Info("gpu sample failed", "error", err)
		}
	}

	e.aggregator.Aggregate(aggregator.Inputs{
		Records:   records,
		Partial:   partial,
		Totals:    totals,
		GPU:       gpuTable,
		Net:       netTable,
		Collected: start,
	})

	d := time.Since(start)
	e.tickDurations.Push(d)
	e.health.RecordTick(d, partial, missed)
}

// lastTotals returns the previous snapshot's system totals, or a zero
// value on the first tick, so the scraper can seed a failing read's
// portion with the prior value.
func (e *Engine) lastTotals() monitor.SystemTotals {
	if snap := e.aggregator.Publisher().Latest(); snap != nil {
		return snap.Totals
	}
	return monitor.SystemTotals{}
}

// Close releases every acquired handle in reverse order of acquisition.
func (e *Engine) Close() error {
	var errs []error
	if e.gpuProbe != nil {
		if err := e.gpuProbe.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.netProbe != nil {
		if err := e.netProbe.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.loader.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing engine: %v", errs)
	}
	return nil
}
