// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package procscrape performs exactly four reads per tick against fixed
// /proc paths, feeding the system-totals portion of a snapshot. Each read
// is independent; a failing read leaves its portion of the totals at the
// previous tick's value rather than failing the whole scrape.
package procscrape

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/unitop/unitop/pkg/monitor"
)

// Scraper holds the four fixed source paths, resolved once at
// construction against a configurable /proc root so the scraper works
// against a bind-mounted host /proc from inside a container.
type Scraper struct {
	logger logr.Logger

	statPath    string
	meminfoPath string
	loadavgPath string
	uptimePath  string
}

// NewScraper resolves the four source paths under procRoot (typically
// "/proc", overridable via SamplerConfig.HostProcPath).
func NewScraper(logger logr.Logger, procRoot string) *Scraper {
	return &Scraper{
		logger:      logger.WithName("procscrape"),
		statPath:    filepath.Join(procRoot, "stat"),
		meminfoPath: filepath.Join(procRoot, "meminfo"),
		loadavgPath: filepath.Join(procRoot, "loadavg"),
		uptimePath:  filepath.Join(procRoot, "uptime"),
	}
}

// Scrape runs the four reads concurrently and returns a new SystemTotals
// seeded from prev, so any read that fails this tick keeps its previous
// value. Per-source failures are recorded on health and logged, never
// returned as an error from Scrape itself. The reads do not observe ctx:
// all four run to completion even if ctx is canceled.
func (s *Scraper) Scrape(ctx context.Context, prev monitor.SystemTotals, health *monitor.HealthStats) monitor.SystemTotals {
	totals := prev

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		cpu, err := readCPUTotals(s.statPath)
		if err != nil {
			s.logger.V(1).Info("cpu scrape failed, keeping previous value", "error", err)
			health.RecordScraperError("stat")
			return nil
		}
		mu.Lock()
		totals.CPU = cpu
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		mem, err := readMeminfo(s.meminfoPath)
		if err != nil {
			s.logger.V(1).Info("memory scrape failed, keeping previous value", "error", err)
			health.RecordScraperError("meminfo")
			return nil
		}
		mu.Lock()
		totals.MemTotal = mem.MemTotal
		totals.MemFree = mem.MemFree
		totals.MemAvail = mem.MemAvail
		totals.Buffers = mem.Buffers
		totals.Cached = mem.Cached
		totals.SwapTotal = mem.SwapTotal
		totals.SwapUsed = mem.SwapUsed
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		la, err := readLoadavg(s.loadavgPath)
		if err != nil {
			s.logger.V(1).Info("load average scrape failed, keeping previous value", "error", err)
			health.RecordScraperError("loadavg")
			return nil
		}
		mu.Lock()
		totals.Load1, totals.Load5, totals.Load15 = la.Load1, la.Load5, la.Load15
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		uptime, err := readUptime(s.uptimePath)
		if err != nil {
			s.logger.V(1).Info("uptime scrape failed, keeping previous value", "error", err)
			health.RecordScraperError("uptime")
			return nil
		}
		mu.Lock()
		totals.UptimeSecs = uptime
		mu.Unlock()
		return nil
	})

	// None of the four goroutines above ever return a non-nil error;
	// failures are swallowed and recorded on health instead, so Wait
	// returns nil.
	if err := g.Wait(); err != nil {
		s.logger.V(1).Info("scrape aborted by context", "error", err)
	}

	if totals.MemTotal > 0 {
		used := totals.MemTotal - totals.MemFree
		totals.MemoryPercent = float64(used) / float64(totals.MemTotal) * 100
	}

	return totals
}
