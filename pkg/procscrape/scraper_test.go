package procscrape_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitop/unitop/pkg/monitor"
	"github.com/unitop/unitop/pkg/procscrape"
)

const (
	validStat    = "cpu  100 10 50 800 5 0 2 0 0 0\ncpu0 100 10 50 800 5 0 2 0 0 0\n"
	validMeminfo = "MemTotal:       1000000 kB\nMemFree:         400000 kB\nMemAvailable:    600000 kB\nBuffers:          10000 kB\nCached:           20000 kB\nSwapTotal:       500000 kB\nSwapFree:        500000 kB\n"
	validLoadavg = "0.50 1.25 2.75 2/1234 12345\n"
	validUptime  = "1234.56 5678.90\n"
)

func writeFixtures(t *testing.T, stat, meminfo, loadavg, uptime string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"stat": stat, "meminfo": meminfo, "loadavg": loadavg, "uptime": uptime,
	} {
		if content == "" {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestScraper_AllSourcesPresent(t *testing.T) {
	dir := writeFixtures(t, validStat, validMeminfo, validLoadavg, validUptime)
	s := procscrape.NewScraper(logr.Discard(), dir)
	health := monitor.NewHealthStats()

	totals := s.Scrape(context.Background(), monitor.SystemTotals{}, health)

	assert.Equal(t, uint64(100), totals.CPU.User)
	assert.Len(t, totals.CPU.PerCPU, 1)
	assert.Equal(t, uint64(1000000*1024), totals.MemTotal)
	assert.Equal(t, 0.50, totals.Load1)
	assert.Equal(t, 1234.56, totals.UptimeSecs)
	assert.InDelta(t, 60.0, totals.MemoryPercent, 0.01)

	snap := health.Snapshot()
	assert.Empty(t, snap.ScraperErrors)
}

func TestScraper_MissingSourceKeepsPreviousValue(t *testing.T) {
	dir := writeFixtures(t, "", validMeminfo, validLoadavg, validUptime)
	s := procscrape.NewScraper(logr.Discard(), dir)
	health := monitor.NewHealthStats()

	prev := monitor.SystemTotals{CPU: monitor.CPUTotals{User: 42}}
	totals := s.Scrape(context.Background(), prev, health)

	assert.Equal(t, uint64(42), totals.CPU.User)

	snap := health.Snapshot()
	assert.Equal(t, uint64(1), snap.ScraperErrors["stat"])
}

func TestScraper_AllSourcesMissingIsNotFatal(t *testing.T) {
	dir := writeFixtures(t, "", "", "", "")
	s := procscrape.NewScraper(logr.Discard(), dir)
	health := monitor.NewHealthStats()

	totals := s.Scrape(context.Background(), monitor.SystemTotals{}, health)
	assert.Equal(t, monitor.SystemTotals{}, totals)

	snap := health.Snapshot()
	assert.Len(t, snap.ScraperErrors, 4)
}
