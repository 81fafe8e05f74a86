// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package classify resolves a task's opaque cgroup identifier to a
// (service-unit, container, cgroup-root) triple and caches the mapping
// for N ticks.
package classify

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/unitop/unitop/pkg/monitor"
)

var (
	serviceUnitPattern = regexp.MustCompile(`^[^/]+\.(service|scope|slice)$`)
	dockerPattern      = regexp.MustCompile(`^docker-([0-9a-f]{64})\.scope$`)
	podmanPattern      = regexp.MustCompile(`^libpod-([0-9a-f]{64})\.scope$`)
)

type cacheEntry struct {
	classification monitor.Classification
	lastSeenTick   uint64
}

// Classifier owns the classification cache: entries age out after
// cacheTicks consecutive ticks without being seen again.
type Classifier struct {
	logger logr.Logger
	root   string

	cacheTicks uint64

	mu    sync.Mutex
	cache map[uint64]*cacheEntry
	tick  uint64
}

// NewClassifier discovers the cgroup-v2 hierarchy root under procRoot
// (typically "/proc") and returns a Classifier ready to serve Classify
// calls. Returns an error if cgroup v2 is not mounted, a setup-fatal
// condition.
func NewClassifier(logger logr.Logger, procRoot string, cacheTicks int) (*Classifier, error) {
	root, err := findCgroupV2Root(filepath.Join(procRoot, "self", "mountinfo"))
	if err != nil {
		return nil, fmt.Errorf("discovering cgroup v2 root: %w", err)
	}

	return &Classifier{
		logger:     logger.WithName("classifier"),
		root:       root,
		cacheTicks: uint64(cacheTicks),
		cache:      make(map[uint64]*cacheEntry),
	}, nil
}

// Root returns the discovered cgroup-v2 hierarchy mount point.
func (c *Classifier) Root() string {
	return c.root
}

// Tick advances the classifier's internal clock and evicts cache entries
// that have gone unseen for cacheTicks ticks. The aggregator calls this
// once per sampler tick, before classifying that tick's records.
func (c *Classifier) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick++
	for id, e := range c.cache {
		if c.tick-e.lastSeenTick > c.cacheTicks {
			delete(c.cache, id)
		}
	}
}

// Classify resolves a cgroup identifier to its service-unit/container/root
// triple, consulting and refreshing the cache first. Two queries for the
// same id without an intervening eviction return byte-identical results.
func (c *Classifier) Classify(cgroupID uint64) (monitor.Classification, error) {
	c.mu.Lock()
	if e, ok := c.cache[cgroupID]; ok {
		e.lastSeenTick = c.tick
		cls := e.classification
		c.mu.Unlock()
		return cls, nil
	}
	tick := c.tick
	c.mu.Unlock()

	path, err := resolveCgroupPath(c.root, cgroupID)
	if err != nil {
		return monitor.Classification{}, fmt.Errorf("resolving cgroup id %d: %w", cgroupID, err)
	}

	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return monitor.Classification{}, fmt.Errorf("relativizing %s to %s: %w", path, c.root, err)
	}

	var segments []string
	if rel != "." {
		segments = strings.Split(rel, string(filepath.Separator))
	}
	cls := classifySegments(segments)
	cls.CgroupRoot = path

	c.mu.Lock()
	c.cache[cgroupID] = &cacheEntry{classification: cls, lastSeenTick: tick}
	c.mu.Unlock()

	return cls, nil
}

// classifySegments applies the tie-break rules to the path segments from
// the hierarchy root toward the task's leaf cgroup: the innermost (last)
// segment matching the service-unit pattern wins; the first segment
// matching a container pattern wins. A segment can match both patterns at
// once (a docker/podman scope is also a valid service-unit name), setting
// both fields from that one segment.
func classifySegments(segments []string) monitor.Classification {
	var cls monitor.Classification

	for i, seg := range segments {
		if id, ok := containerID(segments, i); ok && cls.Container == "" {
			cls.Container = truncate12(id)
		}
		if serviceUnitPattern.MatchString(seg) {
			cls.ServiceUnit = seg
		}
	}

	return cls
}

// containerID reports whether segments[i] is a recognized container
// boundary and, if so, the display id to use.
func containerID(segments []string, i int) (string, bool) {
	seg := segments[i]

	if m := dockerPattern.FindStringSubmatch(seg); m != nil {
		return m[1], true
	}
	if m := podmanPattern.FindStringSubmatch(seg); m != nil {
		return m[1], true
	}

	if i > 0 {
		parent := segments[i-1]
		if parent == "machine.slice" || parent == "containerd" {
			return seg, true
		}
	}
	return "", false
}

// truncate12 returns s truncated to 12 characters, the display length used
// for container ids. Anything shorter than the bound, or not a raw hex
// id, passes through unchanged.
func truncate12(s string) string {
	if len(s) > 12 && isHex(s) {
		return s[:12]
	}
	return s
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// resolveCgroupPath walks the cgroup-v2 hierarchy from root looking for
// the directory whose kernfs node id (surfaced to userspace as its inode
// number) equals id. There is no reverse-lookup syscall for this; the
// kernel program captured the id once from the task's perspective, and
// userspace must search for it. Cache hits (the common case) avoid this
// walk entirely.
func resolveCgroupPath(root string, id uint64) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip directories that vanished mid-walk
		}
		if !d.IsDir() {
			return nil
		}
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return nil
		}
		if st.Ino == id {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking %s: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("cgroup id %d not found under %s", id, root)
	}
	return found, nil
}
