// Copyright The Unitop Authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package classify

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// findCgroupV2Root discovers the cgroup-v2 unified hierarchy's mount point
// by parsing /proc/self/mountinfo once at startup.
//
// mountinfo lines carry a " - <fstype> <source> <superopts>" suffix; we
// only need the fstype and the mount point field that precedes it.
func findCgroupV2Root(mountinfoPath string) (string, error) {
	f, err := os.Open(mountinfoPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", mountinfoPath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()

		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) < 1 || tail[0] != "cgroup2" {
			continue
		}

		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		return filepath.Clean(pre[4]), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scanning %s: %w", mountinfoPath, err)
	}

	return "", fmt.Errorf("no cgroup2 mount found in %s (cgroup v2 not mounted)", mountinfoPath)
}
