// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package fswatch

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Remote connects to a FUSE-backed project-root monitor, when the project
// directory is mounted through one (SPEC_FULL.md §4.G). It is the
// high-fidelity source: a containerized build sees every writer's pid
// tagged on each invalidation, not just "something under this path
// changed."
type Remote struct {
	conn net.Conn
	rd   *bufio.Scanner
	root string
	sink Sink
}

// DiscoverMountRoot finds the FUSE mount point backing path by walking
// /proc/mounts for a `fuse.` filesystem type whose mount point is a prefix
// of path, falling back to `df path` when /proc/mounts is unavailable
// (non-Linux hosts, containers without procfs) or lists no such mount. The
// df fallback reports the mount point of whatever filesystem holds path; it
// does not check that this is a FUSE mount.
func DiscoverMountRoot(path string) (mountPoint string, ok bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	if mp, ok := scanProcMounts(abs); ok {
		return mp, true
	}
	return scanDf(abs)
}

func scanProcMounts(path string) (string, bool) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", false
	}
	defer f.Close()

	best := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !strings.HasPrefix(fsType, "fuse") {
			continue
		}
		if strings.HasPrefix(path, mountPoint) && len(mountPoint) > len(best) {
			best = mountPoint
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

func scanDf(path string) (string, bool) {
	out, err := exec.Command("df", "--output=target", path).Output()
	if err != nil {
		return "", false
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return "", false
	}
	return strings.TrimSpace(lines[len(lines)-1]), true
}

// discoverPort finds the FUSE monitor's listening TCP port by inspecting
// /proc for a process whose command line names the mount point, then
// reading the port from that process's port file (readPortFile). Returns
// false when no such process is visible (the common case outside the
// monitor's own container).
func discoverPort(mountPoint string) (int, bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
		if err != nil || !strings.Contains(string(cmdline), mountPoint) {
			continue
		}
		if port, ok := readPortFile(pid); ok {
			return port, true
		}
	}
	return 0, false
}

// readPortFile reads the monitor's listening port from a
// `.fuse-monitor-port` file in the working directory of process pid
// (/proc/<pid>/cwd), rather than parsing /proc/<pid>/net/tcp's packed hex
// socket table by hand.
func readPortFile(pid int) (int, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cwd/.fuse-monitor-port", pid))
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return port, true
}

// DialRemote discovers and connects to the FUSE monitor backing root, or
// reports ok=false when none is reachable — the caller should fall back to
// Local in that case.
func DialRemote(root string, sink Sink) (r *Remote, ok bool) {
	mountPoint, found := DiscoverMountRoot(root)
	if !found {
		return nil, false
	}
	port, found := discoverPort(mountPoint)
	if !found {
		return nil, false
	}
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, false
	}
	r = &Remote{conn: conn, rd: bufio.NewScanner(conn), root: root, sink: sink}
	go r.pump()
	return r, true
}

// pump reads `OP:pid:inode` notifications, resolves unknown inodes via a
// PATH:inode request / INO:inode:path response round trip, and forwards the
// resolved project-relative path to sink.
func (r *Remote) pump() {
	inodePaths := make(map[string]string)
	for r.rd.Scan() {
		line := r.rd.Text()
		parts := strings.SplitN(line, ":", 3)
		switch {
		case len(parts) == 3 && parts[0] == "INO":
			// Reply to an earlier PATH request: remember the inode and
			// forward the change that prompted the request.
			inodePaths[parts[1]] = parts[2]
			rel, err := filepath.Rel(r.root, parts[2])
			if err != nil {
				rel = parts[2]
			}
			r.sink(rel)

		case len(parts) == 3:
			op, pid, inode := parts[0], parts[1], parts[2]
			path, known := inodePaths[inode]
			if !known {
				fmt.Fprintf(r.conn, "PATH:%s\n", inode)
				continue
			}
			rel, err := filepath.Rel(r.root, path)
			if err != nil {
				rel = path
			}
			_ = op
			_ = pid // tagged for future per-worker attribution; not consulted yet
			r.sink(rel)
		}
	}
}

func (r *Remote) Close() error { return r.conn.Close() }
