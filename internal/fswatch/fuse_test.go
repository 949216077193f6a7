// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package fswatch

import "testing"

func TestDiscoverMountRootFallsBackToDf(t *testing.T) {
	dir := t.TempDir()
	mp, ok := DiscoverMountRoot(dir)
	if !ok {
		t.Fatal("expected DiscoverMountRoot to find a mount point via df fallback")
	}
	if mp == "" {
		t.Error("mount point should not be empty when ok=true")
	}
}

func TestDiscoverPortReturnsFalseForUnknownMountPoint(t *testing.T) {
	if _, ok := discoverPort("/no/such/mount/point/for/smak-tests"); ok {
		t.Error("expected discoverPort to report false for a mount point no process names")
	}
}

func TestReadPortFileMissingForUnknownPID(t *testing.T) {
	if _, ok := readPortFile(-1); ok {
		t.Error("expected readPortFile to report false for a nonexistent pid")
	}
}
