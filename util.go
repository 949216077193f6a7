// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"context"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ShellTimeout bounds every $(shell ...) invocation (§5 concurrency model).
const ShellTimeout = 5 * time.Second

func wildcardGlob(pattern string) ([]string, error) {
	patterns := strings.Fields(pattern)
	var all []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}
	sort.Strings(all)
	return all, nil
}

func runShellCapture(cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ShellTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
