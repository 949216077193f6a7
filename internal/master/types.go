// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package master implements the job orchestrator described in
// SPEC_FULL.md §4.F — the core of the system. It owns the parsed
// dependency graph, accepts build requests, topologically dispatches
// tasks to worker processes, and handles completion, failure, retry,
// cancellation, and composite targets.
//
// No teacher file maps directly onto this package (every mk-lineage repo
// in the retrieval pack builds in-process via goroutines, never over
// sockets to external worker processes) — see DESIGN.md for the specific
// pack files this design borrows its state-machine and dispatch-batching
// technique from.
package master

import "regexp"

// Status is a target's position in SPEC_FULL.md §3's in-progress state
// machine: not-yet-seen -> queued -> assigned -> done|failed, with
// composite targets additionally passing through `pending`.
type Status int

const (
	StatusQueued Status = iota
	StatusPending
	StatusAssigned
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusPending:
		return "pending"
	case StatusAssigned:
		return "assigned"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) IsTerminal() bool { return s == StatusDone || s == StatusFailed }

// progressEntry is the in-progress map's value type (§3): a target's
// current status plus enough bookkeeping to drive the completion handler
// and retry policy without a second lookup.
type progressEntry struct {
	status     Status
	workerID   int // -1 until assigned
	exitCode   int
	retryCount int
}

// task is a target whose prerequisites have already resolved and which is
// now ready (or waiting its turn) for dispatch to a worker (§3 "Task").
// Recursive dependency queuing only ever enqueues a task once every
// prerequisite in prereqs has reached a terminal state, so the dispatch
// loop itself needs no separate readiness scan — it just matches queued
// tasks against idle workers.
type task struct {
	id      string
	target  string
	dir     string
	command string
	prereqs []string
}

// compositeEntry is the composite-pending table's value type (§3): a
// target with prerequisites, with or without a recipe of its own, waiting
// until every remaining prerequisite completes. Then it is marked done, or
// enqueued if it has a recipe and is stale.
type compositeEntry struct {
	target    string
	remaining map[string]bool
	clientID  string
}

// retryPolicy captures the auto-retry globs from SPEC_FULL.md §4.F step 3:
// a failed task is retried once if its captured output matches the
// "No such file" race pattern (and the file now exists) or a configured
// glob, or if the target name itself matches a configured glob.
type retryPolicy struct {
	outputGlobs []*regexp.Regexp
	targetGlobs []*regexp.Regexp
}

var raceOutputPattern = regexp.MustCompile(`(?:fatal error|error): (\S+): No such file or directory`)

func newRetryPolicy(outputGlobs, targetGlobs []string) (*retryPolicy, error) {
	rp := &retryPolicy{}
	for _, g := range outputGlobs {
		re, err := regexp.Compile(g)
		if err != nil {
			return nil, err
		}
		rp.outputGlobs = append(rp.outputGlobs, re)
	}
	for _, g := range targetGlobs {
		re, err := regexp.Compile(g)
		if err != nil {
			return nil, err
		}
		rp.targetGlobs = append(rp.targetGlobs, re)
	}
	return rp, nil
}

func (rp *retryPolicy) eligible(target, capturedOutput string, fileExists func(string) bool) bool {
	if m := raceOutputPattern.FindStringSubmatch(capturedOutput); m != nil {
		if fileExists(m[1]) {
			return true
		}
	}
	for _, re := range rp.outputGlobs {
		if re.MatchString(capturedOutput) {
			return true
		}
	}
	for _, re := range rp.targetGlobs {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}
