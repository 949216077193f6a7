// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"net"

	"github.com/smak-build/smak/internal/wireproto"
)

// event is the tagged-variant command type the event loop switches on —
// the re-architecture note in SPEC_FULL.md §11 calls out exactly this
// replacement for a cascaded string-compare dispatch table. Every event
// that can mutate master state flows through this channel, so the single
// goroutine running Master.run is the only writer of that state (§5).
type event interface{ isEvent() }

type newWorkerConnEvent struct{ conn net.Conn }

func (newWorkerConnEvent) isEvent() {}

type workerLineEvent struct {
	workerID int
	line     wireproto.Line
}

func (workerLineEvent) isEvent() {}

type workerClosedEvent struct{ workerID int }

func (workerClosedEvent) isEvent() {}

// submitJobEvent is the async Submit-job(target) request from SPEC_FULL.md
// §4.F's public contract. result is sent exactly once, when the target
// reaches a terminal state (Exactly-once completion notification, §3).
type submitJobEvent struct {
	target   string
	dir      string
	clientID string
	result   chan<- JobResult
}

func (submitJobEvent) isEvent() {}

type markDirtyEvent struct{ target string }

func (markDirtyEvent) isEvent() {}

type rescanEvent struct{}

func (rescanEvent) isEvent() {}

type resetEvent struct{}

func (resetEvent) isEvent() {}

type killWorkersEvent struct{ done chan<- struct{} }

func (killWorkersEvent) isEvent() {}

type addWorkerEvent struct{ n int }

func (addWorkerEvent) isEvent() {}

type removeWorkerEvent struct{ n int }

func (removeWorkerEvent) isEvent() {}

type envSetEvent struct{ name, value string }

func (envSetEvent) isEvent() {}

type statusQueryEvent struct{ result chan<- StatusSnapshot }

func (statusQueryEvent) isEvent() {}

type shutdownEvent struct{ done chan<- struct{} }

func (shutdownEvent) isEvent() {}

// JobResult is the outcome delivered for a submitted target: exactly the
// `JOB_COMPLETE target exit-code` contract from §4.F/§4.H.
type JobResult struct {
	Target   string
	ExitCode int
	Err      error
}

// StatusSnapshot is a point-in-time view for the CLI's STATUS/LIST_TASKS
// verbs (§4.H).
type StatusSnapshot struct {
	Queued    []string
	Assigned  map[string]int // target -> worker id
	Completed []string
	Failed    []string
	Workers   int
	Ready     int
}
