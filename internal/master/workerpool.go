// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"net"
	"strings"
	"sync"

	"github.com/smak-build/smak/internal/wireproto"
)

// workerHandle is "Worker handle" from SPEC_FULL.md §3: { socket,
// ready-flag, current-task-id }. The job master exclusively owns it:
// registerWorker creates it on the event loop, and the readLoop goroutine
// only reports events back through the event channel — it never mutates
// fields the event loop reads, preserving the single-writer discipline
// from §5.
type workerHandle struct {
	id      int
	conn    net.Conn
	wr      *wireproto.Writer
	wmu     sync.Mutex
	ready   bool
	envSent bool
	current string

	// output accumulates the current task's OUTPUT/ERROR lines, consulted
	// by the retry policy against the "No such file" race pattern (§4.F
	// step 3). Reset whenever a new task is assigned.
	output strings.Builder
}

func (w *workerHandle) send(verb wireproto.Verb, args ...string) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.wr.WriteLine(verb, args...)
}

func (w *workerHandle) sendEnv(env []string) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	for _, kv := range env {
		if err := w.wr.WriteLine(wireproto.VerbEnv, kv); err != nil {
			return err
		}
	}
	return w.wr.WriteLine(wireproto.VerbEnvEnd)
}

// readLoop forwards every line a worker sends into the master's single
// event channel, preserving the "handlers never block on a worker socket
// read-reply" ordering guarantee from SPEC_FULL.md §5: this goroutine only
// ever produces events, it never mutates master state directly.
func (w *workerHandle) readLoop(events chan<- event) {
	rd := wireproto.NewReader(w.conn)
	for {
		line, err := rd.ReadLine()
		if err != nil {
			events <- workerClosedEvent{workerID: w.id}
			return
		}
		events <- workerLineEvent{workerID: w.id, line: line}
	}
}
