// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	smak "github.com/smak-build/smak"
	"github.com/smak-build/smak/internal/wireproto"
)

// maxRecursionDepth bounds recursive dependency queuing (§4.F): a
// pathological or cyclic dependency chain is abandoned with a traceback
// rather than recursing forever, and the rest of the build continues.
const maxRecursionDepth = 20

// Master is the job orchestrator (SPEC_FULL.md §4.F). Every field below is
// touched only from the goroutine running (*Master).run — the "single
// thread of control touching the graph" guarantee from §5 — with the sole
// exception of workerHandle.conn writes, which have their own mutex since
// they're invoked directly from run() but read concurrently by
// workerHandle.readLoop goroutines that never mutate Master state
// themselves (they only ever send on events).
type Master struct {
	log   *slog.Logger
	graph *smak.Graph
	vars  *smak.Vars
	cache *smak.StateCache

	workerListener net.Listener
	cliListener    net.Listener
	events         chan event

	workers      map[int]*workerHandle
	nextWorkerID int

	queue     []*task // tasks whose prereqs are already satisfied but not yet assigned
	tasksByID map[string]*task
	nextTask  int

	progress  map[string]*progressEntry
	composite map[string]*compositeEntry
	assumed   map[string]bool

	waiters map[string][]chan<- JobResult

	retry *retryPolicy

	jobsReceived bool
	cancelling   bool // latched by SIGINT; cleared only by the RESET verb (§4.H)
	autoRescan   time.Duration
	dryRun       bool

	// outputSink, if set, receives every OUTPUT/ERROR line a worker reports,
	// tagged with the target it came from (§9 "recipe stdout/stderr
	// forwarded verbatim", §5 "tagged with target on observer streams").
	outputSink func(verb, target, line string)
}

// SetAutoRescan configures the ticker-driven staleness sweep (SPEC_FULL.md
// §4.F "rescan --auto"); zero disables it. Must be called before Run.
func (m *Master) SetAutoRescan(d time.Duration) { m.autoRescan = d }

// SetDryRun switches enqueueTask to print each target's recipe instead of
// running it (-n, SPEC_FULL.md §4.I). Must be called before Run.
func (m *Master) SetDryRun(dryRun bool) { m.dryRun = dryRun }

// SetOutputSink registers fn to be called synchronously, from the event
// loop goroutine, for every OUTPUT/ERROR line reported by a worker. Must be
// called before Run.
func (m *Master) SetOutputSink(fn func(verb, target, line string)) { m.outputSink = fn }

// New creates a master bound to an already-built graph, listening for
// worker connections on a system-chosen local port.
func New(graph *smak.Graph, vars *smak.Vars, cache *smak.StateCache, log *slog.Logger) (*Master, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening for workers: %w", err)
	}
	cliLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("listening for CLI attach: %w", err)
	}
	rp, _ := newRetryPolicy(nil, nil)
	if log == nil {
		log = slog.Default()
	}
	return &Master{
		log:            log,
		graph:          graph,
		vars:           vars,
		cache:          cache,
		workerListener: ln,
		cliListener:    cliLn,
		events:         make(chan event, 256),
		workers:        make(map[int]*workerHandle),
		tasksByID:      make(map[string]*task),
		progress:       make(map[string]*progressEntry),
		composite:      make(map[string]*compositeEntry),
		assumed:        make(map[string]bool),
		waiters:        make(map[string][]chan<- JobResult),
		retry:          rp,
	}, nil
}

// WorkerAddr is the address workers should dial (SPEC_FULL.md §4.E step 1).
func (m *Master) WorkerAddr() string { return m.workerListener.Addr().String() }

// CLIListener exposes the attach-protocol listener for the driver to wrap
// in a cliserver.Server (§4.H). Owned by Master only for its address and
// lifetime; all protocol handling lives in package cliserver.
func (m *Master) CLIListener() net.Listener { return m.cliListener }

// Run is the master's event loop (§5: single-threaded cooperative I/O
// multiplexing). It blocks until ctx is cancelled or a SHUTDOWN event is
// processed.
func (m *Master) Run(ctx context.Context) error {
	go m.acceptLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var rescanTicker *time.Ticker
	var rescanC <-chan time.Time
	// AutoRescan, if configured, is wired up by the driver via SetAutoRescan
	// before Run is called; rescanTicker stays nil otherwise.
	if m.autoRescan > 0 {
		rescanTicker = time.NewTicker(m.autoRescan)
		rescanC = rescanTicker.C
		defer rescanTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			m.shutdownAllWorkers()
			m.closeListeners()
			return ctx.Err()

		case <-sigCh:
			// Self-pipe-equivalent cancellation (§9/§11): the signal is
			// funneled into the same event channel the rest of the loop
			// already multiplexes over, so handling it is just another
			// case, not a second synchronization mechanism.
			m.handleCancel()

		case <-rescanC:
			m.handleRescan()

		case ev := <-m.events:
			if done := m.handleEvent(ev); done {
				return nil
			}
		}
		m.dispatch()
	}
}

func (m *Master) acceptLoop() {
	for {
		conn, err := m.workerListener.Accept()
		if err != nil {
			return
		}
		m.events <- newWorkerConnEvent{conn: conn}
	}
}

func (m *Master) handleEvent(ev event) (shutdown bool) {
	switch e := ev.(type) {
	case newWorkerConnEvent:
		m.registerWorker(e.conn)

	case workerLineEvent:
		m.handleWorkerLine(e.workerID, e.line)

	case workerClosedEvent:
		m.handleWorkerClosed(e.workerID)

	case submitJobEvent:
		m.jobsReceived = true
		if e.result != nil {
			m.waiters[e.target] = append(m.waiters[e.target], e.result)
		}
		m.queueTarget(e.target, e.dir, 0)

	case markDirtyEvent:
		m.graph.MarkDirty(e.target)
		delete(m.progress, e.target)

	case rescanEvent:
		m.handleRescan()

	case resetEvent:
		m.progress = make(map[string]*progressEntry)
		m.composite = make(map[string]*compositeEntry)
		m.queue = nil
		m.tasksByID = make(map[string]*task)
		m.cancelling = false

	case addWorkerEvent:
		// Accepted and ignored: neither the master nor the driver starts a
		// worker process in response to ADD_WORKER (or to the add half of
		// RESTART_WORKERS). The pool grows only when a `smak-worker` started
		// some other way dials WorkerAddr(), which acceptLoop handles.

	case removeWorkerEvent:
		m.removeWorkers(e.n)

	case envSetEvent:
		m.vars.Set(e.name, e.value)
		m.broadcastEnv()

	case statusQueryEvent:
		e.result <- m.snapshot()

	case killWorkersEvent:
		m.shutdownAllWorkers()
		close(e.done)

	case shutdownEvent:
		m.shutdownAllWorkers()
		m.closeListeners()
		close(e.done)
		return true
	}
	return false
}

func (m *Master) registerWorker(conn net.Conn) {
	id := m.nextWorkerID
	m.nextWorkerID++
	w := &workerHandle{id: id, conn: conn, wr: wireproto.NewWriter(conn)}
	m.workers[id] = w
	go w.readLoop(m.events)
}

func (m *Master) handleWorkerClosed(id int) {
	w, ok := m.workers[id]
	if !ok {
		return
	}
	delete(m.workers, id)
	if w.current != "" {
		// Worker socket close mid-task: the task is failed, worker removed
		// from the pool (§4.F failure model summary).
		m.finishTask(w.current, 1, "")
	}
}

func (m *Master) handleWorkerLine(id int, line wireproto.Line) {
	w, ok := m.workers[id]
	if !ok {
		return
	}
	switch line.Verb {
	case wireproto.VerbReady:
		w.ready = true
		w.current = ""
		m.sendEnvIfNeeded(w)

	case wireproto.VerbOutput, wireproto.VerbError:
		w.output.WriteString(line.Args)
		w.output.WriteByte('\n')
		if m.outputSink != nil {
			m.outputSink(string(line.Verb), m.targetForWorker(w), line.Args)
		}

	case wireproto.VerbTaskEnd:
		taskID, code, err := wireproto.ParseTaskEnd(line.Args)
		if err != nil {
			m.log.Warn("malformed TASK_END", "worker", id, "error", err)
			return
		}
		captured := w.output.String()
		w.output.Reset()
		m.finishTask(taskID, code, captured)

	case wireproto.VerbTaskReturn:
		// Worker refused the task (e.g. env not yet received); requeue it.
		if w.current != "" {
			m.requeueByID(w.current)
			w.current = ""
		}

	case wireproto.VerbTaskDecompose:
		// Subtargets named in line.Args are queued in place of the task.
		for _, sub := range splitFields(line.Args) {
			m.queueTarget(sub, "", 0)
		}
		w.current = ""
	}
}

// targetForWorker resolves a worker's in-flight task id back to the target
// name it's building, for tagging forwarded OUTPUT/ERROR lines.
func (m *Master) targetForWorker(w *workerHandle) string {
	if t, ok := m.tasksByID[w.current]; ok {
		return t.target
	}
	return w.current
}

func (m *Master) sendEnvIfNeeded(w *workerHandle) {
	if w.envSent {
		return
	}
	w.envSent = true
	w.sendEnv(m.vars.Environ())
}

func (m *Master) broadcastEnv() {
	for _, w := range m.workers {
		w.sendEnv(m.vars.Environ())
	}
}

func (m *Master) removeWorkers(n int) {
	removed := 0
	for id, w := range m.workers {
		if removed >= n {
			break
		}
		if w.current == "" {
			w.send(wireproto.VerbShutdown)
			delete(m.workers, id)
			removed++
		}
	}
}

func (m *Master) shutdownAllWorkers() {
	for _, w := range m.workers {
		w.send(wireproto.VerbShutdown)
	}
}

// closeListeners releases the worker and CLI sockets; only called on final
// termination (ctx cancellation or the SHUTDOWN verb), never on a plain
// KILL_WORKERS cancellation that's expected to accept future work.
func (m *Master) closeListeners() {
	m.workerListener.Close()
	m.cliListener.Close()
}

func (m *Master) handleCancel() {
	if m.cancelling {
		return
	}
	m.cancelling = true
	m.log.Info("cancellation requested, sending SIGTERM to running recipes")
	for _, w := range m.workers {
		if w.current != "" {
			w.send(wireproto.VerbKill, w.current)
		}
	}
	m.queue = nil
	// Completed/failed sets are preserved (§4.F Cancellation) so a
	// subsequent build resumes rather than redoing finished work; workers
	// stay connected (idle ones are left alone, not torn down with
	// SHUTDOWN) since RESET (§4.H) is the only thing that un-cancels and a
	// resumed build needs somewhere to dispatch to.
}

func (m *Master) handleRescan() {
	for target, entry := range m.progress {
		if entry.status != StatusDone {
			continue
		}
		stale, err := m.graph.NeedsRebuild(target)
		if err == nil && stale {
			delete(m.progress, target)
		}
	}
}

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ' ' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out = append(out, s[start:i])
			start = -1
		}
	}
	return out
}

// snapshot builds a StatusSnapshot for the CLI's STATUS/LIST_TASKS verbs.
func (m *Master) snapshot() StatusSnapshot {
	snap := StatusSnapshot{Assigned: make(map[string]int), Workers: len(m.workers)}
	for _, w := range m.workers {
		if w.ready {
			snap.Ready++
		}
	}
	for target, e := range m.progress {
		switch e.status {
		case StatusQueued, StatusPending:
			snap.Queued = append(snap.Queued, target)
		case StatusAssigned:
			snap.Assigned[target] = e.workerID
		case StatusDone:
			snap.Completed = append(snap.Completed, target)
		case StatusFailed:
			snap.Failed = append(snap.Failed, target)
		}
	}
	return snap
}
