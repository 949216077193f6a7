// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"sort"

	"github.com/smak-build/smak/internal/cliserver"
)

// SubmitJob is the public entry point for the CLI/attach protocol's
// SUBMIT_JOB verb (§4.H) and for the driver's one-shot build mode. It is
// safe to call from any goroutine: the request crosses into the event loop
// over the same channel every worker and listener event uses.
func (m *Master) SubmitJob(target, dir string) <-chan cliserver.Result {
	out := make(chan cliserver.Result, 1)
	result := make(chan JobResult, 1)
	m.events <- submitJobEvent{target: target, dir: dir, result: result}
	go func() {
		r := <-result
		out <- cliserver.Result{Target: r.Target, ExitCode: r.ExitCode, Err: r.Err}
	}()
	return out
}

func (m *Master) Status() cliserver.Status {
	reply := make(chan StatusSnapshot, 1)
	m.events <- statusQueryEvent{result: reply}
	s := <-reply
	return cliserver.Status{
		Queued: s.Queued, Assigned: s.Assigned, Completed: s.Completed,
		Failed: s.Failed, Workers: s.Workers, Ready: s.Ready,
	}
}

// ListTasks lists every target presently queued or assigned.
func (m *Master) ListTasks() []string {
	st := m.Status()
	out := append([]string(nil), st.Queued...)
	for t := range st.Assigned {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ListStale lists every known target that NeedsRebuild reports stale,
// independent of whether it's currently queued (§4.H LIST_STALE).
func (m *Master) ListStale() []string {
	var out []string
	for _, t := range m.graph.Targets() {
		if stale, err := m.graph.NeedsRebuild(t); err == nil && stale {
			out = append(out, t)
		}
	}
	return out
}

// ListFiles lists every literal target known to the rule database.
func (m *Master) ListFiles() []string { return m.graph.Targets() }

// Needs reports whether file requires rebuilding.
func (m *Master) Needs(file string) bool {
	stale, err := m.graph.NeedsRebuild(file)
	return err == nil && stale
}

func (m *Master) MarkDirty(file string) { m.events <- markDirtyEvent{target: file} }

func (m *Master) KillWorkers() {
	done := make(chan struct{})
	m.events <- killWorkersEvent{done: done}
	<-done
}

func (m *Master) AddWorker(n int)      { m.events <- addWorkerEvent{n: n} }
func (m *Master) RemoveWorker(n int)   { m.events <- removeWorkerEvent{n: n} }
func (m *Master) RestartWorkers(n int) { m.RemoveWorker(n); m.AddWorker(n) }
func (m *Master) Reset()               { m.events <- resetEvent{} }

func (m *Master) Shutdown() {
	done := make(chan struct{})
	m.events <- shutdownEvent{done: done}
	<-done
}

// SetEnv applies a `VAR=VALUE` override and rebroadcasts it to every
// connected worker (§8 `VAR=VALUE` positional args).
func (m *Master) SetEnv(name, value string) { m.events <- envSetEvent{name: name, value: value} }
