// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"fmt"
	"os"
	"strconv"
	"time"

	smak "github.com/smak-build/smak"
	"github.com/smak-build/smak/internal/wireproto"
)

// queueTarget is the recursive dependency queuing algorithm from
// SPEC_FULL.md §4.F. depth guards against a cyclic or pathological
// dependency chain; the build continues for every other target when the
// bound is hit rather than aborting the whole run.
func (m *Master) queueTarget(target, dir string, depth int) {
	if depth > maxRecursionDepth {
		m.log.Error("dependency recursion depth exceeded", "target", target)
		m.failTarget(target, fmt.Errorf("%w: %s", smak.ErrDepthExceeded, target))
		return
	}

	if entry, ok := m.progress[target]; ok {
		// Already in progress or resolved: a second submission of the same
		// target (shared prerequisite, or a repeated top-level build
		// request) is a no-op save for registering an extra waiter, which
		// submitJobEvent's handler already did before calling in here.
		if entry.status == StatusDone {
			m.notifyWaiters(target, 0, nil)
		} else if entry.status == StatusFailed {
			m.notifyWaiters(target, entry.exitCode, fmt.Errorf("%w: %s", smak.ErrRecipeFailed, target))
		}
		return
	}

	if m.assumed[target] {
		m.progress[target] = &progressEntry{status: StatusDone}
		m.notifyWaiters(target, 0, nil)
		return
	}

	if m.graph.IsInactivePattern(target) {
		return
	}

	resolved, err := m.graph.Resolve(target)
	if err != nil {
		m.progress[target] = &progressEntry{status: StatusFailed, exitCode: 1}
		m.notifyWaiters(target, 1, err)
		return
	}

	if !resolved.HasRule {
		// No rule at all: a plain source file is satisfied iff it already
		// exists on disk (§4.F step 3's "leaf" case).
		if smak.FileExists(target) {
			m.progress[target] = &progressEntry{status: StatusDone}
			m.notifyWaiters(target, 0, nil)
			return
		}
		m.progress[target] = &progressEntry{status: StatusFailed, exitCode: 1}
		err := fmt.Errorf("%w: %s", smak.ErrUnknownTarget, target)
		m.notifyWaiters(target, 1, err)
		return
	}

	// Filter inactive-pattern / pruned source-control prerequisites before
	// recursing, so they never cause spurious recursion or failures (§4.B).
	prereqs := make([]string, 0, len(resolved.Prereqs))
	for _, p := range resolved.Prereqs {
		if m.graph.IsInactivePattern(p) {
			continue
		}
		prereqs = append(prereqs, p)
	}

	stale, _ := m.graph.NeedsRebuild(target)
	hasRecipe := len(resolved.Recipe) > 0

	if len(prereqs) == 0 {
		if !hasRecipe || !stale {
			m.progress[target] = &progressEntry{status: StatusDone}
			m.notifyWaiters(target, 0, nil)
			return
		}
		m.enqueueTask(target, dir, resolved, nil)
		return
	}

	// Pre-register the composite entry before recursing into prerequisites,
	// so a prerequisite that completes synchronously (already done) doesn't
	// race ahead of this target's own bookkeeping (§4.F step 5).
	m.progress[target] = &progressEntry{status: StatusPending}
	remaining := make(map[string]bool, len(prereqs))
	for _, p := range prereqs {
		remaining[p] = true
	}
	m.composite[target] = &compositeEntry{target: target, remaining: remaining}

	for _, p := range prereqs {
		m.queueTarget(p, dir, depth+1)
		if e, ok := m.progress[p]; ok && e.status.IsTerminal() {
			m.resolvePrereq(target, p, e.status == StatusDone)
		}
	}

	// Every prerequisite may have resolved synchronously (already built, or
	// leaf files that already existed); in that case the composite entry
	// above is already gone and this target is ready for its own recipe
	// decision right now instead of waiting on a future completion event.
	if _, stillComposite := m.composite[target]; stillComposite {
		return
	}
	if entry := m.progress[target]; entry != nil && entry.status != StatusPending {
		return // resolvePrereq already drove this target to done/failed
	}
	if !hasRecipe || !stale {
		delete(m.progress, target)
		m.progress[target] = &progressEntry{status: StatusDone}
		m.notifyWaiters(target, 0, nil)
		return
	}
	m.enqueueTask(target, dir, resolved, prereqs)
}

// resolvePrereq records one prerequisite's terminal outcome against target's
// composite entry, cascading failure or completing the composite when every
// prerequisite has reported in (§4.F step 8: "no recipe -> composite
// resolution at dispatch", generalized here to run as soon as every
// prerequisite resolves rather than only at the next dispatch pass).
func (m *Master) resolvePrereq(target, prereq string, ok bool) {
	ce, exists := m.composite[target]
	if !exists {
		return
	}
	delete(ce.remaining, prereq)
	if !ok {
		delete(m.composite, target)
		m.progress[target] = &progressEntry{status: StatusFailed, exitCode: 1}
		m.notifyWaiters(target, 1, fmt.Errorf("%w: prerequisite %s of %s failed", smak.ErrRecipeFailed, prereq, target))
		return
	}
	if len(ce.remaining) > 0 {
		return
	}
	delete(m.composite, target)
	resolved, err := m.graph.Resolve(target)
	if err != nil {
		m.progress[target] = &progressEntry{status: StatusFailed, exitCode: 1}
		m.notifyWaiters(target, 1, err)
		return
	}
	stale, _ := m.graph.NeedsRebuild(target)
	if len(resolved.Recipe) == 0 || !stale {
		m.progress[target] = &progressEntry{status: StatusDone}
		m.notifyWaiters(target, 0, nil)
		return
	}
	m.enqueueTask(target, "", resolved, resolved.Prereqs)
}

func (m *Master) enqueueTask(target, dir string, resolved smak.ResolvedRule, prereqs []string) {
	var firstPrereq string
	if len(resolved.Prereqs) > 0 {
		firstPrereq = resolved.Prereqs[0]
	}
	lines := smak.ExpandRecipe(m.graph.Vars(), target, firstPrereq, resolved.Stem, resolved.Prereqs, resolved.Recipe)
	cmd := smak.JoinRecipe(lines)

	if m.dryRun {
		m.printDryRun(target, lines)
		m.progress[target] = &progressEntry{status: StatusDone}
		m.notifyWaiters(target, 0, nil)
		m.cascadeToComposites(target, true)
		return
	}

	m.nextTask++
	id := "t" + strconv.Itoa(m.nextTask)
	t := &task{id: id, target: target, dir: dir, command: cmd, prereqs: prereqs}
	m.tasksByID[id] = t
	m.progress[target] = &progressEntry{status: StatusQueued, workerID: -1}
	m.queue = append(m.queue, t)
}

// printDryRun prints target's recipe lines without running them (-n, §4.I),
// grounded on the teacher's dry-run banner in exec.go's executeRecipe.
func (m *Master) printDryRun(target string, lines []smak.RecipeLine) {
	fmt.Fprintf(os.Stderr, "smak: %s\n", target)
	for _, l := range lines {
		fmt.Fprintf(os.Stderr, "  %s\n", l.Command)
	}
}

// dispatch assigns every queued task that has an idle worker available.
// Called after every event the loop processes, so new readiness (a worker
// going idle, a task becoming ready) is acted on promptly without a
// separate polling goroutine.
func (m *Master) dispatch() {
	if len(m.queue) == 0 || m.cancelling {
		return
	}
	for _, w := range m.workers {
		if len(m.queue) == 0 {
			return
		}
		if !w.ready || w.current != "" {
			continue
		}
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.assign(w, t)
	}
}

func (m *Master) assign(w *workerHandle, t *task) {
	w.ready = false
	w.current = t.id
	w.output.Reset()
	if e := m.progress[t.target]; e != nil {
		e.status = StatusAssigned
		e.workerID = w.id
	}
	dir := t.dir
	if dir == "" {
		dir = "."
	}
	w.send(wireproto.VerbTask, t.id)
	w.send(wireproto.VerbDir, dir)
	w.send(wireproto.VerbCmd, t.command)
}

// finishTask processes a TASK_END report (§4.F completion handling): it
// verifies any declared output actually materialized (retrying briefly to
// absorb the NFS-style "file not yet visible" race §4.F step 3 guards
// against), applies the retry policy on failure, and otherwise resolves the
// target and cascades through its composite parents.
func (m *Master) finishTask(taskID string, exitCode int, capturedOutput string) {
	t, ok := m.tasksByID[taskID]
	if !ok {
		return
	}
	delete(m.tasksByID, taskID)
	for _, w := range m.workers {
		if w.current == taskID {
			w.current = ""
		}
	}

	entry := m.progress[t.target]
	if entry == nil {
		entry = &progressEntry{}
		m.progress[t.target] = entry
	}

	if exitCode != 0 {
		if entry.retryCount == 0 && m.retry.eligible(t.target, capturedOutput, smak.FileExists) {
			entry.retryCount++
			entry.status = StatusQueued
			m.queue = append(m.queue, t)
			m.tasksByID[taskID] = t
			return
		}
		entry.status = StatusFailed
		entry.exitCode = exitCode
		m.notifyWaiters(t.target, exitCode, fmt.Errorf("%w: %s", smak.ErrRecipeFailed, t.target))
		m.cascadeToComposites(t.target, false)
		return
	}

	if !m.verifyOutput(t.target) {
		entry.status = StatusFailed
		entry.exitCode = 1
		m.notifyWaiters(t.target, 1, fmt.Errorf("%w: %s", smak.ErrMissingOutput, t.target))
		m.cascadeToComposites(t.target, false)
		return
	}

	m.graph.ClearDirty(t.target)
	entry.status = StatusDone
	entry.exitCode = 0
	m.notifyWaiters(t.target, 0, nil)
	m.cascadeToComposites(t.target, true)
}

// verifyOutput re-stats a built file target up to 3 times with a short
// backoff before declaring it missing, per the race this system's auto-retry
// policy is named after (§4.F step 3). Pseudo/phony targets have no file to
// verify, and neither does a name with no '.' or '/' in it (all, clean, ...):
// only names that look like files are checked.
func (m *Master) verifyOutput(target string) bool {
	if m.graph.IsPhony(target) || smak.IsPseudoTarget(target) {
		return true
	}
	looksLikeFile := false
	for _, c := range target {
		if c == '.' || c == '/' {
			looksLikeFile = true
			break
		}
	}
	if !looksLikeFile {
		return true
	}
	for attempt := 0; attempt < 3; attempt++ {
		if smak.FileExists(target) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// cascadeToComposites notifies every composite entry waiting on target,
// completing or failing them in turn (§4.F step 8).
func (m *Master) cascadeToComposites(target string, ok bool) {
	for parent := range m.composite {
		if m.composite[parent].remaining[target] {
			m.resolvePrereq(parent, target, ok)
		}
	}
}

func (m *Master) requeueByID(taskID string) {
	t, ok := m.tasksByID[taskID]
	if !ok {
		return
	}
	if e := m.progress[t.target]; e != nil {
		e.status = StatusQueued
	}
	m.queue = append(m.queue, t)
}

func (m *Master) failTarget(target string, err error) {
	m.progress[target] = &progressEntry{status: StatusFailed, exitCode: 1}
	m.notifyWaiters(target, 1, err)
}

func (m *Master) notifyWaiters(target string, exitCode int, err error) {
	waiters := m.waiters[target]
	if len(waiters) == 0 {
		return
	}
	delete(m.waiters, target)
	for _, ch := range waiters {
		ch <- JobResult{Target: target, ExitCode: exitCode, Err: err}
		close(ch)
	}
}
