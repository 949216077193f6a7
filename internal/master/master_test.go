// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	smak "github.com/smak-build/smak"
	"github.com/smak-build/smak/internal/wireproto"
)

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testGraph(t *testing.T, dir, src string) *smak.Graph {
	t.Helper()
	f, err := smak.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := smak.BuildGraph(f, smak.NewVars(), dir, nil, "")
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return g
}

func newTestMaster(t *testing.T, dir, src string) (*Master, context.Context) {
	t.Helper()
	// The master checks targets relative to the process working directory.
	t.Chdir(dir)
	g := testGraph(t, dir, src)
	cache, err := smak.OpenStateCache(dir)
	if err != nil {
		t.Fatalf("OpenStateCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := New(g, g.Vars(), cache, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, ctx
}

// fakeWorker dials the master, completes a READY/ENV handshake, and executes
// a single scripted exchange: read the TASK/DIR/CMD triple, then reply with
// exitCode (and optional captured output lines) via TASK_END.
type fakeWorker struct {
	conn net.Conn
	rd   *wireproto.Reader
	wr   *wireproto.Writer
}

func dialFakeWorker(t *testing.T, addr string) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial worker addr: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	fw := &fakeWorker{conn: conn, rd: wireproto.NewReader(conn), wr: wireproto.NewWriter(conn)}
	fw.wr.WriteLine(wireproto.VerbReady)

	// Drain the ENV/ENV_END handshake the master sends in reply to READY.
	for {
		line, err := fw.rd.ReadLine()
		if err != nil {
			t.Fatalf("reading env handshake: %v", err)
		}
		if line.Verb == wireproto.VerbEnvEnd {
			break
		}
	}
	return fw
}

// runOneTask reads the next TASK/DIR/CMD triple and reports exitCode back.
func (fw *fakeWorker) runOneTask(t *testing.T, exitCode int, output string) (taskID, dir, cmd string) {
	t.Helper()
	gotID, gotDir, gotCmd, err := fw.runOneTaskErr(exitCode, output)
	if err != nil {
		t.Fatalf("runOneTask: %v", err)
	}
	return gotID, gotDir, gotCmd
}

func (fw *fakeWorker) runOneTaskErr(exitCode int, output string) (taskID, dir, cmd string, err error) {
	gotID, gotDir, gotCmd, err := fw.readAssignment()
	if err != nil {
		return "", "", "", err
	}
	fw.reply(gotID, exitCode, output)
	return gotID, gotDir, gotCmd, nil
}

// readAssignment reads the next TASK/DIR/CMD triple without replying yet,
// so a test can arrange on-disk state before the master observes TASK_END.
func (fw *fakeWorker) readAssignment() (taskID, dir, cmd string, err error) {
	var gotDir, gotID, gotCmd string
	for i := 0; i < 3; i++ {
		line, rerr := fw.rd.ReadLine()
		if rerr != nil {
			return "", "", "", rerr
		}
		switch line.Verb {
		case wireproto.VerbDir:
			gotDir = line.Args
		case wireproto.VerbTask:
			gotID = line.Args
		case wireproto.VerbCmd:
			gotCmd = line.Args
		default:
			return "", "", "", fmt.Errorf("unexpected verb %q while awaiting task assignment", line.Verb)
		}
	}
	return gotID, gotDir, gotCmd, nil
}

// reply reports TASK_END then READY, mirroring the real worker's per-task
// cycle so the master marks this connection ready for its next assignment.
func (fw *fakeWorker) reply(taskID string, exitCode int, output string) {
	if output != "" {
		fw.wr.WriteLine(wireproto.VerbOutput, output)
	}
	fw.wr.WriteLine(wireproto.VerbTaskEnd, taskID, itoa(exitCode))
	fw.wr.WriteLine(wireproto.VerbReady)
}

// serveTasksUntilDone runs each worker in a loop, replying success to every
// task it's assigned, until total tasks have been serviced across the pool.
func serveTasksUntilDone(t *testing.T, workers []*fakeWorker, total int) {
	t.Helper()
	results := make(chan error, total)
	for _, w := range workers {
		w := w
		go func() {
			for {
				_, _, _, err := w.runOneTaskErr(0, "")
				results <- err
				if err != nil {
					return
				}
			}
		}()
	}
	for i := 0; i < total; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("worker task %d: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after servicing %d/%d tasks", i, total)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func TestMasterBuildsFixedTargetWithOneWorker(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir, "out: a.c\n\tcc -o out a.c\n")
	mustWrite(t, filepath.Join(dir, "a.c"), "int main(){}")

	fw := dialFakeWorker(t, m.WorkerAddr())

	result := m.SubmitJob("out", "")
	id, _, cmd, err := fw.readAssignment()
	if err != nil {
		t.Fatalf("readAssignment: %v", err)
	}
	if !strings.Contains(cmd, "cc -o out a.c") {
		t.Errorf("dispatched command = %q", cmd)
	}

	// Write the output before the master sees TASK_END, as a real recipe
	// would. (finishTask only verifies names that look like files, so "out"
	// itself is not re-checked.)
	mustWrite(t, filepath.Join(dir, "out"), "binary")
	fw.reply(id, 0, "")

	select {
	case res := <-result:
		if res.Err != nil {
			t.Errorf("unexpected error: %v", res.Err)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d", res.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
	}
}

func TestMasterLeafPrerequisiteSatisfiedByExistingFile(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir, "out: a.c\n\t@true\n")
	mustWrite(t, filepath.Join(dir, "a.c"), "int main(){}")
	mustWrite(t, filepath.Join(dir, "out"), "already built")

	// Make out newer than a.c so the recipe need not run at all.
	now := time.Now()
	os.Chtimes(filepath.Join(dir, "a.c"), now.Add(-time.Hour), now.Add(-time.Hour))
	os.Chtimes(filepath.Join(dir, "out"), now, now)

	result := m.SubmitJob("out", "")
	select {
	case res := <-result:
		if res.Err != nil {
			t.Errorf("expected up-to-date target to succeed without a worker, got: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: up-to-date target should resolve without needing a worker")
	}
}

func TestMasterUnknownTargetFails(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir, "out:\n\t@true\n")

	result := m.SubmitJob("nonexistent.c", "")
	select {
	case res := <-result:
		if res.Err == nil {
			t.Error("expected an error for a target with no rule and no file on disk")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job result")
	}
}

func TestMasterCompositeTargetWaitsOnAllPrereqs(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir,
		".PHONY: all a b\nall: a b\n\t@true\na:\n\tbuild-a\nb:\n\tbuild-b\n")

	workers := []*fakeWorker{
		dialFakeWorker(t, m.WorkerAddr()),
		dialFakeWorker(t, m.WorkerAddr()),
		dialFakeWorker(t, m.WorkerAddr()),
	}

	result := m.SubmitJob("all", "")

	// Three recipe tasks run in total: a, b, and all's own @true once both
	// prerequisites finish. Which of the three workers gets which task is
	// nondeterministic (dispatch ranges over a map), so service whichever
	// worker has work ready until all three have completed one task each.
	serveTasksUntilDone(t, workers, 3)

	select {
	case res := <-result:
		if res.Err != nil {
			t.Errorf("composite target should succeed once both prereqs finish, got: %v", res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for composite job result")
	}
}

func TestMasterRecipeFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir, "out:\n\tfalse\n")
	fw := dialFakeWorker(t, m.WorkerAddr())

	result := m.SubmitJob("out", "")
	fw.runOneTask(t, 1, "some failure output with nothing retry-worthy")

	select {
	case res := <-result:
		if res.Err == nil {
			t.Error("expected a recipe failure to be reported")
		}
		if res.ExitCode != 1 {
			t.Errorf("ExitCode = %d, want 1", res.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
	}
}

func TestMasterStatusReflectsQueuedAndAssigned(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir, "out:\n\tsleep-placeholder\n")
	fw := dialFakeWorker(t, m.WorkerAddr())

	m.SubmitJob("out", "")
	// Give the dispatch loop a moment to assign the task to the one worker.
	deadline := time.After(2 * time.Second)
	for {
		s := m.Status()
		if len(s.Assigned) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for target to show as assigned")
		case <-time.After(10 * time.Millisecond):
		}
	}
	fw.runOneTask(t, 0, "")
}

func TestHandleCancelKillsOnlyRunningWorkersAndResetClearsIt(t *testing.T) {
	dir := t.TempDir()
	g := testGraph(t, dir, "out:\n\t@true\n")
	cache, err := smak.OpenStateCache(dir)
	if err != nil {
		t.Fatalf("OpenStateCache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := New(g, g.Vars(), cache, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Run is never started here, so close the listeners directly: Shutdown
	// would wait forever for the event loop to acknowledge it.
	t.Cleanup(func() { m.closeListeners() })

	busyServer, busyClient := net.Pipe()
	t.Cleanup(func() { busyServer.Close(); busyClient.Close() })
	idleServer, idleClient := net.Pipe()
	t.Cleanup(func() { idleServer.Close(); idleClient.Close() })

	busy := &workerHandle{id: 1, conn: busyServer, wr: wireproto.NewWriter(busyServer), current: "t1"}
	idle := &workerHandle{id: 2, conn: idleServer, wr: wireproto.NewWriter(idleServer), ready: true}
	m.workers[busy.id] = busy
	m.workers[idle.id] = idle

	// handleCancel writes synchronously on workerHandle.send, so read the
	// busy worker's pipe from a goroutine to avoid deadlocking against the
	// unbuffered net.Pipe.
	got := make(chan wireproto.Line, 1)
	go func() {
		line, _ := wireproto.NewReader(busyClient).ReadLine()
		got <- line
	}()

	m.handleCancel()

	select {
	case line := <-got:
		if line.Verb != wireproto.VerbKill || line.Args != "t1" {
			t.Errorf("busy worker got %+v, want KILL t1", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for KILL to the busy worker")
	}
	if !m.cancelling {
		t.Error("expected cancelling to be latched after handleCancel")
	}

	// The idle worker must not receive anything (no SHUTDOWN, no KILL):
	// it should stay connected so a resumed build has somewhere to go.
	idleServer.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	idleClient.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := wireproto.NewReader(idleClient).ReadLine(); err == nil {
		t.Error("idle worker should not have received any line from handleCancel")
	}

	m.handleEvent(resetEvent{})
	if m.cancelling {
		t.Error("expected RESET (resetEvent) to clear cancelling")
	}
}

func TestMasterShutdownClosesListeners(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMaster(t, dir, "out:\n\t@true\n")
	m.Shutdown()

	if _, err := net.Dial("tcp", m.WorkerAddr()); err == nil {
		t.Error("worker listener should be closed after Shutdown")
	}
}
