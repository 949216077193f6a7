// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"net"
	"testing"
	"time"

	"github.com/smak-build/smak/internal/wireproto"
)

// fakeMaster is a minimal stand-in for the job master's worker-listener
// side of the protocol: accept one connection, drive it through the
// READY/ENV handshake, then hand it one task and read back its report.
type fakeMaster struct {
	ln   net.Listener
	conn net.Conn
	rd   *wireproto.Reader
	wr   *wireproto.Writer
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeMaster{ln: ln}
}

func (fm *fakeMaster) accept(t *testing.T) {
	t.Helper()
	conn, err := fm.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	fm.conn = conn
	fm.rd = wireproto.NewReader(conn)
	fm.wr = wireproto.NewWriter(conn)
}

// handshake drives the READY -> ENV... -> ENV_END -> READY exchange a real
// worker performs in Dial, then returns.
func (fm *fakeMaster) handshake(t *testing.T, env []string) {
	t.Helper()
	line, err := fm.rd.ReadLine()
	if err != nil || line.Verb != wireproto.VerbReady {
		t.Fatalf("expected initial READY, got %+v (err=%v)", line, err)
	}
	for _, kv := range env {
		fm.wr.WriteLine(wireproto.VerbEnv, kv)
	}
	fm.wr.WriteLine(wireproto.VerbEnvEnd)

	line, err = fm.rd.ReadLine()
	if err != nil || line.Verb != wireproto.VerbReady {
		t.Fatalf("expected post-handshake READY, got %+v (err=%v)", line, err)
	}
}

func TestWorkerHandshakeAndSuccessfulTask(t *testing.T) {
	fm := newFakeMaster(t)
	done := make(chan error, 1)
	go func() {
		w, err := Dial(fm.ln.Addr().String())
		if err != nil {
			done <- err
			return
		}
		done <- w.Run()
	}()

	fm.accept(t)
	fm.handshake(t, []string{"FOO=bar"})

	fm.wr.WriteLine(wireproto.VerbTask, "t1")
	fm.wr.WriteLine(wireproto.VerbDir, ".")
	fm.wr.WriteLine(wireproto.VerbCmd, "echo hello")

	var sawOutput bool
	for {
		line, err := fm.rd.ReadLine()
		if err != nil {
			t.Fatalf("reading task report: %v", err)
		}
		if line.Verb == wireproto.VerbOutput && line.Args == "hello" {
			sawOutput = true
		}
		if line.Verb == wireproto.VerbTaskEnd {
			taskID, code, err := wireproto.ParseTaskEnd(line.Args)
			if err != nil {
				t.Fatalf("ParseTaskEnd: %v", err)
			}
			if taskID != "t1" || code != 0 {
				t.Errorf("TASK_END = %q %d, want t1 0", taskID, code)
			}
			break
		}
	}
	if !sawOutput {
		t.Error("expected an OUTPUT line carrying the command's stdout")
	}

	// Drain the worker's next READY, then tell it to shut down.
	line, err := fm.rd.ReadLine()
	if err != nil || line.Verb != wireproto.VerbReady {
		t.Fatalf("expected READY after TASK_END, got %+v (err=%v)", line, err)
	}
	fm.wr.WriteLine(wireproto.VerbShutdown)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil after SHUTDOWN", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker to shut down")
	}
}

func TestWorkerKillSendsSigtermMidTask(t *testing.T) {
	fm := newFakeMaster(t)
	done := make(chan error, 1)
	go func() {
		w, err := Dial(fm.ln.Addr().String())
		if err != nil {
			done <- err
			return
		}
		done <- w.Run()
	}()

	fm.accept(t)
	fm.handshake(t, nil)

	fm.wr.WriteLine(wireproto.VerbTask, "t3")
	fm.wr.WriteLine(wireproto.VerbDir, ".")
	// A plain `sleep` ignores nothing in particular but ships everywhere;
	// if KILL didn't reach it this test would time out waiting for
	// TASK_END instead of returning almost immediately.
	fm.wr.WriteLine(wireproto.VerbCmd, "sleep 30")

	fm.wr.WriteLine(wireproto.VerbKill, "t3")

	start := time.Now()
	for {
		line, err := fm.rd.ReadLine()
		if err != nil {
			t.Fatalf("reading task report: %v", err)
		}
		if line.Verb == wireproto.VerbTaskEnd {
			taskID, code, err := wireproto.ParseTaskEnd(line.Args)
			if err != nil {
				t.Fatalf("ParseTaskEnd: %v", err)
			}
			if taskID != "t3" {
				t.Errorf("TASK_END task id = %q, want t3", taskID)
			}
			if code == 0 {
				t.Error("expected a nonzero exit code for a SIGTERM'd recipe")
			}
			break
		}
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("TASK_END took %v after KILL, expected near-immediate termination", elapsed)
	}

	line, err := fm.rd.ReadLine()
	if err != nil || line.Verb != wireproto.VerbReady {
		t.Fatalf("expected READY after TASK_END, got %+v (err=%v)", line, err)
	}
	fm.wr.WriteLine(wireproto.VerbShutdown)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil after SHUTDOWN", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker to shut down")
	}
}

func TestWorkerReportsNonZeroExitCode(t *testing.T) {
	fm := newFakeMaster(t)
	done := make(chan error, 1)
	go func() {
		w, err := Dial(fm.ln.Addr().String())
		if err != nil {
			done <- err
			return
		}
		done <- w.Run()
	}()

	fm.accept(t)
	fm.handshake(t, nil)

	fm.wr.WriteLine(wireproto.VerbTask, "t2")
	fm.wr.WriteLine(wireproto.VerbDir, ".")
	fm.wr.WriteLine(wireproto.VerbCmd, "exit 17")

	for {
		line, err := fm.rd.ReadLine()
		if err != nil {
			t.Fatalf("reading task report: %v", err)
		}
		if line.Verb == wireproto.VerbTaskEnd {
			_, code, err := wireproto.ParseTaskEnd(line.Args)
			if err != nil {
				t.Fatalf("ParseTaskEnd: %v", err)
			}
			if code != 17 {
				t.Errorf("exit code = %d, want 17", code)
			}
			break
		}
	}

	fm.wr.WriteLine(wireproto.VerbShutdown)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker to shut down")
	}
}
