// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package cliserver implements the line-oriented attach protocol
// (SPEC_FULL.md §4.H): one request line produces zero or more response
// lines followed by a sentinel, over a plain TCP connection. One
// interactive client owns the terminal at a time; any other connection
// becomes a read-only observer until the owner detaches or quits.
package cliserver

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const sentinel = "."

// Backend is the subset of the job master's public surface the CLI
// protocol drives. Implemented by *master.Master in the driver.
type Backend interface {
	SubmitJob(target, dir string) <-chan Result
	Status() Status
	ListTasks() []string
	ListStale() []string
	ListFiles() []string
	Needs(file string) bool
	MarkDirty(file string)
	KillWorkers()
	AddWorker(n int)
	RemoveWorker(n int)
	RestartWorkers(n int)
	Reset()
	Shutdown()
}

// Result mirrors master.JobResult without importing the master package
// (which in turn would import this one for its driver wiring — kept
// one-directional by defining the shape cliserver needs here).
type Result struct {
	Target   string
	ExitCode int
	Err      error
}

// Status mirrors master.StatusSnapshot's fields needed for the STATUS verb.
type Status struct {
	Queued    []string
	Assigned  map[string]int
	Completed []string
	Failed    []string
	Workers   int
	Ready     int
}

// Server accepts attach connections on a listener and serves the verb
// table against backend.
type Server struct {
	backend Backend
	ln      net.Listener
	mu      sync.Mutex
	ownerID string // empty when no interactive client currently owns the tty
	watchers map[net.Conn]bool
	conns    map[net.Conn]bool // every attached connection, for PushOutput
}

func New(backend Backend, ln net.Listener) *Server {
	return &Server{backend: backend, ln: ln, watchers: make(map[net.Conn]bool), conns: make(map[net.Conn]bool)}
}

// Push delivers a `WATCH:path` line to every connection currently in
// watching mode (SPEC_FULL.md §4.G: "for watching clients... emits
// WATCH:path"). Nothing in cmd/smak calls Push: no filesystem watcher feeds
// this server, so a watching connection receives no WATCH lines from the
// driver.
func (s *Server) Push(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.watchers {
		fmt.Fprintf(conn, "WATCH:%s\n", path)
	}
}

// PushOutput broadcasts one recipe OUTPUT/ERROR line to every attached
// connection, tagged by the target it came from (§5 "tagged with target on
// observer streams", §9 "recipe stdout/stderr forwarded verbatim"). Called
// from the master's output sink as lines arrive, not gated by ownership —
// an observer is read-only for commands, not for watching the build run.
func (s *Server) PushOutput(verb, target, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		fmt.Fprintf(conn, "%s %s %s\n", verb, target, line)
	}
}

// Serve accepts connections until the listener closes.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	sessionID := uuid.NewString()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	for sc.Scan() {
		line := sc.Text()
		verb, arg, _ := strings.Cut(line, " ")
		switch {
		case verb == "CLI_OWNER":
			s.claimOwner(sessionID, conn)
			continue
		case strings.HasPrefix(line, "NEEDS:"):
			verb, arg = "NEEDS", strings.TrimPrefix(line, "NEEDS:")
		case strings.HasPrefix(line, "MARK_DIRTY:"):
			verb, arg = "MARK_DIRTY", strings.TrimPrefix(line, "MARK_DIRTY:")
		}
		s.dispatch(conn, sessionID, verb, arg)
	}

	s.mu.Lock()
	if s.ownerID == sessionID {
		s.ownerID = ""
	}
	delete(s.watchers, conn)
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) claimOwner(sessionID string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerID == "" {
		s.ownerID = sessionID
		fmt.Fprintf(conn, "OWNER\n%s\n", sentinel)
		return
	}
	if s.ownerID == sessionID {
		fmt.Fprintf(conn, "OWNER\n%s\n", sentinel)
		return
	}
	fmt.Fprintf(conn, "OBSERVER\n%s\n", sentinel)
}

func (s *Server) isOwner(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerID == "" || s.ownerID == sessionID
}

// mutatingVerbs require tty ownership: an observer connection may query
// status freely but can't submit jobs, mark files dirty, or touch the
// worker pool.
var mutatingVerbs = map[string]bool{
	"SUBMIT_JOB": true, "MARK_DIRTY": true, "KILL_WORKERS": true,
	"ADD_WORKER": true, "REMOVE_WORKER": true, "RESTART_WORKERS": true,
	"RESET": true, "SHUTDOWN": true,
}

func (s *Server) dispatch(conn net.Conn, sessionID, verb, arg string) {
	if mutatingVerbs[verb] && !s.isOwner(sessionID) {
		fmt.Fprintf(conn, "ERROR not owner\n%s\n", sentinel)
		return
	}
	switch verb {
	case "SUBMIT_JOB":
		target, dir, _ := strings.Cut(arg, " ")
		res := <-s.backend.SubmitJob(target, dir)
		if res.Err != nil {
			fmt.Fprintf(conn, "JOB_COMPLETE %s %d %s\n", res.Target, res.ExitCode, res.Err)
		} else {
			fmt.Fprintf(conn, "JOB_COMPLETE %s %d\n", res.Target, res.ExitCode)
		}

	case "STATUS":
		st := s.backend.Status()
		fmt.Fprintf(conn, "WORKERS %d %d\n", st.Workers, st.Ready)
		fmt.Fprintf(conn, "QUEUED %s\n", strings.Join(st.Queued, " "))
		fmt.Fprintf(conn, "COMPLETED %s\n", strings.Join(st.Completed, " "))
		fmt.Fprintf(conn, "FAILED %s\n", strings.Join(st.Failed, " "))

	case "LIST_TASKS":
		for _, t := range s.backend.ListTasks() {
			fmt.Fprintln(conn, t)
		}

	case "LIST_STALE":
		for _, t := range s.backend.ListStale() {
			fmt.Fprintln(conn, t)
		}

	case "LIST_FILES":
		for _, t := range s.backend.ListFiles() {
			fmt.Fprintln(conn, t)
		}

	case "NEEDS":
		fmt.Fprintf(conn, "%v\n", s.backend.Needs(arg))

	case "MARK_DIRTY":
		s.backend.MarkDirty(arg)

	case "WATCH_START":
		s.mu.Lock()
		s.watchers[conn] = true
		s.mu.Unlock()

	case "KILL_WORKERS":
		s.backend.KillWorkers()

	case "ADD_WORKER":
		s.backend.AddWorker(parseN(arg))

	case "REMOVE_WORKER":
		s.backend.RemoveWorker(parseN(arg))

	case "RESTART_WORKERS":
		s.backend.RestartWorkers(parseN(arg))

	case "RESET":
		s.backend.Reset()

	case "SHUTDOWN":
		s.backend.Shutdown()

	default:
		fmt.Fprintf(conn, "ERROR unknown verb %q\n", verb)
	}
	fmt.Fprintln(conn, sentinel)
}

func parseN(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
