// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package wireproto implements the line-oriented master<->worker protocol
// described in SPEC_FULL.md §4.E: READY/TASK/DIR/CMD/OUTPUT/ERROR/
// TASK_END/SHUTDOWN/KILL/TASK_RETURN/TASK_DECOMPOSE over a plain TCP (or
// SSH-reverse-tunneled TCP) connection. Grounded on the teacher's
// line-based I/O style (bufio.Scanner reads, fmt.Fprintf writes),
// generalized from single-process stdout to a socket framing. KILL carries
// the task id of the recipe the master wants interrupted mid-flight
// (§4.F Cancellation), distinct from SHUTDOWN which tears the worker's
// connection down between tasks.
package wireproto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Verb is one protocol line's leading token.
type Verb string

const (
	VerbReady         Verb = "READY"
	VerbEnv           Verb = "ENV"
	VerbEnvEnd        Verb = "ENV_END"
	VerbTask          Verb = "TASK"
	VerbDir           Verb = "DIR"
	VerbCmd           Verb = "CMD"
	VerbOutput        Verb = "OUTPUT"
	VerbError         Verb = "ERROR"
	VerbTaskEnd       Verb = "TASK_END"
	VerbShutdown      Verb = "SHUTDOWN"
	VerbKill          Verb = "KILL"
	VerbTaskReturn    Verb = "TASK_RETURN"
	VerbTaskDecompose Verb = "TASK_DECOMPOSE"
)

// Line is one parsed protocol frame.
type Line struct {
	Verb Verb
	Args string
}

// Reader wraps a bufio.Scanner for line-oriented protocol reads.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Reader{sc: sc}
}

// ReadLine reads one frame. io.EOF itself is returned when the peer closes
// the connection.
func (r *Reader) ReadLine() (Line, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return Line{}, err
		}
		return Line{}, io.EOF
	}
	text := r.sc.Text()
	verb, rest, _ := strings.Cut(text, " ")
	return Line{Verb: Verb(verb), Args: rest}, nil
}

// Writer wraps an io.Writer for line-oriented protocol writes.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteLine(verb Verb, args ...string) error {
	if len(args) == 0 {
		_, err := fmt.Fprintf(w.w, "%s\n", verb)
		return err
	}
	_, err := fmt.Fprintf(w.w, "%s %s\n", verb, strings.Join(args, " "))
	return err
}

// ParseTaskEnd splits a `TASK_END task-id exit-code` args string.
func ParseTaskEnd(args string) (taskID string, exitCode int, err error) {
	taskID, codeStr, ok := strings.Cut(args, " ")
	if !ok {
		return "", 0, fmt.Errorf("malformed TASK_END args %q", args)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return "", 0, fmt.Errorf("malformed TASK_END exit code %q: %w", codeStr, err)
	}
	return taskID, code, nil
}
