// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Parse reads a recipe file and produces its statement list. Grounded on
// the teacher's parse.go method: read every line up front, join
// backslash-continuations, then walk with a small stateful cursor — but
// the grammar recognized is classic Makefile syntax (SPEC_FULL.md §4.B),
// not the teacher's own fn/config/for DSL.
func Parse(r io.Reader) (*File, error) {
	lines, err := readLogicalLines(r)
	if err != nil {
		return nil, err
	}
	p := &parser{lines: lines}
	return p.parseFile()
}

// logicalLine is one backslash-continuation-joined source line.
type logicalLine struct {
	text    string // continuations joined with a single space, tabs preserved
	startNo int    // 1-based line number of the first physical line
	isTab   bool   // true if the original first physical line began with a tab
}

func readLogicalLines(r io.Reader) ([]logicalLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var raw []string
	for scanner.Scan() {
		raw = append(raw, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading recipe file: %v", ErrParse, err)
	}

	var out []logicalLine
	for i := 0; i < len(raw); {
		startNo := i + 1
		isTab := strings.HasPrefix(raw[i], "\t")
		var b strings.Builder
		line := raw[i]
		for strings.HasSuffix(line, "\\") && i+1 < len(raw) {
			b.WriteString(strings.TrimSuffix(line, "\\"))
			b.WriteByte(' ')
			i++
			line = raw[i]
		}
		b.WriteString(line)
		i++
		out = append(out, logicalLine{text: b.String(), startNo: startNo, isTab: isTab})
	}
	return out, nil
}

type parser struct {
	lines   []logicalLine
	pos     int
	curRule *Rule
	nodes   []Node
}

func (p *parser) parseFile() (*File, error) {
	for p.pos < len(p.lines) {
		if err := p.parseOne(); err != nil {
			return nil, err
		}
	}
	p.flushRule()
	return &File{Nodes: p.nodes}, nil
}

func (p *parser) flushRule() {
	if p.curRule != nil {
		p.nodes = append(p.nodes, p.curRule)
		p.curRule = nil
	}
}

func (p *parser) parseOne() error {
	ll := p.lines[p.pos]
	p.pos++

	if ll.isTab {
		if p.curRule == nil {
			return fmt.Errorf("%w: line %d: recipe line outside of any rule", ErrParse, ll.startNo)
		}
		p.curRule.Recipe = append(p.curRule.Recipe, strings.TrimPrefix(ll.text, "\t"))
		return nil
	}

	trimmed := strings.TrimSpace(stripComment(ll.text))
	if trimmed == "" {
		p.flushRule()
		return nil
	}

	switch {
	case strings.HasPrefix(trimmed, "include "):
		p.flushRule()
		p.nodes = append(p.nodes, &Include{Path: strings.TrimSpace(trimmed[len("include "):]), Line: ll.startNo})
		return nil

	case strings.HasPrefix(trimmed, "-include "):
		p.flushRule()
		p.nodes = append(p.nodes, &Include{Path: strings.TrimSpace(trimmed[len("-include "):]), Tolerant: true, Line: ll.startNo})
		return nil

	case strings.HasPrefix(trimmed, "vpath "):
		p.flushRule()
		fields := strings.Fields(trimmed[len("vpath "):])
		if len(fields) < 2 {
			return fmt.Errorf("%w: line %d: malformed vpath directive", ErrParse, ll.startNo)
		}
		p.nodes = append(p.nodes, &VPath{Pattern: fields[0], Dirs: fields[1:], Line: ll.startNo})
		return nil
	}

	if node, ok, err := parseAssignOrRule(trimmed, ll.startNo); err != nil {
		return err
	} else if ok {
		p.flushRule()
		switch n := node.(type) {
		case *VarAssign:
			p.nodes = append(p.nodes, n)
		case *Rule:
			p.curRule = n
		}
		return nil
	}

	return fmt.Errorf("%w: line %d: unrecognized statement %q", ErrParse, ll.startNo, trimmed)
}

// parseAssignOrRule classifies a non-directive top-level line as either a
// variable assignment or a rule header, scanning left to right for the
// first operator: ":=", "?=", "+=", "=" (assignment) or a bare ":" (rule).
func parseAssignOrRule(line string, lineNo int) (Node, bool, error) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ':':
			if i+1 < len(line) && line[i+1] == '=' {
				name := strings.TrimSpace(line[:i])
				return &VarAssign{Name: name, Op: OpImmediate, Value: strings.TrimSpace(line[i+2:]), Line: lineNo}, true, nil
			}
			targets := strings.Fields(line[:i])
			prereqs := strings.Fields(line[i+1:])
			if len(targets) == 0 {
				return nil, false, fmt.Errorf("%w: line %d: rule has no target", ErrParse, lineNo)
			}
			return &Rule{Targets: targets, Prereqs: prereqs, Line: lineNo}, true, nil

		case '?':
			if i+1 < len(line) && line[i+1] == '=' {
				name := strings.TrimSpace(line[:i])
				return &VarAssign{Name: name, Op: OpCond, Value: strings.TrimSpace(line[i+2:]), Line: lineNo}, true, nil
			}

		case '+':
			if i+1 < len(line) && line[i+1] == '=' {
				name := strings.TrimSpace(line[:i])
				return &VarAssign{Name: name, Op: OpAppend, Value: strings.TrimSpace(line[i+2:]), Line: lineNo}, true, nil
			}

		case '=':
			name := strings.TrimSpace(line[:i])
			return &VarAssign{Name: name, Op: OpDeferred, Value: strings.TrimSpace(line[i+1:]), Line: lineNo}, true, nil
		}
	}
	return nil, false, nil
}

// stripComment removes a trailing `# ...` comment, respecting `\#` escapes
// (a literal `#`, per make's own comment-escaping rule).
func stripComment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '#' {
			b.WriteByte('#')
			i++
			continue
		}
		if s[i] == '#' {
			break
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// IsPatternTarget reports whether a target name contains the `%` stem
// wildcard.
func IsPatternTarget(target string) bool {
	return strings.Contains(target, "%")
}

// IsPseudoTarget reports whether a target name is a `.NAME` directive
// target such as `.PHONY`.
func IsPseudoTarget(target string) bool {
	return strings.HasPrefix(target, ".") && !IsPatternTarget(target)
}
