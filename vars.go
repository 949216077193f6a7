// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

// maxExpandDepth bounds recursive expansion (SPEC_FULL.md §4.A).
const maxExpandDepth = 10

// Vars is a variable store: name -> value-template (unexpanded), matching
// make's four assignment operators (:=, =, ?=, +=) via Set/SetLazy/Append.
type Vars struct {
	vals map[string]string
	lazy map[string]string // deferred `=` bindings, expanded on first Get
}

// NewVars seeds a store from the process environment, mirroring make's
// rule that every variable is also visible as an environment variable.
func NewVars() *Vars {
	v := &Vars{
		vals: make(map[string]string),
		lazy: make(map[string]string),
	}
	for _, env := range os.Environ() {
		k, val, ok := strings.Cut(env, "=")
		if ok {
			v.vals[k] = val
		}
	}
	return v
}

// Set performs an immediate (`:=`) or already-resolved assignment.
func (v *Vars) Set(name, value string) {
	v.vals[name] = value
	delete(v.lazy, name)
}

// SetLazy performs a deferred (`=`) assignment: the expression is expanded
// lazily on first Get, in the scope active at that time.
func (v *Vars) SetLazy(name, expr string) {
	v.lazy[name] = expr
	delete(v.vals, name)
}

// SetCond performs a conditional (`?=`) assignment: a no-op if name is
// already bound (immediate, lazy, or inherited from the environment).
func (v *Vars) SetCond(name, value string) {
	if _, ok := v.vals[name]; ok {
		return
	}
	if _, ok := v.lazy[name]; ok {
		return
	}
	v.Set(name, value)
}

// Append performs an append (`+=`) assignment, space-joining onto any
// existing value.
func (v *Vars) Append(name, value string) {
	existing := v.Get(name)
	if existing != "" {
		v.Set(name, existing+" "+value)
	} else {
		v.Set(name, value)
	}
}

// Get retrieves a variable's value, resolving a lazy binding on demand.
func (v *Vars) Get(name string) string {
	if expr, ok := v.lazy[name]; ok {
		val := v.Expand(expr)
		v.vals[name] = val
		delete(v.lazy, name)
		return val
	}
	return v.vals[name]
}

// Expand expands $(NAME), ${NAME}, $X (single letter), and $(fn args...)
// references in s, recursively, GNU-make style. $$ escapes to a literal $.
func (v *Vars) Expand(s string) string {
	out, truncated := v.expandDepth(s, 0)
	if truncated {
		os.Stderr.WriteString("smak: warning: expansion of " + strconv.Quote(s) +
			" stopped at depth " + strconv.Itoa(maxExpandDepth) + "\n")
	}
	return out
}

func (v *Vars) expandDepth(s string, depth int) (string, bool) {
	if depth >= maxExpandDepth {
		return s, true // cyclic/too-deep: leave unexpanded, Expand warns
	}
	var b strings.Builder
	truncated := false
	i := 0
	for i < len(s) {
		if s[i] != '$' {
			b.WriteByte(s[i])
			i++
			continue
		}
		i++
		if i >= len(s) {
			b.WriteByte('$')
			break
		}
		switch {
		case s[i] == '$':
			b.WriteByte('$')
			i++

		case s[i] == '(' || s[i] == '{':
			open := s[i]
			close := byte(')')
			if open == '{' {
				close = '}'
			}
			end := findMatchingDelim(s[i:], open, close)
			if end < 0 {
				b.WriteByte('$')
				b.WriteByte(open)
				i++
				continue
			}
			inner := s[i+1 : i+end]
			expanded, trunc := v.evalRef(inner, depth)
			if trunc {
				truncated = true
			}
			b.WriteString(expanded)
			i += end + 1

		case isIdentStart(s[i]):
			// Single-letter shorthand: $X
			name := string(s[i])
			expanded, trunc := v.evalRef(name, depth)
			if trunc {
				truncated = true
			}
			b.WriteString(expanded)
			i++

		default:
			b.WriteByte('$')
		}
	}
	return b.String(), truncated
}

// evalRef evaluates the content of a $(...) or ${...} reference: either a
// bare variable name or a function call `fn arg1,arg2,...`. A computed name
// is expanded before the lookup, and a deferred binding is expanded one
// level deeper, so a self-reference stops at maxExpandDepth. A name followed
// by arguments that is not a known function is kept as a $(...) reference.
func (v *Vars) evalRef(inner string, depth int) (string, bool) {
	name, rest, hasArgs := cutFuncName(inner)
	if hasArgs {
		return v.evalFunc(name, rest, depth)
	}
	truncated := false
	if strings.Contains(inner, "$") {
		inner, truncated = v.expandDepth(inner, depth+1)
	} else if strings.ContainsAny(inner, " \t") {
		return "$(" + inner + ")", false
	}
	if expr, ok := v.lazy[inner]; ok {
		out, trunc := v.expandDepth(expr, depth+1)
		return out, truncated || trunc
	}
	return v.vals[inner], truncated
}

// cutFuncName splits "fnname args..." on the first run of whitespace, but
// only if fnname is a known function name followed by
// whitespace; a bare variable name (possibly containing '-' or '.') with no
// following space is returned with hasArgs=false.
func cutFuncName(inner string) (name, rest string, hasArgs bool) {
	i := 0
	for i < len(inner) && (isIdentCont(inner[i]) || inner[i] == '-') {
		i++
	}
	if i == 0 || i >= len(inner) {
		return inner, "", false
	}
	j := i
	for j < len(inner) && (inner[j] == ' ' || inner[j] == '\t') {
		j++
	}
	if j == i {
		return inner, "", false
	}
	fname := inner[:i]
	if !isKnownFunc(fname) {
		return inner, "", false
	}
	return fname, inner[j:], true
}

func isKnownFunc(name string) bool {
	switch name {
	case "patsubst", "subst", "strip", "findstring", "filter", "filter-out",
		"sort", "word", "wordlist", "words", "firstword", "lastword", "dir",
		"notdir", "suffix", "basename", "addsuffix", "addprefix", "join",
		"wildcard", "shell", "foreach", "if":
		return true
	}
	return false
}

func (v *Vars) evalFunc(name, args string, depth int) (string, bool) {
	switch name {
	case "wildcard":
		return v.funcWildcard(args, depth), false
	case "shell":
		return v.funcShell(args, depth), false
	case "patsubst":
		return v.funcPatsubst(args, depth), false
	case "subst":
		return v.funcSubst(args, depth), false
	case "filter":
		return v.funcFilter(args, depth), false
	case "filter-out":
		return v.funcFilterOut(args, depth), false
	case "dir":
		return v.funcDir(args, depth), false
	case "notdir":
		return v.funcNotdir(args, depth), false
	case "basename":
		return v.funcBasename(args, depth), false
	case "suffix":
		return v.funcSuffix(args, depth), false
	case "addprefix":
		return v.funcAddprefix(args, depth), false
	case "addsuffix":
		return v.funcAddsuffix(args, depth), false
	case "join":
		return v.funcJoin(args, depth), false
	case "sort":
		return v.funcSort(args, depth), false
	case "word":
		return v.funcWord(args, depth), false
	case "wordlist":
		return v.funcWordlist(args, depth), false
	case "words":
		return v.funcWords(args, depth), false
	case "firstword":
		return v.funcFirstword(args, depth), false
	case "lastword":
		return v.funcLastword(args, depth), false
	case "strip":
		return v.funcStrip(args, depth), false
	case "findstring":
		return v.funcFindstring(args, depth), false
	case "if":
		return v.funcIf(args, depth), false
	case "foreach":
		return v.funcForeach(args, depth)
	default:
		return "", false
	}
}

func (v *Vars) exp(s string, depth int) string {
	out, _ := v.expandDepth(s, depth+1)
	return out
}

func (v *Vars) funcWildcard(args string, depth int) string {
	pattern := v.exp(args, depth)
	matches, err := wildcardGlob(pattern)
	if err != nil {
		return ""
	}
	return strings.Join(matches, " ")
}

func (v *Vars) funcShell(args string, depth int) string {
	cmd := v.exp(args, depth)
	out, err := runShellCapture(cmd)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(out), "\n", " ")
}

func (v *Vars) funcPatsubst(args string, depth int) string {
	parts := splitArgs(args, 3)
	if len(parts) != 3 {
		return ""
	}
	pattern := v.exp(parts[0], depth)
	replacement := v.exp(parts[1], depth)
	text := v.exp(parts[2], depth)
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = patsubstWord(pattern, replacement, w)
	}
	return strings.Join(words, " ")
}

func (v *Vars) funcSubst(args string, depth int) string {
	parts := splitArgs(args, 3)
	if len(parts) != 3 {
		return ""
	}
	from := v.exp(parts[0], depth)
	to := v.exp(parts[1], depth)
	text := v.exp(parts[2], depth)
	return strings.ReplaceAll(text, from, to)
}

func (v *Vars) funcFilter(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	patterns := strings.Fields(v.exp(parts[0], depth))
	text := v.exp(parts[1], depth)
	var result []string
	for _, w := range strings.Fields(text) {
		if matchesAny(patterns, w) {
			result = append(result, w)
		}
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcFilterOut(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	patterns := strings.Fields(v.exp(parts[0], depth))
	text := v.exp(parts[1], depth)
	var result []string
	for _, w := range strings.Fields(text) {
		if !matchesAny(patterns, w) {
			result = append(result, w)
		}
	}
	return strings.Join(result, " ")
}

func matchesAny(patterns []string, w string) bool {
	for _, p := range patterns {
		if patsubstMatch(p, w) {
			return true
		}
	}
	return false
}

func (v *Vars) funcDir(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	var result []string
	for _, w := range words {
		result = append(result, dirOf(w))
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcNotdir(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	var result []string
	for _, w := range words {
		result = append(result, baseOf(w))
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcBasename(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	var result []string
	for _, w := range words {
		result = append(result, stripExt(w))
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcSuffix(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	var result []string
	for _, w := range words {
		if ext := extOf(w); ext != "" {
			result = append(result, ext)
		}
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcAddprefix(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	prefix := v.exp(parts[0], depth)
	words := strings.Fields(v.exp(parts[1], depth))
	for i, w := range words {
		words[i] = prefix + w
	}
	return strings.Join(words, " ")
}

func (v *Vars) funcAddsuffix(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	suffix := v.exp(parts[0], depth)
	words := strings.Fields(v.exp(parts[1], depth))
	for i, w := range words {
		words[i] = w + suffix
	}
	return strings.Join(words, " ")
}

func (v *Vars) funcJoin(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	a := strings.Fields(v.exp(parts[0], depth))
	b := strings.Fields(v.exp(parts[1], depth))
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	result := make([]string, 0, n)
	for i := 0; i < n; i++ {
		var av, bv string
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		result = append(result, av+bv)
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcSort(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	sort.Strings(words)
	var result []string
	for i, w := range words {
		if i == 0 || w != words[i-1] {
			result = append(result, w)
		}
	}
	return strings.Join(result, " ")
}

func (v *Vars) funcWord(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(v.exp(parts[0], depth)))
	if err != nil || n < 1 {
		return ""
	}
	words := strings.Fields(v.exp(parts[1], depth))
	if n > len(words) {
		return ""
	}
	return words[n-1]
}

func (v *Vars) funcWordlist(args string, depth int) string {
	parts := splitArgs(args, 3)
	if len(parts) != 3 {
		return ""
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(v.exp(parts[0], depth)))
	end, err2 := strconv.Atoi(strings.TrimSpace(v.exp(parts[1], depth)))
	if err1 != nil || err2 != nil || start < 1 {
		return ""
	}
	words := strings.Fields(v.exp(parts[2], depth))
	if start > len(words) {
		return ""
	}
	if end > len(words) {
		end = len(words)
	}
	if end < start {
		return ""
	}
	return strings.Join(words[start-1:end], " ")
}

func (v *Vars) funcWords(args string, depth int) string {
	return strconv.Itoa(len(strings.Fields(v.exp(args, depth))))
}

func (v *Vars) funcFirstword(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

func (v *Vars) funcLastword(args string, depth int) string {
	words := strings.Fields(v.exp(args, depth))
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

func (v *Vars) funcStrip(args string, depth int) string {
	return strings.Join(strings.Fields(v.exp(args, depth)), " ")
}

func (v *Vars) funcFindstring(args string, depth int) string {
	parts := splitArgs(args, 2)
	if len(parts) != 2 {
		return ""
	}
	find := v.exp(parts[0], depth)
	text := v.exp(parts[1], depth)
	if strings.Contains(text, find) {
		return find
	}
	return ""
}

func (v *Vars) funcIf(args string, depth int) string {
	parts := splitArgs(args, 3)
	if len(parts) < 2 {
		return ""
	}
	cond := strings.TrimSpace(v.exp(parts[0], depth))
	if cond != "" {
		return strings.TrimSpace(v.exp(parts[1], depth))
	}
	if len(parts) == 3 {
		return strings.TrimSpace(v.exp(parts[2], depth))
	}
	return ""
}

// funcForeach implements $(foreach var,list,text): the list and text are
// NOT pre-expanded as a unit — the loop variable is bound per-iteration and
// text is expanded fresh each time, results concatenated with no separator
// (gmake-compatible; SPEC_FULL.md §4.A).
func (v *Vars) funcForeach(args string, depth int) (string, bool) {
	parts := splitArgs(args, 3)
	if len(parts) != 3 {
		return "", false
	}
	loopVar := strings.TrimSpace(parts[0])
	list := strings.Fields(v.exp(parts[1], depth))
	body := parts[2]

	saved, hadVal := v.vals[loopVar]
	savedLazy, hadLazy := v.lazy[loopVar]

	var b strings.Builder
	truncated := false
	for _, item := range list {
		v.Set(loopVar, item)
		out, trunc := v.expandDepth(body, depth+1)
		if trunc {
			truncated = true
		}
		b.WriteString(out)
	}

	delete(v.vals, loopVar)
	delete(v.lazy, loopVar)
	if hadVal {
		v.vals[loopVar] = saved
	}
	if hadLazy {
		v.lazy[loopVar] = savedLazy
	}
	return b.String(), truncated
}

// splitArgs splits a comma-separated argument list into at most n fields,
// the last field absorbing any remaining commas (make's own comma-splitting
// rule for function arguments).
func splitArgs(s string, n int) []string {
	return strings.SplitN(s, ",", n)
}

func patsubstWord(pattern, replacement, word string) string {
	if !strings.Contains(pattern, "%") {
		if word == pattern {
			return replacement
		}
		return word
	}
	prefix, suffix, _ := strings.Cut(pattern, "%")
	if strings.HasPrefix(word, prefix) && strings.HasSuffix(word, suffix) {
		stem := word[len(prefix) : len(word)-len(suffix)]
		return strings.ReplaceAll(replacement, "%", stem)
	}
	return word
}

func patsubstMatch(pattern, word string) bool {
	if !strings.Contains(pattern, "%") {
		return word == pattern
	}
	prefix, suffix, _ := strings.Cut(pattern, "%")
	return strings.HasPrefix(word, prefix) && strings.HasSuffix(word, suffix)
}

func findMatchingDelim(s string, open, close byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Environ returns the store as environment strings for a worker's exec.
func (v *Vars) Environ() []string {
	env := make([]string, 0, len(v.vals))
	for k, val := range v.vals {
		env = append(env, k+"="+val)
	}
	sort.Strings(env)
	return env
}

// Snapshot returns a copy of all current values, resolving lazy ones.
func (v *Vars) Snapshot() map[string]string {
	snap := make(map[string]string, len(v.vals)+len(v.lazy))
	for k, val := range v.vals {
		snap[k] = val
	}
	for k := range v.lazy {
		snap[k] = v.Get(k)
	}
	return snap
}

// Clone creates an independent copy, used to give a rule's recipe its own
// scope for $@/$</$^/$* binding (§4.F step 7) without mutating the parent.
func (v *Vars) Clone() *Vars {
	c := &Vars{
		vals: make(map[string]string, len(v.vals)),
		lazy: make(map[string]string, len(v.lazy)),
	}
	for k, val := range v.vals {
		c.vals[k] = val
	}
	for k, val := range v.lazy {
		c.lazy[k] = val
	}
	return c
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// dirOf mirrors make's $(dir) semantics: keep the trailing slash, and
// report "./" for a name with no directory component at all (unlike
// path.Dir, which collapses both cases to ".").
func dirOf(name string) string {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return "./"
	}
	return name[:i+1]
}

func baseOf(name string) string {
	return path.Base(name)
}

func extOf(name string) string {
	return path.Ext(name)
}

func stripExt(name string) string {
	ext := extOf(name)
	if ext == "" {
		return name
	}
	return strings.TrimSuffix(name, ext)
}
