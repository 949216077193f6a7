// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RuleKind classifies a rule at construction time (SPEC_FULL.md §3).
type RuleKind int

const (
	KindFixed RuleKind = iota
	KindPattern
	KindPseudo
)

// RuleEntry is an immutable-after-parse rule. The spec's six indexed
// collections (fixed_rule/fixed_deps, pattern_rule/pattern_deps,
// pseudo_rule/pseudo_deps) are represented here as three kind-partitioned
// maps/slices (see RuleDB below) each holding one RuleEntry per target,
// since a rule's recipe and its prerequisites are never read or written
// independently anywhere in this implementation — merging "rule" and
// "deps" into a single struct per target loses no information the spec
// models separately.
type RuleEntry struct {
	Kind    RuleKind
	Target  string // literal target, or pattern string for KindPattern
	Pattern Pattern
	Prereqs []string
	Recipe  []string
	Line    int
}

// VPathEntry is one `vpath PATTERN DIRS` directive.
type VPathEntry struct {
	Pattern Pattern
	Dirs    []string
}

// RuleDB holds the parsed rule set.
type RuleDB struct {
	fixed  map[string]*RuleEntry
	pseudo map[string]*RuleEntry
	// pattern rules are not map-keyed: several may share or overlap a
	// pattern, and all matches must be consulted at resolve time.
	pattern []*RuleEntry
	vpath   []VPathEntry
	phony   map[string]bool

	// inactivePatterns holds pattern strings pruned at end-of-parse because
	// no RCS/SCCS-format file exists anywhere in the project tree
	// (SPEC_FULL.md §4.B). Never persisted in the state cache (§4.D Open
	// Question 3): always recomputed after a cache load.
	inactivePatterns map[string]bool
}

func newRuleDB() *RuleDB {
	return &RuleDB{
		fixed:            make(map[string]*RuleEntry),
		pseudo:           make(map[string]*RuleEntry),
		phony:            make(map[string]bool),
		inactivePatterns: make(map[string]bool),
	}
}

// Graph is the built dependency graph: a parsed, vars-bound RuleDB plus the
// staleness-engine state (vpath cache, ignored-directory mtimes, dirty set).
type Graph struct {
	db            *RuleDB
	vars          *Vars
	defaultTarget string

	ignoreDirs []string
	dirCache   *dirMTimeCache

	// inputFiles lists the main recipe file plus every file pulled in via
	// `include`/`-include`, for the state cache's staleness check (§4.D):
	// the cache must be invalidated if any of these change, not just the
	// targets they describe.
	inputFiles []string

	mu        sync.RWMutex
	dirtySet  map[string]bool
}

// rcsPatternStrings are the implicit-rule patterns the teacher/source
// treats as RCS/SCCS noise when no such files exist in the tree.
var rcsPatternStrings = []string{"RCS/%,v", "%,v", "SCCS/s.%", "s.%"}

// BuildGraph walks a parsed File's statements in source order, applying
// variable assignments and accumulating rules, exactly as GNU make
// processes a single top-to-bottom pass (include directives recurse
// in-place). ignoreDirs is the configured SMAK_IGNORE_DIRS list (§8).
// mainFile is recorded as the first state-cache input file (§4.D); pass ""
// if the AST didn't come from a named file (e.g. in tests).
func BuildGraph(ast *File, vars *Vars, baseDir string, ignoreDirs []string, mainFile string) (*Graph, error) {
	g := &Graph{
		db:         newRuleDB(),
		vars:       vars,
		ignoreDirs: ignoreDirs,
		dirCache:   newDirMTimeCache(),
		dirtySet:   make(map[string]bool),
	}
	if mainFile != "" {
		g.inputFiles = append(g.inputFiles, mainFile)
	}
	if err := g.apply(ast, baseDir, 0); err != nil {
		return nil, err
	}
	g.detectInactivePatterns(baseDir)
	return g, nil
}

// InputFiles returns the main recipe file plus every included file, for
// the state cache's staleness check (§4.D).
func (g *Graph) InputFiles() []string { return g.inputFiles }

// NewGraphFromCache builds a Graph around a RuleDB loaded from the state
// cache (§4.D), skipping the parse entirely. Inactive-pattern detection is
// always re-run regardless of what the cache held (§4.D Open Question 3).
// mainFile is re-recorded as an input file so a subsequent Save still knows
// what to watch for staleness even on a cache-hit run.
func NewGraphFromCache(db *RuleDB, vars *Vars, baseDir string, ignoreDirs []string, mainFile string) *Graph {
	g := &Graph{
		db:         db,
		vars:       vars,
		ignoreDirs: ignoreDirs,
		dirCache:   newDirMTimeCache(),
		dirtySet:   make(map[string]bool),
	}
	if mainFile != "" {
		g.inputFiles = append(g.inputFiles, mainFile)
	}
	g.detectInactivePatterns(baseDir)
	return g
}

// RuleDB exposes the underlying rule database, e.g. for StateCache.Save.
func (g *Graph) RuleDB() *RuleDB { return g.db }

func (g *Graph) apply(ast *File, baseDir string, includeDepth int) error {
	for _, n := range ast.Nodes {
		switch node := n.(type) {
		case *VarAssign:
			g.applyAssign(node)
		case *Rule:
			g.addRule(node)
			if g.defaultTarget == "" {
				g.maybeSetDefault(node)
			}
		case *VPath:
			pat := ParsePattern(node.Pattern)
			g.db.vpath = append(g.db.vpath, VPathEntry{Pattern: pat, Dirs: node.Dirs})
		case *Include:
			if err := g.applyInclude(node, baseDir, includeDepth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) applyAssign(n *VarAssign) {
	value := n.Value
	switch n.Op {
	case OpImmediate:
		g.vars.Set(n.Name, g.vars.Expand(value))
	case OpDeferred:
		g.vars.SetLazy(n.Name, value)
	case OpCond:
		g.vars.SetCond(n.Name, g.vars.Expand(value))
	case OpAppend:
		g.vars.Append(n.Name, g.vars.Expand(value))
	}
}

func (g *Graph) maybeSetDefault(r *Rule) {
	for _, t := range r.Targets {
		if IsPseudoTarget(t) || IsPatternTarget(t) || strings.ContainsAny(t, "$") {
			continue
		}
		if g.db.phony[t] {
			continue
		}
		g.defaultTarget = t
		return
	}
}

func (g *Graph) addRule(r *Rule) {
	for _, t := range r.Targets {
		switch {
		case t == ".PHONY":
			for _, p := range r.Prereqs {
				g.db.phony[p] = true
			}
			continue
		case IsPseudoTarget(t):
			g.mergeFixedLike(g.db.pseudo, t, r, KindPseudo)
		case IsPatternTarget(t):
			g.db.pattern = append(g.db.pattern, &RuleEntry{
				Kind:    KindPattern,
				Target:  t,
				Pattern: ParsePattern(t),
				Prereqs: append([]string(nil), r.Prereqs...),
				Recipe:  append([]string(nil), r.Recipe...),
				Line:    r.Line,
			})
		default:
			g.mergeFixedLike(g.db.fixed, t, r, KindFixed)
		}
	}
}

// mergeFixedLike implements the "appending" rule from SPEC_FULL.md §4.B: a
// reappearing target's prerequisites are appended; a non-empty recipe
// supersedes any prior recipe.
func (g *Graph) mergeFixedLike(index map[string]*RuleEntry, target string, r *Rule, kind RuleKind) {
	existing, ok := index[target]
	if !ok {
		index[target] = &RuleEntry{
			Kind:    kind,
			Target:  target,
			Prereqs: append([]string(nil), r.Prereqs...),
			Recipe:  append([]string(nil), r.Recipe...),
			Line:    r.Line,
		}
		return
	}
	existing.Prereqs = append(existing.Prereqs, r.Prereqs...)
	if len(r.Recipe) > 0 {
		existing.Recipe = append([]string(nil), r.Recipe...)
	}
}

func (g *Graph) applyInclude(n *Include, baseDir string, depth int) error {
	if depth > 20 {
		return fmt.Errorf("%w: include depth exceeded at %q", ErrDepthExceeded, n.Path)
	}
	path := g.vars.Expand(n.Path)
	candidates := []string{path}
	if !filepath.IsAbs(path) {
		candidates = []string{
			path,
			filepath.Join(baseDir, path),
		}
	}
	var f *os.File
	var err error
	for _, c := range candidates {
		f, err = os.Open(c)
		if err == nil {
			break
		}
	}
	if err != nil {
		if n.Tolerant {
			return nil
		}
		return fmt.Errorf("%w: include %q: %v", ErrMissingInclude, path, err)
	}
	defer f.Close()

	g.inputFiles = append(g.inputFiles, f.Name())
	included, err := Parse(f)
	if err != nil {
		return err
	}
	return g.apply(included, filepath.Dir(f.Name()), depth+1)
}

// detectInactivePatterns prunes RCS/SCCS implicit pattern rules when no
// such source-control files exist anywhere under baseDir (pure pruning,
// not a correctness requirement — SPEC_FULL.md §4.B).
func (g *Graph) detectInactivePatterns(baseDir string) {
	g.db.inactivePatterns = make(map[string]bool)
	hasRCS := false
	filepath.Walk(baseDir, func(p string, info os.FileInfo, err error) error {
		if err != nil || hasRCS {
			return nil
		}
		if info.IsDir() && (info.Name() == "RCS" || info.Name() == "SCCS") {
			hasRCS = true
			return filepath.SkipDir
		}
		if !info.IsDir() && (strings.HasSuffix(p, ",v") || strings.HasPrefix(filepath.Base(p), "s.")) {
			hasRCS = true
		}
		return nil
	})
	if !hasRCS {
		for _, pat := range rcsPatternStrings {
			g.db.inactivePatterns[pat] = true
		}
	}
}

// DefaultTarget returns the first eligible target encountered during parse,
// or "" if none qualified.
func (g *Graph) DefaultTarget() string { return g.defaultTarget }

// ResolvedRule is the outcome of resolving a concrete target name against
// the rule database.
type ResolvedRule struct {
	Prereqs []string
	Recipe  []string
	Stem    string
	HasRule bool
}

// Resolve looks up target's rule using the priority fixed -> pattern ->
// pseudo described in SPEC_FULL.md §4.F step 3, with pattern matching as
// fallback and ALL matching pattern rules' prerequisites merged.
func (g *Graph) Resolve(target string) (ResolvedRule, error) {
	if r, ok := g.db.fixed[target]; ok {
		return ResolvedRule{Prereqs: r.Prereqs, Recipe: r.Recipe, HasRule: true}, nil
	}

	var prereqs []string
	var recipe []string
	var stem string
	recipeCount := 0
	for _, pr := range g.db.pattern {
		if g.db.inactivePatterns[pr.Target] {
			continue
		}
		s, ok := pr.Pattern.Match(target)
		if !ok {
			continue
		}
		stem = s
		for _, p := range pr.Prereqs {
			prereqs = append(prereqs, ExpandStemRefs(p, s))
		}
		if len(pr.Recipe) > 0 {
			recipeCount++
			recipe = pr.Recipe
		}
	}
	if recipeCount > 1 {
		return ResolvedRule{}, fmt.Errorf("%w: %q", ErrAmbiguousRecipe, target)
	}
	if len(prereqs) == 0 && recipeCount == 0 {
		if r, ok := g.db.pseudo[target]; ok {
			return ResolvedRule{Prereqs: r.Prereqs, Recipe: r.Recipe, HasRule: true}, nil
		}
		return ResolvedRule{}, nil
	}
	return ResolvedRule{Prereqs: prereqs, Recipe: recipe, Stem: stem, HasRule: true}, nil
}

// IsPhony reports whether target was declared in a `.PHONY` rule.
func (g *Graph) IsPhony(target string) bool { return g.db.phony[target] }

// IsInactivePattern reports whether name matches a pruned RCS/SCCS
// implicit-rule pattern (SPEC_FULL.md §4.B), used by the master's
// recursive dependency queuing to discard such prerequisites before they
// can cause infinite recursion.
func (g *Graph) IsInactivePattern(name string) bool { return g.db.inactivePatterns[name] }

// Vars returns the graph's bound variable store.
func (g *Graph) Vars() *Vars { return g.vars }

// MarkDirty adds target to the dirty set (CLI `dirty`/`touch`, or a
// filesystem-change event per §4.G).
func (g *Graph) MarkDirty(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirtySet[target] = true
}

// ClearDirty removes target from the dirty set (after a successful build).
func (g *Graph) ClearDirty(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.dirtySet, target)
}

func (g *Graph) isDirty(target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dirtySet[target]
}

// ResolveVPath resolves a prerequisite name against the vpath search list
// when it does not exist in the current directory, per SPEC_FULL.md §4.C.
// Returns the resolved path (unchanged if no vpath entry matches or the
// name doesn't need resolving) and whether a substitution occurred.
func (g *Graph) ResolveVPath(name string) (string, bool) {
	if g.skipIgnoredDir(name) || g.db.inactivePatterns[name] {
		return name, false
	}
	if fileExists(name) {
		return name, false
	}
	base := filepath.Base(name)
	for _, entry := range g.db.vpath {
		if _, ok := entry.Pattern.Match(base); !ok {
			continue
		}
		for _, dir := range entry.Dirs {
			candidate := filepath.Join(dir, base)
			if fileExists(candidate) {
				return candidate, true
			}
		}
	}
	return name, false
}

// matchIgnoredDir returns the configured ignore-dir entry path is under, if
// any.
func (g *Graph) matchIgnoredDir(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	for _, dir := range g.ignoreDirs {
		if abs == dir || strings.HasPrefix(abs, strings.TrimSuffix(dir, "/")+"/") {
			return dir, true
		}
	}
	return "", false
}

// skipIgnoredDir reports whether path's staleness check should be skipped
// because it sits under an ignored directory whose mtime hasn't moved
// since the last check (SPEC_FULL.md §4.C). When the directory's mtime has
// changed, it warns once and returns false so the caller re-evaluates
// everything under it normally on this pass.
func (g *Graph) skipIgnoredDir(path string) bool {
	dir, ok := g.matchIgnoredDir(path)
	if !ok {
		return false
	}
	if g.dirCache.Changed(dir) {
		fmt.Fprintf(os.Stderr, "smak: ignored directory %s changed, re-evaluating\n", dir)
		return false
	}
	return true
}

// NeedsRebuild implements the staleness engine in SPEC_FULL.md §4.C.
func (g *Graph) NeedsRebuild(target string) (bool, error) {
	ok, _, err := g.needsRebuild(target, make(map[string]bool))
	return ok, err
}

// WhyRebuild returns the human-readable reasons a target needs rebuilding,
// or an empty slice if it is up to date.
func (g *Graph) WhyRebuild(target string) ([]string, error) {
	_, reasons, err := g.needsRebuild(target, make(map[string]bool))
	return reasons, err
}

func (g *Graph) needsRebuild(target string, visiting map[string]bool) (bool, []string, error) {
	if visiting[target] {
		return false, nil, nil // cycle guard; dispatch-level depth bound is primary defense
	}
	visiting[target] = true
	defer delete(visiting, target)

	if g.isDirty(target) {
		return true, []string{target + " is marked dirty"}, nil
	}
	targetInfo, err := os.Stat(target)
	if err != nil {
		return true, []string{target + " does not exist"}, nil
	}

	resolved, err := g.Resolve(target)
	if err != nil {
		return false, nil, err
	}
	var reasons []string
	for _, prereq := range resolved.Prereqs {
		resolvedPrereq, _ := g.ResolveVPath(prereq)
		if g.skipIgnoredDir(resolvedPrereq) {
			continue
		}
		if g.isDirty(prereq) {
			reasons = append(reasons, prereq+" is dirty")
			continue
		}
		prereqInfo, err := os.Stat(resolvedPrereq)
		if err != nil {
			reasons = append(reasons, prereq+" does not exist")
			continue
		}
		if prereqInfo.ModTime().After(targetInfo.ModTime()) {
			reasons = append(reasons, prereq+" is newer than "+target)
		}
		if childStale, childReasons, err := g.needsRebuild(prereq, visiting); err != nil {
			return false, nil, err
		} else if childStale {
			reasons = append(reasons, childReasons...)
		}
	}
	return len(reasons) > 0, reasons, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileExists is fileExists exported for callers outside this package (the
// job master's output-verification and leaf-target checks, §4.F).
func FileExists(path string) bool { return fileExists(path) }

// dirMTimeCache caches a directory's mtime at startup so staleness checks
// for files under an ignored directory skip a full per-file stat unless
// the directory itself changed (SPEC_FULL.md §4.C). Shaped after the
// teacher's HashCache: a small struct wrapping a map behind a mutex.
type dirMTimeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
}

func newDirMTimeCache() *dirMTimeCache {
	return &dirMTimeCache{seen: make(map[string]time.Time)}
}

// Changed reports whether dir's mtime differs from the last-seen value,
// printing a warning (caller's responsibility) the first time it does.
func (c *dirMTimeCache) Changed(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.seen[dir]
	c.seen[dir] = info.ModTime()
	if !ok {
		return false
	}
	return !prev.Equal(info.ModTime())
}

// Targets returns every literal (non-pattern) target name known to the
// graph, sorted, for shell-completion and `list-files`-style queries.
func (g *Graph) Targets() []string {
	names := make([]string, 0, len(g.db.fixed)+len(g.db.pseudo))
	for t := range g.db.fixed {
		names = append(names, t)
	}
	for t := range g.db.pseudo {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}
