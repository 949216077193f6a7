// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildTestGraph(t *testing.T, src string) *Graph {
	t.Helper()
	f, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := BuildGraph(f, NewVars(), ".", nil, "")
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	return g
}

func TestResolveFixedRule(t *testing.T) {
	g := buildTestGraph(t, "out: a.c b.c\n\tcc -o out a.c b.c\n")
	r, err := g.Resolve("out")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.HasRule {
		t.Fatal("expected HasRule")
	}
	if len(r.Prereqs) != 2 || len(r.Recipe) != 1 {
		t.Errorf("r = %+v", r)
	}
}

func TestResolveAppendsPrereqsAndOverwritesRecipe(t *testing.T) {
	src := "out: a.c\n\tcc a.c\nout: b.c\n\tcc a.c b.c\n"
	g := buildTestGraph(t, src)
	r, err := g.Resolve("out")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(r.Prereqs) != 2 || r.Prereqs[0] != "a.c" || r.Prereqs[1] != "b.c" {
		t.Errorf("expected appended prereqs [a.c b.c], got %v", r.Prereqs)
	}
	if len(r.Recipe) != 1 || r.Recipe[0] != "cc a.c b.c" {
		t.Errorf("expected the second rule's recipe to supersede, got %v", r.Recipe)
	}
}

func TestResolvePatternRule(t *testing.T) {
	g := buildTestGraph(t, "%.o: %.c\n\tcc -c $< -o $@\n")
	r, err := g.Resolve("foo.o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !r.HasRule || r.Stem != "foo" {
		t.Errorf("r = %+v", r)
	}
	if len(r.Prereqs) != 1 || r.Prereqs[0] != "foo.c" {
		t.Errorf("expanded prereqs = %v, want [foo.c]", r.Prereqs)
	}
}

func TestResolveAmbiguousPatternRecipes(t *testing.T) {
	src := "%.o: %.c\n\tcc1\n%.o: %.cc\n\tcc2\n"
	g := buildTestGraph(t, src)
	_, err := g.Resolve("foo.o")
	if err == nil {
		t.Fatal("expected ErrAmbiguousRecipe when two pattern rules both carry a recipe for the same target")
	}
}

func TestPhonyTargets(t *testing.T) {
	g := buildTestGraph(t, ".PHONY: clean all\nclean:\n\trm -rf out\n")
	if !g.IsPhony("clean") || !g.IsPhony("all") {
		t.Error("clean and all should be marked phony")
	}
	if g.IsPhony("out") {
		t.Error("out was never declared phony")
	}
}

func TestDefaultTarget(t *testing.T) {
	g := buildTestGraph(t, ".PHONY: all\nall: build\n\t@true\nbuild:\n\t@true\n")
	if got := g.DefaultTarget(); got != "build" {
		t.Errorf("DefaultTarget = %q, want %q (first non-phony, non-pattern target)", got, "build")
	}
}

func TestNeedsRebuild(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.c")
	out := filepath.Join(dir, "out")
	mustWrite(t, src, "int main(){}")

	rule := out + ": " + src + "\n\tcc -o " + out + " " + src + "\n"
	g := buildTestGraph(t, rule)

	stale, err := g.NeedsRebuild(out)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if !stale {
		t.Error("out does not exist yet, should need rebuild")
	}

	mustWrite(t, out, "binary")
	// Make out newer than src.
	now := time.Now()
	os.Chtimes(src, now.Add(-time.Hour), now.Add(-time.Hour))
	os.Chtimes(out, now, now)

	stale, err = g.NeedsRebuild(out)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if stale {
		t.Error("out is newer than its only prerequisite, should be up to date")
	}

	os.Chtimes(src, now.Add(time.Hour), now.Add(time.Hour))
	stale, err = g.NeedsRebuild(out)
	if err != nil {
		t.Fatalf("NeedsRebuild: %v", err)
	}
	if !stale {
		t.Error("src is now newer than out, should need rebuild")
	}
}

func TestMarkDirtyForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	mustWrite(t, out, "x")
	g := buildTestGraph(t, out+":\n\t@true\n")

	stale, _ := g.NeedsRebuild(out)
	if stale {
		t.Fatal("out has no prerequisites and already exists, should be up to date")
	}
	g.MarkDirty(out)
	stale, _ = g.NeedsRebuild(out)
	if !stale {
		t.Error("a dirty-marked target should always need rebuild")
	}
	g.ClearDirty(out)
	stale, _ = g.NeedsRebuild(out)
	if stale {
		t.Error("clearing the dirty mark should restore up-to-date status")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
