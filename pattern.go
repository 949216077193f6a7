// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import "strings"

// Pattern is a classic single-`%`-stem make pattern, e.g. "%.o" or
// "build/%.o". Superseded from the teacher's named-capture `{name}` syntax
// (see DESIGN.md): GNU make patterns carry exactly one stem.
type Pattern struct {
	Prefix string
	Suffix string
	Raw    string
	Stem   bool // false for a plain literal target with no '%'
}

// ParsePattern parses a target string into a Pattern. Stem is false when
// the string contains no '%', in which case it should be matched literally.
func ParsePattern(s string) Pattern {
	prefix, suffix, ok := strings.Cut(s, "%")
	if !ok {
		return Pattern{Raw: s}
	}
	return Pattern{Prefix: prefix, Suffix: suffix, Raw: s, Stem: true}
}

// Match attempts to match a concrete target name against the pattern,
// returning the captured stem and true on success.
func (p Pattern) Match(name string) (stem string, ok bool) {
	if !p.Stem {
		return "", name == p.Raw
	}
	if !strings.HasPrefix(name, p.Prefix) || !strings.HasSuffix(name, p.Suffix) {
		return "", false
	}
	if len(name) < len(p.Prefix)+len(p.Suffix) {
		return "", false
	}
	return name[len(p.Prefix) : len(name)-len(p.Suffix)], true
}

// Expand substitutes stem into the pattern to produce a concrete string,
// used to derive a pattern rule's prerequisites from the matched target.
func (p Pattern) Expand(stem string) string {
	if !p.Stem {
		return p.Raw
	}
	return p.Prefix + stem + p.Suffix
}

// ExpandStemRefs replaces every '%' in s with stem — used for prerequisite
// templates in a pattern rule ("%.c" -> "foo.c" given stem "foo").
func ExpandStemRefs(s, stem string) string {
	return strings.ReplaceAll(s, "%", stem)
}
