// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Package fswatch feeds filesystem-change notifications into a single
// dirty-marking sink (SPEC_FULL.md §4.G), from either of two sources: a
// remote FUSE-backed project-root monitor (Remote, fuse.go) or a local
// github.com/fsnotify/fsnotify watcher (Local, local.go). The job master
// never needs to know which transport produced an invalidation — both
// sources call the same Sink function.
package fswatch

// Sink receives a project-relative path that changed, to be marked dirty.
// Neither cmd/smak nor the job master constructs a watcher, so no Sink is
// connected to (*smak.Graph).MarkDirty; only direct callers such as this
// package's tests supply one.
type Sink func(path string)

// Event is one filtered, path-resolved notification ready for Sink.
type Event struct {
	Path string
	Op   string // "write", "create", "remove", "rename"
}
