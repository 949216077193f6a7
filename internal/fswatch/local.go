// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Local is the fallback watcher used when no FUSE monitor is reachable
// (the common case for a non-containerized local build, SPEC_FULL.md §4.G).
// Only root, its immediate subdirectories, and directories later passed to
// AddDir are watched; pump calls AddDir for each directory created under a
// watched one. The tree is not watched recursively up front.
type Local struct {
	w    *fsnotify.Watcher
	sink Sink

	mu      sync.Mutex
	watched map[string]bool
}

// NewLocal starts the fsnotify event pump in the background. root's
// immediate subdirectories are registered concurrently (bounded by
// concurrency) so a large top-level tree doesn't block startup on a
// sequential walk; everything below that is added lazily via AddDir.
func NewLocal(ctx context.Context, root string, concurrency int, sink Sink) (*Local, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	l := &Local{w: w, sink: sink, watched: make(map[string]bool)}

	entries, err := os.ReadDir(root)
	if err == nil {
		g, _ := errgroup.WithContext(ctx)
		if concurrency > 0 {
			g.SetLimit(concurrency)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			g.Go(func() error {
				l.AddDir(dir)
				return nil
			})
		}
		g.Wait()
	}
	l.AddDir(root)

	go l.pump(ctx)
	return l, nil
}

// AddDir registers dir with the underlying watcher if not already watched.
// Safe to call repeatedly. pump calls it for each newly created directory;
// the job master's dependency queuing does not call it.
func (l *Local) AddDir(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watched[dir] {
		return
	}
	if err := l.w.Add(dir); err == nil {
		l.watched[dir] = true
	}
}

func (l *Local) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.w.Close()
			return
		case ev, ok := <-l.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.sink(ev.Name)
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					l.AddDir(ev.Name)
				}
			}
		case <-l.w.Errors:
			// Watcher errors are non-fatal: a dropped inotify event just
			// means the next rescan (manual or auto) catches the staleness
			// the mtime comparison would have found anyway.
		}
	}
}

// Close stops the watcher.
func (l *Local) Close() error { return l.w.Close() }
