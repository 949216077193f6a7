// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package smak

import "errors"

// Sentinel errors for the taxonomy in SPEC_FULL.md §9. Callers use
// errors.Is/errors.As against these rather than matching message text.
var (
	ErrParse            = errors.New("parse error")
	ErrMissingInclude   = errors.New("missing include file")
	ErrUnknownTarget    = errors.New("unknown target")
	ErrRecipeFailed     = errors.New("recipe failed")
	ErrMissingOutput    = errors.New("recipe produced no output")
	ErrDepthExceeded    = errors.New("dependency recursion depth exceeded")
	ErrWorkerLost       = errors.New("worker connection lost")
	ErrCancelled        = errors.New("build cancelled")
	ErrAmbiguousRecipe  = errors.New("target matched by more than one recipe")
	ErrCacheVersion     = errors.New("state cache version mismatch")
)
