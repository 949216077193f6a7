// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

// Command smak-worker is the executor subprocess spawned by the job
// master (SPEC_FULL.md §4.E), locally or over `ssh -R` for remote pools.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/smak-build/smak/internal/worker"
)

func main() {
	addr := flag.String("master", "127.0.0.1:0", "job master worker-listen address")
	flag.Parse()

	w, err := worker.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smak-worker: %s\n", err)
		os.Exit(1)
	}
	defer w.Close()

	if err := w.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "smak-worker: %s\n", err)
		os.Exit(1)
	}
}
