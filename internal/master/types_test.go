// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package master

import "testing"

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		s    Status
		want bool
	}{
		{StatusQueued, false},
		{StatusPending, false},
		{StatusAssigned, false},
		{StatusDone, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.s.IsTerminal(); got != tt.want {
			t.Errorf("%v.IsTerminal() = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestRetryPolicyEligibleOnRaceOutputWhenFileNowExists(t *testing.T) {
	rp, err := newRetryPolicy(nil, nil)
	if err != nil {
		t.Fatalf("newRetryPolicy: %v", err)
	}
	exists := func(p string) bool { return p == "out.o" }
	output := "cc: fatal error: out.o: No such file or directory\n"
	if !rp.eligible("out", output, exists) {
		t.Error("expected eligible when the race-pattern file now exists")
	}
}

func TestRetryPolicyNotEligibleWhenRaceFileStillMissing(t *testing.T) {
	rp, err := newRetryPolicy(nil, nil)
	if err != nil {
		t.Fatalf("newRetryPolicy: %v", err)
	}
	exists := func(string) bool { return false }
	output := "cc: fatal error: out.o: No such file or directory\n"
	if rp.eligible("out", output, exists) {
		t.Error("expected not eligible when the named file still doesn't exist")
	}
}

func TestRetryPolicyEligibleOnConfiguredOutputGlob(t *testing.T) {
	rp, err := newRetryPolicy([]string{`stale NFS handle`}, nil)
	if err != nil {
		t.Fatalf("newRetryPolicy: %v", err)
	}
	if !rp.eligible("out", "some text with a stale NFS handle in it", func(string) bool { return false }) {
		t.Error("expected eligible when captured output matches a configured glob")
	}
}

func TestRetryPolicyEligibleOnConfiguredTargetGlob(t *testing.T) {
	rp, err := newRetryPolicy(nil, []string{`^flaky-.*`})
	if err != nil {
		t.Fatalf("newRetryPolicy: %v", err)
	}
	if !rp.eligible("flaky-test", "irrelevant output", func(string) bool { return false }) {
		t.Error("expected eligible when the target name matches a configured glob")
	}
	if rp.eligible("stable-test", "irrelevant output", func(string) bool { return false }) {
		t.Error("unrelated target should not be eligible")
	}
}

func TestNewRetryPolicyRejectsInvalidGlob(t *testing.T) {
	if _, err := newRetryPolicy([]string{"("}, nil); err == nil {
		t.Error("expected an error from an invalid output glob regexp")
	}
	if _, err := newRetryPolicy(nil, []string{"("}); err == nil {
		t.Error("expected an error from an invalid target glob regexp")
	}
}
