// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests across the
// module.
package testutil

import (
	"fmt"
	"time"
)

// failer is the slice of *testing.T the helpers need. Keeping it an
// interface avoids importing testing here.
type failer interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. Tests waiting on asynchronous work should use this instead of
// a bare channel read so a bug hangs the test for timeout, not for
// the whole test binary deadline.
func RequireReceive[T any](t failer, ch <-chan T, timeout time.Duration, msg string, args ...any) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", fmt.Sprintf(msg, args...))
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, fmt.Sprintf(msg, args...))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or yield a value) within
// timeout, or fails the test.
func RequireClosed(t failer, ch <-chan struct{}, timeout time.Duration, msg string, args ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close: %s", timeout, fmt.Sprintf(msg, args...))
	}
}
