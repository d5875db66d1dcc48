// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() with deterministic control
// over the current time and pending waiters.
package clock

import "time"

// Clock provides the time operations Faultline components need.
// Every production function that would call time.Now, time.After, or
// time.Sleep accepts a Clock (or is a method on a struct holding one)
// instead of calling the time package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	Sleep(d time.Duration)
}
