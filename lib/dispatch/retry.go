// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "time"

// RetryPolicy bounds how often a reporting task is retried after a
// transient tracker failure. Attempts are numbered from 1; Backoff is
// consulted before each attempt after the first.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the
	// first. Must be at least 1.
	MaxAttempts int

	// Backoff returns the delay before the given attempt (2 and up).
	// A nil Backoff means no delay, which is only sensible in tests.
	Backoff func(attempt int) time.Duration
}

// DefaultRetryPolicy is three total attempts with exponential backoff
// (1s, 2s). That covers brief rate limits and server hiccups without
// keeping a reporting goroutine alive for long.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<(attempt-2)) * time.Second
		},
	}
}

// delayBefore returns the backoff to apply before the given attempt.
func (policy RetryPolicy) delayBefore(attempt int) time.Duration {
	if attempt <= 1 || policy.Backoff == nil {
		return 0
	}
	return policy.Backoff(attempt)
}
