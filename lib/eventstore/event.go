// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package eventstore

import (
	"time"

	"github.com/faultline-sh/faultline/lib/fault"
)

// Status is the lifecycle state of a fault event.
type Status string

const (
	// StatusOpen marks an event that is occurring (or recurring) and
	// not yet resolved in the tracker.
	StatusOpen Status = "open"

	// StatusClosed marks an event whose tracker issue was resolved. A
	// new occurrence transitions it back to open.
	StatusClosed Status = "closed"

	// StatusIgnored marks an event an operator has silenced. Ignored
	// events are never reported to the tracker and stay ignored on
	// new occurrences.
	StatusIgnored Status = "ignored"
)

// Valid reports whether s is one of the three recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusIgnored:
		return true
	}
	return false
}

// Event is the persisted, deduplicated record of a fingerprint's
// occurrences and lifecycle. One row per fingerprint.
type Event struct {
	// ID is the surrogate primary key.
	ID int64

	// Fingerprint is the stable fault identity. Unique across events.
	Fingerprint string

	// FaultType is the fully-qualified fault type name.
	FaultType string

	// Message is the description from the latest occurrence.
	Message string

	// Stack is the frame list from the latest occurrence, replaced
	// wholesale on every update.
	Stack []string

	// OccurrenceCount is the number of observed occurrences, >= 1 and
	// monotonically non-decreasing.
	OccurrenceCount int64

	// FirstSeenAt is when the fingerprint was first observed. Never
	// updated after creation.
	FirstSeenAt time.Time

	// LastSeenAt is when the fingerprint was most recently observed.
	// Always >= FirstSeenAt.
	LastSeenAt time.Time

	// Request is the request snapshot from the latest occurrence, if
	// the fault happened while serving a request.
	Request *fault.RequestContext

	// Status is the lifecycle state.
	Status Status

	// TrackerIssueNumber is the tracker issue mirroring this event.
	// Zero until the first report succeeds.
	TrackerIssueNumber int64

	// TrackerIssueURL is the human-facing URL of the tracker issue.
	TrackerIssueURL string

	// TrackerCommentID is the recurrence comment on the tracker
	// issue, edited in place on later recurrences. Zero until the
	// first recurrence is reported.
	TrackerCommentID int64
}
