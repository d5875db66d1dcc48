// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package capture is the synchronous interception point: it observes
// a fault on the host's own call path, records it through the event
// store, and hands reporting off to the dispatcher. The capture path
// must never alter the outcome of the code that faulted — every
// internal failure here is logged and swallowed, and the original
// fault is always re-signaled to the caller unchanged.
package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/faultline-sh/faultline/lib/eventstore"
	"github.com/faultline-sh/faultline/lib/fault"
)

// EventStore is the slice of the event store the handler needs.
type EventStore interface {
	ByFingerprint(ctx context.Context, fingerprint string) (*eventstore.Event, error)
	Upsert(ctx context.Context, params eventstore.UpsertParams) (*eventstore.Event, error)
}

// Fingerprinter produces the stable identity for a fault.
type Fingerprinter interface {
	Generate(f fault.Fault) string
}

// Scheduler queues an asynchronous reporting task for an event. The
// handler treats scheduling as fire-and-forget: a scheduling failure
// is logged, never propagated.
type Scheduler interface {
	Report(eventID int64) error
}

// Config holds the dependencies for a capture Handler.
type Config struct {
	// Enabled gates all capture side effects. When false, Handle is
	// a no-op and faults pass through untouched.
	Enabled bool

	// Store persists fault events. Required.
	Store EventStore

	// Fingerprint computes fault identities. Required.
	Fingerprint Fingerprinter

	// Scheduler queues reporting tasks. Required.
	Scheduler Scheduler

	// Ignore holds the resolved ignore rules. A fault matching any
	// rule is dropped before it reaches the store.
	Ignore []Matcher

	// Logger receives capture-path diagnostics. Required.
	Logger *slog.Logger
}

// Handler implements the capture flow. Safe for concurrent use.
type Handler struct {
	enabled     bool
	store       EventStore
	fingerprint Fingerprinter
	scheduler   Scheduler
	ignore      []Matcher
	logger      *slog.Logger
}

// NewHandler creates a capture handler from the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("capture: Store is required")
	}
	if config.Fingerprint == nil {
		return nil, fmt.Errorf("capture: Fingerprint is required")
	}
	if config.Scheduler == nil {
		return nil, fmt.Errorf("capture: Scheduler is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("capture: Logger is required")
	}
	return &Handler{
		enabled:     config.Enabled,
		store:       config.Store,
		fingerprint: config.Fingerprint,
		scheduler:   config.Scheduler,
		ignore:      config.Ignore,
		logger:      config.Logger,
	}, nil
}

// Handle records one fault occurrence and returns the resulting
// event, or nil when the fault was suppressed (capture disabled,
// ignore rule, sticky-ignored fingerprint) or when recording failed.
// Handle never returns an error: the capture path sits inline on the
// host's failing code path and must not add failures of its own.
func (handler *Handler) Handle(ctx context.Context, f fault.Fault, request *fault.RequestContext) *eventstore.Event {
	if !handler.enabled {
		return nil
	}

	for _, matches := range handler.ignore {
		if matches(f) {
			return nil
		}
	}

	fingerprint := handler.fingerprint.Generate(f)

	// Sticky suppression: a fingerprint an operator has marked
	// ignored stays silent even though it matches no ignore rule.
	// Suppressed occurrences are not counted; the event is frozen
	// as the operator last saw it.
	existing, err := handler.store.ByFingerprint(ctx, fingerprint)
	if err != nil {
		handler.logger.Error("capture: fingerprint lookup failed",
			"fingerprint", fingerprint,
			"fault_type", f.Type,
			"error", err,
		)
		return nil
	}
	if existing != nil && existing.Status == eventstore.StatusIgnored {
		return nil
	}

	event, err := handler.store.Upsert(ctx, eventstore.UpsertParams{
		Fingerprint: fingerprint,
		FaultType:   f.Type,
		Message:     f.Message,
		Stack:       f.Stack,
		Request:     request,
	})
	if err != nil {
		handler.logger.Error("capture: recording fault failed",
			"fingerprint", fingerprint,
			"fault_type", f.Type,
			"error", err,
		)
		return nil
	}

	// The race with a concurrent operator ignore is closed inside
	// Upsert: the status comes back ignored and we stop here.
	if event.Status == eventstore.StatusIgnored {
		return event
	}

	if err := handler.scheduler.Report(event.ID); err != nil {
		handler.logger.Error("capture: scheduling report failed",
			"event_id", event.ID,
			"fingerprint", fingerprint,
			"error", err,
		)
	}
	return event
}

// CaptureError records err as a fault and returns err unchanged, so
// it drops into existing error-return chains:
//
//	if err := job.Run(ctx); err != nil {
//	    return handler.CaptureError(ctx, err, nil)
//	}
func (handler *Handler) CaptureError(ctx context.Context, err error, request *fault.RequestContext) error {
	if err == nil {
		return nil
	}
	handler.Handle(ctx, fault.FromError(err), request)
	return err
}
