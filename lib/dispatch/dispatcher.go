// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch runs the asynchronous half of fault reporting: it
// takes event ids queued by the capture path and reconciles the
// tracker with the event store — create the issue on first report,
// update the recurrence comment after that, reopen the issue when the
// event is open. Tasks are idempotent under redelivery: every attempt
// reloads the event, the issue reference guards against duplicate
// creates, and the recurrence comment is edited in place.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/faultline-sh/faultline/lib/clock"
	"github.com/faultline-sh/faultline/lib/eventstore"
	"github.com/faultline-sh/faultline/lib/tracker"
)

// defaultCallTimeout bounds each tracker round trip. A hung tracker
// call must not pin a reporting goroutine indefinitely.
const defaultCallTimeout = 30 * time.Second

// Tracker is the slice of the tracker client the dispatcher needs.
type Tracker interface {
	CreateIssue(ctx context.Context, event *eventstore.Event) (tracker.IssueRef, error)
	UpsertComment(ctx context.Context, event *eventstore.Event) (int64, error)
	SetIssueOpen(ctx context.Context, issueNumber int64) error
}

// Store is the slice of the event store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, id int64) (*eventstore.Event, error)
	SetTrackerIssue(ctx context.Context, id int64, issueNumber int64, issueURL string) error
	SetTrackerComment(ctx context.Context, id int64, commentID int64) error
	MarkClosedForTrackerRef(ctx context.Context, ref int64) (int64, error)
}

// Config holds the dependencies for a Dispatcher.
type Config struct {
	// Tracker talks to the issue tracker. Required.
	Tracker Tracker

	// Store persists tracker references and statuses. Required.
	Store Store

	// Clock provides retry backoff timing. Required.
	Clock clock.Clock

	// Retry bounds attempts per reporting task. Defaults to
	// DefaultRetryPolicy() when MaxAttempts is zero.
	Retry RetryPolicy

	// CallTimeout bounds each individual tracker call. Defaults to
	// 30 seconds.
	CallTimeout time.Duration

	// Logger receives task outcomes. Required.
	Logger *slog.Logger
}

// Dispatcher owns the reporting worker goroutines. Concurrency is
// unbounded across distinct events; tasks for the same event are
// serialized so out-of-order redelivery cannot interleave tracker
// calls for one issue.
type Dispatcher struct {
	tracker     Tracker
	store       Store
	clock       clock.Clock
	retry       RetryPolicy
	callTimeout time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	perEvent map[int64]*eventLock
}

// eventLock serializes tasks for one event. refs counts holders and
// waiters so the map entry can be dropped once the last task for the
// event finishes.
type eventLock struct {
	sync.Mutex
	refs int
}

// New creates a dispatcher from the given configuration.
func New(config Config) (*Dispatcher, error) {
	if config.Tracker == nil {
		return nil, fmt.Errorf("dispatch: Tracker is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("dispatch: Store is required")
	}
	if config.Clock == nil {
		return nil, fmt.Errorf("dispatch: Clock is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("dispatch: Logger is required")
	}

	retry := config.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	if retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("dispatch: MaxAttempts must be at least 1 (got %d)", retry.MaxAttempts)
	}

	callTimeout := config.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		tracker:     config.Tracker,
		store:       config.Store,
		clock:       config.Clock,
		retry:       retry,
		callTimeout: callTimeout,
		logger:      config.Logger,
		ctx:         ctx,
		cancel:      cancel,
		perEvent:    make(map[int64]*eventLock),
	}, nil
}

// Report queues a reporting task for the event. Returns an error only
// when the dispatcher has shut down; the task itself runs on its own
// goroutine and reports failures through the log.
func (dispatcher *Dispatcher) Report(eventID int64) error {
	dispatcher.mu.Lock()
	if dispatcher.closed {
		dispatcher.mu.Unlock()
		return fmt.Errorf("dispatch: dispatcher is shut down")
	}
	dispatcher.tasks.Add(1)
	dispatcher.mu.Unlock()

	go func() {
		defer dispatcher.tasks.Done()

		lock := dispatcher.lockEvent(eventID)
		defer dispatcher.unlockEvent(eventID, lock)

		if err := dispatcher.reportWithRetry(dispatcher.ctx, eventID); err != nil {
			dispatcher.logger.Error("reporting task failed after all attempts",
				"event_id", eventID,
				"attempts", dispatcher.retry.MaxAttempts,
				"error", err,
			)
		}
	}()
	return nil
}

// Resolve queues a close of every open event referencing the given
// tracker issue. Used by the webhook path, which must acknowledge the
// tracker before the store mutation completes.
func (dispatcher *Dispatcher) Resolve(issueNumber int64) error {
	dispatcher.mu.Lock()
	if dispatcher.closed {
		dispatcher.mu.Unlock()
		return fmt.Errorf("dispatch: dispatcher is shut down")
	}
	dispatcher.tasks.Add(1)
	dispatcher.mu.Unlock()

	go func() {
		defer dispatcher.tasks.Done()

		affected, err := dispatcher.store.MarkClosedForTrackerRef(dispatcher.ctx, issueNumber)
		if err != nil {
			dispatcher.logger.Error("closing events for tracker issue failed",
				"issue", issueNumber,
				"error", err,
			)
			return
		}
		if affected > 0 {
			dispatcher.logger.Info("events closed from tracker",
				"issue", issueNumber,
				"events", affected,
			)
		}
	}()
	return nil
}

// Shutdown stops accepting new tasks and waits for in-flight ones.
// When ctx expires first, remaining tasks are cancelled and ctx's
// error is returned.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	dispatcher.mu.Lock()
	dispatcher.closed = true
	dispatcher.mu.Unlock()

	done := make(chan struct{})
	go func() {
		dispatcher.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		dispatcher.cancel()
		return nil
	case <-ctx.Done():
		dispatcher.cancel()
		<-done
		return ctx.Err()
	}
}

// lockEvent acquires the mutex serializing tasks for one event,
// creating the map entry on first use.
func (dispatcher *Dispatcher) lockEvent(eventID int64) *eventLock {
	dispatcher.mu.Lock()
	lock, ok := dispatcher.perEvent[eventID]
	if !ok {
		lock = &eventLock{}
		dispatcher.perEvent[eventID] = lock
	}
	lock.refs++
	dispatcher.mu.Unlock()

	lock.Lock()
	return lock
}

// unlockEvent releases the event's mutex and drops the map entry when
// no other task holds or waits on it.
func (dispatcher *Dispatcher) unlockEvent(eventID int64, lock *eventLock) {
	lock.Unlock()
	dispatcher.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(dispatcher.perEvent, eventID)
	}
	dispatcher.mu.Unlock()
}

// reportWithRetry runs reportOnce under the retry policy. Each
// attempt reloads the event, so partial progress persisted by a
// failed attempt (an issue created but not reopened, say) is picked
// up rather than repeated.
func (dispatcher *Dispatcher) reportWithRetry(ctx context.Context, eventID int64) error {
	var lastError error
	for attempt := 1; attempt <= dispatcher.retry.MaxAttempts; attempt++ {
		if delay := dispatcher.retry.delayBefore(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-dispatcher.clock.After(delay):
			}
		}

		err := dispatcher.reportOnce(ctx, eventID)
		if err == nil {
			return nil
		}
		lastError = err

		if !tracker.IsTransient(err) {
			return err
		}
		dispatcher.logger.Warn("transient reporting failure, retrying",
			"event_id", eventID,
			"attempt", attempt,
			"error", err,
		)
	}
	return lastError
}

// reportOnce performs one reconciliation pass for an event.
func (dispatcher *Dispatcher) reportOnce(ctx context.Context, eventID int64) error {
	event, err := dispatcher.store.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("loading event %d: %w", eventID, err)
	}
	if event == nil {
		// The event vanished between scheduling and execution.
		// Nothing to reconcile.
		return nil
	}
	if event.Status == eventstore.StatusIgnored {
		// Ignored events are never reported; a task already in
		// flight when the operator ignored the event is abandoned
		// here without contacting the tracker.
		return nil
	}

	if event.TrackerIssueNumber == 0 {
		ref, err := dispatcher.trackerCreateIssue(ctx, event)
		if err != nil {
			return err
		}
		if err := dispatcher.store.SetTrackerIssue(ctx, event.ID, ref.Number, ref.URL); err != nil {
			return fmt.Errorf("persisting issue ref for event %d: %w", event.ID, err)
		}
		event.TrackerIssueNumber = ref.Number
	} else {
		commentID, err := dispatcher.trackerUpsertComment(ctx, event)
		if err != nil {
			return err
		}
		if event.TrackerCommentID == 0 {
			if err := dispatcher.store.SetTrackerComment(ctx, event.ID, commentID); err != nil {
				return fmt.Errorf("persisting comment id for event %d: %w", event.ID, err)
			}
		}
	}

	// Keep the tracker's open state aligned whenever the event is
	// open at report time. Right after create this is a no-op on the
	// tracker side; after a recurrence it reopens an issue someone
	// closed upstream.
	if event.Status == eventstore.StatusOpen {
		if err := dispatcher.trackerSetIssueOpen(ctx, event.TrackerIssueNumber); err != nil {
			return err
		}
	}
	return nil
}

func (dispatcher *Dispatcher) trackerCreateIssue(ctx context.Context, event *eventstore.Event) (tracker.IssueRef, error) {
	callCtx, cancel := context.WithTimeout(ctx, dispatcher.callTimeout)
	defer cancel()
	return dispatcher.tracker.CreateIssue(callCtx, event)
}

func (dispatcher *Dispatcher) trackerUpsertComment(ctx context.Context, event *eventstore.Event) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, dispatcher.callTimeout)
	defer cancel()
	return dispatcher.tracker.UpsertComment(callCtx, event)
}

func (dispatcher *Dispatcher) trackerSetIssueOpen(ctx context.Context, issueNumber int64) error {
	callCtx, cancel := context.WithTimeout(ctx, dispatcher.callTimeout)
	defer cancel()
	return dispatcher.tracker.SetIssueOpen(callCtx, issueNumber)
}
