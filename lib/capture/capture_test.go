// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/faultline-sh/faultline/lib/eventstore"
	"github.com/faultline-sh/faultline/lib/fault"
	"github.com/faultline-sh/faultline/lib/fingerprint"
)

// fakeStore is an in-memory EventStore keyed by fingerprint.
type fakeStore struct {
	events    map[string]*eventstore.Event
	nextID    int64
	upserts   int
	upsertErr error
	lookupErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[string]*eventstore.Event)}
}

func (store *fakeStore) ByFingerprint(ctx context.Context, fp string) (*eventstore.Event, error) {
	if store.lookupErr != nil {
		return nil, store.lookupErr
	}
	return store.events[fp], nil
}

func (store *fakeStore) Upsert(ctx context.Context, params eventstore.UpsertParams) (*eventstore.Event, error) {
	store.upserts++
	if store.upsertErr != nil {
		return nil, store.upsertErr
	}
	if event, ok := store.events[params.Fingerprint]; ok {
		event.OccurrenceCount++
		event.Message = params.Message
		if event.Status == eventstore.StatusClosed {
			event.Status = eventstore.StatusOpen
		}
		return event, nil
	}
	store.nextID++
	event := &eventstore.Event{
		ID:              store.nextID,
		Fingerprint:     params.Fingerprint,
		FaultType:       params.FaultType,
		Message:         params.Message,
		Stack:           params.Stack,
		Request:         params.Request,
		OccurrenceCount: 1,
		Status:          eventstore.StatusOpen,
	}
	store.events[params.Fingerprint] = event
	return event, nil
}

// fakeScheduler records scheduled event ids.
type fakeScheduler struct {
	reported []int64
	err      error
}

func (scheduler *fakeScheduler) Report(eventID int64) error {
	if scheduler.err != nil {
		return scheduler.err
	}
	scheduler.reported = append(scheduler.reported, eventID)
	return nil
}

func testHandler(t *testing.T, store *fakeStore, scheduler *fakeScheduler, ignore []Matcher) *Handler {
	t.Helper()
	handler, err := NewHandler(Config{
		Enabled:     true,
		Store:       store,
		Fingerprint: fingerprint.New(nil),
		Scheduler:   scheduler,
		Ignore:      ignore,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("creating handler: %v", err)
	}
	return handler
}

func testFault() fault.Fault {
	return fault.Fault{
		Type:    "main.timeoutError",
		Message: "deadline exceeded",
		Stack:   []string{"app/worker.go:42 main.run"},
	}
}

func TestHandleRecordsAndSchedules(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler := testHandler(t, store, scheduler, nil)

	event := handler.Handle(t.Context(), testFault(), &fault.RequestContext{URL: "/jobs", Method: "POST"})
	if event == nil {
		t.Fatal("handle returned nil for a reportable fault")
	}
	if event.OccurrenceCount != 1 {
		t.Errorf("occurrence count = %d, want 1", event.OccurrenceCount)
	}
	if event.Request == nil || event.Request.URL != "/jobs" {
		t.Errorf("request context not recorded: %+v", event.Request)
	}
	if len(scheduler.reported) != 1 || scheduler.reported[0] != event.ID {
		t.Errorf("scheduled reports = %v, want [%d]", scheduler.reported, event.ID)
	}
}

func TestHandleDisabled(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler, err := NewHandler(Config{
		Enabled:     false,
		Store:       store,
		Fingerprint: fingerprint.New(nil),
		Scheduler:   scheduler,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("creating handler: %v", err)
	}

	if event := handler.Handle(t.Context(), testFault(), nil); event != nil {
		t.Errorf("disabled handler returned event %+v", event)
	}
	if store.upserts != 0 {
		t.Errorf("disabled handler touched the store %d times", store.upserts)
	}
	if len(scheduler.reported) != 0 {
		t.Errorf("disabled handler scheduled reports: %v", scheduler.reported)
	}
}

func TestHandleIgnoreRuleByType(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler := testHandler(t, store, scheduler, []Matcher{MatchType("main.timeoutError")})

	if event := handler.Handle(t.Context(), testFault(), nil); event != nil {
		t.Errorf("ignored fault returned event %+v", event)
	}
	if store.upserts != 0 {
		t.Errorf("ignored fault touched the store %d times", store.upserts)
	}
}

func TestHandleIgnoreRuleByCause(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler := testHandler(t, store, scheduler, []Matcher{MatchCause(context.Canceled)})

	wrapped := fmt.Errorf("fetching profile: %w", context.Canceled)
	if event := handler.Handle(t.Context(), fault.FromError(wrapped), nil); event != nil {
		t.Errorf("fault wrapping an ignored cause returned event %+v", event)
	}

	unrelated := errors.New("disk full")
	if event := handler.Handle(t.Context(), fault.FromError(unrelated), nil); event == nil {
		t.Error("unrelated fault was suppressed")
	}
}

func TestHandleStickyIgnoredFingerprint(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler := testHandler(t, store, scheduler, nil)

	event := handler.Handle(t.Context(), testFault(), nil)
	if event == nil {
		t.Fatal("first occurrence suppressed")
	}
	event.Status = eventstore.StatusIgnored
	scheduler.reported = nil
	upsertsBefore := store.upserts

	if got := handler.Handle(t.Context(), testFault(), nil); got != nil {
		t.Errorf("sticky-ignored fingerprint returned event %+v", got)
	}
	if store.upserts != upsertsBefore {
		t.Error("sticky-ignored fingerprint was upserted")
	}
	if len(scheduler.reported) != 0 {
		t.Errorf("sticky-ignored fingerprint scheduled reports: %v", scheduler.reported)
	}
}

func TestHandleSchedulerFailureIsSwallowed(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{err: errors.New("queue unavailable")}
	handler := testHandler(t, store, scheduler, nil)

	event := handler.Handle(t.Context(), testFault(), nil)
	if event == nil {
		t.Fatal("scheduling failure suppressed the event itself")
	}
	if event.OccurrenceCount != 1 {
		t.Errorf("occurrence count = %d, want 1", event.OccurrenceCount)
	}
}

func TestHandleStoreFailureIsSwallowed(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("database locked")
	handler := testHandler(t, store, &fakeScheduler{}, nil)

	if event := handler.Handle(t.Context(), testFault(), nil); event != nil {
		t.Errorf("store failure returned event %+v", event)
	}
}

func TestCaptureErrorReturnsOriginal(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler := testHandler(t, store, scheduler, nil)

	original := errors.New("payment declined")
	if got := handler.CaptureError(t.Context(), original, nil); got != original {
		t.Errorf("CaptureError returned %v, want the original error", got)
	}
	if store.upserts != 1 {
		t.Errorf("upserts = %d, want 1", store.upserts)
	}

	if got := handler.CaptureError(t.Context(), nil, nil); got != nil {
		t.Errorf("CaptureError(nil) = %v", got)
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterType("main.timeoutError")
	registry.Register("canceled", MatchCause(context.Canceled))

	matchers, err := registry.Resolve([]string{"main.timeoutError", "canceled"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(matchers) != 2 {
		t.Fatalf("resolved %d matchers, want 2", len(matchers))
	}
	if !matchers[0](testFault()) {
		t.Error("type matcher did not match its own type")
	}

	if _, err := registry.Resolve([]string{"no.such.Rule"}); err == nil {
		t.Error("expected error for unknown identifier")
	}
}

func TestMiddlewareCapturesAndRepanics(t *testing.T) {
	store := newFakeStore()
	scheduler := &fakeScheduler{}
	handler := testHandler(t, store, scheduler, nil)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("boom"))
	})
	wrapped := Middleware(handler)(inner)

	request := httptest.NewRequest(http.MethodGet, "/orders?id=7", nil)
	recorder := httptest.NewRecorder()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("middleware swallowed the panic")
			}
		}()
		wrapped.ServeHTTP(recorder, request)
	}()

	if store.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", store.upserts)
	}
	for _, event := range store.events {
		if event.Request == nil {
			t.Fatal("request context not captured")
		}
		if event.Request.URL != "/orders" || event.Request.Method != http.MethodGet {
			t.Errorf("request = %+v", event.Request)
		}
		if event.Request.Parameters["id"] != "7" {
			t.Errorf("parameters = %v", event.Request.Parameters)
		}
	}
}

func TestMiddlewarePassesThroughOnSuccess(t *testing.T) {
	store := newFakeStore()
	handler := testHandler(t, store, &fakeScheduler{}, nil)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	wrapped := Middleware(handler)(inner)

	recorder := httptest.NewRecorder()
	wrapped.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthy", nil))

	if recorder.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", recorder.Code)
	}
	if store.upserts != 0 {
		t.Errorf("successful request produced %d upserts", store.upserts)
	}
}
