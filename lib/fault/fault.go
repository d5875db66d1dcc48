// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the Fault value: a snapshot of an unhandled
// error or panic at the moment it was observed, carrying the
// fully-qualified type name, the message, and the stack frames of the
// occurrence. Faults are values — capture produces one, the
// fingerprint engine and the event store consume it, and the original
// error or panic is always re-signaled to the caller unchanged.
package fault

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Fault is an observed unhandled error or panic.
type Fault struct {
	// Type is the fully-qualified name of the fault's Go type, e.g.
	// "*net/url.Error" or "runtime.boundsError". Faults with the same
	// type and the same first application frame share a fingerprint.
	Type string

	// Message is the human-readable description. Explicitly excluded
	// from fingerprint identity so parameterized errors deduplicate.
	Message string

	// Stack is the ordered frame list of the occurrence, innermost
	// first. Each frame is "file:line function". May be empty.
	Stack []string

	// Cause is the original error, when the fault came from one.
	// Ignore rules use it for wrapped-error ancestry matching. Nil
	// for faults built from panic values that are not errors.
	Cause error
}

// RequestContext is an optional snapshot of the HTTP request being
// handled when the fault occurred.
type RequestContext struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// FromError builds a Fault from an error, capturing the current
// goroutine's stack. The type name comes from the concrete error type;
// the innermost frames belonging to this module's capture path are
// skipped so the first frame is the caller's.
func FromError(err error) Fault {
	return Fault{
		Type:    TypeName(err),
		Message: err.Error(),
		Stack:   captureStack(2),
		Cause:   err,
	}
}

// FromPanic builds a Fault from a recovered panic value, capturing the
// current goroutine's stack. If the value is an error, it is retained
// as the Cause.
func FromPanic(value any) Fault {
	f := Fault{
		Type:    TypeName(value),
		Message: fmt.Sprint(value),
		Stack:   captureStack(2),
	}
	if err, ok := value.(error); ok {
		f.Cause = err
		f.Message = err.Error()
	}
	return f
}

// TypeName returns the fully-qualified type name of a value, including
// the package path: "*github.com/example/app/db.TxError". Unnamed
// types (plain strings passed to panic, for example) fall back to the
// %T rendering.
func TypeName(value any) string {
	t := reflect.TypeOf(value)
	if t == nil {
		return "nil"
	}
	prefix := ""
	for t.Kind() == reflect.Pointer {
		prefix += "*"
		t = t.Elem()
	}
	if t.PkgPath() != "" {
		return prefix + t.PkgPath() + "." + t.Name()
	}
	return fmt.Sprintf("%T", value)
}

// captureStack records the calling goroutine's stack. skip counts
// the frames below the one of interest: FromError and FromPanic pass
// 2 to drop themselves and captureStack, so the first recorded frame
// is their caller — the fault site the fingerprint is derived from.
func captureStack(skip int) []string {
	callers := make([]uintptr, 64)
	n := runtime.Callers(skip+1, callers)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(callers[:n])
	var stack []string
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			stack = append(stack, FormatFrame(frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return stack
}

// FormatFrame renders one stack frame in the canonical
// "file:line function" form used throughout Faultline.
func FormatFrame(file string, line int, function string) string {
	return fmt.Sprintf("%s:%d %s", file, line, function)
}
