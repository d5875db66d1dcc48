// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
)

type customError struct{ code int }

func (e *customError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestTypeNameIncludesPackagePath(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{&customError{code: 7}, "*github.com/faultline-sh/faultline/lib/fault.customError"},
		{&url.Error{Op: "Get", URL: "http://x", Err: errors.New("boom")}, "*net/url.Error"},
		{"plain string panic", "string"},
		{nil, "nil"},
	}
	for _, test := range tests {
		if got := TypeName(test.value); got != test.want {
			t.Errorf("TypeName(%#v) = %q, want %q", test.value, got, test.want)
		}
	}
}

// raiseFault stands in for an application function observing an
// error. The fingerprint hangs off the first recorded frame, so that
// frame must be this function — not its caller, and not the fault
// package.
func raiseFault() Fault {
	return FromError(&customError{code: 3})
}

func TestFromErrorCapturesStack(t *testing.T) {
	f := raiseFault()

	if f.Message != "code 3" {
		t.Errorf("Message = %q, want %q", f.Message, "code 3")
	}
	if f.Cause == nil {
		t.Error("Cause is nil, want original error")
	}
	if len(f.Stack) == 0 {
		t.Fatal("Stack is empty")
	}
	if !strings.Contains(f.Stack[0], "raiseFault") {
		t.Errorf("first frame = %q, want the FromError call site (raiseFault)", f.Stack[0])
	}
	if !strings.Contains(f.Stack[0], "fault_test.go") {
		t.Errorf("first frame = %q, want a fault_test.go frame", f.Stack[0])
	}
}

// Two distinct fault sites in one caller must record distinct first
// frames; collapsing them would merge unrelated faults into one
// fingerprint.
func raiseFaultElsewhere() Fault {
	return FromError(&customError{code: 3})
}

func TestFromErrorDistinguishesFaultSites(t *testing.T) {
	first := raiseFault()
	second := raiseFaultElsewhere()

	if len(first.Stack) == 0 || len(second.Stack) == 0 {
		t.Fatal("stack not captured")
	}
	if first.Stack[0] == second.Stack[0] {
		t.Errorf("different fault sites share first frame %q", first.Stack[0])
	}
	if !strings.Contains(second.Stack[0], "raiseFaultElsewhere") {
		t.Errorf("first frame = %q, want the FromError call site (raiseFaultElsewhere)", second.Stack[0])
	}
}

func TestFromPanicRetainsErrorCause(t *testing.T) {
	original := errors.New("deliberate")

	var f Fault
	func() {
		defer func() {
			f = FromPanic(recover())
		}()
		panic(original)
	}()

	if !errors.Is(f.Cause, original) {
		t.Error("Cause does not match the panicked error")
	}
	if f.Message != "deliberate" {
		t.Errorf("Message = %q, want %q", f.Message, "deliberate")
	}
	if len(f.Stack) == 0 || !strings.Contains(f.Stack[0], "fault_test.go") {
		t.Errorf("first frame = %q, want the FromPanic call site", f.Stack)
	}
}

func TestFromPanicNonError(t *testing.T) {
	f := FromPanic("something broke")
	if f.Type != "string" {
		t.Errorf("Type = %q, want %q", f.Type, "string")
	}
	if f.Cause != nil {
		t.Errorf("Cause = %v, want nil", f.Cause)
	}
}

func TestFormatFrame(t *testing.T) {
	got := FormatFrame("/app/db/tx.go", 42, "app/db.Commit")
	want := "/app/db/tx.go:42 app/db.Commit"
	if got != want {
		t.Errorf("FormatFrame = %q, want %q", got, want)
	}
}
