// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package fingerprint derives a stable identity for a fault from its
// type and the first stack frame that belongs to application code.
// Faults with the same type raised from the same application location
// collapse to one fingerprint regardless of message text, so
// parameterized errors ("user 17 not found", "user 42 not found")
// deduplicate into a single event.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/faultline-sh/faultline/lib/fault"
)

// libraryPathMarkers are the substrings that identify frames outside
// application code under the default predicate: the module cache, the
// Go installation, vendored dependencies, and runtime/testing
// machinery.
var libraryPathMarkers = []string{
	"/go/pkg/mod/",
	"/usr/local/go/src/",
	"/vendor/",
}

// Engine derives fingerprints. The zero value is not usable; construct
// with New.
type Engine struct {
	isAppFrame func(frame string) bool
}

// New creates an Engine using the given application-frame predicate.
// A nil predicate selects DefaultAppFrame.
func New(isAppFrame func(frame string) bool) *Engine {
	if isAppFrame == nil {
		isAppFrame = DefaultAppFrame
	}
	return &Engine{isAppFrame: isAppFrame}
}

// Generate returns the fingerprint for a fault: the hex-encoded
// SHA-256 digest of "type:frame", where frame is the first application
// frame in the fault's stack, or the empty string when the stack has
// none. Deterministic for stackless faults.
func (e *Engine) Generate(f fault.Fault) string {
	frame := e.firstAppFrame(f.Stack)
	digest := sha256.Sum256([]byte(f.Type + ":" + frame))
	return hex.EncodeToString(digest[:])
}

// firstAppFrame returns the first frame matching the application
// predicate, or "" when no frame matches.
func (e *Engine) firstAppFrame(stack []string) string {
	for _, frame := range stack {
		if e.isAppFrame(frame) {
			return frame
		}
	}
	return ""
}

// DefaultAppFrame reports whether a frame appears to belong to
// application code rather than a dependency, the standard library, or
// test machinery. The check is a substring match on the frame string,
// in the spirit of classifying by path rather than by package list.
func DefaultAppFrame(frame string) bool {
	for _, marker := range libraryPathMarkers {
		if strings.Contains(frame, marker) {
			return false
		}
	}
	// Runtime and testing frames carry their function name after the
	// "file:line " prefix.
	if _, function, found := strings.Cut(frame, " "); found {
		if strings.HasPrefix(function, "runtime.") || strings.HasPrefix(function, "testing.") {
			return false
		}
	}
	return true
}
