// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"errors"
	"fmt"

	"github.com/faultline-sh/faultline/lib/fault"
)

// Matcher decides whether a fault falls under an ignore rule.
type Matcher func(f fault.Fault) bool

// MatchType matches faults whose type name equals typeName exactly.
func MatchType(typeName string) Matcher {
	return func(f fault.Fault) bool {
		return f.Type == typeName
	}
}

// MatchCause matches faults whose underlying error wraps target
// anywhere in its chain. This is the ancestry rule: ignoring
// context.Canceled via MatchCause also ignores every fault whose
// error wraps it, however it was renamed along the way.
func MatchCause(target error) Matcher {
	return func(f fault.Fault) bool {
		return f.Cause != nil && errors.Is(f.Cause, target)
	}
}

// Registry maps ignore-rule identifiers to matchers. Configuration
// names rules by identifier; resolution happens once at startup so a
// typo surfaces as a startup error instead of a silently dead rule.
type Registry struct {
	matchers map[string]Matcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{matchers: make(map[string]Matcher)}
}

// Register binds an identifier to a matcher, replacing any previous
// binding.
func (registry *Registry) Register(identifier string, matcher Matcher) {
	registry.matchers[identifier] = matcher
}

// RegisterType binds an identifier to an exact-type-name match on
// that same identifier. This is the common case for configured
// ignore lists, where the identifier is the fault type name itself.
func (registry *Registry) RegisterType(typeName string) {
	registry.Register(typeName, MatchType(typeName))
}

// Resolve maps identifiers to their registered matchers. Any unknown
// identifier is an error naming the identifier; no partial result is
// returned.
func (registry *Registry) Resolve(identifiers []string) ([]Matcher, error) {
	matchers := make([]Matcher, 0, len(identifiers))
	for _, identifier := range identifiers {
		matcher, ok := registry.matchers[identifier]
		if !ok {
			return nil, fmt.Errorf("capture: unknown ignore rule %q", identifier)
		}
		matchers = append(matchers, matcher)
	}
	return matchers, nil
}
