// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError represents a non-2xx response from the tracker's REST API.
// GitHub returns structured JSON error bodies with a message and
// optional field-level validation errors.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Message is the top-level error description.
	Message string

	// Errors contains field-level validation failures. Present only
	// on 422 Unprocessable Entity responses.
	Errors []ValidationError
}

// ValidationError describes a specific validation failure on a
// resource field. Returned on 422 responses.
type ValidationError struct {
	Resource string `json:"resource"`
	Code     string `json:"code"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (err *APIError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "tracker: HTTP %d: %s", err.StatusCode, err.Message)
	for _, validationError := range err.Errors {
		if validationError.Message != "" {
			fmt.Fprintf(&builder, "; %s.%s: %s", validationError.Resource, validationError.Field, validationError.Message)
		} else {
			fmt.Fprintf(&builder, "; %s.%s: %s", validationError.Resource, validationError.Field, validationError.Code)
		}
	}
	return builder.String()
}

// IsNotFound reports whether err is a tracker API 404 Not Found
// response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err represents a failure worth retrying:
// a rate limit (429), a server-side error (5xx), or a transport-level
// failure that never produced a status code. Other API errors —
// authentication, validation, missing resources — are permanent and
// retrying cannot fix them.
func IsTransient(err error) bool {
	var apiError *APIError
	if errors.As(err, &apiError) {
		return apiError.StatusCode == http.StatusTooManyRequests ||
			apiError.StatusCode >= 500
	}
	// Non-API errors are network or encoding failures from the
	// transport. Treat them as transient; a permanent encoding bug
	// will exhaust the retry budget and surface in logs.
	return err != nil
}

// parseAPIError builds an APIError from a non-2xx response body. A
// body that is not the expected JSON shape still yields a usable
// error with the raw text as its message.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var parsed struct {
		Message string            `json:"message"`
		Errors  []ValidationError `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiError.Message = parsed.Message
		apiError.Errors = parsed.Errors
	} else {
		apiError.Message = strings.TrimSpace(string(body))
	}
	return apiError
}
