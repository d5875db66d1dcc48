// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker is the issue-tracker side of fault reporting: a
// typed REST client for the GitHub issues API plus the rendering of
// fault events into issues and recurrence comments.
//
// The client performs no retries of its own. Every call is a single
// HTTP round trip; retry policy lives in the dispatcher, which
// classifies failures via IsTransient.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// apiVersion is the GitHub REST API version header. Pinning the
// version ensures consistent behavior as GitHub evolves the API.
const apiVersion = "2022-11-28"

// defaultBaseURL is the base URL for the public GitHub API.
const defaultBaseURL = "https://api.github.com"

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to
	// "https://api.github.com". Tests point this at an httptest
	// server.
	BaseURL string

	// Token is a personal access token or fine-grained token.
	// Required.
	Token string

	// Repository is the target repository as "owner/name". Required.
	Repository string

	// Mention is an optional handle appended to new issue bodies
	// (for example "@oncall-team"). Empty means no mention line.
	Mention string

	// HTTPClient is used for all HTTP requests. Defaults to a client
	// with a 30 second timeout.
	HTTPClient *http.Client

	// Logger is used for structured logging. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Client is a typed client for the GitHub issues API, scoped to a
// single repository.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	mention    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a tracker client from the given configuration.
// Returns an error if the token is missing or the repository is not
// of the form "owner/name".
func NewClient(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("tracker: Token is required")
	}
	owner, repo, ok := strings.Cut(config.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("tracker: Repository must be \"owner/name\" (got %q)", config.Repository)
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		owner:      owner,
		repo:       repo,
		token:      config.Token,
		mention:    config.Mention,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// do executes one authenticated API request and decodes the JSON
// response into result (which may be nil). On non-2xx responses the
// returned error is an *APIError.
func (client *Client) do(ctx context.Context, method, path string, requestBody any, result any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("tracker: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	url := client.baseURL + path
	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("tracker: creating request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.token)
	request.Header.Set("Accept", "application/vnd.github+json")
	request.Header.Set("X-GitHub-Api-Version", apiVersion)
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("tracker: %s %s: %w", method, url, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("tracker: reading response body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return parseAPIError(response.StatusCode, body)
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("tracker: decoding response: %w", err)
		}
	}
	return nil
}

func (client *Client) post(ctx context.Context, path string, requestBody any, result any) error {
	return client.do(ctx, http.MethodPost, path, requestBody, result)
}

func (client *Client) patch(ctx context.Context, path string, requestBody any, result any) error {
	return client.do(ctx, http.MethodPatch, path, requestBody, result)
}

// issuePath returns the API path for the repository's issues
// collection, or for a single issue when number > 0.
func (client *Client) issuePath(number int64) string {
	if number > 0 {
		return fmt.Sprintf("/repos/%s/%s/issues/%d", client.owner, client.repo, number)
	}
	return fmt.Sprintf("/repos/%s/%s/issues", client.owner, client.repo)
}
