// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/faultline-sh/faultline/lib/eventstore"
)

// issueLabels are applied to every issue Faultline creates. The
// "faultline" label is the marker the webhook side keys on; "bug"
// slots the issue into the repository's normal triage flow.
var issueLabels = []string{"faultline", "bug"}

// maxTitleRunes caps issue titles. GitHub truncates very long titles
// with an ellipsis in most views anyway; capping here keeps the
// fault message from pushing the type name out of sight.
const maxTitleRunes = 100

// maxBodyFrames caps the stack trace excerpt in issue bodies. The
// full stack lives in the event store; the issue only needs enough
// frames to identify the failure site.
const maxBodyFrames = 20

// IssueRef identifies an issue created by CreateIssue.
type IssueRef struct {
	Number int64
	URL    string
}

type issueResponse struct {
	Number  int64  `json:"number"`
	HTMLURL string `json:"html_url"`
}

type commentResponse struct {
	ID int64 `json:"id"`
}

// CreateIssue opens a tracker issue for a fault event and returns its
// reference. One round trip, no retries.
func (client *Client) CreateIssue(ctx context.Context, event *eventstore.Event) (IssueRef, error) {
	request := struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}{
		Title:  client.issueTitle(event),
		Body:   client.issueBody(event),
		Labels: issueLabels,
	}

	var issue issueResponse
	if err := client.post(ctx, client.issuePath(0), request, &issue); err != nil {
		return IssueRef{}, fmt.Errorf("creating issue for fingerprint %s: %w", event.Fingerprint, err)
	}

	client.logger.Info("tracker issue created",
		"issue", issue.Number,
		"fingerprint", event.Fingerprint,
	)
	return IssueRef{Number: issue.Number, URL: issue.HTMLURL}, nil
}

// UpsertComment posts or updates the recurrence comment on an event's
// issue and returns the comment id. When the event already carries a
// comment id the existing comment is edited in place, so an issue
// accumulates one live recurrence counter instead of a comment per
// occurrence.
func (client *Client) UpsertComment(ctx context.Context, event *eventstore.Event) (int64, error) {
	request := struct {
		Body string `json:"body"`
	}{Body: commentBody(event)}

	var comment commentResponse
	if event.TrackerCommentID > 0 {
		path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", client.owner, client.repo, event.TrackerCommentID)
		if err := client.patch(ctx, path, request, &comment); err != nil {
			return 0, fmt.Errorf("updating comment %d on issue %d: %w", event.TrackerCommentID, event.TrackerIssueNumber, err)
		}
	} else {
		path := client.issuePath(event.TrackerIssueNumber) + "/comments"
		if err := client.post(ctx, path, request, &comment); err != nil {
			return 0, fmt.Errorf("commenting on issue %d: %w", event.TrackerIssueNumber, err)
		}
	}
	return comment.ID, nil
}

// SetIssueOpen reopens a tracker issue. Reopening an already-open
// issue is a no-op on the tracker side, so callers need not check
// state first.
func (client *Client) SetIssueOpen(ctx context.Context, issueNumber int64) error {
	request := struct {
		State string `json:"state"`
	}{State: "open"}

	if err := client.patch(ctx, client.issuePath(issueNumber), request, nil); err != nil {
		return fmt.Errorf("reopening issue %d: %w", issueNumber, err)
	}
	return nil
}

// issueTitle renders "[faultline] Type: message", capped at
// maxTitleRunes.
func (client *Client) issueTitle(event *eventstore.Event) string {
	title := fmt.Sprintf("[faultline] %s: %s", event.FaultType, event.Message)
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		title = string(runes[:maxTitleRunes])
	}
	return title
}

// issueBody renders the initial issue body: fault identity, the stack
// excerpt, the request snapshot when the fault occurred inside a
// request, and the optional mention line.
func (client *Client) issueBody(event *eventstore.Event) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "**Fault:** `%s`\n\n", event.FaultType)
	fmt.Fprintf(&builder, "**Message:** %s\n\n", event.Message)
	fmt.Fprintf(&builder, "**Occurrences:** %d\n\n", event.OccurrenceCount)
	fmt.Fprintf(&builder, "**First seen:** %s\n\n", event.FirstSeenAt.UTC().Format(time.RFC3339))

	if len(event.Stack) > 0 {
		frames := event.Stack
		if len(frames) > maxBodyFrames {
			frames = frames[:maxBodyFrames]
		}
		builder.WriteString("**Stack trace:**\n\n```\n")
		for _, frame := range frames {
			builder.WriteString(frame)
			builder.WriteByte('\n')
		}
		builder.WriteString("```\n\n")
	}

	if event.Request != nil {
		fmt.Fprintf(&builder, "**Request:** `%s %s`\n\n", event.Request.Method, event.Request.URL)
		if len(event.Request.Parameters) > 0 {
			builder.WriteString("**Parameters:**\n\n```\n")
			for _, key := range slices.Sorted(maps.Keys(event.Request.Parameters)) {
				fmt.Fprintf(&builder, "%s: %s\n", key, event.Request.Parameters[key])
			}
			builder.WriteString("```\n\n")
		}
	}

	if client.mention != "" {
		fmt.Fprintf(&builder, "%s\n", client.mention)
	}

	return strings.TrimRight(builder.String(), "\n") + "\n"
}

// commentBody renders the recurrence comment: just the running count
// and the latest occurrence time. The issue body carries the rest.
func commentBody(event *eventstore.Event) string {
	return fmt.Sprintf("**Occurrences:** %d\n\n**Last seen:** %s\n",
		event.OccurrenceCount, event.LastSeenAt.UTC().Format(time.RFC3339))
}
