// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventstore owns the fault-event table: SQLite-backed,
// keyed by a unique fingerprint index, with the find-or-upsert
// operation executed atomically with respect to concurrent captures
// of the same fingerprint.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/faultline-sh/faultline/lib/clock"
	"github.com/faultline-sh/faultline/lib/fault"
)

// schema holds the fault_events table and its indexes: unique on
// fingerprint (one event per fingerprint, enforced by the engine),
// secondary on fault type and on status for the admin query paths.
const schema = `
	CREATE TABLE IF NOT EXISTS fault_events (
		id                   INTEGER PRIMARY KEY,
		fingerprint          TEXT NOT NULL,
		fault_type           TEXT NOT NULL,
		message              TEXT NOT NULL DEFAULT '',
		stack_trace          TEXT,
		occurrence_count     INTEGER NOT NULL DEFAULT 1,
		first_seen_at        INTEGER NOT NULL,
		last_seen_at         INTEGER NOT NULL,
		request_context      TEXT,
		status               TEXT NOT NULL DEFAULT 'open',
		tracker_issue_number INTEGER NOT NULL DEFAULT 0,
		tracker_issue_url    TEXT NOT NULL DEFAULT '',
		tracker_comment_id   INTEGER NOT NULL DEFAULT 0
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fault_events_fingerprint
		ON fault_events(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_fault_events_type
		ON fault_events(fault_type);
	CREATE INDEX IF NOT EXISTS idx_fault_events_status
		ON fault_events(status);
`

// eventColumns is the canonical SELECT column list. scanEvent reads
// columns by position in this order.
const eventColumns = "id, fingerprint, fault_type, message, stack_trace, " +
	"occurrence_count, first_seen_at, last_seen_at, request_context, " +
	"status, tracker_issue_number, tracker_issue_url, tracker_comment_id"

// Store is the SQLite-backed event repository. Safe for concurrent
// use; individual connections are borrowed per call from the pool.
type Store struct {
	pool   *sqlitex.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// file is created if it does not exist. Tests point this at a
	// file under t.TempDir(); the pool rejects ":memory:" because
	// each connection would open its own database.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 4 if zero or negative; SQLite serializes writes regardless, so
	// extra connections only help concurrent reads.
	PoolSize int

	// Clock provides timestamps for first/last seen. Required.
	Clock clock.Clock

	// Logger receives operational messages. Required.
	Logger *slog.Logger
}

// Open creates the store, applying standard pragmas and the event
// schema to every connection on first use.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventstore: Path is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("eventstore: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("eventstore: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: opening %s: %w", cfg.Path, err)
	}

	cfg.Logger.Info("event store opened",
		"path", cfg.Path,
		"pool_size", poolSize,
	)

	return &Store{
		pool:   pool,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// prepareConnection applies pragmas and the schema. Runs once per
// pooled connection, on first borrow.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("eventstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("eventstore: applying schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("eventstore: close: %w", err)
	}
	return nil
}

// UpsertParams carries the latest occurrence data into Upsert.
type UpsertParams struct {
	Fingerprint string
	FaultType   string
	Message     string
	Stack       []string
	Request     *fault.RequestContext
}

// Upsert records an occurrence of a fingerprint. Creating and
// updating happen inside one IMMEDIATE transaction, so concurrent
// captures of the same fingerprint can neither create duplicate rows
// (the unique index backs this up) nor lose an increment.
//
// First occurrence: a new open event with occurrence_count 1 and
// first_seen_at = last_seen_at = now. Subsequent occurrences:
// occurrence_count is incremented, last_seen_at advances, and the
// message, stack, and request snapshot are replaced with the latest
// values. A closed event transitions back to open — a recurrence
// reopens a resolved fault. An ignored event stays ignored; callers
// must suppress downstream reporting when they see that status.
func (s *Store) Upsert(ctx context.Context, params UpsertParams) (*Event, error) {
	if params.Fingerprint == "" {
		return nil, fmt.Errorf("eventstore: upsert: fingerprint is required")
	}
	if params.FaultType == "" {
		return nil, fmt.Errorf("eventstore: upsert: fault type is required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: upsert: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: upsert: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	stackJSON, err := marshalStack(params.Stack)
	if err != nil {
		return nil, err
	}
	requestJSON, err := marshalRequest(params.Request)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC().UnixNano()

	existing, err := selectEvent(conn, "fingerprint = ?", params.Fingerprint)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		err = sqlitex.Execute(conn, `INSERT INTO fault_events
			(fingerprint, fault_type, message, stack_trace,
			 occurrence_count, first_seen_at, last_seen_at,
			 request_context, status)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				params.Fingerprint,
				params.FaultType,
				params.Message,
				stackJSON,
				now,
				now,
				requestJSON,
				string(StatusOpen),
			}})
		if err != nil {
			return nil, fmt.Errorf("eventstore: insert event: %w", err)
		}
	} else {
		status := existing.Status
		if status == StatusClosed {
			status = StatusOpen
		}
		err = sqlitex.Execute(conn, `UPDATE fault_events SET
			message = ?, stack_trace = ?, request_context = ?,
			occurrence_count = occurrence_count + 1,
			last_seen_at = ?, status = ?
			WHERE fingerprint = ?`,
			&sqlitex.ExecOptions{Args: []any{
				params.Message,
				stackJSON,
				requestJSON,
				now,
				string(status),
				params.Fingerprint,
			}})
		if err != nil {
			return nil, fmt.Errorf("eventstore: update event: %w", err)
		}
	}

	updated, err := selectEvent(conn, "fingerprint = ?", params.Fingerprint)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, fmt.Errorf("eventstore: upsert: event vanished inside transaction")
	}
	return updated, nil
}

// Get returns the event with the given id, or nil when no such event
// exists. A missing event is not an error — dispatcher tasks treat it
// as a no-op.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: get: %w", err)
	}
	defer s.pool.Put(conn)
	return selectEvent(conn, "id = ?", id)
}

// ByFingerprint returns the event for a fingerprint, or nil when none
// exists.
func (s *Store) ByFingerprint(ctx context.Context, fingerprint string) (*Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: by fingerprint: %w", err)
	}
	defer s.pool.Put(conn)
	return selectEvent(conn, "fingerprint = ?", fingerprint)
}

// ByStatus returns all events in the given status, most recently seen
// first.
func (s *Store) ByStatus(ctx context.Context, status Status) ([]Event, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("eventstore: by status: invalid status %q", status)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: by status: %w", err)
	}
	defer s.pool.Put(conn)
	return selectEvents(conn, "status = ? ORDER BY last_seen_at DESC", string(status))
}

// ByTrackerRef returns all events referencing the given tracker issue
// number, regardless of status.
func (s *Store) ByTrackerRef(ctx context.Context, issueNumber int64) ([]Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventstore: by tracker ref: %w", err)
	}
	defer s.pool.Put(conn)
	return selectEvents(conn, "tracker_issue_number = ? ORDER BY last_seen_at DESC", issueNumber)
}

// MarkClosedForTrackerRef closes every open event whose tracker issue
// number matches ref, returning the number of events closed. Zero
// matches is a successful no-op, never an error: the tracker may
// close issues Faultline did not create, and events in other statuses
// (including ignored) are deliberately untouched.
func (s *Store) MarkClosedForTrackerRef(ctx context.Context, ref int64) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("eventstore: mark closed: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE fault_events SET status = ?
		WHERE tracker_issue_number = ? AND status = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(StatusClosed), ref, string(StatusOpen),
		}})
	if err != nil {
		return 0, fmt.Errorf("eventstore: mark closed for tracker ref %d: %w", ref, err)
	}
	return int64(conn.Changes()), nil
}

// SetStatus sets an event's lifecycle status. This is the operator
// path (silencing a noisy fingerprint, reopening by hand); the
// capture and webhook paths use Upsert and MarkClosedForTrackerRef.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("eventstore: set status: invalid status %q", status)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: set status: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE fault_events SET status = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(status), id}})
	if err != nil {
		return fmt.Errorf("eventstore: set status for event %d: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("eventstore: set status: no event with id %d", id)
	}
	return nil
}

// SetTrackerIssue records the tracker issue created for an event.
func (s *Store) SetTrackerIssue(ctx context.Context, id int64, issueNumber int64, issueURL string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: set tracker issue: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE fault_events
		SET tracker_issue_number = ?, tracker_issue_url = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{issueNumber, issueURL, id}})
	if err != nil {
		return fmt.Errorf("eventstore: set tracker issue for event %d: %w", id, err)
	}
	return nil
}

// SetTrackerComment records the recurrence comment id for an event.
func (s *Store) SetTrackerComment(ctx context.Context, id int64, commentID int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("eventstore: set tracker comment: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE fault_events SET tracker_comment_id = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{commentID, id}})
	if err != nil {
		return fmt.Errorf("eventstore: set tracker comment for event %d: %w", id, err)
	}
	return nil
}

// --- Row scanning ---

// selectEvent returns the single event matching the WHERE clause, or
// nil when no row matches.
func selectEvent(conn *sqlite.Conn, where string, arg any) (*Event, error) {
	var event *Event
	query := "SELECT " + eventColumns + " FROM fault_events WHERE " + where
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			event = scanned
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: select event: %w", err)
	}
	return event, nil
}

// selectEvents returns all events matching the WHERE clause (which may
// carry an ORDER BY).
func selectEvents(conn *sqlite.Conn, where string, arg any) ([]Event, error) {
	var events []Event
	query := "SELECT " + eventColumns + " FROM fault_events WHERE " + where
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{arg},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			scanned, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			events = append(events, *scanned)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventstore: select events: %w", err)
	}
	return events, nil
}

func scanEvent(stmt *sqlite.Stmt) (*Event, error) {
	// Columns: id(0), fingerprint(1), fault_type(2), message(3),
	// stack_trace(4), occurrence_count(5), first_seen_at(6),
	// last_seen_at(7), request_context(8), status(9),
	// tracker_issue_number(10), tracker_issue_url(11),
	// tracker_comment_id(12)
	event := &Event{
		ID:                 stmt.ColumnInt64(0),
		Fingerprint:        stmt.ColumnText(1),
		FaultType:          stmt.ColumnText(2),
		Message:            stmt.ColumnText(3),
		OccurrenceCount:    stmt.ColumnInt64(5),
		FirstSeenAt:        nanosToTime(stmt.ColumnInt64(6)),
		LastSeenAt:         nanosToTime(stmt.ColumnInt64(7)),
		Status:             Status(stmt.ColumnText(9)),
		TrackerIssueNumber: stmt.ColumnInt64(10),
		TrackerIssueURL:    stmt.ColumnText(11),
		TrackerCommentID:   stmt.ColumnInt64(12),
	}

	if !stmt.ColumnIsNull(4) {
		if err := json.Unmarshal([]byte(stmt.ColumnText(4)), &event.Stack); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal stack trace: %w", err)
		}
	}
	if !stmt.ColumnIsNull(8) {
		var request fault.RequestContext
		if err := json.Unmarshal([]byte(stmt.ColumnText(8)), &request); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal request context: %w", err)
		}
		event.Request = &request
	}
	return event, nil
}

// marshalStack encodes a stack as JSON, or nil for an empty stack so
// the column stays NULL.
func marshalStack(stack []string) (any, error) {
	if len(stack) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(stack)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal stack trace: %w", err)
	}
	return string(data), nil
}

// marshalRequest encodes a request snapshot as JSON, or nil when the
// fault occurred outside a request.
func marshalRequest(request *fault.RequestContext) (any, error) {
	if request == nil {
		return nil, nil
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("eventstore: marshal request context: %w", err)
	}
	return string(data), nil
}

// nanosToTime converts stored Unix nanoseconds back to UTC time.
func nanosToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
