// Package store is the persistence boundary: project documents, the
// version counter, the append-only operation log, per-timeline graph
// materializations, and the identity/access tables the gate reads.
//
// Two implementations exist: Postgres (production) and an in-memory
// store for unit tests and single-process development.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/storyloom/relay/pkg/graph"
)

var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")
)

// RetryableError marks a write failure worth retrying, such as a
// serialization conflict between concurrent transactions. The commit
// pipeline retries these with backoff; everything else fails the batch.
type RetryableError struct {
	Err error
}

// Error returns formatted error message
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable storage error: %v", e.Err)
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err (or anything it wraps) is a
// RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// User is the identity record used to enrich presence entries.
type User struct {
	ID      string
	Name    string
	Picture string
}

// Commit is one atomically persisted operation batch: the post-apply
// document, the operations stamped with the new version, and the
// timelines whose materialized rows need refreshing. An empty
// TouchedTimelines refreshes every timeline in the snapshot.
type Commit struct {
	ProjectID        string
	Snapshot         *graph.Snapshot
	Operations       []*graph.Operation
	Version          int64
	UserID           string
	TouchedTimelines []string
}

// AccessReader exposes the rows the access gate decides from.
type AccessReader interface {
	// ProjectCreator returns the creator's user id, or ErrNotFound when
	// the project row does not exist.
	ProjectCreator(ctx context.Context, projectID string) (string, error)

	// ProjectMemberRole returns the user's direct membership role, or ""
	// when the user is not a member.
	ProjectMemberRole(ctx context.Context, projectID, userID string) (string, error)

	// TeamRoleForProject returns the strongest team role the user holds
	// on any team the project is attached to, or "" when none.
	TeamRoleForProject(ctx context.Context, projectID, userID string) (string, error)
}

// Store is the full persistence surface the collaboration server needs.
type Store interface {
	AccessReader

	// ProjectSnapshot loads the project document and its version. A
	// project with no persisted document yields an empty scaffold at
	// version 0 rather than an error.
	ProjectSnapshot(ctx context.Context, projectID string) (*graph.Snapshot, int64, error)

	// ProjectVersion returns the committed version, 0 when absent.
	ProjectVersion(ctx context.Context, projectID string) (int64, error)

	// OperationsAfter returns the logged operations with version greater
	// than sinceVersion, ordered by version then insertion.
	OperationsAfter(ctx context.Context, projectID string, sinceVersion int64) ([]*graph.Operation, error)

	// SaveCommit persists one committed batch in a single transaction:
	// document update, operation append, version upsert and snapshot row
	// refresh are never observed separately.
	SaveCommit(ctx context.Context, c Commit) error

	// User returns the identity record, or ErrNotFound.
	User(ctx context.Context, userID string) (*User, error)
}
