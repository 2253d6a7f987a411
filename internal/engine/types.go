// Package engine implements the differential-sync core: change detection
// between a remote snapshot and the metadata store, and the polling
// orchestrator that drives changed files through download, ingestion, and
// durable commit.
package engine

import (
	"context"
	"io"

	"github.com/corentel/difysync/internal/apperrors"
)

// SnapshotEntry is the normalized view of one remote file, produced at the
// provider boundary so nothing downstream depends on provider-specific
// representations.
type SnapshotEntry struct {
	RemoteID    string
	Path        string
	Fingerprint string
	SizeBytes   int64
	MimeType    string
}

// ChangeSet is the result of one diff: three disjoint sequences of remote
// IDs, each ordered by ascending path depth and then lexicographically.
type ChangeSet struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether the changeset contains no work.
func (cs ChangeSet) Empty() bool {
	return len(cs.Added) == 0 && len(cs.Modified) == 0 && len(cs.Removed) == 0
}

// Submission carries one file into the ingestion sink.
type Submission struct {
	RemoteID  string
	Path      string
	MimeType  string
	SizeBytes int64
	Body      io.Reader
}

// TreeProvider lists the watched remote tree and downloads file content.
type TreeProvider interface {
	// ListRecursive returns every file under the watched root.
	ListRecursive(ctx context.Context) ([]SnapshotEntry, error)
	// FetchContent streams the bytes of one remote file.
	FetchContent(ctx context.Context, remoteID string) (io.ReadCloser, error)
}

// IngestionSink accepts files downstream and optionally removes them again.
type IngestionSink interface {
	// Submit uploads one file and returns the sink-side document ID.
	Submit(ctx context.Context, sub Submission) (string, error)
	// Remove deletes a previously submitted document.
	// Returns apperrors.ErrDocumentNotFound if it no longer exists.
	Remove(ctx context.Context, documentID string) error
}

// Archive mirrors ingested bytes on local disk. Optional; a nil archive
// disables mirroring.
type Archive interface {
	Stage(ctx context.Context, path string, r io.Reader) (int64, error)
	Unstage(ctx context.Context, path string) error
	// CommitCycle records the cycle's staged changes (a git commit when the
	// archive is repository-backed, a no-op otherwise).
	CommitCycle(ctx context.Context, message string) error
}

// RemovalPolicy decides what happens downstream when a remote file disappears.
type RemovalPolicy string

const (
	// RemovalLocal only removes the local record; the sink keeps the document.
	RemovalLocal RemovalPolicy = "local"
	// RemovalSink deletes the sink document before removing the local record.
	RemovalSink RemovalPolicy = "sink"
)

// ParseRemovalPolicy validates an operator-supplied removal policy.
func ParseRemovalPolicy(s string) (RemovalPolicy, error) {
	switch RemovalPolicy(s) {
	case RemovalLocal, RemovalSink:
		return RemovalPolicy(s), nil
	case "":
		return RemovalLocal, nil
	default:
		return "", apperrors.ErrInvalidRemovalPolicy
	}
}

// CycleResult is the outcome of one cycle: the sizes of the three changeset
// categories plus the number of items that exhausted their retry budget.
type CycleResult struct {
	Added    int
	Modified int
	Removed  int
	Failed   int
}
