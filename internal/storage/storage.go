// Package storage declares the persistence boundary for document version
// chains. The sqlite subpackage provides the durable implementation; the
// interfaces here are what the sync server and tooling program against.
package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/BorovkovSergey/character-sheet/internal/document"
	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such document"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrUnavailable indicates a transient storage failure. Callers may retry
// with backoff; the store itself never retries.
var ErrUnavailable = apperrors.New(apperrors.CodeStorageUnavailable, "storage unavailable")

// conflictHeadKey is the metadata key carrying the current head version on a
// conflict error.
const conflictHeadKey = "head_version"

// NewConflictError builds the optimistic-concurrency failure for an append
// whose expected parent no longer matches the chain head. The current head
// version rides along so the caller can rebase without a second round trip.
func NewConflictError(headVersion uint64) *apperrors.Error {
	return apperrors.WithMetadata(
		apperrors.CodeConflict,
		"expected parent version does not match chain head",
		map[string]string{conflictHeadKey: strconv.FormatUint(headVersion, 10)},
	)
}

// ConflictHeadVersion extracts the current head version from a conflict
// error. The second return value reports whether err carried one.
func ConflictHeadVersion(err error) (uint64, bool) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Code != apperrors.CodeConflict {
		return 0, false
	}
	raw, ok := appErr.Metadata[conflictHeadKey]
	if !ok {
		return 0, false
	}
	head, parseErr := strconv.ParseUint(raw, 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return head, true
}

// VersionPage describes one page of payload-free version history entries,
// ordered newest-first.
type VersionPage struct {
	Entries       []document.VersionEntry
	NextPageToken string
}

// DocumentStore owns document lifecycle and listing metadata.
type DocumentStore interface {
	// CreateDocument allocates a new document and atomically appends its
	// version-1 snapshot with the given payload.
	CreateDocument(ctx context.Context, name string, payload []byte) (document.Summary, document.Snapshot, error)
	// GetDocument retrieves a document summary by id.
	GetDocument(ctx context.Context, documentID string) (document.Summary, error)
	// ListDocuments returns summaries for every stored document, ordered by
	// most recent update first.
	ListDocuments(ctx context.Context) ([]document.Summary, error)
	// DeleteDocument removes a document and its entire version chain.
	DeleteDocument(ctx context.Context, documentID string) error
}

// SnapshotStore owns the append-only version chain per document; this is the
// source of truth for document state.
type SnapshotStore interface {
	// AppendSnapshot atomically appends a snapshot when expectedParent equals
	// the current head version. On mismatch it fails with a conflict error
	// carrying the current head.
	AppendSnapshot(ctx context.Context, documentID string, payload []byte, expectedParent uint64) (document.Snapshot, error)
	// Head returns the latest snapshot for a document.
	Head(ctx context.Context, documentID string) (document.Snapshot, error)
	// GetSnapshot retrieves an exact historical snapshot.
	GetSnapshot(ctx context.Context, documentID string, version uint64) (document.Snapshot, error)
	// ListVersions returns a page of version entries, newest first, without
	// materializing payloads. An empty pageToken starts from the head.
	ListVersions(ctx context.Context, documentID string, pageSize int, pageToken string) (VersionPage, error)
	// RestoreSnapshot reads targetVersion's payload and appends it against
	// the current head, preserving linear history.
	RestoreSnapshot(ctx context.Context, documentID string, targetVersion, expectedParent uint64) (document.Snapshot, error)
}

// IntegrityStore exposes offline chain verification for operators.
type IntegrityStore interface {
	// VerifySnapshotIntegrity walks every chain checking contiguous versions,
	// parent links, and payload hashes.
	VerifySnapshotIntegrity(ctx context.Context) error
}

// Store is the composite persistence interface wired into the sync server.
type Store interface {
	DocumentStore
	SnapshotStore
	IntegrityStore
	Close() error
}
