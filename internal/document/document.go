// Package document defines the version-chain domain model for character
// sheet documents. Payloads are opaque: the sync core stores and transports
// them without interpreting character fields.
package document

import (
	"time"

	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
)

// Snapshot is one immutable, versioned record of a document's full state.
//
// Version numbers are 1-based and contiguous within a document. ParentVersion
// is always Version-1; the first snapshot has ParentVersion 0.
type Snapshot struct {
	DocumentID    string
	Version       uint64
	ParentVersion uint64
	Payload       []byte
	PayloadHash   string
	CreatedAt     time.Time
}

// VersionEntry is a payload-free view of one snapshot, used for history
// browsing.
type VersionEntry struct {
	Version   uint64
	CreatedAt time.Time
}

// Summary captures document identity and head state for list screens.
// Name is a caller-supplied label stored beside the chain, never derived
// from the payload.
type Summary struct {
	DocumentID  string
	Name        string
	HeadVersion uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidateChain checks that snapshots form a gap-free, linear version chain
// starting at 1, ordered ascending, with correct parent links.
func ValidateChain(snapshots []Snapshot) error {
	return ValidateSegment(snapshots, 1)
}

// ValidateSegment checks a contiguous run of a chain expected to begin at
// startVersion. Chain walkers verify one batch at a time with the batch's
// resume point as the start.
func ValidateSegment(snapshots []Snapshot, startVersion uint64) error {
	for i, snap := range snapshots {
		expected := startVersion + uint64(i)
		if snap.Version != expected {
			return apperrors.New(apperrors.CodeChainGap, "version chain has a gap or duplicate")
		}
		if snap.ParentVersion != expected-1 {
			return apperrors.New(apperrors.CodeChainParentLink, "snapshot parent does not reference the previous version")
		}
		if i > 0 && snap.DocumentID != snapshots[0].DocumentID {
			return apperrors.New(apperrors.CodeChainParentLink, "chain mixes snapshots from different documents")
		}
	}
	return nil
}
