// Package integrity provides snapshot hashing used to keep the version
// chain tamper-evident.
//
// Why this package exists:
// - It ensures each stored snapshot carries a deterministic hash input.
// - It isolates the canonical envelope from higher-level storage code so
//   field ordering cannot drift between append and verification.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/BorovkovSergey/character-sheet/internal/document"
)

// SnapshotHash computes the content hash for a snapshot.
//
// The envelope binds the payload to its position in the chain: the same
// payload stored at a different version (as restore does) hashes differently.
func SnapshotHash(snap document.Snapshot) (string, error) {
	if snap.DocumentID == "" {
		return "", fmt.Errorf("document id is required")
	}
	if snap.Version == 0 {
		return "", fmt.Errorf("snapshot version is required")
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00", snap.DocumentID, snap.Version, snap.ParentVersion)
	h.Write(snap.Payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySnapshot recomputes a snapshot's hash and compares it to the stored
// value.
func VerifySnapshot(snap document.Snapshot) error {
	hash, err := SnapshotHash(snap)
	if err != nil {
		return err
	}
	if hash != snap.PayloadHash {
		return fmt.Errorf("payload hash mismatch document_id=%s version=%d", snap.DocumentID, snap.Version)
	}
	return nil
}
