package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BorovkovSergey/character-sheet/internal/document"
	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
	"github.com/BorovkovSergey/character-sheet/internal/storage"
	"github.com/BorovkovSergey/character-sheet/internal/storage/cursor"
	"github.com/BorovkovSergey/character-sheet/internal/storage/integrity"
)

const (
	defaultVersionPageSize = 50
	maxVersionPageSize     = 200

	verifyBatchSize = 200
)

// AppendSnapshot atomically appends a snapshot when expectedParent equals the
// current head version.
//
// The head check and the insert run in one transaction; the guarded UPDATE on
// the head pointer is the compare-and-swap that keeps concurrent appends for
// the same document race-free.
func (s *Store) AppendSnapshot(ctx context.Context, documentID string, payload []byte, expectedParent uint64) (document.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return document.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return document.Snapshot{}, apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}
	if len(payload) == 0 {
		return document.Snapshot{}, apperrors.New(apperrors.CodeDocumentPayloadEmpty, "document payload is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return document.Snapshot{}, classifyErr("begin tx", err)
	}
	defer tx.Rollback()

	snap, err := appendSnapshotTx(ctx, tx, documentID, payload, expectedParent)
	if err != nil {
		return document.Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return document.Snapshot{}, classifyErr("commit", err)
	}
	return snap, nil
}

// appendSnapshotTx performs the head check, insert, and head-pointer swap
// inside the caller's transaction.
func appendSnapshotTx(ctx context.Context, tx *sql.Tx, documentID string, payload []byte, expectedParent uint64) (document.Snapshot, error) {
	var head int64
	err := tx.QueryRowContext(ctx,
		"SELECT head_version FROM documents WHERE document_id = ?",
		documentID,
	).Scan(&head)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Snapshot{}, storage.ErrNotFound
		}
		return document.Snapshot{}, classifyErr("read head version", err)
	}

	if uint64(head) != expectedParent {
		return document.Snapshot{}, storage.NewConflictError(uint64(head))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	snap := document.Snapshot{
		DocumentID:    documentID,
		Version:       expectedParent + 1,
		ParentVersion: expectedParent,
		Payload:       payload,
		CreatedAt:     now,
	}
	hash, err := integrity.SnapshotHash(snap)
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("compute snapshot hash: %w", err)
	}
	snap.PayloadHash = hash

	if err := insertSnapshot(ctx, tx, snap); err != nil {
		return document.Snapshot{}, err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE documents SET head_version = ?, updated_at = ? WHERE document_id = ? AND head_version = ?",
		int64(snap.Version), toMillis(now), documentID, head,
	)
	if err != nil {
		return document.Snapshot{}, classifyErr("advance head version", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("advance head rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to a concurrent append committed between our read
		// and this swap; report the winner's head.
		var current int64
		if readErr := tx.QueryRowContext(ctx,
			"SELECT head_version FROM documents WHERE document_id = ?",
			documentID,
		).Scan(&current); readErr == nil {
			return document.Snapshot{}, storage.NewConflictError(uint64(current))
		}
		return document.Snapshot{}, storage.NewConflictError(uint64(head))
	}

	return snap, nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, snap document.Snapshot) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (document_id, version, parent_version, payload, payload_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.DocumentID,
		int64(snap.Version),
		int64(snap.ParentVersion),
		snap.Payload,
		snap.PayloadHash,
		toMillis(snap.CreatedAt),
	); err != nil {
		if isConstraintError(err) {
			// A snapshot at this version already exists; surface it as a
			// conflict so the caller rebases instead of retrying blindly.
			return storage.NewConflictError(snap.Version)
		}
		return classifyErr("insert snapshot", err)
	}
	return nil
}

// Head returns the latest snapshot for a document.
func (s *Store) Head(ctx context.Context, documentID string) (document.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return document.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return document.Snapshot{}, apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT document_id, version, parent_version, payload, payload_hash, created_at
		 FROM snapshots
		 WHERE document_id = ?
		 ORDER BY version DESC
		 LIMIT 1`,
		documentID,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Snapshot{}, storage.ErrNotFound
		}
		return document.Snapshot{}, classifyErr("get head snapshot", err)
	}
	return snap, nil
}

// GetSnapshot retrieves an exact historical snapshot.
func (s *Store) GetSnapshot(ctx context.Context, documentID string, version uint64) (document.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return document.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return document.Snapshot{}, apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}
	if version == 0 {
		return document.Snapshot{}, apperrors.New(apperrors.CodeVersionInvalid, "version must be >= 1")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT document_id, version, parent_version, payload, payload_hash, created_at
		 FROM snapshots
		 WHERE document_id = ? AND version = ?`,
		documentID, int64(version),
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Snapshot{}, storage.ErrNotFound
		}
		return document.Snapshot{}, classifyErr("get snapshot", err)
	}
	return snap, nil
}

// ListVersions returns a page of payload-free version entries, newest first.
// An empty pageToken starts from the head.
func (s *Store) ListVersions(ctx context.Context, documentID string, pageSize int, pageToken string) (storage.VersionPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.VersionPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.VersionPage{}, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return storage.VersionPage{}, apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}
	if pageSize <= 0 {
		pageSize = defaultVersionPageSize
	}
	if pageSize > maxVersionPageSize {
		pageSize = maxVersionPageSize
	}

	query := `SELECT version, created_at FROM snapshots WHERE document_id = ?`
	params := []any{documentID}
	if pageToken != "" {
		c, err := cursor.Decode(pageToken)
		if err != nil {
			return storage.VersionPage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid page token", err)
		}
		query += " AND version < ?"
		params = append(params, int64(c.Before))
	}
	query += " ORDER BY version DESC LIMIT ?"
	// Fetch one extra row to detect whether another page exists.
	params = append(params, int64(pageSize+1))

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return storage.VersionPage{}, classifyErr("list versions", err)
	}
	defer rows.Close()

	entries := make([]document.VersionEntry, 0, pageSize)
	for rows.Next() {
		var version int64
		var createdAt int64
		if err := rows.Scan(&version, &createdAt); err != nil {
			return storage.VersionPage{}, fmt.Errorf("scan version entry: %w", err)
		}
		entries = append(entries, document.VersionEntry{
			Version:   uint64(version),
			CreatedAt: fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return storage.VersionPage{}, classifyErr("iterate versions", err)
	}

	page := storage.VersionPage{}
	if len(entries) > pageSize {
		entries = entries[:pageSize]
		last := entries[len(entries)-1]
		token, err := cursor.Encode(cursor.Cursor{Before: last.Version})
		if err != nil {
			return storage.VersionPage{}, fmt.Errorf("encode page token: %w", err)
		}
		page.NextPageToken = token
	}
	if len(entries) == 0 && pageToken == "" {
		// Distinguish an unknown document from one with an empty page.
		if _, err := s.GetDocument(ctx, documentID); err != nil {
			return storage.VersionPage{}, err
		}
	}
	page.Entries = entries
	return page, nil
}

// RestoreSnapshot reads targetVersion's payload and appends it against the
// current head in one transaction. Restore is a commit: history stays linear
// and the optimistic check still applies.
func (s *Store) RestoreSnapshot(ctx context.Context, documentID string, targetVersion, expectedParent uint64) (document.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return document.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return document.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return document.Snapshot{}, apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}
	if targetVersion == 0 {
		return document.Snapshot{}, apperrors.New(apperrors.CodeVersionInvalid, "target version must be >= 1")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return document.Snapshot{}, classifyErr("begin tx", err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		"SELECT payload FROM snapshots WHERE document_id = ? AND version = ?",
		documentID, int64(targetVersion),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Snapshot{}, storage.ErrNotFound
		}
		return document.Snapshot{}, classifyErr("read restore target", err)
	}

	snap, err := appendSnapshotTx(ctx, tx, documentID, payload, expectedParent)
	if err != nil {
		return document.Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return document.Snapshot{}, classifyErr("commit", err)
	}
	return snap, nil
}

// VerifySnapshotIntegrity walks every chain checking contiguous versions,
// parent links, and payload hashes.
func (s *Store) VerifySnapshotIntegrity(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	documentIDs, err := s.listSnapshotDocumentIDs(ctx)
	if err != nil {
		return err
	}
	for _, documentID := range documentIDs {
		if err := s.verifyDocumentChain(ctx, documentID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) listSnapshotDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT DISTINCT document_id FROM snapshots ORDER BY document_id")
	if err != nil {
		return nil, classifyErr("list document ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, docID)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr("iterate document ids", err)
	}
	return ids, nil
}

func (s *Store) verifyDocumentChain(ctx context.Context, documentID string) error {
	var lastVersion uint64
	for {
		rows, err := s.sqlDB.QueryContext(ctx,
			`SELECT document_id, version, parent_version, payload, payload_hash, created_at
			 FROM snapshots
			 WHERE document_id = ? AND version > ?
			 ORDER BY version ASC
			 LIMIT ?`,
			documentID, int64(lastVersion), verifyBatchSize,
		)
		if err != nil {
			return classifyErr("list snapshots", err)
		}

		var batch []document.Snapshot
		for rows.Next() {
			snap, err := scanSnapshot(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan snapshot: %w", err)
			}
			batch = append(batch, snap)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return classifyErr("iterate snapshots", err)
		}
		_ = rows.Close()

		if len(batch) == 0 {
			return nil
		}
		if err := document.ValidateSegment(batch, lastVersion+1); err != nil {
			return fmt.Errorf("version chain broken document_id=%s: %w", documentID, err)
		}
		for _, snap := range batch {
			if err := integrity.VerifySnapshot(snap); err != nil {
				return err
			}
		}
		lastVersion = batch[len(batch)-1].Version
	}
}

func scanSnapshot(row rowScanner) (document.Snapshot, error) {
	var snap document.Snapshot
	var version int64
	var parentVersion int64
	var createdAt int64
	if err := row.Scan(
		&snap.DocumentID,
		&version,
		&parentVersion,
		&snap.Payload,
		&snap.PayloadHash,
		&createdAt,
	); err != nil {
		return document.Snapshot{}, err
	}
	snap.Version = uint64(version)
	snap.ParentVersion = uint64(parentVersion)
	snap.CreatedAt = fromMillis(createdAt)
	return snap, nil
}
