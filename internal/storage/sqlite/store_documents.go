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
	"github.com/BorovkovSergey/character-sheet/internal/platform/id"
	"github.com/BorovkovSergey/character-sheet/internal/storage"
	"github.com/BorovkovSergey/character-sheet/internal/storage/integrity"
)

// CreateDocument allocates a new document and appends its version-1 snapshot
// in a single transaction.
func (s *Store) CreateDocument(ctx context.Context, name string, payload []byte) (document.Summary, document.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return document.Summary{}, document.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return document.Summary{}, document.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return document.Summary{}, document.Snapshot{}, apperrors.New(apperrors.CodeDocumentNameEmpty, "document name is required")
	}
	if len(payload) == 0 {
		return document.Summary{}, document.Snapshot{}, apperrors.New(apperrors.CodeDocumentPayloadEmpty, "document payload is required")
	}

	documentID, err := id.NewID()
	if err != nil {
		return document.Summary{}, document.Snapshot{}, fmt.Errorf("allocate document id: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	snap := document.Snapshot{
		DocumentID:    documentID,
		Version:       1,
		ParentVersion: 0,
		Payload:       payload,
		CreatedAt:     now,
	}
	hash, err := integrity.SnapshotHash(snap)
	if err != nil {
		return document.Summary{}, document.Snapshot{}, fmt.Errorf("compute snapshot hash: %w", err)
	}
	snap.PayloadHash = hash

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return document.Summary{}, document.Snapshot{}, classifyErr("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (document_id, name, head_version, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)`,
		documentID, name, toMillis(now), toMillis(now),
	); err != nil {
		return document.Summary{}, document.Snapshot{}, classifyErr("insert document", err)
	}

	if err := insertSnapshot(ctx, tx, snap); err != nil {
		return document.Summary{}, document.Snapshot{}, err
	}

	if err := tx.Commit(); err != nil {
		return document.Summary{}, document.Snapshot{}, classifyErr("commit", err)
	}

	summary := document.Summary{
		DocumentID:  documentID,
		Name:        name,
		HeadVersion: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return summary, snap, nil
}

// GetDocument retrieves a document summary by id.
func (s *Store) GetDocument(ctx context.Context, documentID string) (document.Summary, error) {
	if err := ctx.Err(); err != nil {
		return document.Summary{}, err
	}
	if s == nil || s.sqlDB == nil {
		return document.Summary{}, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return document.Summary{}, apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT document_id, name, head_version, created_at, updated_at
		 FROM documents
		 WHERE document_id = ?`,
		documentID,
	)
	summary, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return document.Summary{}, storage.ErrNotFound
		}
		return document.Summary{}, classifyErr("get document", err)
	}
	return summary, nil
}

// ListDocuments returns summaries for every stored document, most recently
// updated first.
func (s *Store) ListDocuments(ctx context.Context) ([]document.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT document_id, name, head_version, created_at, updated_at
		 FROM documents
		 ORDER BY updated_at DESC, document_id ASC`,
	)
	if err != nil {
		return nil, classifyErr("list documents", err)
	}
	defer rows.Close()

	var summaries []document.Summary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyErr("iterate documents", err)
	}
	return summaries, nil
}

// DeleteDocument removes a document and its entire version chain.
//
// Deletion is a document-level operation: the append-only invariant binds
// snapshots within a live chain, not the document's existence.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return apperrors.New(apperrors.CodeDocumentIDEmpty, "document id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return classifyErr("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE document_id = ?", documentID); err != nil {
		return classifyErr("delete snapshots", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE document_id = ?", documentID)
	if err != nil {
		return classifyErr("delete document", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return classifyErr("commit", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (document.Summary, error) {
	var summary document.Summary
	var headVersion int64
	var createdAt int64
	var updatedAt int64
	if err := row.Scan(
		&summary.DocumentID,
		&summary.Name,
		&headVersion,
		&createdAt,
		&updatedAt,
	); err != nil {
		return document.Summary{}, err
	}
	summary.HeadVersion = uint64(headVersion)
	summary.CreatedAt = fromMillis(createdAt)
	summary.UpdatedAt = fromMillis(updatedAt)
	return summary, nil
}
