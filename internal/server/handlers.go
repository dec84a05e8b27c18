package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/BorovkovSergey/character-sheet/internal/document"
	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
	"github.com/BorovkovSergey/character-sheet/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func tracer() trace.Tracer {
	return otel.Tracer("sheet-sync")
}

func handleCreateFrame(ctx context.Context, session *wsSession, store storage.Store, frame wsFrame) {
	var payload createPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid create payload")
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "name is required")
		return
	}
	if utf8.RuneCountInString(name) > maxDocumentNameRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "name must be at most 200 characters")
		return
	}
	if len(payload.Payload) == 0 {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload is required")
		return
	}

	summary, snap, err := store.CreateDocument(ctx, name, payload.Payload)
	if err != nil {
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameCreated,
		RequestID: frame.RequestID,
		Payload: mustJSON(createdPayload{
			Document: toWireSummary(summary),
			Snapshot: toWireSnapshot(snap),
		}),
	})
}

func handleListFrame(ctx context.Context, session *wsSession, store storage.Store, frame wsFrame) {
	summaries, err := store.ListDocuments(ctx)
	if err != nil {
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}

	wire := make([]wireSummary, 0, len(summaries))
	for _, summary := range summaries {
		wire = append(wire, toWireSummary(summary))
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      frameDocuments,
		RequestID: frame.RequestID,
		Payload:   mustJSON(documentsPayload{Documents: wire}),
	})
}

func handleSubscribeFrame(ctx context.Context, session *wsSession, hub *documentHub, store storage.Store, frame wsFrame) {
	var payload documentRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid subscribe payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}

	// The head read happens before joining the room, so the subscriber's
	// baseline is never newer than the broadcasts it will receive.
	head, err := store.Head(ctx, documentID)
	if err != nil {
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}

	room := hub.room(documentID)
	room.join(session.peer)
	session.addRoom(room)

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameSubscribed,
		RequestID: frame.RequestID,
		Payload: mustJSON(subscribedPayload{
			DocumentID: documentID,
			Head:       toWireSnapshot(head),
		}),
	})
}

func handleUnsubscribeFrame(session *wsSession, hub *documentHub, frame wsFrame) {
	var payload documentRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid unsubscribe payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}

	room := session.removeRoom(documentID)
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "PROTOCOL_VIOLATION", "not subscribed to document")
		return
	}
	if room.leave(session.peer) {
		hub.drop(documentID)
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameUnsubscribed,
		RequestID: frame.RequestID,
		Payload:   mustJSON(deletedPayload{DocumentID: documentID}),
	})
}

func handleCommitFrame(ctx context.Context, session *wsSession, store storage.Store, frame wsFrame) {
	var payload commitPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid commit payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}
	if len(payload.Payload) == 0 {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload is required")
		return
	}

	room := session.room(documentID)
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "PROTOCOL_VIOLATION", "must subscribe before committing")
		return
	}

	ctx, span := tracer().Start(ctx, "sheet.commit")
	span.SetAttributes(
		attribute.String("document.id", documentID),
		attribute.String("user.id", session.userID),
		attribute.Int64("document.expected_parent", int64(payload.ExpectedParentVersion)),
	)
	snap, err := store.AppendSnapshot(ctx, documentID, payload.Payload, payload.ExpectedParentVersion)
	span.End()
	if err != nil {
		if head, ok := storage.ConflictHeadVersion(err); ok {
			writeConflict(session.peer, frame.RequestID, documentID, head)
			return
		}
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}
	log.Printf("sync: commit document=%s version=%d user=%s", documentID, snap.Version, session.userID)

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackPayload{
			DocumentID: documentID,
			Version:    snap.Version,
			CreatedAt:  toWireSnapshot(snap).CreatedAt,
		}),
	})

	broadcastVersionAdvanced(room, session.peer, documentID, snap.Version, toWireSnapshot(snap).CreatedAt)
}

func handleRestoreFrame(ctx context.Context, session *wsSession, store storage.Store, frame wsFrame) {
	var payload restorePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid restore payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}
	if payload.TargetVersion == 0 {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "target_version must be >= 1")
		return
	}

	room := session.room(documentID)
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "PROTOCOL_VIOLATION", "must subscribe before restoring")
		return
	}

	ctx, span := tracer().Start(ctx, "sheet.restore")
	span.SetAttributes(
		attribute.String("document.id", documentID),
		attribute.String("user.id", session.userID),
		attribute.Int64("document.target_version", int64(payload.TargetVersion)),
	)
	snap, err := store.RestoreSnapshot(ctx, documentID, payload.TargetVersion, payload.ExpectedParentVersion)
	span.End()
	if err != nil {
		if head, ok := storage.ConflictHeadVersion(err); ok {
			writeConflict(session.peer, frame.RequestID, documentID, head)
			return
		}
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}
	log.Printf("sync: restore document=%s target=%d version=%d user=%s", documentID, payload.TargetVersion, snap.Version, session.userID)

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload: mustJSON(ackPayload{
			DocumentID: documentID,
			Version:    snap.Version,
			CreatedAt:  toWireSnapshot(snap).CreatedAt,
		}),
	})

	broadcastVersionAdvanced(room, session.peer, documentID, snap.Version, toWireSnapshot(snap).CreatedAt)
}

func handlePullFrame(ctx context.Context, session *wsSession, store storage.Store, frame wsFrame) {
	var payload pullPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid pull payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}

	snap, err := func() (document.Snapshot, error) {
		if payload.Version == 0 {
			return store.Head(ctx, documentID)
		}
		return store.GetSnapshot(ctx, documentID, payload.Version)
	}()
	if err != nil {
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameSnapshot,
		RequestID: frame.RequestID,
		Payload:   mustJSON(snapshotPayload{Snapshot: toWireSnapshot(snap)}),
	})
}

func handleVersionsFrame(ctx context.Context, session *wsSession, store storage.Store, frame wsFrame) {
	var payload versionsPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid versions payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}

	page, err := store.ListVersions(ctx, documentID, payload.PageSize, payload.PageToken)
	if err != nil {
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameVersionList,
		RequestID: frame.RequestID,
		Payload: mustJSON(versionListPayload{
			DocumentID:    documentID,
			Entries:       toWireVersionEntries(page.Entries),
			NextPageToken: page.NextPageToken,
		}),
	})
}

func handleDeleteFrame(ctx context.Context, session *wsSession, hub *documentHub, store storage.Store, frame wsFrame) {
	var payload documentRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid delete payload")
		return
	}

	documentID := strings.TrimSpace(payload.DocumentID)
	if documentID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "document_id is required")
		return
	}

	if err := store.DeleteDocument(ctx, documentID); err != nil {
		writeStoreError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(wsFrame{
		Type:      frameDeleted,
		RequestID: frame.RequestID,
		Payload:   mustJSON(deletedPayload{DocumentID: documentID}),
	})

	// Watchers of a deleted document learn about it even if the deleter was
	// never subscribed.
	room := hub.room(documentID)
	deletedFrame := wsFrame{
		Type:    frameDeleted,
		Payload: mustJSON(deletedPayload{DocumentID: documentID}),
	}
	for _, peer := range room.others(session.peer) {
		_ = peer.writeFrame(deletedFrame)
	}
	hub.drop(documentID)
}

func broadcastVersionAdvanced(room *documentRoom, exclude *wsPeer, documentID string, version uint64, createdAt string) {
	advanced := wsFrame{
		Type: frameVersionAdvanced,
		Payload: mustJSON(versionAdvancedPayload{
			DocumentID: documentID,
			Version:    version,
			CreatedAt:  createdAt,
		}),
	}
	for _, peer := range room.others(exclude) {
		_ = peer.writeFrame(advanced)
	}
}

// writeConflict emits the dedicated conflict frame carrying the current head
// so clients can rebase without a second round trip.
func writeConflict(peer *wsPeer, requestID string, documentID string, headVersion uint64) {
	_ = peer.writeFrame(wsFrame{
		Type:      frameConflict,
		RequestID: requestID,
		Payload: mustJSON(conflictPayload{
			DocumentID:  documentID,
			HeadVersion: headVersion,
		}),
	})
}

// writeStoreError translates store failures into wire frames.
func writeStoreError(peer *wsPeer, requestID string, err error) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		envelope := errorEnvelope(appErr.Code, appErr.Message, appErr.Metadata)
		_ = peer.writeFrame(wsFrame{
			Type:      frameError,
			RequestID: requestID,
			Payload:   mustJSON(envelope),
		})
		return
	}

	_ = writeWSError(peer, requestID, "UNKNOWN", "internal error")
}
