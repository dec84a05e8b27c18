package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/BorovkovSergey/character-sheet/internal/document"
	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
)

// Frame types accepted from clients.
const (
	frameCreate      = "sheet.create"
	frameList        = "sheet.list"
	frameSubscribe   = "sheet.subscribe"
	frameUnsubscribe = "sheet.unsubscribe"
	frameCommit      = "sheet.commit"
	frameRestore     = "sheet.restore"
	framePull        = "sheet.pull"
	frameVersions    = "sheet.versions"
	frameDelete      = "sheet.delete"
)

// Frame types emitted by the server.
const (
	frameCreated         = "sheet.created"
	frameDocuments       = "sheet.documents"
	frameSubscribed      = "sheet.subscribed"
	frameUnsubscribed    = "sheet.unsubscribed"
	frameAck             = "sheet.ack"
	frameConflict        = "sheet.conflict"
	frameVersionAdvanced = "sheet.version_advanced"
	frameSnapshot        = "sheet.snapshot"
	frameVersionList     = "sheet.versions"
	frameDeleted         = "sheet.deleted"
	frameError           = "sheet.error"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type createPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type documentRefPayload struct {
	DocumentID string `json:"document_id"`
}

type commitPayload struct {
	DocumentID            string          `json:"document_id"`
	ExpectedParentVersion uint64          `json:"expected_parent_version"`
	Payload               json.RawMessage `json:"payload"`
}

type restorePayload struct {
	DocumentID            string `json:"document_id"`
	TargetVersion         uint64 `json:"target_version"`
	ExpectedParentVersion uint64 `json:"expected_parent_version"`
}

type pullPayload struct {
	DocumentID string `json:"document_id"`
	// Version 0 pulls the head snapshot.
	Version uint64 `json:"version,omitempty"`
}

type versionsPayload struct {
	DocumentID string `json:"document_id"`
	PageSize   int    `json:"page_size,omitempty"`
	PageToken  string `json:"page_token,omitempty"`
}

type wireSnapshot struct {
	DocumentID    string          `json:"document_id"`
	Version       uint64          `json:"version"`
	ParentVersion uint64          `json:"parent_version"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	CreatedAt     string          `json:"created_at"`
}

type wireSummary struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	HeadVersion uint64 `json:"head_version"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type wireVersionEntry struct {
	Version   uint64 `json:"version"`
	CreatedAt string `json:"created_at"`
}

type createdPayload struct {
	Document wireSummary  `json:"document"`
	Snapshot wireSnapshot `json:"snapshot"`
}

type documentsPayload struct {
	Documents []wireSummary `json:"documents"`
}

type subscribedPayload struct {
	DocumentID string       `json:"document_id"`
	Head       wireSnapshot `json:"head"`
}

type ackPayload struct {
	DocumentID string `json:"document_id"`
	Version    uint64 `json:"version"`
	CreatedAt  string `json:"created_at"`
}

type conflictPayload struct {
	DocumentID  string `json:"document_id"`
	HeadVersion uint64 `json:"head_version"`
}

type versionAdvancedPayload struct {
	DocumentID string `json:"document_id"`
	Version    uint64 `json:"version"`
	CreatedAt  string `json:"created_at"`
}

type snapshotPayload struct {
	Snapshot wireSnapshot `json:"snapshot"`
}

type versionListPayload struct {
	DocumentID    string             `json:"document_id"`
	Entries       []wireVersionEntry `json:"entries"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

type deletedPayload struct {
	DocumentID string `json:"document_id"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

func toWireSnapshot(snap document.Snapshot) wireSnapshot {
	return wireSnapshot{
		DocumentID:    snap.DocumentID,
		Version:       snap.Version,
		ParentVersion: snap.ParentVersion,
		Payload:       json.RawMessage(snap.Payload),
		PayloadHash:   snap.PayloadHash,
		CreatedAt:     snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toWireSummary(summary document.Summary) wireSummary {
	return wireSummary{
		DocumentID:  summary.DocumentID,
		Name:        summary.Name,
		HeadVersion: summary.HeadVersion,
		CreatedAt:   summary.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   summary.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toWireVersionEntries(entries []document.VersionEntry) []wireVersionEntry {
	wire := make([]wireVersionEntry, 0, len(entries))
	for _, entry := range entries {
		wire = append(wire, wireVersionEntry{
			Version:   entry.Version,
			CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return wire
}

func errorEnvelope(code apperrors.Code, message string, details map[string]string) wsErrorEnvelope {
	wire := code.WireCode()
	return wsErrorEnvelope{
		Error: wsError{
			Code:      string(wire),
			Message:   message,
			Retryable: wire.Retryable(),
			Details:   details,
		},
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
