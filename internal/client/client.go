// Package client implements the websocket sync client used by editor
// frontends and tooling. It keeps a per-document working state, runs the
// optimistic commit protocol, and surfaces server broadcasts.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BorovkovSergey/character-sheet/internal/document"
	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
	"github.com/BorovkovSergey/character-sheet/internal/platform/timeouts"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"
)

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxTries        = 4
)

// Config defines how the client reaches the sync server.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8087/ws.
	URL string
	// Origin is the HTTP origin sent during the handshake.
	Origin string
	// Token is the optional access token delivered as the cs_token cookie.
	Token string
	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration
}

// Client is one sync session. Request frames go out in call order; a reader
// goroutine routes replies by request id and delivers broadcasts.
type Client struct {
	config Config

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wsFrame

	statesMu sync.Mutex
	states   map[string]*WorkingState

	requestSeq atomic.Uint64
	readerDone chan struct{}
	closed     atomic.Bool

	// OnVersionAdvanced fires when another session advances a subscribed
	// document. Set before issuing requests; not synchronized afterwards.
	OnVersionAdvanced func(documentID string, version uint64)
	// OnDocumentDeleted fires when a subscribed document is deleted.
	OnDocumentDeleted func(documentID string)
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
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

type wsErrorEnvelope struct {
	Error struct {
		Code      string            `json:"code"`
		Message   string            `json:"message"`
		Retryable bool              `json:"retryable"`
		Details   map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

// VersionPage is one page of a document's history.
type VersionPage struct {
	Entries       []document.VersionEntry
	NextPageToken string
}

// Dial connects to the sync server.
func Dial(config Config) (*Client, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, errors.New("websocket url is required")
	}
	if strings.TrimSpace(config.Origin) == "" {
		config.Origin = "http://localhost"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = timeouts.Dial
	}

	client := &Client{
		config:  config,
		pending: make(map[string]chan wsFrame),
		states:  make(map[string]*WorkingState),
	}
	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	cfg, err := websocket.NewConfig(c.config.URL, c.config.Origin)
	if err != nil {
		return fmt.Errorf("build websocket config: %w", err)
	}
	if strings.TrimSpace(c.config.Token) != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Cookie", "cs_token="+strings.TrimSpace(c.config.Token))
	}
	cfg.Dialer = &net.Dialer{Timeout: c.config.DialTimeout}

	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		return fmt.Errorf("dial sync server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readerDone = make(chan struct{})
	done := c.readerDone
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

// Reconnect re-dials the server and re-subscribes every tracked document.
// Working states survive: base versions and pending edits stay intact, so a
// commit after reconnect still runs the optimistic check against the state
// the editor last saw.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return apperrors.New(apperrors.CodeTransportClosed, "client is closed")
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.failPending()

	if err := c.connect(); err != nil {
		return err
	}

	c.statesMu.Lock()
	ids := make([]string, 0, len(c.states))
	for documentID := range c.states {
		ids = append(ids, documentID)
	}
	c.statesMu.Unlock()

	for _, documentID := range ids {
		if _, err := c.roundTrip(ctx, frameOf("sheet.subscribe", map[string]any{"document_id": documentID}), "sheet.subscribed"); err != nil {
			return fmt.Errorf("resubscribe %s: %w", documentID, err)
		}
	}
	return nil
}

// Close tears down the connection. In-flight requests fail with
// TRANSPORT_CLOSED.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	done := c.readerDone
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.failPending()
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer c.failPending()

	decoder := json.NewDecoder(conn)
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				log.Printf("sync client: read frame: %v", err)
			}
			return
		}

		if frame.RequestID != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.RequestID]
			if ok {
				delete(c.pending, frame.RequestID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- frame
			}
			continue
		}

		switch frame.Type {
		case "sheet.version_advanced":
			var advanced struct {
				DocumentID string `json:"document_id"`
				Version    uint64 `json:"version"`
			}
			if err := json.Unmarshal(frame.Payload, &advanced); err != nil {
				continue
			}
			if state, ok := c.State(advanced.DocumentID); ok {
				if _, pending := state.InConflict(); pending || state.Dirty() {
					state.notePendingAdvance(advanced.Version)
				} else {
					// Pull runs off the read loop so the loop stays free
					// to deliver the pull reply.
					go c.pullAdvance(advanced.DocumentID, advanced.Version, state)
				}
			}
			if c.OnVersionAdvanced != nil {
				c.OnVersionAdvanced(advanced.DocumentID, advanced.Version)
			}
		case "sheet.deleted":
			var deleted struct {
				DocumentID string `json:"document_id"`
			}
			if err := json.Unmarshal(frame.Payload, &deleted); err != nil {
				continue
			}
			c.statesMu.Lock()
			delete(c.states, deleted.DocumentID)
			c.statesMu.Unlock()
			if c.OnDocumentDeleted != nil {
				c.OnDocumentDeleted(deleted.DocumentID)
			}
		}
	}
}

// pullAdvance fetches a broadcast version and fast-forwards a clean working
// state onto it. Edits that land while the pull is in flight win: the fetch
// result is kept as a pending advance instead of overwriting them.
func (c *Client) pullAdvance(documentID string, version uint64, state *WorkingState) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Request)
	defer cancel()

	snap, err := c.Pull(ctx, documentID, version)
	if err != nil {
		if !c.closed.Load() {
			log.Printf("sync client: pull advanced version %d of %s: %v", version, documentID, err)
		}
		state.notePendingAdvance(version)
		return
	}
	if !state.applyAdvance(snap.Version, snap.Payload) {
		state.notePendingAdvance(version)
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for requestID, ch := range c.pending {
		delete(c.pending, requestID)
		close(ch)
	}
	c.pendingMu.Unlock()
}

type outboundFrame struct {
	Type    string
	Payload any
}

func frameOf(frameType string, payload any) outboundFrame {
	return outboundFrame{Type: frameType, Payload: payload}
}

// roundTrip sends one request frame and waits for its reply. A reply of type
// sheet.error or sheet.conflict is converted into a domain error.
func (c *Client) roundTrip(ctx context.Context, out outboundFrame, wantType string) (wsFrame, error) {
	if c.closed.Load() {
		return wsFrame{}, apperrors.New(apperrors.CodeTransportClosed, "client is closed")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.Request)
		defer cancel()
	}

	requestID := fmt.Sprintf("req-%d", c.requestSeq.Add(1))
	payload, err := json.Marshal(out.Payload)
	if err != nil {
		return wsFrame{}, fmt.Errorf("marshal request payload: %w", err)
	}

	reply := make(chan wsFrame, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = reply
	c.pendingMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return wsFrame{}, apperrors.New(apperrors.CodeTransportClosed, "connection is not established")
	}

	c.writeMu.Lock()
	err = json.NewEncoder(conn).Encode(wsFrame{
		Type:      out.Type,
		RequestID: requestID,
		Payload:   payload,
	})
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
		return wsFrame{}, apperrors.Wrap(apperrors.CodeTransportClosed, "write frame", err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
		return wsFrame{}, ctx.Err()
	case frame, ok := <-reply:
		if !ok {
			return wsFrame{}, apperrors.New(apperrors.CodeTransportClosed, "connection closed mid-request")
		}
		if frame.Type == "sheet.error" {
			return wsFrame{}, decodeWireError(frame.Payload)
		}
		if frame.Type == "sheet.conflict" {
			return wsFrame{}, decodeConflict(frame.Payload)
		}
		if frame.Type != wantType {
			return wsFrame{}, apperrors.New(apperrors.CodeProtocolViolation, fmt.Sprintf("unexpected reply frame %q", frame.Type))
		}
		return frame, nil
	}
}

func decodeWireError(payload json.RawMessage) error {
	var envelope wsErrorEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed error frame", err)
	}
	return apperrors.WithMetadata(apperrors.Code(envelope.Error.Code), envelope.Error.Message, envelope.Error.Details)
}

func decodeConflict(payload json.RawMessage) error {
	var conflict struct {
		DocumentID  string `json:"document_id"`
		HeadVersion uint64 `json:"head_version"`
	}
	if err := json.Unmarshal(payload, &conflict); err != nil {
		return apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed conflict frame", err)
	}
	return apperrors.WithMetadata(
		apperrors.CodeConflict,
		"commit rejected: chain head moved",
		map[string]string{"head_version": fmt.Sprintf("%d", conflict.HeadVersion)},
	)
}

// Create makes a new document whose version 1 carries the given payload.
func (c *Client) Create(ctx context.Context, name string, payload []byte) (document.Summary, document.Snapshot, error) {
	frame, err := c.roundTrip(ctx, frameOf("sheet.create", map[string]any{
		"name":    name,
		"payload": json.RawMessage(payload),
	}), "sheet.created")
	if err != nil {
		return document.Summary{}, document.Snapshot{}, err
	}

	var created struct {
		Document wireSummary  `json:"document"`
		Snapshot wireSnapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(frame.Payload, &created); err != nil {
		return document.Summary{}, document.Snapshot{}, apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed created frame", err)
	}
	return fromWireSummary(created.Document), fromWireSnapshot(created.Snapshot), nil
}

// List fetches summaries for every document on the server.
func (c *Client) List(ctx context.Context) ([]document.Summary, error) {
	frame, err := c.roundTrip(ctx, frameOf("sheet.list", map[string]any{}), "sheet.documents")
	if err != nil {
		return nil, err
	}

	var docs struct {
		Documents []wireSummary `json:"documents"`
	}
	if err := json.Unmarshal(frame.Payload, &docs); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed documents frame", err)
	}
	summaries := make([]document.Summary, 0, len(docs.Documents))
	for _, doc := range docs.Documents {
		summaries = append(summaries, fromWireSummary(doc))
	}
	return summaries, nil
}

// Subscribe attaches to a document and initializes its working state from the
// server head.
func (c *Client) Subscribe(ctx context.Context, documentID string) (*WorkingState, error) {
	frame, err := c.roundTrip(ctx, frameOf("sheet.subscribe", map[string]any{
		"document_id": documentID,
	}), "sheet.subscribed")
	if err != nil {
		return nil, err
	}

	var subscribed struct {
		DocumentID string       `json:"document_id"`
		Head       wireSnapshot `json:"head"`
	}
	if err := json.Unmarshal(frame.Payload, &subscribed); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed subscribed frame", err)
	}

	state := newWorkingState(subscribed.Head.Version, []byte(subscribed.Head.Payload))
	c.statesMu.Lock()
	c.states[documentID] = state
	c.statesMu.Unlock()
	return state, nil
}

// Unsubscribe detaches from a document and drops its working state.
func (c *Client) Unsubscribe(ctx context.Context, documentID string) error {
	_, err := c.roundTrip(ctx, frameOf("sheet.unsubscribe", map[string]any{
		"document_id": documentID,
	}), "sheet.unsubscribed")
	if err != nil {
		return err
	}
	c.statesMu.Lock()
	delete(c.states, documentID)
	c.statesMu.Unlock()
	return nil
}

// State returns the working state for a subscribed document.
func (c *Client) State(documentID string) (*WorkingState, bool) {
	c.statesMu.Lock()
	state, ok := c.states[documentID]
	c.statesMu.Unlock()
	return state, ok
}

// Commit sends the working state's payload against its base version.
//
// Transient storage failures retry with exponential backoff. A conflict marks
// the state; further commits fail with CONFLICT_UNRESOLVED until Resolve runs.
func (c *Client) Commit(ctx context.Context, documentID string) (document.Snapshot, error) {
	state, ok := c.State(documentID)
	if !ok {
		return document.Snapshot{}, apperrors.New(apperrors.CodeProtocolViolation, "must subscribe before committing")
	}
	if _, pending := state.InConflict(); pending {
		return document.Snapshot{}, apperrors.New(apperrors.CodeConflictUnresolved, "conflict pending: resolve before committing")
	}

	payload := state.Payload()
	baseVersion := state.BaseVersion()

	snap, err := c.commitWithRetry(ctx, documentID, payload, baseVersion)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeConflict) {
			if head, ok := conflictHead(err); ok {
				state.markConflict(head)
			}
		}
		return document.Snapshot{}, err
	}

	state.markSynced(snap.Version, payload)
	return snap, nil
}

func (c *Client) commitWithRetry(ctx context.Context, documentID string, payload []byte, baseVersion uint64) (document.Snapshot, error) {
	operation := func() (document.Snapshot, error) {
		frame, err := c.roundTrip(ctx, frameOf("sheet.commit", map[string]any{
			"document_id":             documentID,
			"expected_parent_version": baseVersion,
			"payload":                 json.RawMessage(payload),
		}), "sheet.ack")
		if err != nil {
			if apperrors.CodeOf(err).Retryable() {
				return document.Snapshot{}, err
			}
			return document.Snapshot{}, backoff.Permanent(err)
		}
		return decodeAck(frame.Payload)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(newRetryBackOff()),
		backoff.WithMaxTries(retryMaxTries),
	)
}

// Resolve rebases onto the server head with a merged payload and commits it.
// The merged payload is the caller's resolution; the client never merges
// content itself.
func (c *Client) Resolve(ctx context.Context, documentID string, merged []byte) (document.Snapshot, error) {
	state, ok := c.State(documentID)
	if !ok {
		return document.Snapshot{}, apperrors.New(apperrors.CodeProtocolViolation, "must subscribe before resolving")
	}
	if _, pending := state.InConflict(); !pending {
		return document.Snapshot{}, apperrors.New(apperrors.CodeInvalidArgument, "no conflict pending for document")
	}

	head, err := c.Pull(ctx, documentID, 0)
	if err != nil {
		return document.Snapshot{}, err
	}
	state.rebase(head.Version, merged)

	return c.Commit(ctx, documentID)
}

// Restore asks the server to append a copy of targetVersion as the new head.
func (c *Client) Restore(ctx context.Context, documentID string, targetVersion uint64) (document.Snapshot, error) {
	state, ok := c.State(documentID)
	if !ok {
		return document.Snapshot{}, apperrors.New(apperrors.CodeProtocolViolation, "must subscribe before restoring")
	}

	frame, err := c.roundTrip(ctx, frameOf("sheet.restore", map[string]any{
		"document_id":             documentID,
		"target_version":          targetVersion,
		"expected_parent_version": state.BaseVersion(),
	}), "sheet.ack")
	if err != nil {
		if apperrors.Is(err, apperrors.CodeConflict) {
			if head, ok := conflictHead(err); ok {
				state.markConflict(head)
			}
		}
		return document.Snapshot{}, err
	}

	snap, err := decodeAck(frame.Payload)
	if err != nil {
		return document.Snapshot{}, err
	}

	// The restored payload equals the target's; fetch it so the working
	// state reflects what the server now holds at head.
	restored, err := c.Pull(ctx, documentID, snap.Version)
	if err != nil {
		return document.Snapshot{}, err
	}
	state.markSynced(restored.Version, restored.Payload)
	return restored, nil
}

// Pull fetches a snapshot; version 0 fetches the head.
func (c *Client) Pull(ctx context.Context, documentID string, version uint64) (document.Snapshot, error) {
	payload := map[string]any{"document_id": documentID}
	if version > 0 {
		payload["version"] = version
	}
	frame, err := c.roundTrip(ctx, frameOf("sheet.pull", payload), "sheet.snapshot")
	if err != nil {
		return document.Snapshot{}, err
	}

	var pulled struct {
		Snapshot wireSnapshot `json:"snapshot"`
	}
	if err := json.Unmarshal(frame.Payload, &pulled); err != nil {
		return document.Snapshot{}, apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed snapshot frame", err)
	}
	return fromWireSnapshot(pulled.Snapshot), nil
}

// Versions fetches one page of the document's history, newest first.
func (c *Client) Versions(ctx context.Context, documentID string, pageSize int, pageToken string) (VersionPage, error) {
	frame, err := c.roundTrip(ctx, frameOf("sheet.versions", map[string]any{
		"document_id": documentID,
		"page_size":   pageSize,
		"page_token":  pageToken,
	}), "sheet.versions")
	if err != nil {
		return VersionPage{}, err
	}

	var listed struct {
		Entries       []wireVersionEntry `json:"entries"`
		NextPageToken string             `json:"next_page_token"`
	}
	if err := json.Unmarshal(frame.Payload, &listed); err != nil {
		return VersionPage{}, apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed versions frame", err)
	}

	page := VersionPage{NextPageToken: listed.NextPageToken}
	for _, entry := range listed.Entries {
		page.Entries = append(page.Entries, document.VersionEntry{
			Version:   entry.Version,
			CreatedAt: parseWireTime(entry.CreatedAt),
		})
	}
	return page, nil
}

// Delete removes a document and its history from the server.
func (c *Client) Delete(ctx context.Context, documentID string) error {
	_, err := c.roundTrip(ctx, frameOf("sheet.delete", map[string]any{
		"document_id": documentID,
	}), "sheet.deleted")
	if err != nil {
		return err
	}
	c.statesMu.Lock()
	delete(c.states, documentID)
	c.statesMu.Unlock()
	return nil
}

func decodeAck(payload json.RawMessage) (document.Snapshot, error) {
	var ack struct {
		DocumentID string `json:"document_id"`
		Version    uint64 `json:"version"`
		CreatedAt  string `json:"created_at"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil {
		return document.Snapshot{}, apperrors.Wrap(apperrors.CodeProtocolViolation, "malformed ack frame", err)
	}
	return document.Snapshot{
		DocumentID:    ack.DocumentID,
		Version:       ack.Version,
		ParentVersion: ack.Version - 1,
		CreatedAt:     parseWireTime(ack.CreatedAt),
	}, nil
}

func conflictHead(err error) (uint64, bool) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return 0, false
	}
	raw, ok := appErr.Metadata["head_version"]
	if !ok {
		return 0, false
	}
	var head uint64
	if _, scanErr := fmt.Sscanf(raw, "%d", &head); scanErr != nil {
		return 0, false
	}
	return head, true
}

func fromWireSnapshot(wire wireSnapshot) document.Snapshot {
	return document.Snapshot{
		DocumentID:    wire.DocumentID,
		Version:       wire.Version,
		ParentVersion: wire.ParentVersion,
		Payload:       []byte(wire.Payload),
		PayloadHash:   wire.PayloadHash,
		CreatedAt:     parseWireTime(wire.CreatedAt),
	}
}

func fromWireSummary(wire wireSummary) document.Summary {
	return document.Summary{
		DocumentID:  wire.DocumentID,
		Name:        wire.Name,
		HeadVersion: wire.HeadVersion,
		CreatedAt:   parseWireTime(wire.CreatedAt),
		UpdatedAt:   parseWireTime(wire.UpdatedAt),
	}
}

func parseWireTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	return b
}
