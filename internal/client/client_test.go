package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/BorovkovSergey/character-sheet/internal/platform/errors"
	"github.com/BorovkovSergey/character-sheet/internal/server"
	"github.com/BorovkovSergey/character-sheet/internal/storage/sqlite"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := newSyncServer(t)
	return dialTestClient(t, srv)
}

func newSyncServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sheets.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	srv := httptest.NewServer(server.NewHandler(store))
	t.Cleanup(srv.Close)
	return srv
}

func dialTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := Dial(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin: srv.URL,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(Config{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestCreateSubscribeCommit(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	summary, snap, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if summary.HeadVersion != 1 || snap.Version != 1 {
		t.Fatalf("created head = %d snapshot = %d, want 1 and 1", summary.HeadVersion, snap.Version)
	}

	state, err := client.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if state.BaseVersion() != 1 {
		t.Fatalf("base version = %d, want 1", state.BaseVersion())
	}
	if !bytes.Equal(state.Payload(), []byte(`{"hp":12}`)) {
		t.Fatalf("payload = %s", state.Payload())
	}

	state.Edit([]byte(`{"hp":7}`))
	if !state.Dirty() {
		t.Fatal("expected dirty state after edit")
	}

	committed, err := client.Commit(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed.Version != 2 {
		t.Fatalf("committed version = %d, want 2", committed.Version)
	}
	if state.BaseVersion() != 2 || state.Dirty() {
		t.Fatalf("state after commit = base %d dirty %v, want 2 false", state.BaseVersion(), state.Dirty())
	}
}

func TestCommitWithoutSubscribe(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	summary, _, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = client.Commit(ctx, summary.DocumentID)
	if !apperrors.Is(err, apperrors.CodeProtocolViolation) {
		t.Fatalf("commit error = %v, want protocol violation", err)
	}
}

func TestConflictBlocksUntilResolve(t *testing.T) {
	srv := newSyncServer(t)
	clientA := dialTestClient(t, srv)
	clientB := dialTestClient(t, srv)
	ctx := context.Background()

	summary, _, err := clientA.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stateA, err := clientA.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	stateB, err := clientB.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	// B edits first so A's broadcast cannot fast-forward its base; B then
	// commits off the stale base and loses the race.
	stateB.Edit([]byte(`{"hp":3}`))

	stateA.Edit([]byte(`{"hp":7}`))
	if _, err := clientA.Commit(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Commit A: %v", err)
	}

	_, err = clientB.Commit(ctx, summary.DocumentID)
	if !apperrors.Is(err, apperrors.CodeConflict) {
		t.Fatalf("Commit B error = %v, want conflict", err)
	}
	head, pending := stateB.InConflict()
	if !pending || head != 2 {
		t.Fatalf("conflict state = head %d pending %v, want 2 true", head, pending)
	}

	// Further commits are refused until the conflict is resolved.
	if _, err := clientB.Commit(ctx, summary.DocumentID); !apperrors.Is(err, apperrors.CodeConflictUnresolved) {
		t.Fatalf("blocked commit error = %v, want conflict unresolved", err)
	}

	resolved, err := clientB.Resolve(ctx, summary.DocumentID, []byte(`{"hp":5}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Version != 3 {
		t.Fatalf("resolved version = %d, want 3", resolved.Version)
	}
	if _, pending := stateB.InConflict(); pending {
		t.Fatal("conflict still pending after resolve")
	}
}

func TestResolveWithoutConflict(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	summary, _, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := client.Subscribe(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := client.Resolve(ctx, summary.DocumentID, []byte(`{}`)); !apperrors.Is(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("resolve error = %v, want invalid argument", err)
	}
}

func TestVersionAdvancedCallback(t *testing.T) {
	srv := newSyncServer(t)
	clientA := dialTestClient(t, srv)
	clientB := dialTestClient(t, srv)
	ctx := context.Background()

	advanced := make(chan uint64, 1)
	clientB.OnVersionAdvanced = func(_ string, version uint64) {
		advanced <- version
	}

	summary, _, err := clientA.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stateA, err := clientA.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	if _, err := clientB.Subscribe(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	stateA.Edit([]byte(`{"hp":7}`))
	if _, err := clientA.Commit(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	select {
	case version := <-advanced:
		if version != 2 {
			t.Fatalf("advanced version = %d, want 2", version)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for version advanced callback")
	}
}

func TestCleanStateAutoPullsAdvancedVersion(t *testing.T) {
	srv := newSyncServer(t)
	clientA := dialTestClient(t, srv)
	clientB := dialTestClient(t, srv)
	ctx := context.Background()

	summary, _, err := clientA.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stateA, err := clientA.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	stateB, err := clientB.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	stateA.Edit([]byte(`{"hp":7}`))
	if _, err := clientA.Commit(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Commit A: %v", err)
	}

	// B has no local edits, so the broadcast fast-forwards its base.
	deadline := time.Now().Add(2 * time.Second)
	for stateB.BaseVersion() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("base version = %d, want 2 after broadcast", stateB.BaseVersion())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Equal(stateB.Payload(), []byte(`{"hp":7}`)) {
		t.Fatalf("payload = %s, want committed head payload", stateB.Payload())
	}
	if stateB.Dirty() {
		t.Fatal("fast-forward must not mark the state dirty")
	}
}

func TestDirtyStateDefersAdvancedVersion(t *testing.T) {
	srv := newSyncServer(t)
	clientA := dialTestClient(t, srv)
	clientB := dialTestClient(t, srv)
	ctx := context.Background()

	advanced := make(chan uint64, 1)
	clientB.OnVersionAdvanced = func(_ string, version uint64) {
		advanced <- version
	}

	summary, _, err := clientA.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stateA, err := clientA.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	stateB, err := clientB.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	stateB.Edit([]byte(`{"hp":3}`))

	stateA.Edit([]byte(`{"hp":7}`))
	if _, err := clientA.Commit(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Commit A: %v", err)
	}

	select {
	case <-advanced:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for version advanced callback")
	}

	// Local edits stay authoritative; the pull is deferred.
	if stateB.BaseVersion() != 1 {
		t.Fatalf("base version = %d, want 1 while dirty", stateB.BaseVersion())
	}
	if !bytes.Equal(stateB.Payload(), []byte(`{"hp":3}`)) {
		t.Fatalf("payload = %s, want local edit preserved", stateB.Payload())
	}
	pending, ok := stateB.PendingAdvance()
	if !ok || pending != 2 {
		t.Fatalf("pending advance = %d %v, want 2 true", pending, ok)
	}

	// Resolving adopts the head and clears the deferred pointer.
	if _, err := clientB.Commit(ctx, summary.DocumentID); !apperrors.Is(err, apperrors.CodeConflict) {
		t.Fatalf("Commit B error = %v, want conflict", err)
	}
	if _, err := clientB.Resolve(ctx, summary.DocumentID, []byte(`{"hp":5}`)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := stateB.PendingAdvance(); ok {
		t.Fatal("pending advance not cleared by resolve")
	}
}

func TestRestoreUpdatesWorkingState(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	summary, _, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	state, err := client.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	state.Edit([]byte(`{"hp":7}`))
	if _, err := client.Commit(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	restored, err := client.Restore(ctx, summary.DocumentID, 1)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Version != 3 {
		t.Fatalf("restored version = %d, want 3", restored.Version)
	}
	if !bytes.Equal(restored.Payload, []byte(`{"hp":12}`)) {
		t.Fatalf("restored payload = %s", restored.Payload)
	}
	if state.BaseVersion() != 3 || state.Dirty() {
		t.Fatalf("state = base %d dirty %v, want 3 false", state.BaseVersion(), state.Dirty())
	}
}

func TestVersionsPaging(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	summary, _, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	state, err := client.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for i := 0; i < 4; i++ {
		state.Edit([]byte(`{"hp":1}`))
		if _, err := client.Commit(ctx, summary.DocumentID); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	page, err := client.Versions(ctx, summary.DocumentID, 3, "")
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(page.Entries) != 3 || page.Entries[0].Version != 5 {
		t.Fatalf("page = %+v", page.Entries)
	}
	if page.NextPageToken == "" {
		t.Fatal("expected next page token")
	}

	rest, err := client.Versions(ctx, summary.DocumentID, 3, page.NextPageToken)
	if err != nil {
		t.Fatalf("Versions page 2: %v", err)
	}
	if len(rest.Entries) != 2 || rest.Entries[1].Version != 1 {
		t.Fatalf("rest = %+v", rest.Entries)
	}
}

func TestDeleteDropsState(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	summary, _, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := client.Subscribe(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := client.Delete(ctx, summary.DocumentID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := client.State(summary.DocumentID); ok {
		t.Fatal("expected working state to be dropped after delete")
	}

	docs, err := client.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("documents = %d, want 0", len(docs))
	}
}

func TestReconnectResubscribes(t *testing.T) {
	srv := newSyncServer(t)
	client := dialTestClient(t, srv)
	ctx := context.Background()

	summary, _, err := client.Create(ctx, "Brennan", []byte(`{"hp":12}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	state, err := client.Subscribe(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	state.Edit([]byte(`{"hp":7}`))

	if err := client.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	// The pending edit survives and commits against the preserved base.
	committed, err := client.Commit(ctx, summary.DocumentID)
	if err != nil {
		t.Fatalf("Commit after reconnect: %v", err)
	}
	if committed.Version != 2 {
		t.Fatalf("committed version = %d, want 2", committed.Version)
	}
}

func TestRequestsFailAfterClose(t *testing.T) {
	srv := newSyncServer(t)
	client := dialTestClient(t, srv)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, _, err := client.Create(context.Background(), "Brennan", []byte(`{}`))
	if !apperrors.Is(err, apperrors.CodeTransportClosed) {
		t.Fatalf("error = %v, want transport closed", err)
	}
}
