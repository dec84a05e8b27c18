package client

import "sync"

// WorkingState tracks the local edit state for one subscribed document.
//
// BaseVersion is the server version local edits are built on. A commit sends
// BaseVersion as the expected parent; after an ack the state rebases onto the
// committed version. A conflict freezes commits until Resolve runs.
type WorkingState struct {
	mu             sync.Mutex
	baseVersion    uint64
	payload        []byte
	dirty          bool
	conflictHead   uint64
	inConflict     bool
	pendingAdvance uint64
}

func newWorkingState(baseVersion uint64, payload []byte) *WorkingState {
	return &WorkingState{
		baseVersion: baseVersion,
		payload:     payload,
	}
}

// Edit replaces the local payload and marks the state dirty. Edits are legal
// while a conflict is pending; only commits are blocked.
func (w *WorkingState) Edit(payload []byte) {
	w.mu.Lock()
	w.payload = payload
	w.dirty = true
	w.mu.Unlock()
}

// BaseVersion returns the version local edits are based on.
func (w *WorkingState) BaseVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseVersion
}

// Payload returns the current local payload.
func (w *WorkingState) Payload() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payload
}

// Dirty reports whether local edits exist that the server has not seen.
func (w *WorkingState) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// InConflict reports whether a commit was rejected and not yet resolved,
// along with the server head that caused the rejection.
func (w *WorkingState) InConflict() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conflictHead, w.inConflict
}

// PendingAdvance reports a server version that advanced past the base while
// local edits existed. The pull is deferred until the edits are committed or
// resolved.
func (w *WorkingState) PendingAdvance() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingAdvance, w.pendingAdvance > 0
}

// markSynced records a successful commit or restore at version.
func (w *WorkingState) markSynced(version uint64, payload []byte) {
	w.mu.Lock()
	w.baseVersion = version
	w.payload = payload
	w.dirty = false
	w.inConflict = false
	w.conflictHead = 0
	if version >= w.pendingAdvance {
		w.pendingAdvance = 0
	}
	w.mu.Unlock()
}

// notePendingAdvance remembers the newest broadcast version that could not be
// applied because local edits exist.
func (w *WorkingState) notePendingAdvance(version uint64) {
	w.mu.Lock()
	if version > w.pendingAdvance {
		w.pendingAdvance = version
	}
	w.mu.Unlock()
}

// applyAdvance adopts a newer server snapshot, but only while the state is
// still clean. Returns false when local edits or an unresolved conflict exist
// or the snapshot is not newer than the base.
func (w *WorkingState) applyAdvance(version uint64, payload []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirty || w.inConflict || version <= w.baseVersion {
		return false
	}
	w.baseVersion = version
	w.payload = payload
	if version >= w.pendingAdvance {
		w.pendingAdvance = 0
	}
	return true
}

// markConflict freezes commits until resolve rebases onto head.
func (w *WorkingState) markConflict(head uint64) {
	w.mu.Lock()
	w.inConflict = true
	w.conflictHead = head
	w.mu.Unlock()
}

// rebase moves the base onto the given server version, keeping the provided
// payload as the new local edit.
func (w *WorkingState) rebase(version uint64, payload []byte) {
	w.mu.Lock()
	w.baseVersion = version
	w.payload = payload
	w.dirty = true
	w.inConflict = false
	w.conflictHead = 0
	if version >= w.pendingAdvance {
		w.pendingAdvance = 0
	}
	w.mu.Unlock()
}
