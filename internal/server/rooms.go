package server

import "sync"

// documentHub tracks the live subscriber room per document.
//
// Rooms exist only while subscribers are attached; state is rebuilt from the
// store on subscribe, so losing a room loses nothing durable.
type documentHub struct {
	mu    sync.Mutex
	rooms map[string]*documentRoom
}

func newDocumentHub() *documentHub {
	return &documentHub{rooms: make(map[string]*documentRoom)}
}

func (h *documentHub) room(documentID string) *documentRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[documentID]
	if ok {
		return room
	}

	room = newDocumentRoom(documentID)
	h.rooms[documentID] = room
	return room
}

// drop removes an empty room so the hub does not accumulate entries for
// documents nobody watches anymore.
func (h *documentHub) drop(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[documentID]
	if !ok {
		return
	}
	room.mu.Lock()
	empty := len(room.subscribers) == 0
	room.mu.Unlock()
	if empty {
		delete(h.rooms, documentID)
	}
}

type documentRoom struct {
	mu          sync.Mutex
	documentID  string
	subscribers map[*wsPeer]struct{}
}

func newDocumentRoom(documentID string) *documentRoom {
	return &documentRoom{
		documentID:  documentID,
		subscribers: make(map[*wsPeer]struct{}),
	}
}

func (r *documentRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.subscribers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *documentRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.subscribers, peer)
	empty := len(r.subscribers) == 0
	r.mu.Unlock()
	return empty
}

// others returns every subscriber except the excluded peer. The snapshot is
// taken under the lock; frame writes happen outside it.
func (r *documentRoom) others(exclude *wsPeer) []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]*wsPeer, 0, len(r.subscribers))
	for peer := range r.subscribers {
		if peer == exclude {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}
