package server

import (
	"encoding/json"
	"sync"
)

// wsPeer serializes frame writes to one websocket connection. Broadcasts and
// request replies share the encoder, so writes must not interleave.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// wsSession tracks one connection's identity and its document subscriptions.
type wsSession struct {
	mu     sync.Mutex
	userID string
	peer   *wsPeer
	rooms  map[string]*documentRoom
}

func newWSSession(userID string, peer *wsPeer) *wsSession {
	return &wsSession{
		userID: userID,
		peer:   peer,
		rooms:  make(map[string]*documentRoom),
	}
}

func (s *wsSession) room(documentID string) *documentRoom {
	s.mu.Lock()
	room := s.rooms[documentID]
	s.mu.Unlock()
	return room
}

func (s *wsSession) addRoom(room *documentRoom) {
	s.mu.Lock()
	s.rooms[room.documentID] = room
	s.mu.Unlock()
}

func (s *wsSession) removeRoom(documentID string) *documentRoom {
	s.mu.Lock()
	room := s.rooms[documentID]
	delete(s.rooms, documentID)
	s.mu.Unlock()
	return room
}

func (s *wsSession) allRooms() []*documentRoom {
	s.mu.Lock()
	rooms := make([]*documentRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()
	return rooms
}
