package sandbox

import (
	"sort"
	"sync"
)

const defaultPeerBuffer = 64

// peer is one websocket connection. Frames are queued on send and written by
// the connection's writer goroutine; done is closed when the connection ends.
type peer struct {
	id          int64
	userID      string
	displayName string
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// deliver queues a frame without blocking; a peer that cannot keep up loses it.
func (p *peer) deliver(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks room membership and session participants across connections.
type Hub struct {
	mu           sync.RWMutex
	rooms        map[string]map[int64]*peer
	memberships  map[int64]map[string]struct{}
	participants map[string]map[string]map[int64]struct{}
	nextID       int64
	bufferSize   int
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:        make(map[string]map[int64]*peer),
		memberships:  make(map[int64]map[string]struct{}),
		participants: make(map[string]map[string]map[int64]struct{}),
		bufferSize:   defaultPeerBuffer,
	}
}

func (h *Hub) register(userID, displayName string) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	p := &peer{
		id:          h.nextID,
		userID:      userID,
		displayName: displayName,
		send:        make(chan []byte, h.bufferSize),
		done:        make(chan struct{}),
	}
	h.memberships[p.id] = make(map[string]struct{})
	return p
}

// unregister removes the peer everywhere and returns the sessions whose
// participant count changed, with their new counts.
func (h *Hub) unregister(p *peer) map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.memberships[p.id] {
		h.removeFromRoom(room, p.id)
	}
	delete(h.memberships, p.id)

	changed := make(map[string]int)
	for sessionID, users := range h.participants {
		peers := users[p.userID]
		if _, ok := peers[p.id]; !ok {
			continue
		}
		before := len(users)
		delete(peers, p.id)
		if len(peers) == 0 {
			delete(users, p.userID)
		}
		if len(users) != before {
			changed[sessionID] = len(users)
		}
		if len(users) == 0 {
			delete(h.participants, sessionID)
		}
	}
	p.close()
	return changed
}

// join adds the peer to a room; it reports false if it was already there.
func (h *Hub) join(p *peer, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.memberships[p.id]
	if !ok {
		return false
	}
	if _, joined := memberships[room]; joined {
		return false
	}
	memberships[room] = struct{}{}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[int64]*peer)
	}
	h.rooms[room][p.id] = p
	return true
}

// leave removes the peer from a room; it reports false if it was not there.
func (h *Hub) leave(p *peer, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships := h.memberships[p.id]
	if _, joined := memberships[room]; !joined {
		return false
	}
	delete(memberships, room)
	h.removeFromRoom(room, p.id)
	return true
}

func (h *Hub) removeFromRoom(room string, peerID int64) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// joinSession records the peer as a participant and returns the distinct user
// count and whether it changed.
func (h *Hub) joinSession(p *peer, sessionID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	users, ok := h.participants[sessionID]
	if !ok {
		users = make(map[string]map[int64]struct{})
		h.participants[sessionID] = users
	}
	before := len(users)
	peers, ok := users[p.userID]
	if !ok {
		peers = make(map[int64]struct{})
		users[p.userID] = peers
	}
	peers[p.id] = struct{}{}
	return len(users), len(users) != before
}

func (h *Hub) leaveSession(p *peer, sessionID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := h.participants[sessionID]
	peers := users[p.userID]
	if _, ok := peers[p.id]; !ok {
		return len(users), false
	}
	before := len(users)
	delete(peers, p.id)
	if len(peers) == 0 {
		delete(users, p.userID)
	}
	count := len(users)
	if count == 0 {
		delete(h.participants, sessionID)
	}
	return count, count != before
}

// ParticipantCount returns the number of distinct users in a session.
func (h *Hub) ParticipantCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.participants[sessionID])
}

// Rooms lists the rooms that currently have members.
func (h *Hub) Rooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// publish delivers a frame to every member of the room except skip.
func (h *Hub) publish(room string, frame []byte, skip *peer) int {
	h.mu.RLock()
	members := h.rooms[room]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0
	}
	copies := make([]*peer, 0, len(members))
	for _, member := range members {
		if skip != nil && member.id == skip.id {
			continue
		}
		copies = append(copies, member)
	}
	h.mu.RUnlock()
	delivered := 0
	for _, member := range copies {
		if member.deliver(frame) {
			delivered++
		}
	}
	return delivered
}
