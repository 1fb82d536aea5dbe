package collab

import (
	"sort"
	"sync"
)

// Room is the set of participants collaborating on one workspace.
// All reads and writes of its fields happen while mu is held.
type Room struct {
	id             WorkspaceID
	mu             sync.Mutex
	presence       *PresenceRegistry
	activeDocument string
	clock          roomClock
	closed         bool
}

func newRoom(id WorkspaceID) *Room {
	return &Room{
		id:       id,
		presence: NewPresenceRegistry(),
	}
}

// ID returns the workspace the room belongs to.
func (r *Room) ID() WorkspaceID {
	return r.id
}

// RoomStore holds the live rooms. Implementations must be safe for concurrent use.
type RoomStore interface {
	// GetOrCreate returns the room for id, creating an empty one when absent.
	GetOrCreate(id WorkspaceID) *Room
	// Get returns the room for id when present.
	Get(id WorkspaceID) (*Room, bool)
	// Delete removes the mapping only while it still points at room.
	Delete(id WorkspaceID, room *Room)
	// Range visits rooms until fn returns false.
	Range(fn func(room *Room) bool)
	// Len reports the number of live rooms.
	Len() int
}

type memoryStore struct {
	mu    sync.RWMutex
	rooms map[WorkspaceID]*Room
}

// NewMemoryStore returns the in-process RoomStore.
func NewMemoryStore() RoomStore {
	return &memoryStore{rooms: make(map[WorkspaceID]*Room)}
}

func (s *memoryStore) GetOrCreate(id WorkspaceID) *Room {
	s.mu.RLock()
	room := s.rooms[id]
	s.mu.RUnlock()
	if room != nil {
		return room
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if room = s.rooms[id]; room == nil {
		room = newRoom(id)
		s.rooms[id] = room
	}
	return room
}

func (s *memoryStore) Get(id WorkspaceID) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	return room, ok
}

func (s *memoryStore) Delete(id WorkspaceID, room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.rooms[id]; ok && current == room {
		delete(s.rooms, id)
	}
}

func (s *memoryStore) Range(fn func(room *Room) bool) {
	s.mu.RLock()
	ids := make([]WorkspaceID, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	rooms := make(map[WorkspaceID]*Room, len(s.rooms))
	for id, room := range s.rooms {
		rooms[id] = room
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !fn(rooms[id]) {
			return
		}
	}
}

func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
