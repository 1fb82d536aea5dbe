package collab

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingSender = errors.New("collab: sender dependency required")

// Sender delivers an encoded frame to one connection. Implementations must not block;
// a slow receiver is the transport's problem, not the relay's.
type Sender interface {
	Send(connectionID ConnectionID, frame []byte)
}

// PresenceObserver is notified of presence changes while the room is locked.
// Implementations must return immediately.
type PresenceObserver interface {
	ParticipantChanged(workspaceID WorkspaceID, participant Participant)
	ParticipantLeft(workspaceID WorkspaceID, connectionID ConnectionID)
}

// OperationSink receives every relayed block operation. Implementations must return immediately.
type OperationSink interface {
	PublishOperation(operation BlockOperation)
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store      RoomStore
	Sender     Sender
	Clock      func() time.Time
	Logger     *zap.Logger
	Presence   PresenceObserver
	Operations OperationSink
}

// Manager owns the set of active workspace rooms. Every event for a room is processed
// to completion under that room's lock, so mutation and broadcast form one step and all
// receivers observe a single order per room.
type Manager struct {
	store       RoomStore
	sender      Sender
	clock       func() time.Time
	logger      *zap.Logger
	presence    PresenceObserver
	operations  OperationSink
	memberships membershipIndex
}

// NewManager constructs a Manager; the in-memory store is used when none is supplied.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:       store,
		sender:      cfg.Sender,
		clock:       clock,
		logger:      logger,
		presence:    cfg.Presence,
		operations:  cfg.Operations,
		memberships: membershipIndex{byConnection: make(map[ConnectionID]map[WorkspaceID]struct{})},
	}, nil
}

// Join adds the connection to the workspace room, creating the room on first join.
// Rejoining overwrites the previous entry.
func (m *Manager) Join(connectionID ConnectionID, workspaceID WorkspaceID, info Participant) {
	for {
		room := m.store.GetOrCreate(workspaceID)
		room.mu.Lock()
		if room.closed {
			// lost a race with the last leave; the store already holds a fresh room or none
			room.mu.Unlock()
			continue
		}
		participant := room.presence.Put(connectionID, info)
		m.memberships.add(connectionID, workspaceID)

		m.broadcastLocked(room, connectionID, UserJoined{User: participant, Timestamp: m.stampLocked(room)})
		m.sendTo(connectionID, WorkspaceState{
			Users:          room.presence.Others(connectionID),
			ActiveDocument: optionalString(room.activeDocument),
		})
		if m.presence != nil {
			m.presence.ParticipantChanged(workspaceID, participant)
		}
		room.mu.Unlock()

		m.logger.Info("participant joined workspace",
			zap.String("workspace_id", workspaceID.String()),
			zap.String("connection_id", connectionID.String()),
			zap.String("name", participant.Name))
		return
	}
}

// Leave removes the connection from the workspace room. Unknown rooms and
// participants are ignored.
func (m *Manager) Leave(connectionID ConnectionID, workspaceID WorkspaceID) {
	room, ok := m.store.Get(workspaceID)
	if !ok {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return
	}
	m.removeLocked(room, connectionID)
}

// Disconnect performs Leave for every room the connection belongs to.
func (m *Manager) Disconnect(connectionID ConnectionID) {
	workspaces := m.memberships.list(connectionID)
	for _, workspaceID := range workspaces {
		m.Leave(connectionID, workspaceID)
	}
	m.memberships.forget(connectionID)
	m.logger.Debug("connection disconnected",
		zap.String("connection_id", connectionID.String()),
		zap.Int("rooms_left", len(workspaces)))
}

// Memberships lists the workspaces the connection currently belongs to.
func (m *Manager) Memberships(connectionID ConnectionID) []WorkspaceID {
	return m.memberships.list(connectionID)
}

// Stats summarises one room. Unknown rooms report zero users.
func (m *Manager) Stats(workspaceID WorkspaceID) Stats {
	room, ok := m.store.Get(workspaceID)
	if !ok {
		return Stats{Users: []Participant{}}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return Stats{Users: []Participant{}}
	}
	return Stats{UserCount: room.presence.Len(), Users: room.presence.Snapshot()}
}

// SetActiveDocument records the document currently open in the room. It reports
// false when the room does not exist.
func (m *Manager) SetActiveDocument(workspaceID WorkspaceID, documentID string) bool {
	room, ok := m.store.Get(workspaceID)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return false
	}
	room.activeDocument = documentID
	return true
}

// Workspaces lists the ids of all live rooms in ascending order.
func (m *Manager) Workspaces() []WorkspaceID {
	ids := make([]WorkspaceID, 0, m.store.Len())
	m.store.Range(func(room *Room) bool {
		ids = append(ids, room.id)
		return true
	})
	return ids
}

func (m *Manager) removeLocked(room *Room, connectionID ConnectionID) {
	participant, ok := room.presence.Remove(connectionID)
	if !ok {
		return
	}
	m.memberships.remove(connectionID, room.id)
	m.broadcastLocked(room, connectionID, UserLeft{
		UserID:    connectionID.String(),
		User:      participant,
		Timestamp: m.stampLocked(room),
	})
	if m.presence != nil {
		m.presence.ParticipantLeft(room.id, connectionID)
	}
	if room.presence.Len() == 0 {
		room.closed = true
		m.store.Delete(room.id, room)
		m.logger.Debug("workspace room closed", zap.String("workspace_id", room.id.String()))
	}
	m.logger.Info("participant left workspace",
		zap.String("workspace_id", room.id.String()),
		zap.String("connection_id", connectionID.String()),
		zap.String("name", participant.Name))
}

// broadcastLocked encodes once and fans the frame out to every participant but excluded.
func (m *Manager) broadcastLocked(room *Room, excluded ConnectionID, message Message) {
	frame, err := Encode(message)
	if err != nil {
		m.logger.Error("failed to encode broadcast",
			zap.String("event", message.EventName()),
			zap.String("workspace_id", room.id.String()),
			zap.Error(err))
		return
	}
	for _, id := range room.presence.IDs() {
		if id == excluded {
			continue
		}
		m.sender.Send(id, frame)
	}
}

func (m *Manager) sendTo(connectionID ConnectionID, message Message) {
	frame, err := Encode(message)
	if err != nil {
		m.logger.Error("failed to encode message",
			zap.String("event", message.EventName()),
			zap.String("connection_id", connectionID.String()),
			zap.Error(err))
		return
	}
	m.sender.Send(connectionID, frame)
}

// stampLocked returns the server timestamp for the next event in the room.
func (m *Manager) stampLocked(room *Room) int64 {
	return room.clock.next(m.clock())
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}

// membershipIndex maps each connection to the rooms it has joined, so disconnect
// touches only those rooms instead of scanning the store.
type membershipIndex struct {
	mu           sync.Mutex
	byConnection map[ConnectionID]map[WorkspaceID]struct{}
}

func (idx *membershipIndex) add(connectionID ConnectionID, workspaceID WorkspaceID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rooms := idx.byConnection[connectionID]
	if rooms == nil {
		rooms = make(map[WorkspaceID]struct{})
		idx.byConnection[connectionID] = rooms
	}
	rooms[workspaceID] = struct{}{}
}

func (idx *membershipIndex) remove(connectionID ConnectionID, workspaceID WorkspaceID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rooms := idx.byConnection[connectionID]
	if rooms == nil {
		return
	}
	delete(rooms, workspaceID)
	if len(rooms) == 0 {
		delete(idx.byConnection, connectionID)
	}
}

func (idx *membershipIndex) list(connectionID ConnectionID) []WorkspaceID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	rooms := idx.byConnection[connectionID]
	ids := make([]WorkspaceID, 0, len(rooms))
	for id := range rooms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (idx *membershipIndex) forget(connectionID ConnectionID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byConnection, connectionID)
}
