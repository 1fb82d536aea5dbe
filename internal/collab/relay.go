package collab

import (
	"go.uber.org/zap"
)

// Handle dispatches one decoded inbound message from connectionID. It never fails:
// events for unknown rooms or participants are dropped, since rooms can disappear
// while events are still in flight.
func (m *Manager) Handle(connectionID ConnectionID, message Message) {
	switch msg := message.(type) {
	case JoinWorkspace:
		if workspaceID, ok := m.workspaceOf(connectionID, msg.WorkspaceID, msg.EventName()); ok {
			m.Join(connectionID, workspaceID, msg.User)
		}
	case LeaveWorkspace:
		if workspaceID, ok := m.workspaceOf(connectionID, msg.WorkspaceID, msg.EventName()); ok {
			m.Leave(connectionID, workspaceID)
		}
	case BlockOperation:
		m.relayBlockOperation(connectionID, msg)
	case CursorUpdate:
		m.relayCursor(connectionID, msg)
	case SelectionChange:
		m.relaySelection(connectionID, msg)
	case TypingChange:
		m.relayTyping(connectionID, msg)
	default:
		m.logger.Debug("ignoring unsupported inbound event",
			zap.String("connection_id", connectionID.String()),
			zap.String("event", message.EventName()))
	}
}

func (m *Manager) relayBlockOperation(connectionID ConnectionID, operation BlockOperation) {
	room, ok := m.lockRoom(connectionID, operation.WorkspaceID, EventBlockOperation)
	if !ok {
		return
	}
	defer room.mu.Unlock()

	operation.WorkspaceID = room.id.String()
	operation.UserID = connectionID.String()
	operation.Timestamp = m.stampLocked(room)
	m.broadcastLocked(room, connectionID, operation)
	if m.operations != nil {
		m.operations.PublishOperation(operation)
	}
	m.logger.Debug("block operation relayed",
		zap.String("workspace_id", room.id.String()),
		zap.String("type", string(operation.Type)))
}

func (m *Manager) relayCursor(connectionID ConnectionID, update CursorUpdate) {
	room, ok := m.lockRoom(connectionID, update.WorkspaceID, EventCursorUpdate)
	if !ok {
		return
	}
	defer room.mu.Unlock()

	participant, ok := room.presence.SetCursor(connectionID, update.Cursor)
	if !ok {
		return
	}
	m.broadcastLocked(room, connectionID, CursorBroadcast{
		UserID:    connectionID.String(),
		Cursor:    participant.Cursor,
		Timestamp: m.stampLocked(room),
	})
	if m.presence != nil {
		m.presence.ParticipantChanged(room.id, participant)
	}
}

func (m *Manager) relaySelection(connectionID ConnectionID, change SelectionChange) {
	room, ok := m.lockRoom(connectionID, change.WorkspaceID, EventSelectionChange)
	if !ok {
		return
	}
	defer room.mu.Unlock()

	m.broadcastLocked(room, connectionID, SelectionBroadcast{
		UserID:    connectionID.String(),
		Selection: change.Selection,
		Timestamp: m.stampLocked(room),
	})
}

func (m *Manager) relayTyping(connectionID ConnectionID, change TypingChange) {
	room, ok := m.lockRoom(connectionID, change.WorkspaceID, change.EventName())
	if !ok {
		return
	}
	defer room.mu.Unlock()

	participant, ok := room.presence.SetTyping(connectionID, change.Started, change.BlockID)
	if !ok {
		return
	}
	m.broadcastLocked(room, connectionID, TypingBroadcast{
		Started:   change.Started,
		UserID:    connectionID.String(),
		BlockID:   change.BlockID,
		Timestamp: m.stampLocked(room),
	})
	if m.presence != nil {
		m.presence.ParticipantChanged(room.id, participant)
	}
}

// lockRoom resolves and locks the addressed room. The caller unlocks on success.
func (m *Manager) lockRoom(connectionID ConnectionID, rawWorkspaceID, event string) (*Room, bool) {
	workspaceID, ok := m.workspaceOf(connectionID, rawWorkspaceID, event)
	if !ok {
		return nil, false
	}
	room, ok := m.store.Get(workspaceID)
	if !ok {
		m.logger.Debug("dropping event for unknown workspace",
			zap.String("connection_id", connectionID.String()),
			zap.String("workspace_id", workspaceID.String()),
			zap.String("event", event))
		return nil, false
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil, false
	}
	return room, true
}

func (m *Manager) workspaceOf(connectionID ConnectionID, raw, event string) (WorkspaceID, bool) {
	workspaceID, err := NewWorkspaceID(raw)
	if err != nil {
		m.logger.Debug("dropping event with invalid workspace id",
			zap.String("connection_id", connectionID.String()),
			zap.String("event", event),
			zap.Error(err))
		return "", false
	}
	return workspaceID, true
}
