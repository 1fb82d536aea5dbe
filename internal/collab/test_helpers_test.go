package collab

import (
	"sync"
	"testing"
	"time"
)

var testEpoch = time.UnixMilli(1700000000000).UTC()

type recordingSender struct {
	mu     sync.Mutex
	frames map[ConnectionID][][]byte
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(map[ConnectionID][][]byte)}
}

func (s *recordingSender) Send(connectionID ConnectionID, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := append([]byte(nil), frame...)
	s.frames[connectionID] = append(s.frames[connectionID], copied)
}

func (s *recordingSender) raw(connectionID ConnectionID) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames[connectionID]...)
}

func (s *recordingSender) messages(t *testing.T, connectionID ConnectionID) []Message {
	t.Helper()
	frames := s.raw(connectionID)
	messages := make([]Message, 0, len(frames))
	for _, frame := range frames {
		message, err := DecodeOutbound(frame)
		if err != nil {
			t.Fatalf("failed to decode frame %s: %v", frame, err)
		}
		messages = append(messages, message)
	}
	return messages
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = make(map[ConnectionID][][]byte)
}

type recordingSink struct {
	mu         sync.Mutex
	operations []BlockOperation
}

func (s *recordingSink) PublishOperation(operation BlockOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, operation)
}

type presenceEvent struct {
	workspaceID WorkspaceID
	connection  ConnectionID
	left        bool
	participant Participant
}

type recordingObserver struct {
	mu     sync.Mutex
	events []presenceEvent
}

func (o *recordingObserver) ParticipantChanged(workspaceID WorkspaceID, participant Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, presenceEvent{workspaceID: workspaceID, connection: ConnectionID(participant.ID), participant: participant})
}

func (o *recordingObserver) ParticipantLeft(workspaceID WorkspaceID, connectionID ConnectionID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, presenceEvent{workspaceID: workspaceID, connection: connectionID, left: true})
}

func fixedClock() time.Time {
	return testEpoch
}

// steppingClock advances by step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := current
		current = current.Add(step)
		return now
	}
}

func newTestManager(t *testing.T, sender *recordingSender) (*Manager, RoomStore) {
	t.Helper()
	store := NewMemoryStore()
	manager, err := NewManager(ManagerConfig{
		Store:  store,
		Sender: sender,
		Clock:  fixedClock,
	})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager, store
}

func mustWorkspaceID(t *testing.T, value string) WorkspaceID {
	t.Helper()
	id, err := NewWorkspaceID(value)
	if err != nil {
		t.Fatalf("unexpected workspace id error: %v", err)
	}
	return id
}
