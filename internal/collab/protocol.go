package collab

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names used on the wire.
const (
	EventConnected       = "connected"
	EventJoinWorkspace   = "join-workspace"
	EventLeaveWorkspace  = "leave-workspace"
	EventBlockOperation  = "block-operation"
	EventCursorUpdate    = "cursor-update"
	EventSelectionChange = "selection-change"
	EventTypingStart     = "typing-start"
	EventTypingStop      = "typing-stop"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventWorkspaceState  = "workspace-state"
)

var (
	// ErrMalformedFrame indicates the frame envelope or its payload could not be decoded.
	ErrMalformedFrame = errors.New("collab: malformed frame")
	// ErrUnknownEvent indicates the frame carried an event name outside the catalogue.
	ErrUnknownEvent = errors.New("collab: unknown event")
)

// Message is a tagged payload; EventName is the tag.
type Message interface {
	EventName() string
}

// Frame is the JSON envelope of every WebSocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connected acknowledges a transport connection and carries the assigned id.
type Connected struct {
	ID string `json:"id"`
}

// JoinWorkspace asks the server to add the sender to a room.
type JoinWorkspace struct {
	WorkspaceID string      `json:"workspaceId"`
	User        Participant `json:"user"`
}

// LeaveWorkspace asks the server to remove the sender from a room.
type LeaveWorkspace struct {
	WorkspaceID string `json:"workspaceId"`
}

// CursorUpdate is the inbound cursor move.
type CursorUpdate struct {
	WorkspaceID string  `json:"workspaceId"`
	Cursor      *Cursor `json:"cursor"`
}

// SelectionChange is the inbound selection change; the selection shape is caller defined.
type SelectionChange struct {
	WorkspaceID string          `json:"workspaceId"`
	Selection   json.RawMessage `json:"selection"`
}

// TypingChange is the inbound typing-start or typing-stop event.
type TypingChange struct {
	Started     bool   `json:"-"`
	WorkspaceID string `json:"workspaceId"`
	BlockID     string `json:"blockId"`
}

// UserJoined announces a new participant to the rest of the room.
type UserJoined struct {
	User      Participant `json:"user"`
	Timestamp int64       `json:"timestamp"`
}

// UserLeft announces a departed participant to the rest of the room.
type UserLeft struct {
	UserID    string      `json:"userId"`
	User      Participant `json:"user"`
	Timestamp int64       `json:"timestamp"`
}

// WorkspaceState is sent to a joining connection only.
type WorkspaceState struct {
	Users          []Participant `json:"users"`
	ActiveDocument *string       `json:"activeDocument,omitempty"`
}

// CursorBroadcast is the relayed cursor move.
type CursorBroadcast struct {
	UserID    string  `json:"userId"`
	Cursor    *Cursor `json:"cursor"`
	Timestamp int64   `json:"timestamp"`
}

// SelectionBroadcast is the relayed selection change.
type SelectionBroadcast struct {
	UserID    string          `json:"userId"`
	Selection json.RawMessage `json:"selection"`
	Timestamp int64           `json:"timestamp"`
}

// TypingBroadcast is the relayed typing-start or typing-stop event.
type TypingBroadcast struct {
	Started   bool   `json:"-"`
	UserID    string `json:"userId"`
	BlockID   string `json:"blockId"`
	Timestamp int64  `json:"timestamp"`
}

func (Connected) EventName() string          { return EventConnected }
func (JoinWorkspace) EventName() string      { return EventJoinWorkspace }
func (LeaveWorkspace) EventName() string     { return EventLeaveWorkspace }
func (BlockOperation) EventName() string     { return EventBlockOperation }
func (CursorUpdate) EventName() string       { return EventCursorUpdate }
func (SelectionChange) EventName() string    { return EventSelectionChange }
func (UserJoined) EventName() string         { return EventUserJoined }
func (UserLeft) EventName() string           { return EventUserLeft }
func (WorkspaceState) EventName() string     { return EventWorkspaceState }
func (CursorBroadcast) EventName() string    { return EventCursorUpdate }
func (SelectionBroadcast) EventName() string { return EventSelectionChange }

func (m TypingChange) EventName() string {
	return typingEventName(m.Started)
}

func (m TypingBroadcast) EventName() string {
	return typingEventName(m.Started)
}

func typingEventName(started bool) string {
	if started {
		return EventTypingStart
	}
	return EventTypingStop
}

// Encode wraps a message into its wire frame.
func Encode(message Message) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("collab: encode %s: %w", message.EventName(), err)
	}
	return json.Marshal(Frame{Event: message.EventName(), Data: data})
}

// DecodeInbound parses a client-to-server frame into its typed message.
func DecodeInbound(raw []byte) (Message, error) {
	frame, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	switch frame.Event {
	case EventJoinWorkspace:
		return decodeInto[JoinWorkspace](frame)
	case EventLeaveWorkspace:
		return decodeInto[LeaveWorkspace](frame)
	case EventBlockOperation:
		return decodeInto[BlockOperation](frame)
	case EventCursorUpdate:
		return decodeInto[CursorUpdate](frame)
	case EventSelectionChange:
		return decodeInto[SelectionChange](frame)
	case EventTypingStart, EventTypingStop:
		message, err := decodeInto[TypingChange](frame)
		if err != nil {
			return nil, err
		}
		message.Started = frame.Event == EventTypingStart
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

// DecodeOutbound parses a server-to-client frame into its typed message.
func DecodeOutbound(raw []byte) (Message, error) {
	frame, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	switch frame.Event {
	case EventConnected:
		return decodeInto[Connected](frame)
	case EventUserJoined:
		return decodeInto[UserJoined](frame)
	case EventUserLeft:
		return decodeInto[UserLeft](frame)
	case EventWorkspaceState:
		return decodeInto[WorkspaceState](frame)
	case EventBlockOperation:
		return decodeInto[BlockOperation](frame)
	case EventCursorUpdate:
		return decodeInto[CursorBroadcast](frame)
	case EventSelectionChange:
		return decodeInto[SelectionBroadcast](frame)
	case EventTypingStart, EventTypingStop:
		message, err := decodeInto[TypingBroadcast](frame)
		if err != nil {
			return nil, err
		}
		message.Started = frame.Event == EventTypingStart
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return frame, nil
}

func decodeInto[T Message](frame Frame) (T, error) {
	var message T
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return message, nil
	}
	if err := json.Unmarshal(frame.Data, &message); err != nil {
		return message, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, frame.Event, err)
	}
	return message, nil
}
