// Package collab implements the workspace rooms, presence and event relay of the
// realtime collaboration server.
package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds bounds.
	ErrInvalidWorkspaceID = errors.New("collab: invalid workspace id")
	// ErrInvalidConnectionID indicates that a connection identifier is empty or exceeds bounds.
	ErrInvalidConnectionID = errors.New("collab: invalid connection id")
)

// WorkspaceID identifies one collaboration room.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// ConnectionID is the transport identity assigned by the server. It doubles as the participant id.
type ConnectionID string

// NewConnectionID validates raw input and returns a ConnectionID.
func NewConnectionID(rawInput string) (ConnectionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConnectionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConnectionID, maxIdentifierLength)
	}
	return ConnectionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConnectionID) String() string {
	return string(id)
}

// Cursor is a participant's pointer position, optionally anchored to a block.
type Cursor struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	BlockID string  `json:"blockId,omitempty"`
}

// Participant is one connected user's ephemeral collaboration state.
type Participant struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Avatar        string  `json:"avatar,omitempty"`
	Cursor        *Cursor `json:"cursor,omitempty"`
	IsTyping      bool    `json:"isTyping"`
	TypingBlockID string  `json:"typingBlockId,omitempty"`
}

// clone returns a deep copy so callers never alias registry-owned cursors.
func (p Participant) clone() Participant {
	copied := p
	if p.Cursor != nil {
		cursor := *p.Cursor
		copied.Cursor = &cursor
	}
	return copied
}

// OperationType enumerates the kinds of block operation a client may relay.
// Values outside this set are relayed as-is.
type OperationType string

const (
	OperationBlockUpdate     OperationType = "block-update"
	OperationCursorMove      OperationType = "cursor-move"
	OperationUserJoin        OperationType = "user-join"
	OperationUserLeave       OperationType = "user-leave"
	OperationSelectionChange OperationType = "selection-change"
)

// BlockOperation is a single collaboratively relayed edit intent. Decoding is
// lenient: fields of an unexpected JSON type and fields outside the known set are
// kept in Extra and written back unchanged, so the relay passes them through.
type BlockOperation struct {
	Type        OperationType
	WorkspaceID string
	BlockID     string
	Data        json.RawMessage
	UserID      string
	Timestamp   int64
	Extra       map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *BlockOperation) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	decoded := BlockOperation{}
	keep := func(key string, value json.RawMessage) {
		if decoded.Extra == nil {
			decoded.Extra = make(map[string]json.RawMessage)
		}
		decoded.Extra[key] = value
	}
	for key, value := range fields {
		switch key {
		case "type":
			if text, ok := stringValue(value); ok {
				decoded.Type = OperationType(text)
			} else {
				keep(key, value)
			}
		case "workspaceId":
			if text, ok := stringValue(value); ok {
				decoded.WorkspaceID = text
			} else {
				keep(key, value)
			}
		case "blockId":
			if text, ok := stringValue(value); ok {
				decoded.BlockID = text
			} else {
				keep(key, value)
			}
		case "userId":
			decoded.UserID, _ = stringValue(value)
		case "timestamp":
			decoded.Timestamp = millisValue(value)
		case "data":
			if string(value) != "null" {
				decoded.Data = value
			}
		default:
			keep(key, value)
		}
	}
	*op = decoded
	return nil
}

// MarshalJSON implements json.Marshaler.
func (op BlockOperation) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(op.Extra)+6)
	for key, value := range op.Extra {
		fields[key] = value
	}
	if _, kept := op.Extra["type"]; !kept || op.Type != "" {
		fields["type"] = op.Type
	}
	if _, kept := op.Extra["workspaceId"]; !kept || op.WorkspaceID != "" {
		fields["workspaceId"] = op.WorkspaceID
	}
	if op.BlockID != "" {
		fields["blockId"] = op.BlockID
	}
	if len(op.Data) > 0 {
		fields["data"] = op.Data
	}
	if op.UserID != "" {
		fields["userId"] = op.UserID
	}
	fields["timestamp"] = op.Timestamp
	return json.Marshal(fields)
}

func stringValue(raw json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	return text, true
}

// millisValue reads a client timestamp. Fractions are truncated; anything that is
// not a number reads as zero since the relay overwrites it.
func millisValue(raw json.RawMessage) int64 {
	var number float64
	if err := json.Unmarshal(raw, &number); err != nil {
		return 0
	}
	return int64(number)
}

// TargetBlock returns the editable unit the operation touches. The top-level blockId wins;
// otherwise data.blockId is consulted. Undecodable data yields an empty target.
func (op BlockOperation) TargetBlock() string {
	if op.BlockID != "" {
		return op.BlockID
	}
	if len(op.Data) == 0 {
		return ""
	}
	var nested struct {
		BlockID string `json:"blockId"`
	}
	if err := json.Unmarshal(op.Data, &nested); err != nil {
		return ""
	}
	return nested.BlockID
}

// Stats summarises one room for operators.
type Stats struct {
	UserCount int           `json:"userCount"`
	Users     []Participant `json:"users"`
}
