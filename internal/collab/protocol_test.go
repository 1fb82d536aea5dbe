package collab

import (
	"errors"
	"testing"
)

func TestDecodeInboundTypingEventsSetStarted(t *testing.T) {
	start, err := DecodeInbound([]byte(`{"event":"typing-start","data":{"workspaceId":"ws-1","blockId":"b1"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	typing, ok := start.(TypingChange)
	if !ok || !typing.Started || typing.BlockID != "b1" {
		t.Fatalf("unexpected typing-start message: %#v", start)
	}

	stop, err := DecodeInbound([]byte(`{"event":"typing-stop","data":{"workspaceId":"ws-1","blockId":"b1"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if stop.(TypingChange).Started {
		t.Fatalf("typing-stop decoded as started")
	}
	if stop.EventName() != EventTypingStop {
		t.Fatalf("unexpected event name %q", stop.EventName())
	}
}

func TestDecodeInboundRejectsBadFrames(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{name: "invalid json", raw: `{"event":`, wantErr: ErrMalformedFrame},
		{name: "missing event", raw: `{"data":{}}`, wantErr: ErrMalformedFrame},
		{name: "unknown event", raw: `{"event":"drop-table","data":{}}`, wantErr: ErrUnknownEvent},
		{name: "server only event", raw: `{"event":"workspace-state","data":{"users":[]}}`, wantErr: ErrUnknownEvent},
		{name: "payload type mismatch", raw: `{"event":"cursor-update","data":{"cursor":"north"}}`, wantErr: ErrMalformedFrame},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(testCase.raw))
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestDecodeInboundNullPayloadYieldsZeroValue(t *testing.T) {
	message, err := DecodeInbound([]byte(`{"event":"leave-workspace","data":null}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if leave, ok := message.(LeaveWorkspace); !ok || leave.WorkspaceID != "" {
		t.Fatalf("expected empty leave-workspace, got %#v", message)
	}
}

func TestEncodeWrapsEventEnvelope(t *testing.T) {
	frame, err := Encode(TypingBroadcast{Started: true, UserID: "p1", BlockID: "b1", Timestamp: 7})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	expected := `{"event":"typing-start","data":{"userId":"p1","blockId":"b1","timestamp":7}}`
	if string(frame) != expected {
		t.Fatalf("expected %s, got %s", expected, frame)
	}

	decoded, err := DecodeOutbound(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if broadcast := decoded.(TypingBroadcast); !broadcast.Started || broadcast.UserID != "p1" {
		t.Fatalf("unexpected decoded broadcast: %#v", broadcast)
	}
}

func TestDecodeOutboundConnectedAck(t *testing.T) {
	message, err := DecodeOutbound([]byte(`{"event":"connected","data":{"id":"conn-1"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if connected, ok := message.(Connected); !ok || connected.ID != "conn-1" {
		t.Fatalf("unexpected connected message: %#v", message)
	}
}

func TestDecodeInboundBlockOperationIsLenient(t *testing.T) {
	testCases := []struct {
		name          string
		raw           string
		wantTimestamp int64
	}{
		{name: "fractional timestamp", raw: `{"event":"block-operation","data":{"type":"block-update","workspaceId":"ws-1","blockId":"b1","timestamp":1700000000000.5}}`, wantTimestamp: 1700000000000},
		{name: "string timestamp", raw: `{"event":"block-operation","data":{"type":"block-update","workspaceId":"ws-1","blockId":"b1","timestamp":"soon"}}`, wantTimestamp: 0},
		{name: "missing timestamp", raw: `{"event":"block-operation","data":{"type":"block-update","workspaceId":"ws-1","blockId":"b1"}}`, wantTimestamp: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			message, err := DecodeInbound([]byte(testCase.raw))
			if err != nil {
				t.Fatalf("expected lenient decode, got %v", err)
			}
			operation := message.(BlockOperation)
			if operation.WorkspaceID != "ws-1" || operation.BlockID != "b1" || operation.Timestamp != testCase.wantTimestamp {
				t.Fatalf("unexpected operation: %#v", operation)
			}
		})
	}
}

func TestBlockOperationKeepsUnknownFields(t *testing.T) {
	message, err := DecodeInbound([]byte(`{"event":"block-operation","data":{"type":"block-update","workspaceId":"ws-1","blockId":7,"documentId":"doc-9","data":{"content":"hi"}}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	operation := message.(BlockOperation)
	if operation.BlockID != "" || string(operation.Extra["blockId"]) != "7" || string(operation.Extra["documentId"]) != `"doc-9"` {
		t.Fatalf("expected unexpected fields kept aside, got %#v", operation)
	}

	frame, err := Encode(operation)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	expected := `{"event":"block-operation","data":{"blockId":7,"data":{"content":"hi"},"documentId":"doc-9","timestamp":0,"type":"block-update","workspaceId":"ws-1"}}`
	if string(frame) != expected {
		t.Fatalf("unexpected frame:\n got %s\nwant %s", frame, expected)
	}
}
