package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"github.com/jamesrossjr/canvas-core/internal/server"
)

const testTimeout = 2 * time.Second

type collabServer struct {
	url     string
	manager *collab.Manager
	hub     *server.ConnectionHub
}

func newCollabServer(t *testing.T) *collabServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := server.NewConnectionHub(server.HubConfig{})
	manager, err := collab.NewManager(collab.ManagerConfig{Sender: hub})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{Manager: manager, Hub: hub})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		httpServer.Close()
	})
	return &collabServer{
		url:     "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		manager: manager,
		hub:     hub,
	}
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.WorkspaceID == "" {
		cfg.WorkspaceID = "ws-1"
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 20 * time.Millisecond
	}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}
	t.Cleanup(session.Disconnect)
	return session
}

// subscribe forwards every event with the given name to a buffered channel.
func subscribe(session *Session, event string) <-chan collab.Message {
	events := make(chan collab.Message, 32)
	session.On(event, func(message collab.Message) {
		select {
		case events <- message:
		default:
		}
	})
	return events
}

func receive(t *testing.T, events <-chan collab.Message, description string) collab.Message {
	t.Helper()
	select {
	case message := <-events:
		return message
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", description)
		return nil
	}
}

func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

// connectAndJoin connects the session and waits until the server reports it in the room.
func connectAndJoin(t *testing.T, session *Session, name string) {
	t.Helper()
	states := subscribe(session, collab.EventWorkspaceState)
	session.Connect(context.Background(), collab.Participant{Name: name})
	receive(t, states, name+" workspace-state")
}

func TestNewSessionValidatesConfig(t *testing.T) {
	if _, err := NewSession(Config{WorkspaceID: "ws-1"}); !errors.Is(err, errMissingServerURL) {
		t.Fatalf("expected missing url error, got %v", err)
	}
	if _, err := NewSession(Config{ServerURL: "ws://localhost"}); !errors.Is(err, collab.ErrInvalidWorkspaceID) {
		t.Fatalf("expected invalid workspace error, got %v", err)
	}
	session, err := NewSession(Config{ServerURL: "ws://localhost", WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.cfg.ReconnectAttempts != defaultReconnectAttempts || session.cfg.ReconnectDelay != defaultReconnectDelay {
		t.Fatalf("expected reconnect defaults, got %d %s", session.cfg.ReconnectAttempts, session.cfg.ReconnectDelay)
	}
	disabled, _ := NewSession(Config{ServerURL: "ws://localhost", WorkspaceID: "ws-1", ReconnectAttempts: -1})
	if disabled.cfg.ReconnectAttempts != 0 {
		t.Fatalf("negative attempts must disable reconnection")
	}
	if session.State() != StateDisconnected || session.State().String() != "disconnected" {
		t.Fatalf("expected fresh session to be disconnected")
	}
}

func TestSessionJoinBuildsLocalView(t *testing.T) {
	srv := newCollabServer(t)
	ada := newTestSession(t, Config{ServerURL: srv.url})
	grace := newTestSession(t, Config{ServerURL: srv.url})

	connectAndJoin(t, ada, "Ada")
	if !ada.IsConnected() || ada.ConnectionID() == "" {
		t.Fatalf("expected ada to be connected with an id")
	}
	if ada.IsCollaborating() || ada.UserCount() != 1 {
		t.Fatalf("alone in the room: collaborating=%v count=%d", ada.IsCollaborating(), ada.UserCount())
	}
	current, ok := ada.CurrentUser()
	if !ok || current.ID != ada.ConnectionID() || current.Name != "Ada" {
		t.Fatalf("unexpected current user: %#v", current)
	}

	joins := subscribe(ada, collab.EventUserJoined)
	connectAndJoin(t, grace, "Grace")
	receive(t, joins, "grace join on ada")

	users := ada.ConnectedUsers()
	if len(users) != 1 || users[0].Name != "Grace" || users[0].ID != grace.ConnectionID() {
		t.Fatalf("unexpected users on ada: %#v", users)
	}
	users = grace.ConnectedUsers()
	if len(users) != 1 || users[0].Name != "Ada" {
		t.Fatalf("unexpected users on grace: %#v", users)
	}
	if !grace.IsCollaborating() || grace.UserCount() != 2 {
		t.Fatalf("expected grace to collaborate with two users, got %d", grace.UserCount())
	}
	if stats := srv.manager.Stats("ws-1"); stats.UserCount != 2 {
		t.Fatalf("expected two participants on the server, got %d", stats.UserCount)
	}
}

func TestSessionRelaysPresenceIntoView(t *testing.T) {
	srv := newCollabServer(t)
	ada := newTestSession(t, Config{ServerURL: srv.url})
	grace := newTestSession(t, Config{ServerURL: srv.url})
	connectAndJoin(t, ada, "Ada")
	connectAndJoin(t, grace, "Grace")

	cursors := subscribe(grace, collab.EventCursorUpdate)
	if !ada.UpdateCursor(collab.Cursor{X: 4, Y: 2, BlockID: "b1"}) {
		t.Fatalf("expected cursor send to succeed")
	}
	broadcast := receive(t, cursors, "cursor relay").(collab.CursorBroadcast)
	if broadcast.UserID != ada.ConnectionID() || broadcast.Timestamp <= 0 {
		t.Fatalf("unexpected cursor broadcast: %#v", broadcast)
	}
	if users := grace.ConnectedUsers(); users[0].Cursor == nil || users[0].Cursor.X != 4 {
		t.Fatalf("expected cursor applied to the view, got %#v", users[0])
	}
	if current, _ := ada.CurrentUser(); current.Cursor == nil || current.Cursor.BlockID != "b1" {
		t.Fatalf("expected local cursor to be recorded")
	}

	starts := subscribe(grace, collab.EventTypingStart)
	stops := subscribe(grace, collab.EventTypingStop)
	ada.StartTyping("b1")
	receive(t, starts, "typing-start")
	if users := grace.ConnectedUsers(); !users[0].IsTyping || users[0].TypingBlockID != "b1" {
		t.Fatalf("expected typing state, got %#v", users[0])
	}
	ada.StopTyping("b1")
	receive(t, stops, "typing-stop")
	if users := grace.ConnectedUsers(); users[0].IsTyping || users[0].TypingBlockID != "" {
		t.Fatalf("expected typing cleared, got %#v", users[0])
	}

	selections := subscribe(grace, collab.EventSelectionChange)
	ada.UpdateSelection(json.RawMessage(`{"start":1,"end":3}`))
	selection := receive(t, selections, "selection relay").(collab.SelectionBroadcast)
	if string(selection.Selection) != `{"start":1,"end":3}` {
		t.Fatalf("unexpected selection: %s", selection.Selection)
	}
}

func TestSessionBlockOperationHandlersAndOff(t *testing.T) {
	srv := newCollabServer(t)
	ada := newTestSession(t, Config{ServerURL: srv.url, Clock: func() time.Time { return time.UnixMilli(5) }})
	grace := newTestSession(t, Config{ServerURL: srv.url})
	connectAndJoin(t, ada, "Ada")
	connectAndJoin(t, grace, "Grace")

	removed := make(chan collab.Message, 1)
	id := grace.On(collab.EventBlockOperation, func(message collab.Message) { removed <- message })
	operations := subscribe(grace, collab.EventBlockOperation)
	if !grace.Off(collab.EventBlockOperation, id) {
		t.Fatalf("expected registration to be removed")
	}
	if grace.Off(collab.EventBlockOperation, id) {
		t.Fatalf("second removal must report false")
	}

	sent, ok := ada.SendBlockOperation(collab.OperationBlockUpdate, "b1", json.RawMessage(`{"content":"hi"}`))
	if !ok || sent.Timestamp != 5 || sent.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected local operation: %#v", sent)
	}
	relayed := receive(t, operations, "block-operation").(collab.BlockOperation)
	if relayed.UserID != ada.ConnectionID() || relayed.BlockID != "b1" || relayed.Timestamp == 5 {
		t.Fatalf("expected server identity and timestamp, got %#v", relayed)
	}
	select {
	case <-removed:
		t.Fatalf("removed handler must not fire")
	default:
	}
}

func TestSessionSendsAreDroppedWhileDisconnected(t *testing.T) {
	session, err := NewSession(Config{ServerURL: "ws://127.0.0.1:1/ws", WorkspaceID: "ws-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := session.SendBlockOperation(collab.OperationBlockUpdate, "b1", nil); ok {
		t.Fatalf("block operation must not be sent while disconnected")
	}
	if session.UpdateCursor(collab.Cursor{}) || session.StartTyping("b1") || session.StopTyping("b1") ||
		session.UpdateSelection(nil) || session.Rejoin() {
		t.Fatalf("sends must report false while disconnected")
	}
	if session.UserCount() != 0 {
		t.Fatalf("expected no users before connect")
	}
}

func TestSessionDisconnectLeavesWorkspace(t *testing.T) {
	srv := newCollabServer(t)
	ada := newTestSession(t, Config{ServerURL: srv.url})
	grace := newTestSession(t, Config{ServerURL: srv.url})
	connectAndJoin(t, ada, "Ada")
	connectAndJoin(t, grace, "Grace")

	lefts := subscribe(grace, collab.EventUserLeft)
	adaID := ada.ConnectionID()
	ada.Disconnect()

	left := receive(t, lefts, "user-left").(collab.UserLeft)
	if left.UserID != adaID {
		t.Fatalf("expected ada to leave, got %#v", left)
	}
	if ada.State() != StateDisconnected || ada.UserCount() != 0 || len(ada.ConnectedUsers()) != 0 {
		t.Fatalf("expected local view cleared after disconnect")
	}
	if _, ok := ada.CurrentUser(); ok {
		t.Fatalf("current user must be cleared")
	}
	waitFor(t, func() bool { return len(grace.ConnectedUsers()) == 0 }, "grace to drop ada")
}

func TestSessionReconnectDoesNotRejoinByDefault(t *testing.T) {
	srv := newCollabServer(t)
	ada := newTestSession(t, Config{ServerURL: srv.url})
	connectAndJoin(t, ada, "Ada")
	firstID := ada.ConnectionID()

	disconnects := subscribe(ada, EventDisconnected)
	connects := subscribe(ada, collab.EventConnected)
	srv.hub.Close()

	lost := receive(t, disconnects, "disconnected").(Disconnected)
	if lost.Final {
		t.Fatalf("first loss must not be final")
	}
	receive(t, connects, "reconnect ack")
	waitFor(t, func() bool { return ada.IsConnected() && ada.ConnectionID() != firstID }, "new connection id")
	time.Sleep(50 * time.Millisecond)
	if stats := srv.manager.Stats("ws-1"); stats.UserCount != 0 {
		t.Fatalf("expected no automatic rejoin, got %d participants", stats.UserCount)
	}

	states := subscribe(ada, collab.EventWorkspaceState)
	if !ada.Rejoin() {
		t.Fatalf("expected explicit rejoin to send")
	}
	receive(t, states, "rejoin state")
	if stats := srv.manager.Stats("ws-1"); stats.UserCount != 1 || stats.Users[0].ID != ada.ConnectionID() {
		t.Fatalf("expected rejoined participant, got %#v", stats)
	}
}

func TestSessionAutoRejoinAfterReconnect(t *testing.T) {
	srv := newCollabServer(t)
	ada := newTestSession(t, Config{ServerURL: srv.url, AutoRejoin: true})
	connectAndJoin(t, ada, "Ada")
	firstID := ada.ConnectionID()

	states := subscribe(ada, collab.EventWorkspaceState)
	srv.hub.Close()

	receive(t, states, "automatic rejoin")
	stats := srv.manager.Stats("ws-1")
	if stats.UserCount != 1 || stats.Users[0].ID == firstID || stats.Users[0].Name != "Ada" {
		t.Fatalf("expected ada rejoined under a new id, got %#v", stats)
	}
}

func TestSessionGivesUpAfterReconnectAttempts(t *testing.T) {
	closed := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(closed.URL, "http") + "/ws"
	closed.Close()

	session := newTestSession(t, Config{ServerURL: url, ReconnectAttempts: 2, ReconnectDelay: 5 * time.Millisecond})
	disconnects := subscribe(session, EventDisconnected)
	session.Connect(context.Background(), collab.Participant{Name: "Ada"})

	for attempt := 1; attempt <= 3; attempt++ {
		lost := receive(t, disconnects, "dial failure").(Disconnected)
		if lost.Err == nil {
			t.Fatalf("expected dial error on attempt %d", attempt)
		}
		if lost.Final != (attempt == 3) {
			t.Fatalf("attempt %d: unexpected final=%v", attempt, lost.Final)
		}
	}
	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected after giving up, got %s", session.State())
	}
	session.Connect(context.Background(), collab.Participant{Name: "Ada"})
	receive(t, disconnects, "restarted loop")
}
