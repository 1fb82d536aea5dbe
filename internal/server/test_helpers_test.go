package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jamesrossjr/canvas-core/internal/collab"
)

const testReadTimeout = 2 * time.Second

type testServer struct {
	server  *httptest.Server
	manager *collab.Manager
	hub     *ConnectionHub
}

func newTestServer(t *testing.T, hubConfig HubConfig, sessions SessionValidator) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewConnectionHub(hubConfig)
	manager, err := collab.NewManager(collab.ManagerConfig{Sender: hub})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Manager: manager, Hub: hub, Sessions: sessions})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return &testServer{server: server, manager: manager, hub: hub}
}

func (s *testServer) websocketURL(query string) string {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	if query != "" {
		url += "?" + query
	}
	return url
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dialTestClient(t *testing.T, url string, header http.Header) *testClient {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	client := &testClient{t: t, conn: conn}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	connected, ok := client.read().(collab.Connected)
	if !ok || connected.ID == "" {
		t.Fatalf("expected connected acknowledgment first")
	}
	client.id = connected.ID
	return client
}

func (c *testClient) send(message collab.Message) {
	c.t.Helper()
	frame, err := collab.Encode(message)
	if err != nil {
		c.t.Fatalf("encode failed: %v", err)
	}
	c.sendRaw(frame)
}

func (c *testClient) sendRaw(frame []byte) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) read() collab.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	message, err := collab.DecodeOutbound(payload)
	if err != nil {
		c.t.Fatalf("decode failed for %s: %v", payload, err)
	}
	return message
}

func (c *testClient) join(workspaceID, name string) collab.WorkspaceState {
	c.t.Helper()
	c.send(collab.JoinWorkspace{WorkspaceID: workspaceID, User: collab.Participant{Name: name}})
	state, ok := c.read().(collab.WorkspaceState)
	if !ok {
		c.t.Fatalf("expected workspace-state after join")
	}
	return state
}

// expectSilence asserts that nothing arrives within the window.
func (c *testClient) expectSilence(window time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(window))
	_, payload, err := c.conn.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected no frame, got %s", payload)
	}
}

func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(testReadTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
