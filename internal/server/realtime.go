package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jamesrossjr/canvas-core/internal/auth"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"go.uber.org/zap"
)

// OverflowPolicy decides what happens when a connection's outbound buffer is full.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued frame to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDisconnect closes the slow connection.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

const (
	defaultSendBuffer      = 64
	defaultMaxMessageBytes = 1 << 20
	defaultPingInterval    = 25 * time.Second
	defaultPingTimeout     = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
)

var (
	errNilDispatcher   = errors.New("realtime: dispatcher required")
	errHubShuttingDown = errors.New("realtime: hub shutting down")
)

// Dispatcher consumes decoded client messages and connection teardown.
// *collab.Manager satisfies it.
type Dispatcher interface {
	Handle(connectionID collab.ConnectionID, message collab.Message)
	Disconnect(connectionID collab.ConnectionID)
}

// HubConfig tunes the WebSocket transport.
type HubConfig struct {
	SendBuffer      int
	OverflowPolicy  OverflowPolicy
	MaxMessageBytes int64
	PingInterval    time.Duration
	PingTimeout     time.Duration
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	Logger          *zap.Logger
	NewID           func() (collab.ConnectionID, error)
}

// ConnectionHub owns the live WebSocket connections and implements collab.Sender.
type ConnectionHub struct {
	cfg      HubConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[collab.ConnectionID]*connection
	draining    bool
	// serving counts Serve calls that registered and have not finished teardown.
	serving sync.WaitGroup
}

type connection struct {
	id     collab.ConnectionID
	socket *websocket.Conn
	policy OverflowPolicy
	logger *zap.Logger

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	dropped int

	quit      chan struct{}
	closeCode int
	quitOnce  sync.Once
}

// NewConnectionHub returns a hub with defaults applied to unset fields.
func NewConnectionHub(cfg HubConfig) *ConnectionHub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.OverflowPolicy != OverflowDisconnect {
		cfg.OverflowPolicy = OverflowDropOldest
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = newConnectionID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &ConnectionHub{
		cfg:         cfg,
		logger:      logger,
		connections: make(map[collab.ConnectionID]*connection),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

func newConnectionID() (collab.ConnectionID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return collab.ConnectionID(id.String()), nil
}

// Send queues a frame for the connection. Unknown connections are ignored; a full
// buffer is handled according to the overflow policy. Send never blocks on the network.
func (h *ConnectionHub) Send(connectionID collab.ConnectionID, frame []byte) {
	h.mu.RLock()
	conn := h.connections[connectionID]
	h.mu.RUnlock()
	if conn == nil {
		return
	}
	conn.enqueue(frame)
}

// Len reports the number of live connections.
func (h *ConnectionHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close tells every live connection to go away. Teardown runs on each connection's
// own goroutine.
func (h *ConnectionHub) Close() {
	h.mu.RLock()
	connections := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		connections = append(connections, conn)
	}
	h.mu.RUnlock()
	for _, conn := range connections {
		conn.shutdown(websocket.CloseGoingAway)
	}
}

// Shutdown refuses new connections, closes the live ones and waits until each has
// been torn down through the dispatcher, or until ctx ends.
func (h *ConnectionHub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.Close()

	done := make(chan struct{})
	go func() {
		h.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve upgrades the request and runs the connection until it closes. The connection
// is announced with a connected frame carrying its id. When identity is non-nil it
// supplies the display name and avatar a join-workspace leaves empty.
func (h *ConnectionHub) Serve(w http.ResponseWriter, r *http.Request, dispatcher Dispatcher, identity *auth.Identity) error {
	if dispatcher == nil {
		return errNilDispatcher
	}
	connectionID, err := h.cfg.NewID()
	if err != nil {
		http.Error(w, "connection id unavailable", http.StatusInternalServerError)
		return err
	}
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return err
	}

	conn := &connection{
		id:        connectionID,
		socket:    socket,
		policy:    h.cfg.OverflowPolicy,
		logger:    h.logger.With(zap.String("connection_id", connectionID.String())),
		send:      make(chan []byte, h.cfg.SendBuffer),
		quit:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	if !h.register(conn) {
		closeFrame := websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReason(websocket.CloseGoingAway))
		_ = socket.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(h.cfg.WriteTimeout))
		_ = socket.Close()
		return errHubShuttingDown
	}
	defer h.serving.Done()

	ack, err := collab.Encode(collab.Connected{ID: connectionID.String()})
	if err == nil {
		conn.enqueue(ack)
	}
	conn.logger.Info("websocket connected", zap.String("remote_addr", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn)
	}()

	h.readPump(conn, dispatcher, identity)

	h.unregister(conn.id)
	dispatcher.Disconnect(conn.id)
	conn.shutdown(websocket.CloseNormalClosure)
	<-writerDone
	_ = socket.Close()

	conn.logger.Info("websocket disconnected", zap.Int("dropped_frames", conn.droppedFrames()))
	return nil
}

func (h *ConnectionHub) register(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.serving.Add(1)
	h.connections[conn.id] = conn
	return true
}

func (h *ConnectionHub) unregister(connectionID collab.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, connectionID)
}

func (h *ConnectionHub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", zap.String("origin", origin))
	return false
}

func (h *ConnectionHub) readPump(conn *connection, dispatcher Dispatcher, identity *auth.Identity) {
	socket := conn.socket
	socket.SetReadLimit(h.cfg.MaxMessageBytes)
	extendDeadline := func() {
		_ = socket.SetReadDeadline(time.Now().Add(h.cfg.PingTimeout))
	}
	extendDeadline()
	socket.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	for {
		_, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		extendDeadline()

		message, err := collab.DecodeInbound(payload)
		if err != nil {
			conn.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		if join, ok := message.(collab.JoinWorkspace); ok && identity != nil {
			message = withIdentityDefaults(join, *identity)
		}
		dispatcher.Handle(conn.id, message)
	}
}

func withIdentityDefaults(join collab.JoinWorkspace, identity auth.Identity) collab.JoinWorkspace {
	if strings.TrimSpace(join.User.Name) == "" {
		join.User.Name = identity.DisplayName
	}
	if strings.TrimSpace(join.User.Avatar) == "" {
		join.User.Avatar = identity.AvatarURL
	}
	return join
}

func (h *ConnectionHub) writePump(conn *connection) {
	socket := conn.socket
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		// unblocks the read pump when the writer gives up first
		_ = socket.Close()
	}()

	for {
		select {
		case frame := <-conn.send:
			_ = socket.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		case <-conn.quit:
			h.flush(conn)
			closeFrame := websocket.FormatCloseMessage(conn.closeCode, closeReason(conn.closeCode))
			_ = socket.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(h.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever is still queued when an orderly close is requested.
func (h *ConnectionHub) flush(conn *connection) {
	if conn.closeCode == websocket.ClosePolicyViolation {
		return
	}
	for {
		select {
		case frame := <-conn.send:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeReason(code int) string {
	switch code {
	case websocket.ClosePolicyViolation:
		return "send buffer overflow"
	case websocket.CloseGoingAway:
		return "server shutting down"
	default:
		return ""
	}
}

func (c *connection) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
		return
	default:
	}

	c.dropped++
	if c.policy == OverflowDisconnect {
		c.logger.Warn("send buffer full, disconnecting slow connection")
		c.closed = true
		c.signalQuit(websocket.ClosePolicyViolation)
		return
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
	c.logger.Debug("send buffer full, dropped oldest frame", zap.Int("dropped_frames", c.dropped))
}

func (c *connection) droppedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *connection) shutdown(code int) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signalQuit(code)
}

// signalQuit records the close code of the first shutdown request only.
func (c *connection) signalQuit(code int) {
	c.quitOnce.Do(func() {
		c.closeCode = code
		close(c.quit)
	})
}
