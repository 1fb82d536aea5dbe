// Package client is a Go facade over the collaboration WebSocket protocol. A Session
// keeps one connection to one workspace, maintains a local view of the other
// participants and fans server events out to registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jamesrossjr/canvas-core/internal/collab"
	"go.uber.org/zap"
)

const (
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	defaultWriteTimeout      = 10 * time.Second
)

var (
	errMissingServerURL   = errors.New("client: server url required")
	errReconnectExhausted = errors.New("client: reconnect attempts exhausted")
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config describes a Session. ReconnectAttempts of zero selects the default; a
// negative value disables reconnection.
type Config struct {
	ServerURL         string
	WorkspaceID       collab.WorkspaceID
	Header            http.Header
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	// AutoRejoin re-sends join-workspace after every reconnect, not only the first connect.
	AutoRejoin bool
	Dialer     *websocket.Dialer
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Session is the client side of one workspace collaboration.
type Session struct {
	cfg      Config
	logger   *zap.Logger
	handlers *handlerRegistry

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	currentUser  *collab.Participant
	users        map[string]collab.Participant
	order        []string
	joined       bool
	cancel       context.CancelFunc

	writeMu sync.Mutex
}

// NewSession validates the configuration. No connection is made until Connect.
func NewSession(cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, errMissingServerURL
	}
	if _, err := collab.NewWorkspaceID(cfg.WorkspaceID.String()); err != nil {
		return nil, err
	}
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With(zap.String("workspace_id", cfg.WorkspaceID.String())),
		handlers: newHandlerRegistry(),
		users:    make(map[string]collab.Participant),
	}, nil
}

// Connect starts the connection loop for the given user. It returns immediately;
// observe the connected event or State for progress. Calling Connect while a loop is
// already running is a no-op.
func (s *Session) Connect(ctx context.Context, user collab.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = StateConnecting
	s.joined = false
	s.connectionID = ""
	current := user
	current.ID = ""
	s.currentUser = &current
	go s.run(runCtx)
}

// Disconnect sends leave-workspace if connected, closes the transport and clears the
// local view. It is safe to call from a handler.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.conn = nil
	s.state = StateDisconnected
	s.connectionID = ""
	s.currentUser = nil
	s.clearUsersLocked()
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if connected {
		if err := s.write(conn, collab.LeaveWorkspace{WorkspaceID: s.cfg.WorkspaceID.String()}); err != nil {
			s.logger.Debug("leave-workspace not delivered", zap.Error(err))
		}
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.cfg.WriteTimeout))
	s.writeMu.Unlock()
	_ = conn.Close()
}

// On registers a handler for a server event name or EventDisconnected.
func (s *Session) On(event string, handler Handler) HandlerID {
	return s.handlers.add(event, handler)
}

// Off removes a handler registration.
func (s *Session) Off(event string, id HandlerID) bool {
	return s.handlers.remove(event, id)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the server acknowledged the current connection.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// ConnectionID returns the id assigned by the server, empty while not connected.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// CurrentUser returns the local participant, if Connect has been called.
func (s *Session) CurrentUser() (collab.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return collab.Participant{}, false
	}
	return cloneParticipant(*s.currentUser), true
}

// ConnectedUsers returns the other participants in the order they became known.
func (s *Session) ConnectedUsers() []collab.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]collab.Participant, 0, len(s.order))
	for _, id := range s.order {
		users = append(users, cloneParticipant(s.users[id]))
	}
	return users
}

// IsCollaborating reports whether the session is connected with at least one other participant.
func (s *Session) IsCollaborating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && len(s.users) > 0
}

// UserCount counts the other participants plus the local user.
func (s *Session) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.users)
	if s.currentUser != nil {
		count++
	}
	return count
}

// Rejoin re-sends join-workspace on the current connection.
func (s *Session) Rejoin() bool {
	s.mu.Lock()
	if s.currentUser == nil {
		s.mu.Unlock()
		return false
	}
	join := collab.JoinWorkspace{WorkspaceID: s.cfg.WorkspaceID.String(), User: cloneParticipant(*s.currentUser)}
	s.mu.Unlock()
	return s.emit(join)
}

// SendBlockOperation relays an operation to the other participants. The returned
// operation carries the local pre-send timestamp; the server replaces it on relay.
func (s *Session) SendBlockOperation(operationType collab.OperationType, blockID string, data json.RawMessage) (collab.BlockOperation, bool) {
	operation := collab.BlockOperation{
		Type:        operationType,
		WorkspaceID: s.cfg.WorkspaceID.String(),
		BlockID:     blockID,
		Data:        data,
		Timestamp:   s.cfg.Clock().UnixMilli(),
	}
	return operation, s.emit(operation)
}

// UpdateCursor records the local cursor and relays it.
func (s *Session) UpdateCursor(cursor collab.Cursor) bool {
	s.mu.Lock()
	if s.state != StateConnected || s.currentUser == nil {
		s.mu.Unlock()
		return false
	}
	local := cursor
	s.currentUser.Cursor = &local
	s.mu.Unlock()
	return s.emit(collab.CursorUpdate{WorkspaceID: s.cfg.WorkspaceID.String(), Cursor: &cursor})
}

// UpdateSelection relays a selection change.
func (s *Session) UpdateSelection(selection json.RawMessage) bool {
	return s.emit(collab.SelectionChange{WorkspaceID: s.cfg.WorkspaceID.String(), Selection: selection})
}

// StartTyping relays a typing-start for the block.
func (s *Session) StartTyping(blockID string) bool {
	return s.emit(collab.TypingChange{Started: true, WorkspaceID: s.cfg.WorkspaceID.String(), BlockID: blockID})
}

// StopTyping relays a typing-stop for the block.
func (s *Session) StopTyping(blockID string) bool {
	return s.emit(collab.TypingChange{Started: false, WorkspaceID: s.cfg.WorkspaceID.String(), BlockID: blockID})
}

// emit sends fire-and-forget; nothing is queued while disconnected.
func (s *Session) emit(message collab.Message) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	if err := s.write(conn, message); err != nil {
		s.logger.Debug("send failed", zap.String("event", message.EventName()), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) write(conn *websocket.Conn, message collab.Message) error {
	frame, err := collab.Encode(message)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Session) run(ctx context.Context) {
	failures := 0
	for {
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.ServerURL, s.cfg.Header)
		if err == nil {
			failures = 0
			if !s.attach(ctx, conn) {
				_ = conn.Close()
				return
			}
			err = s.readLoop(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		final := failures > s.cfg.ReconnectAttempts
		if final {
			err = errors.Join(err, errReconnectExhausted)
		}
		if !s.detach(ctx, conn, final) {
			return
		}
		s.logger.Info("collaboration connection lost",
			zap.Int("failed_attempts", failures),
			zap.Bool("final", final),
			zap.Error(err))
		s.handlers.emit(Disconnected{Err: err, Final: final})
		if final {
			return
		}

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		s.mu.Lock()
		if ctx.Err() == nil {
			s.state = StateConnecting
		}
		s.mu.Unlock()
	}
}

func (s *Session) attach(ctx context.Context, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conn = conn
	return true
}

// detach resets state after a transport loss unless Disconnect already did.
func (s *Session) detach(ctx context.Context, conn *websocket.Conn, final bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if conn == nil || s.conn == conn {
		s.conn = nil
	}
	s.state = StateDisconnected
	s.connectionID = ""
	s.clearUsersLocked()
	if final {
		s.cancel = nil
	}
	return true
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		message, err := collab.DecodeOutbound(payload)
		if err != nil {
			s.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		if !s.apply(ctx, conn, message) {
			return ctx.Err()
		}
		s.handlers.emit(message)
	}
}

// apply folds one server event into the local view. It reports false once the
// session loop has been cancelled.
func (s *Session) apply(ctx context.Context, conn *websocket.Conn, message collab.Message) bool {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}

	var join *collab.JoinWorkspace
	switch event := message.(type) {
	case collab.Connected:
		s.state = StateConnected
		s.connectionID = event.ID
		if s.currentUser != nil {
			s.currentUser.ID = event.ID
			if !s.joined || s.cfg.AutoRejoin {
				join = &collab.JoinWorkspace{WorkspaceID: s.cfg.WorkspaceID.String(), User: cloneParticipant(*s.currentUser)}
			}
		}
		s.joined = true
	case collab.UserJoined:
		s.putUserLocked(event.User)
	case collab.UserLeft:
		s.removeUserLocked(event.UserID)
	case collab.WorkspaceState:
		s.clearUsersLocked()
		for _, user := range event.Users {
			s.putUserLocked(user)
		}
	case collab.CursorBroadcast:
		if user, ok := s.users[event.UserID]; ok {
			user.Cursor = event.Cursor
			s.users[event.UserID] = user
		}
	case collab.TypingBroadcast:
		if user, ok := s.users[event.UserID]; ok {
			user.IsTyping = event.Started
			if event.Started {
				user.TypingBlockID = event.BlockID
			} else {
				user.TypingBlockID = ""
			}
			s.users[event.UserID] = user
		}
	}
	s.mu.Unlock()

	if join != nil {
		if err := s.write(conn, *join); err != nil {
			s.logger.Warn("join-workspace not delivered", zap.Error(err))
		}
	}
	return true
}

func (s *Session) putUserLocked(user collab.Participant) {
	if _, exists := s.users[user.ID]; !exists {
		s.order = append(s.order, user.ID)
	}
	s.users[user.ID] = cloneParticipant(user)
}

func (s *Session) removeUserLocked(id string) {
	if _, exists := s.users[id]; !exists {
		return
	}
	delete(s.users, id)
	for index, candidate := range s.order {
		if candidate == id {
			s.order = append(s.order[:index], s.order[index+1:]...)
			break
		}
	}
}

func (s *Session) clearUsersLocked() {
	s.users = make(map[string]collab.Participant)
	s.order = nil
}

func cloneParticipant(participant collab.Participant) collab.Participant {
	copied := participant
	if participant.Cursor != nil {
		cursor := *participant.Cursor
		copied.Cursor = &cursor
	}
	return copied
}
