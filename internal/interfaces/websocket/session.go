package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/domain/entity"
	"github.com/drammen94/mira-OSS/internal/domain/service"
	"github.com/drammen94/mira-OSS/internal/infrastructure/kv"
	"github.com/drammen94/mira-OSS/internal/infrastructure/llm"
)

const (
	authTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	readSizeLimit = 8 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the fronting proxy
	},
}

// Authenticator resolves an auth token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// ContinuumProvider loads or creates the user's continuum, hydrating the
// message cache on cold start.
type ContinuumProvider interface {
	GetOrCreate(ctx context.Context, userID string) (*entity.Continuum, error)
}

// TurnRunner executes one turn end to end, including the unit-of-work
// commit and rollback.
type TurnRunner interface {
	RunTurn(ctx context.Context, continuum *entity.Continuum, content []entity.ContentBlock, callback service.StreamCallback) (*service.TurnResult, error)
}

// sessionState is the connection lifecycle position.
type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateAuthenticated
	stateProcessing
	stateClosed
)

// Session is one authenticated client connection. Reads are sequential on
// a single goroutine; a write mutex serializes frames against the shutdown
// broadcast.
type Session struct {
	id         string
	conn       *websocket.Conn
	auth       Authenticator
	continuums ContinuumProvider
	turns      TurnRunner
	lock       *kv.UserRequestLock
	logger     *zap.Logger

	state     sessionState
	userID    string
	continuum *entity.Continuum
	lockHeld  bool

	writeMu sync.Mutex
}

// Handler upgrades connections and tracks live sessions for shutdown.
type Handler struct {
	auth       Authenticator
	continuums ContinuumProvider
	turns      TurnRunner
	lock       *kv.UserRequestLock
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewHandler(auth Authenticator, continuums ContinuumProvider, turns TurnRunner, lock *kv.UserRequestLock, logger *zap.Logger) *Handler {
	return &Handler{
		auth:       auth,
		continuums: continuums,
		turns:      turns,
		lock:       lock,
		logger:     logger,
		sessions:   make(map[string]*Session),
	}
}

// ServeWS upgrades the request and runs the session to completion.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	session := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		auth:       h.auth,
		continuums: h.continuums,
		turns:      h.turns,
		lock:       h.lock,
		logger:     h.logger,
		state:      stateAwaitingAuth,
	}

	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()

	session.run(r.Context())

	h.mu.Lock()
	delete(h.sessions, session.id)
	h.mu.Unlock()
}

// Shutdown notifies every live session and closes it.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.send(&ServerMessage{Type: MessageTypeServerShutdown})
		s.conn.Close()
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.close(ctx)

	s.conn.SetReadLimit(readSizeLimit)

	if !s.authenticate(ctx) {
		return
	}
	if !s.acquireLock(ctx) {
		return
	}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msg, err := s.read()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case MessageTypePing:
			s.send(&ServerMessage{Type: MessageTypePong})
		case MessageTypeMessage:
			s.handleMessage(ctx, msg)
		default:
			s.send(&ServerMessage{Type: MessageTypeError, Message: "unknown message type"})
		}
	}
}

// authenticate runs the auth handshake under the handshake deadline.
func (s *Session) authenticate(ctx context.Context) bool {
	s.conn.SetReadDeadline(time.Now().Add(authTimeout))

	msg, err := s.read()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			s.send(&ServerMessage{Type: MessageTypeError, Message: "Authentication timeout"})
		}
		return false
	}
	if msg.Type != MessageTypeAuth {
		s.send(&ServerMessage{Type: MessageTypeError, Message: "expected auth message"})
		return false
	}

	userID, err := s.auth.Authenticate(ctx, msg.Token)
	if err != nil {
		s.logger.Warn("Authentication failed", zap.String("session_id", s.id), zap.Error(err))
		s.send(&ServerMessage{Type: MessageTypeError, Message: "authentication failed"})
		return false
	}

	s.userID = userID
	s.state = stateAuthenticated
	s.send(&ServerMessage{Type: MessageTypeAuthSuccess, UserID: userID})
	return true
}

func (s *Session) acquireLock(ctx context.Context) bool {
	ok, err := s.lock.Acquire(ctx, s.userID, s.id)
	if err != nil {
		s.send(&ServerMessage{Type: MessageTypeError, Message: "could not start your session, please try again"})
		return false
	}
	if !ok {
		// Held by a previous connection that did not release; no queuing.
		s.send(&ServerMessage{
			Type:    MessageTypeError,
			Message: "Another session is still active for your account. It will expire automatically within a minute; please reconnect then.",
		})
		return false
	}
	s.lockHeld = true
	return true
}

func (s *Session) handleMessage(ctx context.Context, msg *ClientMessage) {
	if msg.Image != "" {
		if err := ValidateImage(msg.Image, msg.ImageType); err != nil {
			s.send(&ServerMessage{Type: MessageTypeError, Message: err.Error()})
			return
		}
	}
	msg.Content = service.SanitizeText(msg.Content)
	if msg.Content == "" && msg.Image == "" {
		s.send(&ServerMessage{Type: MessageTypeError, Message: "message content is empty"})
		return
	}

	if s.continuum == nil {
		continuum, err := s.continuums.GetOrCreate(ctx, s.userID)
		if err != nil {
			s.logger.Error("Continuum load failed", zap.String("user_id", s.userID), zap.Error(err))
			s.send(&ServerMessage{Type: MessageTypeError, Message: service.FriendlyError(err)})
			return
		}
		s.continuum = continuum
	}

	var blocks []entity.ContentBlock
	if msg.Content != "" {
		blocks = append(blocks, entity.TextBlock(msg.Content))
	}
	if msg.Image != "" {
		blocks = append(blocks, entity.ImageBlock(msg.ImageType, msg.Image))
	}

	s.state = stateProcessing
	defer func() { s.state = stateAuthenticated }()

	result, err := s.turns.RunTurn(ctx, s.continuum, blocks, s.forwardEvent)
	if err != nil {
		s.logger.Error("Turn failed",
			zap.String("user_id", s.userID),
			zap.String("continuum_id", s.continuum.ID),
			zap.Error(err))
		s.send(&ServerMessage{Type: MessageTypeError, Message: service.FriendlyError(err)})
		return
	}

	s.send(&ServerMessage{
		Type:        MessageTypeComplete,
		ContinuumID: s.continuum.ID,
		Response:    result.Response,
		Metadata: map[string]any{
			"tools_used":         result.Metadata.ToolsUsed,
			"processing_time_ms": result.Metadata.ProcessingTimeMS,
		},
	})
}

// forwardEvent translates provider events to wire frames, in emission order.
func (s *Session) forwardEvent(evt llm.Event) {
	switch evt.Type {
	case llm.EventText:
		s.send(&ServerMessage{Type: MessageTypeText, Content: evt.Content})
	case llm.EventThinking:
		s.send(&ServerMessage{Type: MessageTypeThinking, Content: evt.Content})
	case llm.EventToolDetected:
		s.send(&ServerMessage{Type: MessageTypeTool, ToolName: evt.ToolName, ToolStatus: "detected"})
	case llm.EventToolExecuting:
		s.send(&ServerMessage{Type: MessageTypeTool, ToolName: evt.ToolName, ToolStatus: "executing"})
	case llm.EventToolCompleted:
		s.send(&ServerMessage{Type: MessageTypeTool, ToolName: evt.ToolName, ToolStatus: "completed"})
	case llm.EventToolError:
		s.send(&ServerMessage{Type: MessageTypeTool, ToolName: evt.ToolName, ToolStatus: "error", Message: evt.Message})
	case llm.EventCircuitBreaker:
		s.send(&ServerMessage{Type: MessageTypeTool, ToolStatus: "stopped", Message: evt.Reason})
	case llm.EventError:
		s.send(&ServerMessage{Type: MessageTypeError, Message: evt.Message})
	}
	// Complete is reported by handleMessage with the turn metadata.
}

func (s *Session) read() (*ClientMessage, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Debug("WebSocket read error", zap.String("session_id", s.id), zap.Error(err))
		}
		return nil, err
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return &ClientMessage{}, nil
	}
	return &msg, nil
}

func (s *Session) send(msg *ServerMessage) {
	msg.Timestamp = time.Now().Unix()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("WebSocket write failed", zap.String("session_id", s.id), zap.Error(err))
	}
}

func (s *Session) close(ctx context.Context) {
	if s.lockHeld {
		s.lock.Release(ctx, s.userID)
		s.lockHeld = false
	}
	s.state = stateClosed
	s.continuum = nil
	s.conn.Close()
}
