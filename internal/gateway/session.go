package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/davybot/dawei/internal/events"
	"github.com/davybot/dawei/internal/workspace"
)

const (
	sessionSendBuffer = 256
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingInterval      = 25 * time.Second
)

// attachedHandler records one bus registration so it can be detached when
// the session disconnects.
type attachedHandler struct {
	bus       *events.Bus
	eventType events.Type
	id        events.HandlerID
}

// Session is one connected client. Outbound frames funnel through a single
// send channel, so events forwarded from a handler reach the socket in
// generation order.
type Session struct {
	ID     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu         sync.Mutex
	workspaces map[string]*workspace.UserWorkspace
	attached   []attachedHandler

	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         uuid.NewString(),
		server:     server,
		conn:       conn,
		send:       make(chan []byte, sessionSendBuffer),
		ctx:        ctx,
		cancel:     cancel,
		workspaces: make(map[string]*workspace.UserWorkspace),
	}
	s.logger = slog.With("component", "gateway.session", "session_id", s.ID)
	return s
}

// run services the connection until it closes.
func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	s.close()
}

func (s *Session) readLoop() {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read failed", "error", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.SendError("BAD_MESSAGE", "message is not valid JSON", false, map[string]any{
				"original_error": err.Error(),
			})
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch routes one client message. User messages run asynchronously so
// the read loop stays available for followup responses and stops.
func (s *Session) dispatch(msg ClientMessage) {
	switch msg.Type {
	case MsgUserMessage:
		go s.server.chat.Handle(s, msg)
	case MsgFollowupResponse:
		s.server.chat.HandleFollowup(s, msg)
	case MsgAgentStop:
		go s.server.lifecycle.HandleStop(s, msg)
	default:
		s.SendError("UNKNOWN_MESSAGE_TYPE", "unsupported message type: "+msg.Type, false, nil)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Send failures are logged, never escalated: the running
				// task keeps going.
				s.logger.Warn("write failed", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues one typed frame. It blocks when the client cannot keep up,
// which paces the producing emit.
func (s *Session) Send(msgType string, fields map[string]any) {
	frame := serverFrame(msgType, s.ID, fields)
	select {
	case s.send <- frame:
	case <-s.ctx.Done():
	}
}

// SendError queues an error frame.
func (s *Session) SendError(code, message string, recoverable bool, details map[string]any) {
	fields := map[string]any{
		"code":        code,
		"message":     message,
		"recoverable": recoverable,
	}
	if details != nil {
		fields["details"] = details
	}
	s.Send(MsgError, fields)
}

// userWorkspace returns the session's view of a workspace, opening it on
// first use and wiring the workspace scheduler.
func (s *Session) userWorkspace(path string) (*workspace.UserWorkspace, error) {
	id, err := workspace.ResolveID(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if uw, ok := s.workspaces[id]; ok {
		s.mu.Unlock()
		return uw, nil
	}
	s.mu.Unlock()

	uw, err := workspace.NewUserWorkspace(s.server.service, path)
	if err != nil {
		return nil, err
	}
	if err := s.server.ensureScheduler(uw.Context()); err != nil {
		s.logger.Warn("scheduler unavailable for workspace", "workspace", id, "error", err)
	}

	s.mu.Lock()
	existing, ok := s.workspaces[id]
	if !ok {
		s.workspaces[id] = uw
	}
	s.mu.Unlock()
	if ok {
		uw.Cleanup()
		return existing, nil
	}
	return uw, nil
}

// trackHandlers remembers bus registrations for detach-on-disconnect.
func (s *Session) trackHandlers(bus *events.Bus, handlers map[events.Type]events.HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for eventType, id := range handlers {
		s.attached = append(s.attached, attachedHandler{bus: bus, eventType: eventType, id: id})
	}
}

// detachHandlers removes this session's registrations from one bus.
func (s *Session) detachHandlers(bus *events.Bus) {
	s.mu.Lock()
	var kept []attachedHandler
	var dropping []attachedHandler
	for _, h := range s.attached {
		if h.bus == bus {
			dropping = append(dropping, h)
		} else {
			kept = append(kept, h)
		}
	}
	s.attached = kept
	s.mu.Unlock()
	for _, h := range dropping {
		h.bus.RemoveHandler(h.eventType, h.id)
	}
}

// close tears the session down: handlers detached so running agents keep
// going without a dangling observer, workspace references released.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		attached := s.attached
		s.attached = nil
		workspaces := s.workspaces
		s.workspaces = make(map[string]*workspace.UserWorkspace)
		s.mu.Unlock()

		for _, h := range attached {
			h.bus.RemoveHandler(h.eventType, h.id)
		}
		for _, uw := range workspaces {
			uw.Cleanup()
		}
		s.conn.Close()
		s.server.removeSession(s)
		s.logger.Info("session closed")
	})
}
