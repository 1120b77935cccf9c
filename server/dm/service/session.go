package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/domain"
)

type SessionState int

const (
	StateConnected SessionState = iota
	StateRegistered
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Session struct {
	id          string
	gateway     *Gateway
	conn        *websocket.Conn
	send        chan []byte
	stop        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time

	mu        sync.Mutex
	state     SessionState
	userID    string
	closeOnce sync.Once
}

func newSession(id string, g *Gateway, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		gateway:     g,
		conn:        conn,
		send:        make(chan []byte, g.cfg.SendBuffer),
		stop:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now().UTC(),
		state:       StateConnected,
	}
}

func (s *Session) SessionID() string {
	return s.id
}

func (s *Session) State() (SessionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.userID
}

// Deliver never blocks; a session whose buffer is full is closed and
// expected to reload history after reconnecting.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.stop:
		return false
	default:
		commonlog.Warnf("event=dm_session action=deliver status=overflow session_id=%s buffer=%d", s.id, cap(s.send))
		go s.close("slow_consumer")
		return false
	}
}

func (s *Session) queue(payload any) bool {
	frame, err := json.Marshal(payload)
	if err != nil {
		commonlog.Errorf("event=dm_session action=encode status=failed session_id=%s error=%v", s.id, err)
		return false
	}
	return s.Deliver(frame)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.gateway.cfg.pingInterval())
	defer func() {
		ticker.Stop()
		s.close("write_exit")
	}()

	for {
		select {
		case frame := <-s.send:
			if !s.write(websocket.TextMessage, frame) {
				return
			}
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) write(msgType int, frame []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.gateway.cfg.WriteWait))
	if err := s.conn.WriteMessage(msgType, frame); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
			commonlog.Warnf("event=dm_session action=write status=failed session_id=%s error=%v", s.id, err)
		}
		return false
	}
	return true
}

func (s *Session) readPump() {
	defer s.close("read_exit")

	cfg := s.gateway.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				commonlog.Infof("event=dm_session action=read status=closed session_id=%s error=%v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))

		var sig ClientSignal
		if err := json.Unmarshal(raw, &sig); err != nil {
			commonlog.Warnf("event=dm_session action=decode status=invalid session_id=%s error=%v", s.id, err)
			s.queue(newErrorSignal(SignalError, "", reasonInvalidMessage))
			continue
		}
		if !s.dispatch(sig) {
			return
		}
	}
}

// dispatch handles one client signal; it returns false when the session should end.
func (s *Session) dispatch(sig ClientSignal) bool {
	switch strings.TrimSpace(sig.Type) {
	case SignalRegisterSession:
		s.handleRegister(sig)
	case SignalSendMessage:
		s.handleSend(sig)
	case SignalMarkRead:
		s.handleMarkRead(sig)
	case SignalPing:
		s.queue(ServerSignal{Type: SignalPong, ID: sig.ID})
	case SignalLogout:
		commonlog.Infof("event=dm_session action=logout status=ok session_id=%s", s.id)
		return false
	default:
		commonlog.Warnf("event=dm_session action=dispatch status=unknown_type session_id=%s type=%q", s.id, sig.Type)
		s.queue(newErrorSignal(SignalError, sig.ID, reasonInvalidMessage))
	}
	return true
}

func (s *Session) handleRegister(sig ClientSignal) {
	userID, err := ResolveUser(s.gateway.identity, sig.Token)
	if err != nil {
		commonlog.Infof("event=dm_session action=register status=unauthorized session_id=%s error=%v", s.id, err)
		s.queue(newErrorSignal(SignalError, sig.ID, domain.Reason(err)))
		return
	}
	s.register(userID, sig.ID)
}

func (s *Session) register(userID, requestID string) {
	g := s.gateway
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return
	case StateRegistered:
		current := s.userID
		s.mu.Unlock()
		if current != userID {
			s.queue(newErrorSignal(SignalError, requestID, domain.Reason(domain.ErrUnauthorized)))
			return
		}
		s.queueRegistered(requestID, userID)
		return
	}
	s.state = StateRegistered
	s.userID = userID
	s.mu.Unlock()

	g.hub.Attach(userID, s)
	if _, err := g.registry.Register(s.id, userID); err != nil {
		g.hub.Detach(userID, s.id)
		s.mu.Lock()
		if s.state == StateRegistered {
			s.state = StateConnected
			s.userID = ""
		}
		s.mu.Unlock()
		commonlog.Errorf("event=dm_session action=register status=failed session_id=%s user_id=%s error=%v", s.id, userID, err)
		s.queue(newErrorSignal(SignalError, requestID, domain.Reason(err)))
		return
	}
	select {
	case <-s.stop:
		// close raced with registration; undo what close could not see.
		g.hub.Detach(userID, s.id)
		g.registry.Deregister(s.id)
		return
	default:
	}
	commonlog.Infof("event=dm_session action=register status=ok session_id=%s user_id=%s user_sessions=%d", s.id, userID, g.registry.SessionCount(userID))
	s.queueRegistered(requestID, userID)
}

func (s *Session) queueRegistered(requestID, userID string) {
	version, users := s.gateway.hub.Presence()
	s.queue(ServerSignal{
		Type:      SignalRegistered,
		ID:        requestID,
		SessionID: s.id,
		UserID:    userID,
		Version:   version,
		Users:     users,
	})
}

func (s *Session) registeredUser() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.state == StateRegistered
}

func (s *Session) handleSend(sig ClientSignal) {
	userID, ok := s.registeredUser()
	if !ok {
		s.queue(newErrorSignal(SignalSendError, sig.ID, domain.Reason(domain.ErrUnauthorized)))
		return
	}
	result, err := s.gateway.router.Send(s.ctx, domain.SendInput{
		SenderID:    userID,
		RecipientID: sig.RecipientID,
		Kind:        sig.Kind,
		Body:        sig.Body,
		File:        sig.File,
		ClientMsgID: sig.ClientMsgID,
	})
	if err != nil {
		s.queue(newErrorSignal(SignalSendError, sig.ID, domain.Reason(err)))
		return
	}
	s.queue(ServerSignal{Type: SignalSendAck, ID: sig.ID, Status: result.Status, MessageID: result.MessageID, Message: result.Message})
}

func (s *Session) handleMarkRead(sig ClientSignal) {
	userID, ok := s.registeredUser()
	if !ok {
		s.queue(newErrorSignal(SignalError, sig.ID, domain.Reason(domain.ErrUnauthorized)))
		return
	}
	if _, err := s.gateway.router.MarkRead(s.ctx, sig.MessageID, userID); err != nil {
		s.queue(newErrorSignal(SignalError, sig.ID, domain.Reason(err)))
	}
}

// close is the single Closed transition; later calls are no-ops.
func (s *Session) close(cause string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		userID := s.userID
		s.state = StateClosed
		s.mu.Unlock()

		close(s.stop)
		s.cancel()
		_ = s.conn.Close()

		g := s.gateway
		if userID != "" {
			g.hub.Detach(userID, s.id)
			g.registry.Deregister(s.id)
		}
		g.untrack(s.id)
		commonlog.Infof("event=dm_session action=close status=ok session_id=%s user_id=%s cause=%s lifetime_ms=%d", s.id, userID, cause, time.Since(s.connectedAt).Milliseconds())
	})
}
