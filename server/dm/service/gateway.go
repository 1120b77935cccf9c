package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/domain"
)

// IdentityResolver turns a bearer token into a user identity.
type IdentityResolver interface {
	ResolveIdentity(token string) (string, error)
}

type GatewayConfig struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
}

func (c GatewayConfig) pingInterval() time.Duration {
	return (c.PongWait * 9) / 10
}

// Gateway owns the live websocket sessions and is the only caller of the
// registry's Register and Deregister.
type Gateway struct {
	registry *Registry
	hub      *Hub
	router   *Router
	identity IdentityResolver
	upgrader websocket.Upgrader
	cfg      GatewayConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewGateway(registry *Registry, hub *Hub, router *Router, identity IdentityResolver, cfg GatewayConfig) *Gateway {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	g := &Gateway{
		registry: registry,
		hub:      hub,
		router:   router,
		identity: identity,
		cfg:      cfg,
		sessions: map[string]*Session{},
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	registry.OnChange(g.publishPresence)
	hub.OnPresence(g.BroadcastPresence)
	return g
}

// ServeWS upgrades the request into a session. A non-empty userID has
// already been resolved by the caller and registers the session at once;
// otherwise the client must send register-session before messaging.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		commonlog.Warnf("event=dm_gateway action=upgrade status=failed remote=%s error=%v", r.RemoteAddr, err)
		return err
	}

	s := newSession(uuid.NewString(), g, conn)
	if !g.track(s) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(g.cfg.WriteWait))
		_ = conn.Close()
		return fmt.Errorf("gateway closed")
	}
	commonlog.Infof("event=dm_gateway action=connect status=ok session_id=%s remote=%s", s.id, r.RemoteAddr)

	s.queue(ServerSignal{Type: SignalSessionConnected, SessionID: s.id})
	if strings.TrimSpace(userID) != "" {
		s.register(userID, "")
	}

	go s.writePump()
	go s.readPump()
	return nil
}

func (g *Gateway) publishPresence(ev PresenceEvent) {
	g.hub.PublishPresence(ev.Version, ev.Users)
	commonlog.Debugf("event=dm_presence action=publish version=%d user_id=%s online=%t", ev.Version, ev.UserID, ev.Online)
}

// BroadcastPresence pushes a merged presence update to every session of
// this process, registered or not.
func (g *Gateway) BroadcastPresence(update ServerSignal) {
	frame, err := json.Marshal(update)
	if err != nil {
		commonlog.Errorf("event=dm_presence action=encode status=failed error=%v", err)
		return
	}
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	count := 0
	for _, s := range sessions {
		if s.Deliver(frame) {
			count++
		}
	}
	commonlog.Debugf("event=dm_presence action=broadcast version=%d fanout_count=%d", update.Version, count)
}

func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close ends every session; sessions accepted afterwards are refused.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(g.cfg.WriteWait))
		s.close("shutdown")
	}
	commonlog.Infof("event=dm_gateway action=close status=ok session_count=%d", len(sessions))
}

func (g *Gateway) track(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[s.id] = s
	return true
}

func (g *Gateway) untrack(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ResolveUser wraps resolver failures with domain.ErrUnauthorized.
func ResolveUser(identity IdentityResolver, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	userID, err := identity.ResolveIdentity(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: empty identity", domain.ErrUnauthorized)
	}
	return userID, nil
}
