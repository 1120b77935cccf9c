package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm_server/server/dm/domain"
)

func newTestGateway(t *testing.T) (*routerFixture, *Gateway, *httptest.Server) {
	t.Helper()
	f := newRouterFixture(t, "alice", "bob")
	identity := stubResolver{"tok-alice": "alice", "tok-bob": "bob"}
	gw := NewGateway(f.registry, f.hub, f.router, identity, GatewayConfig{PongWait: 5 * time.Second})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := ""
		if token := r.URL.Query().Get("token"); token != "" {
			resolved, err := ResolveUser(identity, token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			userID = resolved
		}
		_ = gw.ServeWS(w, r, userID)
	}))
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return f, gw, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// expect reads frames until one of the given type arrives, skipping others.
func expect(t *testing.T, conn *websocket.Conn, kind string) ServerSignal {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var sig ServerSignal
		require.NoError(t, conn.ReadJSON(&sig), "waiting for %s", kind)
		if sig.Type == kind {
			return sig
		}
	}
}

func TestGateway_AnonymousSession(t *testing.T) {
	_, _, srv := newTestGateway(t)
	conn := dial(t, srv, "")

	connected := expect(t, conn, SignalSessionConnected)
	assert.NotEmpty(t, connected.SessionID)

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: SignalSendMessage, ID: "c1", RecipientID: "bob", Body: "hi"}))
	sendErr := expect(t, conn, SignalSendError)
	assert.Equal(t, "c1", sendErr.ID)
	assert.Equal(t, "unauthorized", sendErr.Reason)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, reasonInvalidMessage, expect(t, conn, SignalError).Reason)

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: "teleport", ID: "c2"}))
	unknown := expect(t, conn, SignalError)
	assert.Equal(t, reasonInvalidMessage, unknown.Reason)
	assert.Equal(t, "c2", unknown.ID)

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: SignalPing, ID: "c3"}))
	assert.Equal(t, "c3", expect(t, conn, SignalPong).ID)

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: SignalRegisterSession, ID: "c4", Token: "forged"}))
	assert.Equal(t, "unauthorized", expect(t, conn, SignalError).Reason)

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: SignalRegisterSession, ID: "c5", Token: "tok-alice"}))
	registered := expect(t, conn, SignalRegistered)
	assert.Equal(t, "c5", registered.ID)
	assert.Equal(t, "alice", registered.UserID)
	assert.Equal(t, connected.SessionID, registered.SessionID)
	require.NotEmpty(t, registered.Users)
	assert.Equal(t, domain.PresenceStatus{UserID: "alice", IsOnline: true}, registered.Users[0])

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: SignalRegisterSession, ID: "c6", Token: "tok-alice"}))
	assert.Equal(t, "c6", expect(t, conn, SignalRegistered).ID)

	require.NoError(t, conn.WriteJSON(ClientSignal{Type: SignalRegisterSession, ID: "c7", Token: "tok-bob"}))
	assert.Equal(t, "unauthorized", expect(t, conn, SignalError).Reason)
}

func TestGateway_SendAndReadReceipt(t *testing.T) {
	f, _, srv := newTestGateway(t)
	alice := dial(t, srv, "tok-alice")
	bob := dial(t, srv, "tok-bob")
	expect(t, alice, SignalRegistered)
	expect(t, bob, SignalRegistered)

	require.NoError(t, alice.WriteJSON(ClientSignal{Type: SignalSendMessage, ID: "s1", RecipientID: "bob", Body: "hello bob", ClientMsgID: "n-1"}))
	echo := expect(t, alice, SignalMessageDelivered)
	ack := expect(t, alice, SignalSendAck)
	assert.Equal(t, "s1", ack.ID)
	assert.Equal(t, domain.DeliveryDelivered, ack.Status)
	require.NotNil(t, ack.Message)
	assert.Equal(t, ack.MessageID, echo.MessageID)
	pushed := expect(t, bob, SignalMessageDelivered)
	assert.Equal(t, ack.MessageID, pushed.MessageID)
	assert.Equal(t, "hello bob", pushed.Message.Body)
	assert.Equal(t, "alice", pushed.Message.SenderID)

	require.NoError(t, alice.WriteJSON(ClientSignal{Type: SignalSendMessage, ID: "s2", RecipientID: "bob", Body: "hello bob", ClientMsgID: "n-1"}))
	dup := expect(t, alice, SignalSendAck)
	assert.Equal(t, domain.DeliveryDuplicate, dup.Status)
	assert.Equal(t, ack.MessageID, dup.MessageID)

	require.NoError(t, alice.WriteJSON(ClientSignal{Type: SignalSendMessage, ID: "s3", RecipientID: "bob"}))
	invalid := expect(t, alice, SignalSendError)
	assert.Equal(t, "s3", invalid.ID)
	assert.Equal(t, "validation_error", invalid.Reason)

	require.NoError(t, alice.WriteJSON(ClientSignal{Type: SignalMarkRead, ID: "r0", MessageID: ack.MessageID}))
	assert.Equal(t, "forbidden", expect(t, alice, SignalError).Reason)

	require.NoError(t, bob.WriteJSON(ClientSignal{Type: SignalMarkRead, ID: "r1", MessageID: ack.MessageID}))
	for _, conn := range []*websocket.Conn{alice, bob} {
		receipt := expect(t, conn, SignalMessageRead)
		assert.Equal(t, ack.MessageID, receipt.MessageID)
		require.NotNil(t, receipt.Message)
		assert.True(t, receipt.Message.IsRead)
	}

	items, err := f.store.QueryConversation(t.Context(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestGateway_AnonymousSessionSeesPresence(t *testing.T) {
	_, _, srv := newTestGateway(t)
	watcher := dial(t, srv, "")
	expect(t, watcher, SignalSessionConnected)

	bob := dial(t, srv, "tok-bob")
	registered := expect(t, bob, SignalRegistered)
	assert.Contains(t, registered.Users, domain.PresenceStatus{UserID: "bob", IsOnline: true})

	update := expect(t, watcher, SignalPresenceUpdate)
	assert.Contains(t, update.Users, domain.PresenceStatus{UserID: "bob", IsOnline: true})
}

func TestGateway_PresenceFollowsSessions(t *testing.T) {
	f, gw, srv := newTestGateway(t)
	bob := dial(t, srv, "tok-bob")
	expect(t, bob, SignalRegistered)

	phone := dial(t, srv, "tok-alice")
	expect(t, phone, SignalRegistered)
	online := expect(t, bob, SignalPresenceUpdate)
	assert.Contains(t, online.Users, domain.PresenceStatus{UserID: "alice", IsOnline: true})

	laptop := dial(t, srv, "tok-alice")
	expect(t, laptop, SignalRegistered)
	assert.Eventually(t, func() bool { return f.registry.SessionCount("alice") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, phone.WriteJSON(ClientSignal{Type: SignalLogout}))
	assert.Eventually(t, func() bool { return f.registry.SessionCount("alice") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.registry.IsOnline("alice"))

	require.NoError(t, laptop.Close())
	assert.Eventually(t, func() bool { return !f.registry.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)

	var offline ServerSignal
	for {
		offline = expect(t, bob, SignalPresenceUpdate)
		if version, _ := f.hub.Presence(); offline.Version == version {
			break
		}
	}
	require.NotEmpty(t, offline.Users)
	assert.Equal(t, "alice", offline.Users[0].UserID)
	assert.False(t, offline.Users[0].IsOnline)
	assert.NotNil(t, offline.Users[0].LastSeen)

	assert.Eventually(t, func() bool { return gw.SessionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_CloseEndsEverySession(t *testing.T) {
	f, gw, srv := newTestGateway(t)
	alice := dial(t, srv, "tok-alice")
	bob := dial(t, srv, "tok-bob")
	expect(t, alice, SignalRegistered)
	expect(t, bob, SignalRegistered)

	gw.Close()

	assert.Equal(t, 0, gw.SessionCount())
	assert.Empty(t, f.registry.ListOnlineUsers())
	assert.Equal(t, 0, f.hub.SessionCount())

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			break
		}
	}
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	f := newRouterFixture(t, "alice")
	gw := NewGateway(f.registry, f.hub, f.router, stubResolver{}, GatewayConfig{AllowedOrigins: []string{"https://app.example"}})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = gw.ServeWS(w, r, "")
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
