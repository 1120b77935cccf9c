package service

import "dm_server/server/dm/domain"

const (
	SignalRegisterSession = "register-session"
	SignalSendMessage     = "send-message"
	SignalMarkRead        = "mark-read"
	SignalLogout          = "logout"
	SignalPing            = "ping"

	SignalSessionConnected = "session-connected"
	SignalRegistered       = "registered"
	SignalPresenceUpdate   = "presence-update"
	SignalMessageDelivered = "message-delivered"
	SignalSendAck          = "send-ack"
	SignalSendError        = "send-error"
	SignalMessageRead      = "message-read"
	SignalError            = "error"
	SignalPong             = "pong"
)

const reasonInvalidMessage = "invalid_message"

type ClientSignal struct {
	Type        string             `json:"type"`
	ID          string             `json:"id,omitempty"`
	Token       string             `json:"token,omitempty"`
	RecipientID string             `json:"recipient_id,omitempty"`
	Body        string             `json:"body,omitempty"`
	Kind        domain.MessageKind `json:"kind,omitempty"`
	File        *domain.FileRef    `json:"file,omitempty"`
	ClientMsgID string             `json:"client_msg_id,omitempty"`
	MessageID   string             `json:"message_id,omitempty"`
}

type ServerSignal struct {
	Type      string                  `json:"type"`
	ID        string                  `json:"id,omitempty"`
	SessionID string                  `json:"session_id,omitempty"`
	UserID    string                  `json:"user_id,omitempty"`
	Status    domain.DeliveryStatus   `json:"status,omitempty"`
	MessageID string                  `json:"message_id,omitempty"`
	Message   *domain.Message         `json:"message,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Version   uint64                  `json:"version,omitempty"`
	Users     []domain.PresenceStatus `json:"users,omitempty"`
}

func newMessageDelivered(msg domain.Message) ServerSignal {
	return ServerSignal{Type: SignalMessageDelivered, MessageID: msg.ID, Message: &msg}
}

func newMessageRead(msg domain.Message) ServerSignal {
	return ServerSignal{Type: SignalMessageRead, MessageID: msg.ID, Message: &msg}
}

func newPresenceUpdate(version uint64, users []domain.PresenceStatus) ServerSignal {
	if users == nil {
		users = []domain.PresenceStatus{}
	}
	return ServerSignal{Type: SignalPresenceUpdate, Version: version, Users: users}
}

func newErrorSignal(kind, id, reason string) ServerSignal {
	return ServerSignal{Type: kind, ID: id, Reason: reason}
}
