package domain

import (
	"fmt"
	"time"
)

type MessageKind string

const (
	MessageKindText MessageKind = "text"
	MessageKindFile MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	return k == MessageKindText || k == MessageKindFile
}

type FileRef struct {
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url,omitempty"`
}

type Message struct {
	ID          string      `json:"id"`
	Seq         int64       `json:"seq"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Kind        MessageKind `json:"kind"`
	Body        string      `json:"body"`
	File        *FileRef    `json:"file,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	IsRead      bool        `json:"is_read"`
	ReadAt      *time.Time  `json:"read_at,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryQueued    DeliveryStatus = "queued"
	DeliveryDuplicate DeliveryStatus = "duplicate"
	DeliveryFailed    DeliveryStatus = "failed"
)

type DeliveryResult struct {
	Status    DeliveryStatus `json:"status"`
	MessageID string         `json:"message_id,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type SendInput struct {
	SenderID    string
	RecipientID string
	Kind        MessageKind
	Body        string
	File        *FileRef
	ClientMsgID string
}

type User struct {
	ID           string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type PresenceStatus struct {
	UserID   string     `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type UnreadCount struct {
	PeerID string `json:"peer_id"`
	Count  int64  `json:"count"`
}

// PairKey is the canonical conversation key of an unordered user pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s|%s", len(a), a, b)
}
