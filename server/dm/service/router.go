package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/domain"
)

type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) (domain.Message, error)
	QueryConversation(ctx context.Context, userA, userB string, sinceSeq int64) ([]domain.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string, readAt time.Time) (domain.Message, error)
	UnreadCounts(ctx context.Context, userID string) ([]domain.UnreadCount, error)
}

type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

type PresenceReader interface {
	IsOnline(userID string) bool
}

type Notifier interface {
	NotifyUsers(userIDs []string, payload any)
}

type RouterConfig struct {
	StoreTimeout time.Duration
	MaxBodyRunes int
	Dedup        DedupPolicy
	EventTimeout time.Duration
}

type Router struct {
	store     MessageStore
	users     UserDirectory
	presence  PresenceReader
	notifier  Notifier
	dedup     Deduplicator
	files     FileResolver
	publisher EventPublisher
	cfg       RouterConfig
	now       func() time.Time
}

func NewRouter(store MessageStore, users UserDirectory, presence PresenceReader, notifier Notifier, dedup Deduplicator, files FileResolver, publisher EventPublisher, cfg RouterConfig) *Router {
	if files == nil {
		files = StaticFileResolver{}
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 2 * time.Second
	}
	if cfg.MaxBodyRunes <= 0 {
		cfg.MaxBodyRunes = 4000
	}
	if cfg.Dedup.Window <= 0 {
		cfg.Dedup.Window = time.Second
	}
	if cfg.Dedup.NonceTTL <= 0 {
		cfg.Dedup.NonceTTL = 10 * time.Minute
	}
	return &Router{
		store:     store,
		users:     users,
		presence:  presence,
		notifier:  notifier,
		dedup:     dedup,
		files:     files,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Send validates, deduplicates, stores and fans out one message. Nothing is
// pushed to any session unless the append succeeded.
func (r *Router) Send(ctx context.Context, in domain.SendInput) (domain.DeliveryResult, error) {
	startedAt := r.now()
	msg, err := r.prepare(ctx, &in)
	if err != nil {
		commonlog.Infof("event=dm_send action=validate status=rejected sender_id=%s recipient_id=%s error=%v", in.SenderID, in.RecipientID, err)
		return domain.DeliveryResult{Status: domain.DeliveryFailed, Reason: domain.Reason(err)}, err
	}

	key, ttl := r.cfg.Dedup.Key(in)
	claimed := r.claim(ctx, key, ttl)
	if !claimed.ok {
		commonlog.Infof("event=dm_send action=dedup status=duplicate sender_id=%s recipient_id=%s message_id=%s", in.SenderID, in.RecipientID, claimed.existingID)
		return domain.DeliveryResult{Status: domain.DeliveryDuplicate, MessageID: claimed.existingID}, nil
	}

	// Detached from caller cancellation so a disconnect mid-send still persists.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()
	stored, err := r.store.Append(storeCtx, msg)
	if err != nil {
		if !errors.Is(err, domain.ErrStorage) {
			err = fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		if claimed.held {
			if relErr := r.dedup.Release(storeCtx, key); relErr != nil {
				commonlog.Warnf("event=dm_send action=dedup_release status=failed key=%s error=%v", key, relErr)
			}
		}
		commonlog.Errorf("event=dm_send action=append status=failed sender_id=%s recipient_id=%s latency_ms=%d error=%v", in.SenderID, in.RecipientID, r.now().Sub(startedAt).Milliseconds(), err)
		return domain.DeliveryResult{Status: domain.DeliveryFailed, Reason: domain.Reason(err)}, err
	}
	if claimed.held {
		if err := r.dedup.Commit(storeCtx, key, stored.ID, ttl); err != nil {
			commonlog.Warnf("event=dm_send action=dedup_commit status=failed key=%s error=%v", key, err)
		}
	}

	r.decorate(storeCtx, &stored)
	status := domain.DeliveryQueued
	if r.presence.IsOnline(stored.RecipientID) {
		status = domain.DeliveryDelivered
	}
	r.notifier.NotifyUsers([]string{stored.RecipientID, stored.SenderID}, newMessageDelivered(stored))
	r.publish(storeCtx, EventMessageCreated, stored)

	commonlog.Infof("event=dm_send action=append status=ok sender_id=%s recipient_id=%s message_id=%s seq=%d delivery=%s latency_ms=%d", stored.SenderID, stored.RecipientID, stored.ID, stored.Seq, status, r.now().Sub(startedAt).Milliseconds())
	return domain.DeliveryResult{Status: status, MessageID: stored.ID, Message: &stored}, nil
}

// MarkRead records the read receipt and pushes it to both parties.
func (r *Router) MarkRead(ctx context.Context, messageID, readerID string) (domain.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if _, err := uuid.Parse(messageID); err != nil {
		return domain.Message{}, fmt.Errorf("%w: invalid message id", domain.ErrValidation)
	}
	if readerID == "" {
		return domain.Message{}, fmt.Errorf("%w: reader identity required", domain.ErrUnauthorized)
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StoreTimeout)
	defer cancel()

	msg, err := r.store.MarkRead(storeCtx, messageID, readerID, r.now())
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrForbidden) && !errors.Is(err, domain.ErrStorage) {
			err = fmt.Errorf("%w: %v", domain.ErrStorage, err)
		}
		commonlog.Infof("event=dm_read action=mark status=failed message_id=%s reader_id=%s error=%v", messageID, readerID, err)
		return domain.Message{}, err
	}
	r.decorate(storeCtx, &msg)
	r.notifier.NotifyUsers([]string{msg.SenderID, msg.RecipientID}, newMessageRead(msg))
	r.publish(storeCtx, EventMessageRead, msg)
	commonlog.Infof("event=dm_read action=mark status=ok message_id=%s reader_id=%s", msg.ID, readerID)
	return msg, nil
}

func (r *Router) prepare(ctx context.Context, in *domain.SendInput) (domain.Message, error) {
	in.SenderID = strings.TrimSpace(in.SenderID)
	in.RecipientID = strings.TrimSpace(in.RecipientID)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	if in.Kind == "" {
		in.Kind = domain.MessageKindText
		if in.File != nil {
			in.Kind = domain.MessageKindFile
		}
	}
	if in.SenderID == "" {
		return domain.Message{}, fmt.Errorf("%w: sender identity required", domain.ErrUnauthorized)
	}
	if in.RecipientID == "" {
		return domain.Message{}, fmt.Errorf("%w: recipient required", domain.ErrValidation)
	}
	if !in.Kind.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown message kind %q", domain.ErrValidation, in.Kind)
	}

	switch in.Kind {
	case domain.MessageKindText:
		in.File = nil
		if strings.TrimSpace(in.Body) == "" {
			return domain.Message{}, fmt.Errorf("%w: body required", domain.ErrValidation)
		}
	case domain.MessageKindFile:
		if in.File == nil {
			return domain.Message{}, fmt.Errorf("%w: file reference required", domain.ErrValidation)
		}
		file := *in.File
		file.URL = ""
		if err := r.files.Validate(ctx, &file); err != nil {
			return domain.Message{}, err
		}
		in.File = &file
		if strings.TrimSpace(in.Body) == "" {
			in.Body = file.FileName
		}
	}
	if utf8.RuneCountInString(in.Body) > r.cfg.MaxBodyRunes {
		return domain.Message{}, fmt.Errorf("%w: body exceeds %d characters", domain.ErrValidation, r.cfg.MaxBodyRunes)
	}

	for _, userID := range uniqueUsers([]string{in.SenderID, in.RecipientID}) {
		ok, err := r.users.Exists(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrStorage) {
				return domain.Message{}, err
			}
			return domain.Message{}, fmt.Errorf("%w: lookup user: %v", domain.ErrStorage, err)
		}
		if !ok {
			return domain.Message{}, fmt.Errorf("%w: unknown user %s", domain.ErrValidation, userID)
		}
	}

	return domain.Message{
		ID:          uuid.NewString(),
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Kind:        in.Kind,
		Body:        in.Body,
		File:        in.File,
		CreatedAt:   r.now().UTC(),
	}, nil
}

type dedupClaim struct {
	ok         bool
	held       bool
	existingID string
}

// claim fails open: an unavailable dedup store must not block sending.
func (r *Router) claim(ctx context.Context, key string, ttl time.Duration) dedupClaim {
	if r.dedup == nil {
		return dedupClaim{ok: true}
	}
	ok, existingID, err := r.dedup.Claim(ctx, key, ttl)
	if err != nil {
		commonlog.Warnf("event=dm_send action=dedup_claim status=unavailable key=%s error=%v", key, err)
		return dedupClaim{ok: true}
	}
	if !ok {
		return dedupClaim{existingID: existingID}
	}
	return dedupClaim{ok: true, held: true}
}

func (r *Router) decorate(ctx context.Context, msg *domain.Message) {
	if msg.File == nil || msg.File.ObjectKey == "" {
		return
	}
	signed, err := r.files.PresignURL(ctx, msg.File)
	if err != nil {
		commonlog.Warnf("event=dm_file action=presign status=failed message_id=%s object_key=%s error=%v", msg.ID, msg.File.ObjectKey, err)
		return
	}
	msg.File.URL = signed
}

func (r *Router) publish(ctx context.Context, key string, msg domain.Message) {
	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.EventTimeout)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, key, msg); err != nil {
		commonlog.Warnf("event=dm_events action=publish status=failed key=%s message_id=%s error=%v", key, msg.ID, err)
	}
}
