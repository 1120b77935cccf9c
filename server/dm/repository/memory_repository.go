package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dm_server/server/dm/domain"
)

type MemoryMessageRepository struct {
	mu     sync.RWMutex
	seq    int64
	byID   map[string]*domain.Message
	pairs  map[string][]*domain.Message
	lastAt map[string]time.Time
	now    func() time.Time
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{
		byID:   map[string]*domain.Message{},
		pairs:  map[string][]*domain.Message{},
		lastAt: map[string]time.Time{},
		now:    time.Now,
	}
}

func (r *MemoryMessageRepository) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[msg.ID]; ok {
		return msg, fmt.Errorf("%w: duplicate message id %s", domain.ErrStorage, msg.ID)
	}
	pairKey := domain.PairKey(msg.SenderID, msg.RecipientID)
	createdAt := r.now().UTC()
	if last, ok := r.lastAt[pairKey]; ok && createdAt.Before(last) {
		createdAt = last
	}
	r.seq++
	msg.Seq = r.seq
	msg.CreatedAt = createdAt
	msg.IsRead = false
	msg.ReadAt = nil
	if msg.File != nil {
		file := *msg.File
		file.URL = ""
		msg.File = &file
	}

	stored := msg
	r.byID[msg.ID] = &stored
	r.pairs[pairKey] = append(r.pairs[pairKey], &stored)
	r.lastAt[pairKey] = createdAt
	return cloneMessage(&stored), nil
}

func (r *MemoryMessageRepository) QueryConversation(ctx context.Context, userA, userB string, sinceSeq int64) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.pairs[domain.PairKey(userA, userB)]
	items := make([]domain.Message, 0, len(stored))
	for _, msg := range stored {
		if msg.Seq <= sinceSeq {
			continue
		}
		items = append(items, cloneMessage(msg))
	}
	return items, nil
}

func (r *MemoryMessageRepository) MarkRead(ctx context.Context, messageID, readerID string, readAt time.Time) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
	}
	if msg.RecipientID != readerID {
		return domain.Message{}, fmt.Errorf("%w: only the recipient can mark message %s read", domain.ErrForbidden, messageID)
	}
	if !msg.IsRead {
		at := readAt.UTC()
		if at.Before(msg.CreatedAt) {
			at = msg.CreatedAt
		}
		msg.IsRead = true
		msg.ReadAt = &at
	}
	return cloneMessage(msg), nil
}

func (r *MemoryMessageRepository) UnreadCounts(ctx context.Context, userID string) ([]domain.UnreadCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[string]int64{}
	for _, msg := range r.byID {
		if msg.RecipientID == userID && !msg.IsRead {
			counts[msg.SenderID]++
		}
	}
	items := make([]domain.UnreadCount, 0, len(counts))
	for peer, count := range counts {
		items = append(items, domain.UnreadCount{PeerID: peer, Count: count})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].PeerID < items[j].PeerID })
	return items, nil
}

func cloneMessage(msg *domain.Message) domain.Message {
	out := *msg
	if msg.File != nil {
		file := *msg.File
		out.File = &file
	}
	if msg.ReadAt != nil {
		at := *msg.ReadAt
		out.ReadAt = &at
	}
	return out
}

type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]domain.User
	now   func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: map[string]domain.User{}, now: time.Now}
}

func (r *MemoryUserRepository) Create(_ context.Context, user domain.User) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; ok {
		return domain.User{}, fmt.Errorf("%w: user %s already exists", domain.ErrConflict, user.ID)
	}
	user.CreatedAt = r.now().UTC()
	r.users[user.ID] = user
	return user, nil
}

func (r *MemoryUserRepository) GetByID(_ context.Context, userID string) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	return user, nil
}

func (r *MemoryUserRepository) Exists(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok, nil
}
