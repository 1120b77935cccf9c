package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dm_server/server/dm/domain"
)

type HistoryService struct {
	store MessageStore
	files FileResolver
}

func NewHistoryService(store MessageStore, files FileResolver) *HistoryService {
	if files == nil {
		files = StaticFileResolver{}
	}
	return &HistoryService{store: store, files: files}
}

// GetHistory returns the conversation between userA and userB ordered by
// (created_at, seq). Clients merge it with live pushes by message id.
func (s *HistoryService) GetHistory(ctx context.Context, userA, userB string, sinceSeq int64) ([]domain.Message, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", domain.ErrValidation)
	}
	if sinceSeq < 0 {
		return nil, fmt.Errorf("%w: since_seq must not be negative", domain.ErrValidation)
	}
	items, err := s.store.QueryConversation(ctx, userA, userB, sinceSeq)
	if err != nil {
		return nil, asStorageErr(err)
	}
	for i := range items {
		if items[i].File == nil {
			continue
		}
		if signed, err := s.files.PresignURL(ctx, items[i].File); err == nil {
			items[i].File.URL = signed
		}
	}
	return items, nil
}

func (s *HistoryService) UnreadCounts(ctx context.Context, userID string) ([]domain.UnreadCount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user required", domain.ErrValidation)
	}
	items, err := s.store.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, asStorageErr(err)
	}
	return items, nil
}

func asStorageErr(err error) error {
	if errors.Is(err, domain.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorage, err)
}
