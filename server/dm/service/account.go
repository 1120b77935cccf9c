package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	commonauth "dm_server/server/common/auth"
	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/domain"
)

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,64}$`)

type UserStore interface {
	Create(ctx context.Context, user domain.User) (domain.User, error)
	GetByID(ctx context.Context, userID string) (domain.User, error)
	Exists(ctx context.Context, userID string) (bool, error)
}

type TokenIssuer interface {
	GenerateToken(userID string) (string, error)
}

// AccountService is the identity collaborator: it owns credentials and
// issues the tokens the gateway and API resolve back to identities.
type AccountService struct {
	users  UserStore
	tokens TokenIssuer
}

func NewAccountService(users UserStore, tokens TokenIssuer) *AccountService {
	return &AccountService{users: users, tokens: tokens}
}

func (s *AccountService) Register(ctx context.Context, userID, displayName, password string) (domain.User, string, error) {
	userID = strings.TrimSpace(userID)
	if !userIDPattern.MatchString(userID) {
		return domain.User{}, "", fmt.Errorf("%w: user_id must be 3-64 characters of letters, digits, '.', '_' or '-'", domain.ErrValidation)
	}
	if len(password) < 8 {
		return domain.User{}, "", fmt.Errorf("%w: password must be at least 8 characters", domain.ErrValidation)
	}
	hash, err := commonauth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = userID
	}
	user, err := s.users.Create(ctx, domain.User{ID: userID, DisplayName: strings.TrimSpace(displayName), PasswordHash: hash})
	if err != nil {
		return domain.User{}, "", err
	}
	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	commonlog.Infof("event=dm_account action=register status=ok user_id=%s", user.ID)
	return user, token, nil
}

func (s *AccountService) Login(ctx context.Context, userID, password string) (domain.User, string, error) {
	user, err := s.users.GetByID(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, "", fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
		}
		return domain.User{}, "", err
	}
	if !commonauth.CheckPassword(user.PasswordHash, password) {
		commonlog.Infof("event=dm_account action=login status=rejected user_id=%s", user.ID)
		return domain.User{}, "", fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}
	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}
