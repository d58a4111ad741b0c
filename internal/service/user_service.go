package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/storage"
)

type UserService struct {
	storage *storage.Storage
}

func NewUserService(s *storage.Storage) *UserService {
	return &UserService{storage: s}
}

type NewUserInput struct {
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone"`
	Role           domain.UserRole `json:"role"`
	Timezone       string          `json:"timezone"`
	TelegramChatID int64           `json:"telegram_chat_id"`
}

func (s *UserService) Create(ctx context.Context, in NewUserInput) (*domain.User, error) {
	u, err := domain.NewUser(in.Name, in.Email, in.Role)
	if err != nil {
		return nil, err
	}
	u.Phone = strings.TrimSpace(in.Phone)
	u.TelegramChatID = in.TelegramChatID
	if tz := strings.TrimSpace(in.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("%w: timezone %q", domain.ErrInvalidUser, tz)
		}
		u.Timezone = tz
	}

	if err := s.storage.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *UserService) Get(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.storage.GetUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

func (s *UserService) List(ctx context.Context) ([]*domain.User, error) {
	return s.storage.ListUsers(ctx)
}

// LookupByEmail returns every account registered under email.
func (s *UserService) LookupByEmail(ctx context.Context, email string) ([]*domain.User, error) {
	return s.storage.ListUsersByEmail(ctx, email)
}

// LookupByTelegramChat returns the accounts whose push address is chatID.
func (s *UserService) LookupByTelegramChat(ctx context.Context, chatID int64) ([]*domain.User, error) {
	if chatID == 0 {
		return nil, nil
	}
	return s.storage.ListUsersByTelegramChat(ctx, chatID)
}

// Resolve returns the user's effective preferences.
func (s *UserService) Resolve(ctx context.Context, id string) (domain.NotificationPreferences, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return domain.NotificationPreferences{}, err
	}
	return u.Preferences(), nil
}

// UpdatePreferences merges a partial update into the stored preferences and
// returns the resulting effective configuration.
func (s *UserService) UpdatePreferences(ctx context.Context, id string, upd domain.PreferencesUpdate) (domain.NotificationPreferences, error) {
	if err := upd.Validate(); err != nil {
		return domain.NotificationPreferences{}, err
	}
	u, err := s.Get(ctx, id)
	if err != nil {
		return domain.NotificationPreferences{}, err
	}

	u.Prefs = u.Prefs.Apply(upd)
	if err := s.storage.UpdateUserPreferences(ctx, id, u.Prefs); err != nil {
		return domain.NotificationPreferences{}, fmt.Errorf("update preferences: %w", err)
	}
	return u.Preferences(), nil
}

// LinkTelegram stores the chat used as the push address.
func (s *UserService) LinkTelegram(ctx context.Context, id string, chatID int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.storage.UpdateUserTelegramChat(ctx, id, chatID)
}
