package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleStaff UserRole = "staff"
)

type User struct {
	ID             string
	Name           string
	Email          string
	Phone          string
	Role           UserRole
	Timezone       string // IANA name, used to render class times
	TelegramChatID int64  // push channel address, 0 when not linked
	Prefs          StoredPreferences
	CreatedAt      time.Time
}

// NewUser validates and normalises a staff or admin account.
func NewUser(name, email string, role UserRole) (*User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidUser)
	}
	addr, err := NormalizeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%w: email: %v", ErrInvalidUser, err)
	}
	switch role {
	case "":
		role = RoleStaff
	case RoleAdmin, RoleStaff:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, role)
	}
	return &User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     addr,
		Role:      role,
		Timezone:  "UTC",
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Preferences resolves the user's effective notification configuration.
func (u *User) Preferences() NotificationPreferences {
	return ResolvePreferences(u.Prefs)
}

// Location returns the user's time zone, UTC when unknown.
func (u *User) Location() *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
