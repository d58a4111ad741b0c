package domain

import "errors"

var (
	ErrInvalidClass       = errors.New("invalid class")
	ErrInvalidUser        = errors.New("invalid user")
	ErrInvalidPreferences = errors.New("invalid preferences")
	ErrInvalidTransition  = errors.New("invalid reminder status transition")
)
