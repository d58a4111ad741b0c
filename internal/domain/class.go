package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Recurrence string

const (
	RecurrenceOnce      Recurrence = "ONCE"
	RecurrenceWeekly    Recurrence = "WEEKLY"
	RecurrenceOddWeeks  Recurrence = "ODD_WEEKS"
	RecurrenceEvenWeeks Recurrence = "EVEN_WEEKS"
)

// ParseRecurrence accepts any casing; empty means ONCE.
func ParseRecurrence(s string) (Recurrence, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch Recurrence(s) {
	case "":
		return RecurrenceOnce, nil
	case RecurrenceOnce, RecurrenceWeekly, RecurrenceOddWeeks, RecurrenceEvenWeeks:
		return Recurrence(s), nil
	default:
		return "", fmt.Errorf("%w: unknown recurrence %q", ErrInvalidClass, s)
	}
}

// ClassOccurrence is one concrete scheduled instance of a class.
type ClassOccurrence struct {
	ID           string
	Title        string
	Room         string
	TeacherEmail string // organizer; recipients are looked up by it
	Start        time.Time
	End          time.Time
	Recurrence   Recurrence
	CreatedAt    time.Time
}

// NewClassOccurrence validates input and returns a class with UTC times.
// An empty id gets a fresh UUID.
func NewClassOccurrence(id, title, room, teacherEmail string, start, end time.Time, recurrence Recurrence) (*ClassOccurrence, error) {
	title = strings.TrimSpace(title)
	room = strings.TrimSpace(room)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidClass)
	}
	if room == "" {
		return nil, fmt.Errorf("%w: room is required", ErrInvalidClass)
	}
	email, err := NormalizeEmail(teacherEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: teacher email: %v", ErrInvalidClass, err)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: start time is required", ErrInvalidClass)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidClass)
	}
	if recurrence == "" {
		recurrence = RecurrenceOnce
	}
	if _, err := ParseRecurrence(string(recurrence)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	return &ClassOccurrence{
		ID:           id,
		Title:        title,
		Room:         room,
		TeacherEmail: email,
		Start:        start.UTC(),
		End:          end.UTC(),
		Recurrence:   recurrence,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// NormalizeEmail parses a bare address and lower-cases it.
func NormalizeEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return strings.ToLower(addr.Address), nil
}

// FormatStart renders the start time in loc the way reminder bodies show it.
func (c *ClassOccurrence) FormatStart(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return c.Start.In(loc).Format("2006-01-02 15:04")
}
