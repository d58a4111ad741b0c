package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ReminderStatus string

const (
	ReminderPending ReminderStatus = "pending"
	ReminderSent    ReminderStatus = "sent"
	ReminderFailed  ReminderStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s ReminderStatus) IsTerminal() bool {
	return s == ReminderSent || s == ReminderFailed
}

// CanTransition allows only pending -> sent and pending -> failed.
func (s ReminderStatus) CanTransition(to ReminderStatus) bool {
	return s == ReminderPending && to.IsTerminal()
}

// ReminderItem is one pending unit of work: remind one user about one class
// over one channel.
type ReminderItem struct {
	ID            string
	ClassID       string
	UserID        string
	ScheduledTime time.Time // UTC
	Channel       Channel
	Status        ReminderStatus
	SentAt        *time.Time
	Error         string
	CreatedAt     time.Time
}

func NewReminderItem(classID, userID string, fireAt time.Time, ch Channel) *ReminderItem {
	return &ReminderItem{
		ID:            uuid.NewString(),
		ClassID:       classID,
		UserID:        userID,
		ScheduledTime: fireAt.UTC(),
		Channel:       ch,
		Status:        ReminderPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// Complete applies a terminal transition in memory.
func (r *ReminderItem) Complete(to ReminderStatus, at time.Time, errMsg string) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	at = at.UTC()
	r.Status = to
	r.SentAt = &at
	if to == ReminderSent {
		r.Error = ""
	} else {
		r.Error = errMsg
	}
	return nil
}

// DispatchLogEntry records the outcome of one dispatch attempt. Append-only.
type DispatchLogEntry struct {
	ID         string
	ReminderID string
	Timestamp  time.Time
	Status     ReminderStatus
	Response   string
}

func NewDispatchLogEntry(reminderID string, status ReminderStatus, response string, at time.Time) *DispatchLogEntry {
	return &DispatchLogEntry{
		ID:         uuid.NewString(),
		ReminderID: reminderID,
		Timestamp:  at.UTC(),
		Status:     status,
		Response:   response,
	}
}
