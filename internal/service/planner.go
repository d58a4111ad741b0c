package service

import (
	"context"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
)

type ReminderWriter interface {
	CreateReminder(ctx context.Context, r *domain.ReminderItem) error
	CreateReminderIfAbsent(ctx context.Context, r *domain.ReminderItem) (bool, error)
}

// RecipientLookup finds every account that should hear about a class.
type RecipientLookup interface {
	ListUsersByEmail(ctx context.Context, email string) ([]*domain.User, error)
}

// PlanReminders computes one pending item per recipient per enabled and
// supported channel. Items whose fire time is not after now are dropped.
// Quiet hours are not consulted.
func PlanReminders(occ *domain.ClassOccurrence, recipients []*domain.User, now time.Time, supported map[domain.Channel]bool) []*domain.ReminderItem {
	var items []*domain.ReminderItem
	for _, u := range recipients {
		if u == nil {
			continue
		}
		prefs := u.Preferences()
		fireAt := occ.Start.Add(-prefs.LeadTime())
		if !fireAt.After(now) {
			continue
		}
		for _, ch := range domain.KnownChannels {
			if !prefs.Enabled(ch) || !supported[ch] {
				continue
			}
			items = append(items, domain.NewReminderItem(occ.ID, u.ID, fireAt, ch))
		}
	}
	return items
}

type Planner struct {
	store     ReminderWriter
	users     RecipientLookup
	supported func() map[domain.Channel]bool
	dedupe    bool
	now       func() time.Time
	log       logx.Logger
}

// NewPlanner wires the planner. supported is asked on every plan so channels
// registered after startup are picked up.
func NewPlanner(store ReminderWriter, users RecipientLookup, supported func() map[domain.Channel]bool, dedupe bool, log logx.Logger) *Planner {
	return &Planner{
		store:     store,
		users:     users,
		supported: supported,
		dedupe:    dedupe,
		now:       time.Now,
		log:       log.With(logx.String("component", "planner")),
	}
}

// ScheduleClass plans reminders for every account sharing the organizer email.
func (p *Planner) ScheduleClass(ctx context.Context, occ *domain.ClassOccurrence) []*domain.ReminderItem {
	if occ == nil {
		p.log.Error("schedule class: nil occurrence")
		return nil
	}
	recipients, err := p.users.ListUsersByEmail(ctx, occ.TeacherEmail)
	if err != nil {
		p.log.Error("lookup recipients failed",
			logx.String("class_id", occ.ID),
			logx.String("email", occ.TeacherEmail),
			logx.Err(err))
		return nil
	}
	if len(recipients) == 0 {
		p.log.Debug("no recipients for class", logx.String("class_id", occ.ID), logx.String("email", occ.TeacherEmail))
		return nil
	}
	return p.Plan(ctx, occ, recipients)
}

// Plan persists the computed items and returns those actually stored.
// A store failure abandons the rest of the occurrence; earlier inserts stay.
func (p *Planner) Plan(ctx context.Context, occ *domain.ClassOccurrence, recipients []*domain.User) []*domain.ReminderItem {
	if occ == nil {
		p.log.Error("plan: nil occurrence")
		return nil
	}
	var supported map[domain.Channel]bool
	if p.supported != nil {
		supported = p.supported()
	}

	planned := PlanReminders(occ, recipients, p.now(), supported)
	stored := make([]*domain.ReminderItem, 0, len(planned))
	for _, item := range planned {
		if p.dedupe {
			inserted, err := p.store.CreateReminderIfAbsent(ctx, item)
			if err != nil {
				p.abandon(occ, item, len(stored), err)
				return stored
			}
			if !inserted {
				p.log.Debug("reminder already planned",
					logx.String("class_id", occ.ID),
					logx.String("user_id", item.UserID),
					logx.String("channel", string(item.Channel)))
				continue
			}
		} else if err := p.store.CreateReminder(ctx, item); err != nil {
			p.abandon(occ, item, len(stored), err)
			return stored
		}
		stored = append(stored, item)
	}

	p.log.Info("reminders planned",
		logx.String("class_id", occ.ID),
		logx.Int("recipients", len(recipients)),
		logx.Int("items", len(stored)))
	return stored
}

func (p *Planner) abandon(occ *domain.ClassOccurrence, item *domain.ReminderItem, persisted int, err error) {
	p.log.Error("persist reminder failed, abandoning class",
		logx.String("class_id", occ.ID),
		logx.String("user_id", item.UserID),
		logx.String("channel", string(item.Channel)),
		logx.Int("persisted", persisted),
		logx.Err(err))
}
