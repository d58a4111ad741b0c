package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
)

type memReminders struct {
	items  []*domain.ReminderItem
	failAt int // 1-based insert that fails, 0 never
	calls  int
}

func (m *memReminders) CreateReminder(_ context.Context, r *domain.ReminderItem) error {
	m.calls++
	if m.failAt != 0 && m.calls == m.failAt {
		return errors.New("disk I/O error")
	}
	m.items = append(m.items, r)
	return nil
}

func (m *memReminders) CreateReminderIfAbsent(ctx context.Context, r *domain.ReminderItem) (bool, error) {
	for _, it := range m.items {
		if it.ClassID == r.ClassID && it.UserID == r.UserID && it.Channel == r.Channel {
			return false, nil
		}
	}
	return true, m.CreateReminder(ctx, r)
}

type memUsers map[string][]*domain.User

func (m memUsers) ListUsersByEmail(_ context.Context, email string) ([]*domain.User, error) {
	if email == "broken@school.example" {
		return nil, errors.New("lookup failed")
	}
	return m[email], nil
}

func emailOnly() map[domain.Channel]bool { return map[domain.Channel]bool{domain.ChannelEmail: true} }

func testUser(t *testing.T, name string, prefs domain.StoredPreferences) *domain.User {
	t.Helper()
	u, err := domain.NewUser(name, "teacher@school.example", domain.RoleStaff)
	if err != nil {
		t.Fatal(err)
	}
	u.Prefs = prefs
	return u
}

func testClass(t *testing.T, start time.Time) *domain.ClassOccurrence {
	t.Helper()
	c, err := domain.NewClassOccurrence("", "Algebra", "B12", "teacher@school.example", start, start.Add(45*time.Minute), domain.RecurrenceOnce)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestPlanner(store ReminderWriter, users RecipientLookup, dedupe bool, now time.Time) *Planner {
	p := NewPlanner(store, users, emailOnly, dedupe, logx.Nop())
	p.now = func() time.Time { return now }
	return p
}

func TestPlanReminders(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	off := false
	on := true
	lead30 := 30

	tests := []struct {
		name      string
		start     time.Time
		prefs     domain.StoredPreferences
		supported map[domain.Channel]bool
		wantFire  []time.Time
	}{
		{
			name:     "default lead time",
			start:    now.Add(20 * time.Minute),
			wantFire: []time.Time{now.Add(5 * time.Minute)},
		},
		{
			name:  "fire time already passed",
			start: now.Add(10 * time.Minute),
		},
		{
			name:  "fire time exactly now",
			start: now.Add(15 * time.Minute),
		},
		{
			name:  "email disabled",
			start: now.Add(time.Hour),
			prefs: domain.StoredPreferences{Channels: map[domain.Channel]bool{domain.ChannelEmail: off}},
		},
		{
			name:     "sms enabled but unsupported",
			start:    now.Add(time.Hour),
			prefs:    domain.StoredPreferences{Channels: map[domain.Channel]bool{domain.ChannelSMS: on}},
			wantFire: []time.Time{now.Add(45 * time.Minute)},
		},
		{
			name:     "custom lead time",
			start:    now.Add(time.Hour),
			prefs:    domain.StoredPreferences{LeadTimeMinutes: &lead30},
			wantFire: []time.Time{now.Add(30 * time.Minute)},
		},
		{
			name:      "push supported and enabled",
			start:     now.Add(time.Hour),
			prefs:     domain.StoredPreferences{Channels: map[domain.Channel]bool{domain.ChannelPush: on}},
			supported: map[domain.Channel]bool{domain.ChannelEmail: true, domain.ChannelPush: true},
			wantFire:  []time.Time{now.Add(45 * time.Minute), now.Add(45 * time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := tt.supported
			if sup == nil {
				sup = emailOnly()
			}
			u := testUser(t, "Ann", tt.prefs)
			occ := testClass(t, tt.start)

			items := PlanReminders(occ, []*domain.User{u}, now, sup)
			if len(items) != len(tt.wantFire) {
				t.Fatalf("want %d items, got %d", len(tt.wantFire), len(items))
			}
			for i, it := range items {
				if !it.ScheduledTime.Equal(tt.wantFire[i]) {
					t.Errorf("item %d fires at %v, want %v", i, it.ScheduledTime, tt.wantFire[i])
				}
				if it.Status != domain.ReminderPending || it.ClassID != occ.ID || it.UserID != u.ID {
					t.Errorf("unexpected item %+v", it)
				}
				if !sup[it.Channel] {
					t.Errorf("item on unsupported channel %s", it.Channel)
				}
			}
		})
	}
}

func TestPlanMultipleRecipients(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	lead5 := 5
	a := testUser(t, "Ann", domain.StoredPreferences{})
	b := testUser(t, "Ann (lab)", domain.StoredPreferences{LeadTimeMinutes: &lead5})
	store := &memReminders{}
	p := newTestPlanner(store, memUsers{"teacher@school.example": {a, b}}, false, now)

	items := p.ScheduleClass(context.Background(), testClass(t, now.Add(time.Hour)))
	if len(items) != 2 || len(store.items) != 2 {
		t.Fatalf("want one item per account, got %d stored %d", len(items), len(store.items))
	}
	if !store.items[1].ScheduledTime.Equal(now.Add(55 * time.Minute)) {
		t.Fatalf("second recipient uses its own lead time, got %v", store.items[1].ScheduledTime)
	}
}

func TestPlanTwiceDuplicatesUnlessDeduped(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	u := testUser(t, "Ann", domain.StoredPreferences{})
	occ := testClass(t, now.Add(time.Hour))

	plain := &memReminders{}
	p := newTestPlanner(plain, nil, false, now)
	p.Plan(context.Background(), occ, []*domain.User{u})
	p.Plan(context.Background(), occ, []*domain.User{u})
	if len(plain.items) != 2 {
		t.Fatalf("without dedupe re-planning duplicates, got %d items", len(plain.items))
	}

	deduped := &memReminders{}
	p = newTestPlanner(deduped, nil, true, now)
	first := p.Plan(context.Background(), occ, []*domain.User{u})
	second := p.Plan(context.Background(), occ, []*domain.User{u})
	if len(deduped.items) != 1 || len(first) != 1 || len(second) != 0 {
		t.Fatalf("dedupe: stored %d, first %d, second %d", len(deduped.items), len(first), len(second))
	}
}

func TestPlanStoreFailureKeepsEarlierItems(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	users := []*domain.User{
		testUser(t, "A", domain.StoredPreferences{}),
		testUser(t, "B", domain.StoredPreferences{}),
		testUser(t, "C", domain.StoredPreferences{}),
	}
	store := &memReminders{failAt: 2}
	p := newTestPlanner(store, nil, false, now)

	got := p.Plan(context.Background(), testClass(t, now.Add(time.Hour)), users)
	if len(got) != 1 || len(store.items) != 1 || store.items[0].UserID != users[0].ID {
		t.Fatalf("planning should stop at the failure without rollback: returned %d stored %d", len(got), len(store.items))
	}
	if store.calls != 2 {
		t.Fatalf("no inserts after the failure, got %d calls", store.calls)
	}
}

func TestScheduleClassLookupFailure(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := &memReminders{}
	p := newTestPlanner(store, memUsers{}, false, now)

	occ := testClass(t, now.Add(time.Hour))
	occ.TeacherEmail = "broken@school.example"
	if got := p.ScheduleClass(context.Background(), occ); got != nil {
		t.Fatalf("lookup failure yields nothing, got %d", len(got))
	}
	if got := p.ScheduleClass(context.Background(), nil); got != nil {
		t.Fatal("nil occurrence yields nothing")
	}
	occ.TeacherEmail = "nobody@school.example"
	if got := p.ScheduleClass(context.Background(), occ); len(got) != 0 || len(store.items) != 0 {
		t.Fatal("no recipients, nothing stored")
	}
}
