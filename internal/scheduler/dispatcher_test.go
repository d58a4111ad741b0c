package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
	"github.com/tazhate/classbell/internal/notify"
	"github.com/tazhate/classbell/internal/service"
	"github.com/tazhate/classbell/internal/storage"
)

type memStore struct {
	mu        sync.Mutex
	reminders map[string]*domain.ReminderItem
	classes   map[string]*domain.ClassOccurrence
	users     map[string]*domain.User
	logs      []*domain.DispatchLogEntry
	listErr   error
	stolen    map[string]bool // completed by another actor before us
}

func newMemStore() *memStore {
	return &memStore{
		reminders: map[string]*domain.ReminderItem{},
		classes:   map[string]*domain.ClassOccurrence{},
		users:     map[string]*domain.User{},
		stolen:    map[string]bool{},
	}
}

func (m *memStore) ListDueReminders(_ context.Context, now time.Time, limit int) ([]*domain.ReminderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*domain.ReminderItem
	for _, r := range m.reminders {
		if r.Status == domain.ReminderPending && !r.ScheduledTime.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CompleteReminder(_ context.Context, id string, status domain.ReminderStatus, at time.Time, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || m.stolen[id] {
		return false, nil
	}
	if err := r.Complete(status, at, errMsg); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memStore) AppendDispatchLog(_ context.Context, e *domain.DispatchLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

func (m *memStore) GetClass(_ context.Context, id string) (*domain.ClassOccurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classes[id], nil
}

func (m *memStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *memStore) status(id string) domain.ReminderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reminders[id].Status
}

type fakeNotifier struct {
	mu      sync.Mutex
	err     error
	panicOn string // user id
	block   chan struct{}
	started chan struct{}
	onSend  func()
	sent    []string
}

func (f *fakeNotifier) SendTo(ctx context.Context, _ domain.Channel, u *domain.User, _ notify.Message) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if u.ID == f.panicOn {
		panic("boom")
	}
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, u.ID)
	return f.err
}

var tickTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// seed adds a class, a user and one due email reminder for them.
func (m *memStore) seed(t *testing.T, fireAt time.Time) *domain.ReminderItem {
	t.Helper()
	u, err := domain.NewUser("Ann", "ann@school.example", domain.RoleStaff)
	if err != nil {
		t.Fatal(err)
	}
	c, err := domain.NewClassOccurrence("", "Biology", "L3", u.Email, fireAt.Add(15*time.Minute), fireAt.Add(time.Hour), domain.RecurrenceOnce)
	if err != nil {
		t.Fatal(err)
	}
	r := domain.NewReminderItem(c.ID, u.ID, fireAt, domain.ChannelEmail)
	m.users[u.ID] = u
	m.classes[c.ID] = c
	m.reminders[r.ID] = r
	return r
}

func newTestDispatcher(store Store, n Notifier, workers int) *Dispatcher {
	d := NewDispatcher(store, n, DispatcherOptions{Workers: workers}, logx.Nop())
	d.now = func() time.Time { return tickTime }
	return d
}

func TestTickSendsAndLogs(t *testing.T) {
	store := newMemStore()
	r := store.seed(t, tickTime.Add(-time.Minute))
	future := store.seed(t, tickTime.Add(time.Minute))
	n := &fakeNotifier{}
	d := newTestDispatcher(store, n, 1)

	rep := d.Tick(context.Background())
	if rep.Due != 1 || rep.Sent != 1 || rep.Err != nil {
		t.Fatalf("unexpected report %+v", rep)
	}
	if store.status(r.ID) != domain.ReminderSent || store.status(future.ID) != domain.ReminderPending {
		t.Fatal("only the due item is sent")
	}
	if len(store.logs) != 1 || store.logs[0].Status != domain.ReminderSent || store.logs[0].Response != "Email sent" {
		t.Fatalf("unexpected logs %+v", store.logs)
	}

	rep = d.Tick(context.Background())
	if rep.Due != 0 || len(n.sent) != 1 {
		t.Fatalf("sent item must not be picked again: %+v", rep)
	}
}

func TestTickRecordsFailure(t *testing.T) {
	store := newMemStore()
	r := store.seed(t, tickTime.Add(-time.Minute))
	d := newTestDispatcher(store, &fakeNotifier{err: errors.New("535 authentication failed")}, 1)

	rep := d.Tick(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := store.reminders[r.ID]
	if got.Status != domain.ReminderFailed || got.Error != "535 authentication failed" || got.SentAt == nil {
		t.Fatalf("failed item %+v", got)
	}
	if len(store.logs) != 1 || store.logs[0].Response != "535 authentication failed" {
		t.Fatalf("diagnostic must be logged: %+v", store.logs)
	}

	if rep := d.Tick(context.Background()); rep.Due != 0 {
		t.Fatal("failed items are not retried")
	}
}

func TestTickLeavesPendingWhenEntitiesMissing(t *testing.T) {
	store := newMemStore()
	noClass := store.seed(t, tickTime.Add(-2*time.Minute))
	delete(store.classes, noClass.ClassID)
	noUser := store.seed(t, tickTime.Add(-time.Minute))
	delete(store.users, noUser.UserID)
	n := &fakeNotifier{}
	d := newTestDispatcher(store, n, 1)

	rep := d.Tick(context.Background())
	if rep.Deferred != 2 || rep.Sent+rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if store.status(noClass.ID) != domain.ReminderPending || store.status(noUser.ID) != domain.ReminderPending {
		t.Fatal("items must stay pending")
	}
	if len(store.logs) != 0 || len(n.sent) != 0 {
		t.Fatal("no send and no log entry for missing entities")
	}
}

func TestTickIsolatesPanics(t *testing.T) {
	store := newMemStore()
	bad := store.seed(t, tickTime.Add(-2*time.Minute))
	good := store.seed(t, tickTime.Add(-time.Minute))
	d := newTestDispatcher(store, &fakeNotifier{panicOn: bad.UserID}, 1)

	rep := d.Tick(context.Background())
	if rep.Sent != 1 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if store.status(good.ID) != domain.ReminderSent {
		t.Fatal("a panic on one item must not stop the others")
	}

	failed := store.reminders[bad.ID]
	if failed.Status != domain.ReminderFailed || failed.Error != "email sender panic: boom" {
		t.Fatalf("panicking sender must fail the item: %+v", failed)
	}
	var logged bool
	for _, e := range store.logs {
		if e.ReminderID == bad.ID && e.Status == domain.ReminderFailed && e.Response == "email sender panic: boom" {
			logged = true
		}
	}
	if !logged {
		t.Fatalf("panic not logged: %+v", store.logs)
	}
	if rep := d.Tick(context.Background()); rep.Due != 0 {
		t.Fatal("panicked item must not be retried")
	}
}

func TestTickStoreFailure(t *testing.T) {
	store := newMemStore()
	store.seed(t, tickTime.Add(-time.Minute))
	store.listErr = errors.New("database is locked")
	n := &fakeNotifier{}
	d := newTestDispatcher(store, n, 1)

	rep := d.Tick(context.Background())
	if rep.Err == nil || len(n.sent) != 0 || len(store.logs) != 0 {
		t.Fatalf("query failure ends the tick: %+v", rep)
	}

	store.listErr = nil
	if rep := d.Tick(context.Background()); rep.Sent != 1 {
		t.Fatalf("next tick recovers: %+v", rep)
	}
}

func TestTickConflictWritesNoLog(t *testing.T) {
	store := newMemStore()
	r := store.seed(t, tickTime.Add(-time.Minute))
	store.stolen[r.ID] = true
	d := newTestDispatcher(store, &fakeNotifier{}, 1)

	rep := d.Tick(context.Background())
	if rep.Conflicts != 1 || len(store.logs) != 0 {
		t.Fatalf("lost transition must not be logged: %+v, %d logs", rep, len(store.logs))
	}
}

func TestTickSingleFlight(t *testing.T) {
	store := newMemStore()
	store.seed(t, tickTime.Add(-time.Minute))
	n := &fakeNotifier{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(store, n, 1)

	done := make(chan TickReport)
	go func() { done <- d.Tick(context.Background()) }()
	<-n.started

	if rep := d.Tick(context.Background()); !rep.Skipped {
		t.Fatalf("overlapping tick must be skipped: %+v", rep)
	}
	close(n.block)
	if rep := <-done; rep.Sent != 1 {
		t.Fatalf("first tick: %+v", rep)
	}
	if len(store.logs) != 1 {
		t.Fatalf("item dispatched once, got %d logs", len(store.logs))
	}
}

func TestTickWorkersHandleEveryItem(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 20; i++ {
		store.seed(t, tickTime.Add(-time.Duration(i+1)*time.Second))
	}
	d := newTestDispatcher(store, &fakeNotifier{}, 4)

	rep := d.Tick(context.Background())
	if rep.Due != 20 || rep.Sent != 20 || len(store.logs) != 20 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestTickRespectsBatchSize(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.seed(t, tickTime.Add(-time.Duration(i+1)*time.Second))
	}
	d := NewDispatcher(store, &fakeNotifier{}, DispatcherOptions{BatchSize: 2}, logx.Nop())
	d.now = func() time.Time { return tickTime }

	if rep := d.Tick(context.Background()); rep.Due != 2 {
		t.Fatalf("batch not applied: %+v", rep)
	}
}

// Plan at T for a class at T+20 with the default lead; a tick at T+6 sends it.
func TestPlanThenDispatchEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := storage.New(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	users := service.NewUserService(st)
	if _, err := users.Create(ctx, service.NewUserInput{Name: "Ann", Email: "ann@school.example"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	supported := func() map[domain.Channel]bool { return map[domain.Channel]bool{domain.ChannelEmail: true} }
	planner := service.NewPlanner(st, st, supported, false, logx.Nop())
	classes := service.NewClassService(st, planner, logx.Nop())

	occ, err := domain.NewClassOccurrence("", "Chemistry", "C1", "ann@school.example", now.Add(20*time.Minute), now.Add(time.Hour), domain.RecurrenceOnce)
	if err != nil {
		t.Fatal(err)
	}
	items, err := classes.Create(ctx, occ)
	if err != nil || len(items) != 1 {
		t.Fatalf("planned %d items, %v", len(items), err)
	}
	if want := now.Add(5 * time.Minute); !items[0].ScheduledTime.Equal(want) {
		t.Fatalf("fire time %v, want %v", items[0].ScheduledTime, want)
	}

	n := &fakeNotifier{}
	d := NewDispatcher(st, n, DispatcherOptions{}, logx.Nop())

	d.now = func() time.Time { return now.Add(4 * time.Minute) }
	if rep := d.Tick(ctx); rep.Due != 0 {
		t.Fatalf("not due yet: %+v", rep)
	}

	d.now = func() time.Time { return now.Add(6 * time.Minute) }
	if rep := d.Tick(ctx); rep.Sent != 1 {
		t.Fatalf("due at T+6: %+v", rep)
	}
	got, err := st.GetReminder(ctx, items[0].ID)
	if err != nil || got.Status != domain.ReminderSent {
		t.Fatalf("reminder %+v, %v", got, err)
	}
	logs, err := st.ListDispatchLogs(ctx, 10)
	if err != nil || len(logs) != 1 || logs[0].ReminderID != items[0].ID {
		t.Fatalf("logs %+v, %v", logs, err)
	}
}

// A tick cancelled after the send went out still records the delivery.
func TestCancelAfterSendDoesNotResend(t *testing.T) {
	st, err := storage.New(filepath.Join(t.TempDir(), "cancel.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	users := service.NewUserService(st)
	if _, err := users.Create(ctx, service.NewUserInput{Name: "Ann", Email: "ann@school.example"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	supported := func() map[domain.Channel]bool { return map[domain.Channel]bool{domain.ChannelEmail: true} }
	classes := service.NewClassService(st, service.NewPlanner(st, st, supported, false, logx.Nop()), logx.Nop())
	occ, err := domain.NewClassOccurrence("", "Physics", "P2", "ann@school.example", now.Add(20*time.Minute), now.Add(time.Hour), domain.RecurrenceOnce)
	if err != nil {
		t.Fatal(err)
	}
	items, err := classes.Create(ctx, occ)
	if err != nil || len(items) != 1 {
		t.Fatalf("planned %d items, %v", len(items), err)
	}

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	n := &fakeNotifier{onSend: cancel}
	d := NewDispatcher(st, n, DispatcherOptions{}, logx.Nop())
	d.now = func() time.Time { return now.Add(6 * time.Minute) }

	if rep := d.Tick(tickCtx); rep.Sent != 1 || rep.Deferred != 0 {
		t.Fatalf("cancelled tick: %+v", rep)
	}
	got, err := st.GetReminder(ctx, items[0].ID)
	if err != nil || got.Status != domain.ReminderSent {
		t.Fatalf("reminder %+v, %v", got, err)
	}

	if rep := d.Tick(ctx); rep.Due != 0 {
		t.Fatalf("delivered reminder picked again: %+v", rep)
	}
	if len(n.sent) != 1 {
		t.Fatalf("delivered %d times", len(n.sent))
	}
	logs, err := st.ListDispatchLogs(ctx, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs %+v, %v", logs, err)
	}
}
