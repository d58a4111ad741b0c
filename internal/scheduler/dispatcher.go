package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
	"github.com/tazhate/classbell/internal/notify"
)

const (
	DefaultBatchSize   = 100
	DefaultSendTimeout = 30 * time.Second
)

// Store is what a dispatch tick reads and writes.
type Store interface {
	ListDueReminders(ctx context.Context, now time.Time, limit int) ([]*domain.ReminderItem, error)
	CompleteReminder(ctx context.Context, id string, status domain.ReminderStatus, at time.Time, errMsg string) (bool, error)
	AppendDispatchLog(ctx context.Context, e *domain.DispatchLogEntry) error
	GetClass(ctx context.Context, id string) (*domain.ClassOccurrence, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

type Notifier interface {
	SendTo(ctx context.Context, ch domain.Channel, u *domain.User, msg notify.Message) error
}

type DispatcherOptions struct {
	BatchSize   int
	Workers     int
	SendTimeout time.Duration
	Location    *time.Location // fallback for users without a time zone
}

// TickReport summarises one dispatch tick.
type TickReport struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Skipped   bool          `json:"skipped"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`  // left pending: class or user missing, or an internal error
	Conflicts int           `json:"conflicts"` // already completed by someone else
	Err       error         `json:"-"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeDeferred
	outcomeConflict
)

type Dispatcher struct {
	store    Store
	notifier Notifier
	opts     DispatcherOptions
	log      logx.Logger
	now      func() time.Time
	running  atomic.Bool
}

func NewDispatcher(store Store, notifier Notifier, opts DispatcherOptions, log logx.Logger) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		opts:     opts,
		log:      log.With(logx.String("component", "dispatcher")),
		now:      time.Now,
	}
}

// Tick dispatches every due reminder once. A tick started while another
// one is still running returns immediately with Skipped set.
func (d *Dispatcher) Tick(ctx context.Context) (report TickReport) {
	started := d.now()
	if !d.running.CompareAndSwap(false, true) {
		d.log.Warn("previous tick still running, skipping")
		return TickReport{Started: started, Skipped: true}
	}
	defer d.running.Store(false)

	report = TickReport{Started: started}
	defer func() { report.Duration = d.now().Sub(started) }()

	due, err := d.store.ListDueReminders(ctx, started, d.opts.BatchSize)
	if err != nil {
		d.log.Error("query due reminders failed", logx.Err(err))
		report.Err = fmt.Errorf("list due reminders: %w", err)
		return report
	}
	report.Due = len(due)
	if len(due) == 0 {
		return report
	}

	var mu sync.Mutex
	record := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSent:
			report.Sent++
		case outcomeFailed:
			report.Failed++
		case outcomeDeferred:
			report.Deferred++
		case outcomeConflict:
			report.Conflicts++
		}
	}

	queue := make(chan *domain.ReminderItem)
	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range queue {
				record(d.dispatch(ctx, item))
			}
		}()
	}
	for _, item := range due {
		queue <- item
	}
	close(queue)
	wg.Wait()

	d.log.Info("tick finished",
		logx.Int("due", report.Due),
		logx.Int("sent", report.Sent),
		logx.Int("failed", report.Failed),
		logx.Int("deferred", report.Deferred),
		logx.Int("conflicts", report.Conflicts))
	return report
}

// dispatch handles a single item. Nothing it does can abort the tick.
func (d *Dispatcher) dispatch(ctx context.Context, item *domain.ReminderItem) (out outcome) {
	log := d.log.With(
		logx.String("reminder_id", item.ID),
		logx.String("class_id", item.ClassID),
		logx.String("user_id", item.UserID),
		logx.String("channel", string(item.Channel)))

	defer func() {
		if p := recover(); p != nil {
			log.Error("dispatch panic", logx.Any("panic", p))
			out = outcomeDeferred
		}
	}()

	if ctx.Err() != nil {
		return outcomeDeferred
	}

	class, err := d.store.GetClass(ctx, item.ClassID)
	if err != nil {
		log.Error("load class failed", logx.Err(err))
		return outcomeDeferred
	}
	if class == nil {
		log.Warn("class not found, leaving reminder pending")
		return outcomeDeferred
	}
	user, err := d.store.GetUser(ctx, item.UserID)
	if err != nil {
		log.Error("load user failed", logx.Err(err))
		return outcomeDeferred
	}
	if user == nil {
		log.Warn("user not found, leaving reminder pending")
		return outcomeDeferred
	}

	sendErr := d.send(ctx, item, class, user)
	if sendErr != nil && ctx.Err() != nil {
		log.Warn("tick cancelled during send, leaving reminder pending", logx.Err(sendErr))
		return outcomeDeferred
	}

	status, response := domain.ReminderSent, sentResponse(item.Channel)
	if sendErr != nil {
		status, response = domain.ReminderFailed, sendErr.Error()
	}
	if err := item.Complete(status, d.now(), errText(sendErr)); err != nil {
		log.Error("unexpected reminder state", logx.Err(err))
		return outcomeDeferred
	}

	// The outcome is decided; a cancelled tick must not leave a delivered
	// reminder pending.
	bookCtx := context.WithoutCancel(ctx)
	applied, err := d.store.CompleteReminder(bookCtx, item.ID, item.Status, *item.SentAt, item.Error)
	if err != nil {
		log.Error("update reminder status failed", logx.String("status", string(status)), logx.Err(err))
		return outcomeDeferred
	}
	if !applied {
		log.Warn("reminder already completed elsewhere, not logging")
		return outcomeConflict
	}

	if err := d.store.AppendDispatchLog(bookCtx, domain.NewDispatchLogEntry(item.ID, status, response, *item.SentAt)); err != nil {
		log.Error("append dispatch log failed", logx.Err(err))
	}

	if sendErr != nil {
		log.Warn("reminder failed", logx.Err(sendErr))
		return outcomeFailed
	}
	log.Debug("reminder sent")
	return outcomeSent
}

// send renders and delivers one reminder. A panicking notifier counts as a
// failed send.
func (d *Dispatcher) send(ctx context.Context, item *domain.ReminderItem, class *domain.ClassOccurrence, user *domain.User) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s sender panic: %v", item.Channel, p)
		}
	}()

	loc := d.opts.Location
	if user.Timezone != "" {
		loc = user.Location()
	}
	msg, err := notify.Render(class, user.Preferences().LeadTimeMinutes, loc)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return d.notifier.SendTo(sendCtx, item.Channel, user, msg)
}

func sentResponse(ch domain.Channel) string {
	switch ch {
	case domain.ChannelEmail:
		return "Email sent"
	case domain.ChannelPush:
		return "Push notification sent"
	case domain.ChannelSMS:
		return "SMS sent"
	}
	return string(ch) + " sent"
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
