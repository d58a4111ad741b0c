package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/classbell/internal/logx"
)

// SyncFunc pulls timetables from an external calendar.
type SyncFunc func(ctx context.Context) error

type Options struct {
	Schedule     string // dispatch tick, "@every 5m" by default
	SyncSchedule string // empty disables the sync entry
	RunOnStartup bool
	Location     *time.Location
}

// Status is the health view of the scheduler.
type Status struct {
	Running       bool        `json:"running"`
	Schedule      string      `json:"schedule"`
	NextTick      *time.Time  `json:"next_tick,omitempty"`
	LastTick      *time.Time  `json:"last_tick,omitempty"`
	LastReport    *TickReport `json:"last_report,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	LastSync      *time.Time  `json:"last_sync,omitempty"`
	LastSyncError string      `json:"last_sync_error,omitempty"`
}

type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	sync       SyncFunc
	opts       Options
	log        logx.Logger

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	tickEntry cron.EntryID
	status    Status
}

func New(dispatcher *Dispatcher, opts Options, log logx.Logger) *Scheduler {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	log = log.With(logx.String("component", "scheduler"))
	cl := logx.CronLogger(log)

	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Scheduler{
		cron:       c,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log,
		ctx:        context.Background(),
		status:     Status{Schedule: opts.Schedule},
	}
}

// SetSync installs the timetable sync job. Call before Start.
func (s *Scheduler) SetSync(fn SyncFunc) {
	s.sync = fn
}

// Start registers the jobs, starts cron and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.ctx = ctx
	s.mu.Unlock()

	id, err := s.cron.AddFunc(s.opts.Schedule, func() { s.RunNow(s.context()) })
	if err != nil {
		return fmt.Errorf("add dispatch tick: %w", err)
	}

	if s.sync != nil && s.opts.SyncSchedule != "" {
		if _, err := s.cron.AddFunc(s.opts.SyncSchedule, func() { s.runSync(s.context()) }); err != nil {
			return fmt.Errorf("add timetable sync: %w", err)
		}
	}

	s.mu.Lock()
	s.tickEntry = id
	s.running = true
	s.status.Running = true
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started",
		logx.String("schedule", s.opts.Schedule),
		logx.String("sync_schedule", s.opts.SyncSchedule),
		logx.String("tz", s.opts.Location.String()))

	if s.opts.RunOnStartup {
		go s.RunNow(ctx)
	}

	<-ctx.Done()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.status.Running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// RunNow runs one dispatch tick outside the cron schedule.
func (s *Scheduler) RunNow(ctx context.Context) TickReport {
	report := s.dispatcher.Tick(ctx)
	if report.Skipped {
		return report
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	started := report.Started
	s.status.LastTick = &started
	s.status.LastReport = &report
	s.status.LastError = ""
	if report.Err != nil {
		s.status.LastError = report.Err.Error()
	}
	return report
}

// SyncNow runs the timetable sync once.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if s.sync == nil {
		return fmt.Errorf("timetable sync not configured")
	}
	return s.runSync(ctx)
}

func (s *Scheduler) runSync(ctx context.Context) error {
	err := s.sync(ctx)

	s.mu.Lock()
	now := time.Now()
	s.status.LastSync = &now
	s.status.LastSyncError = ""
	if err != nil {
		s.status.LastSyncError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("timetable sync failed", logx.Err(err))
	}
	return err
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.running {
		if next := s.cron.Entry(s.tickEntry).Next; !next.IsZero() {
			st.NextTick = &next
		}
	}
	return st
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
