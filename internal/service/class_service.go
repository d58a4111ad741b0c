package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/logx"
	"github.com/tazhate/classbell/internal/storage"
)

var ErrNotFound = errors.New("not found")

type ClassService struct {
	storage *storage.Storage
	planner *Planner
	log     logx.Logger
	now     func() time.Time
}

func NewClassService(s *storage.Storage, p *Planner, log logx.Logger) *ClassService {
	return &ClassService{
		storage: s,
		planner: p,
		log:     log.With(logx.String("component", "classes")),
		now:     time.Now,
	}
}

// Create stores the class and plans its reminders. Planning problems are
// logged by the planner and never fail the call.
func (s *ClassService) Create(ctx context.Context, occ *domain.ClassOccurrence) ([]*domain.ReminderItem, error) {
	if occ == nil {
		return nil, fmt.Errorf("%w: class is required", domain.ErrInvalidClass)
	}
	if err := s.storage.CreateClass(ctx, occ); err != nil {
		return nil, fmt.Errorf("create class: %w", err)
	}
	s.log.Info("class created",
		logx.String("class_id", occ.ID),
		logx.String("title", occ.Title),
		logx.Time("start", occ.Start))

	return s.planner.ScheduleClass(ctx, occ), nil
}

// Exists reports whether a class with this id was already imported.
func (s *ClassService) Exists(ctx context.Context, id string) (bool, error) {
	return s.storage.ClassExists(ctx, id)
}

func (s *ClassService) Get(ctx context.Context, id string) (*domain.ClassOccurrence, error) {
	c, err := s.storage.GetClass(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListUpcoming returns classes starting within the next hours.
func (s *ClassService) ListUpcoming(ctx context.Context, hours int) ([]*domain.ClassOccurrence, error) {
	if hours <= 0 {
		hours = 24
	}
	now := s.now()
	return s.storage.ListClassesBetween(ctx, now, now.Add(time.Duration(hours)*time.Hour))
}

// ListForTeacher returns the organizer's classes for the next days.
func (s *ClassService) ListForTeacher(ctx context.Context, email string, days int) ([]*domain.ClassOccurrence, error) {
	if days <= 0 {
		days = 7
	}
	now := s.now()
	return s.storage.ListClassesByTeacher(ctx, email, now, now.AddDate(0, 0, days))
}
