package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/classbell/internal/domain"
	"github.com/tazhate/classbell/internal/importer"
	"github.com/tazhate/classbell/internal/logx"
)

var ErrSyncDisabled = errors.New("timetable sync is not configured")

// EventSource is a remote calendar holding the timetable.
type EventSource interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]ical.Event, error)
	Username() string
}

type ImportReport struct {
	Created   int                 `json:"classes_created"`
	Skipped   int                 `json:"classes_skipped"`
	Reminders int                 `json:"reminders_scheduled"`
	Errors    []importer.RowError `json:"errors,omitempty"`
}

type TimetableService struct {
	classes *ClassService
	source  EventSource
	loc     *time.Location
	horizon time.Duration
	log     logx.Logger
	now     func() time.Time
}

// NewTimetableService creates the importer front. source may be nil when no
// remote calendar is configured.
func NewTimetableService(classes *ClassService, source EventSource, loc *time.Location, horizonDays int, log logx.Logger) *TimetableService {
	if loc == nil {
		loc = time.UTC
	}
	if horizonDays <= 0 {
		horizonDays = 14
	}
	return &TimetableService{
		classes: classes,
		source:  source,
		loc:     loc,
		horizon: time.Duration(horizonDays) * 24 * time.Hour,
		log:     log.With(logx.String("component", "timetable")),
		now:     time.Now,
	}
}

// Import reads an uploaded .csv or .ics file and creates its classes.
func (s *TimetableService) Import(ctx context.Context, filename string, r io.Reader) (*ImportReport, error) {
	res, err := importer.Parse(filename, r, importer.Options{Location: s.loc})
	if err != nil {
		return nil, err
	}
	rep := s.apply(ctx, res)
	s.log.Info("timetable imported",
		logx.String("file", filename),
		logx.Int("created", rep.Created),
		logx.Int("skipped", rep.Skipped),
		logx.Int("rejected", len(rep.Errors)))
	return rep, nil
}

// Sync pulls upcoming events from the remote calendar. Events whose UID is
// already a class are left alone.
func (s *TimetableService) Sync(ctx context.Context) (*ImportReport, error) {
	if s.source == nil {
		return nil, ErrSyncDisabled
	}
	from := s.now()
	events, err := s.source.ListEvents(ctx, from, from.Add(s.horizon))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	res := &importer.Result{}
	opts := importer.Options{Location: s.loc, Organizer: s.source.Username()}
	for i := range events {
		c, err := importer.EventToClass(&events[i], opts)
		if err != nil {
			uid := ""
			if p := events[i].Props.Get(ical.PropUID); p != nil {
				uid = p.Value
			}
			res.Errors = append(res.Errors, importer.RowError{Row: i + 1, Ref: uid, Err: err.Error()})
			continue
		}
		res.Classes = append(res.Classes, c)
	}

	rep := s.apply(ctx, res)
	s.log.Info("timetable synced",
		logx.Int("events", len(events)),
		logx.Int("created", rep.Created),
		logx.Int("skipped", rep.Skipped),
		logx.Int("rejected", len(rep.Errors)))
	return rep, nil
}

func (s *TimetableService) apply(ctx context.Context, res *importer.Result) *ImportReport {
	rep := &ImportReport{Errors: res.Errors}
	for i, c := range res.Classes {
		exists, err := s.classes.Exists(ctx, c.ID)
		if err != nil {
			rep.Errors = append(rep.Errors, rowError(i, c, err))
			continue
		}
		if exists {
			rep.Skipped++
			continue
		}
		items, err := s.classes.Create(ctx, c)
		if err != nil {
			rep.Errors = append(rep.Errors, rowError(i, c, err))
			continue
		}
		rep.Created++
		rep.Reminders += len(items)
	}
	return rep
}

func rowError(i int, c *domain.ClassOccurrence, err error) importer.RowError {
	return importer.RowError{Row: i + 1, Ref: c.ID, Err: err.Error()}
}
