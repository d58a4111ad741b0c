package importer

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/tazhate/classbell/internal/domain"
)

// ParseICS reads every VEVENT of one or more VCALENDAR objects.
// Cancelled events are skipped silently.
func ParseICS(r io.Reader, opts Options) (*Result, error) {
	dec := ical.NewDecoder(r)
	res := &Result{}
	n := 0
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode calendar: %w", err)
		}
		for _, ev := range cal.Events() {
			n++
			if isCancelled(&ev) {
				continue
			}
			c, err := EventToClass(&ev, opts)
			if err != nil {
				res.reject(n, propText(ev.Props, ical.PropUID), err)
				continue
			}
			res.Classes = append(res.Classes, c)
		}
	}
	return res, nil
}

// EventToClass maps a VEVENT onto a class occurrence keyed by its UID.
// SUMMARY is the title, LOCATION the room, ORGANIZER the teacher.
func EventToClass(ev *ical.Event, opts Options) (*domain.ClassOccurrence, error) {
	loc := opts.location()

	start, err := ev.DateTimeStart(loc)
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ev.DateTimeEnd(loc)
	if err != nil {
		return nil, fmt.Errorf("DTEND: %w", err)
	}

	organizer := organizerEmail(ev.Props)
	if organizer == "" {
		organizer = opts.Organizer
	}

	recurrence, err := recurrenceOf(ev, start, loc)
	if err != nil {
		return nil, err
	}

	return domain.NewClassOccurrence(
		propText(ev.Props, ical.PropUID),
		propText(ev.Props, ical.PropSummary),
		propText(ev.Props, ical.PropLocation),
		organizer,
		start, end, recurrence,
	)
}

// recurrenceOf maps RRULE onto the supported patterns. A fortnightly rule
// becomes odd or even weeks by the ISO week of the first occurrence;
// anything else that is not weekly is treated as a single occurrence.
func recurrenceOf(ev *ical.Event, start time.Time, loc *time.Location) (domain.Recurrence, error) {
	rule, err := ev.Props.RecurrenceRule()
	if err != nil {
		return "", fmt.Errorf("RRULE: %w", err)
	}
	if rule == nil || rule.Freq != rrule.WEEKLY {
		return domain.RecurrenceOnce, nil
	}
	switch rule.Interval {
	case 0, 1:
		return domain.RecurrenceWeekly, nil
	case 2:
		if _, week := start.In(loc).ISOWeek(); week%2 == 1 {
			return domain.RecurrenceOddWeeks, nil
		}
		return domain.RecurrenceEvenWeeks, nil
	default:
		return domain.RecurrenceOnce, nil
	}
}

func organizerEmail(props ical.Props) string {
	p := props.Get(ical.PropOrganizer)
	if p == nil {
		return ""
	}
	v := strings.TrimSpace(p.Value)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	return v
}

func isCancelled(ev *ical.Event) bool {
	return strings.EqualFold(propText(ev.Props, ical.PropStatus), "CANCELLED")
}

func propText(props ical.Props, name string) string {
	p := props.Get(name)
	if p == nil {
		return ""
	}
	if s, err := p.Text(); err == nil {
		return s
	}
	return p.Value
}
