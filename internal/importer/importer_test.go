package importer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tazhate/classbell/internal/domain"
)

const timetableCSV = `class_title,room,teacher_email,start_datetime,end_datetime,recurrence
Physics,201,Ann@School.example,2026-09-07T08:00:00Z,2026-09-07T08:45:00Z,weekly
Chemistry,Lab 2,bob@school.example,2026-09-07 10:00,2026-09-07 10:45,
Broken,301,carol@school.example,tomorrow,2026-09-07 11:45,
Backwards,302,carol@school.example,2026-09-07 12:00,2026-09-07 11:00,
,,,,,
Art,,dan@school.example,2026-09-07 13:00,2026-09-07 13:45,ONCE
`

func TestParseCSV(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	res, err := ParseCSV(strings.NewReader(timetableCSV), Options{Location: berlin})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Classes) != 2 {
		t.Fatalf("want 2 valid classes, got %d (%v)", len(res.Classes), res.Errors)
	}
	phys, chem := res.Classes[0], res.Classes[1]
	if phys.TeacherEmail != "ann@school.example" || phys.Recurrence != domain.RecurrenceWeekly {
		t.Fatalf("physics: %+v", phys)
	}
	if !phys.Start.Equal(time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("explicit offset must win: %v", phys.Start)
	}
	if !chem.Start.Equal(time.Date(2026, 9, 7, 8, 0, 0, 0, time.UTC)) || chem.Recurrence != domain.RecurrenceOnce {
		t.Fatalf("local time read in Berlin: %+v", chem)
	}

	if len(res.Errors) != 3 {
		t.Fatalf("want 3 row errors, got %v", res.Errors)
	}
	if res.Errors[0].Row != 4 || res.Errors[0].Ref != "Broken" {
		t.Fatalf("row numbers count the header: %+v", res.Errors[0])
	}
}

func TestParseCSVMissingColumns(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("class_title,room\nMaths,1\n"), Options{})
	if !errors.Is(err, ErrMissingColumns) || !strings.Contains(err.Error(), "teacher_email") {
		t.Fatalf("want missing columns error, got %v", err)
	}
	if _, err := ParseCSV(strings.NewReader(""), Options{}); !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("empty file: %v", err)
	}
}

const timetableICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//School//Timetable//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:phys-101\r\n" +
	"DTSTAMP:20260901T000000Z\r\n" +
	"SUMMARY:Physics\r\n" +
	"LOCATION:Room 201\r\n" +
	"ORGANIZER;CN=Ann:MAILTO:Ann@School.example\r\n" +
	"DTSTART:20260907T080000Z\r\n" +
	"DTEND:20260907T084500Z\r\n" +
	"RRULE:FREQ=WEEKLY;INTERVAL=2\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:chem-7\r\n" +
	"DTSTAMP:20260901T000000Z\r\n" +
	"SUMMARY:Chemistry\r\n" +
	"LOCATION:Lab\r\n" +
	"DTSTART:20260908T090000Z\r\n" +
	"DTEND:20260908T094500Z\r\n" +
	"RRULE:FREQ=WEEKLY\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:no-room\r\n" +
	"DTSTAMP:20260901T000000Z\r\n" +
	"SUMMARY:Assembly\r\n" +
	"DTSTART:20260909T090000Z\r\n" +
	"DTEND:20260909T094500Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:gone\r\n" +
	"DTSTAMP:20260901T000000Z\r\n" +
	"STATUS:CANCELLED\r\n" +
	"SUMMARY:Cancelled\r\n" +
	"LOCATION:Hall\r\n" +
	"DTSTART:20260910T090000Z\r\n" +
	"DTEND:20260910T094500Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func TestParseICS(t *testing.T) {
	res, err := Parse("week.ics", strings.NewReader(timetableICS), Options{Organizer: "office@school.example"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Classes) != 2 || len(res.Errors) != 1 {
		t.Fatalf("want 2 classes and 1 error, got %d / %v", len(res.Classes), res.Errors)
	}

	phys := res.Classes[0]
	if phys.ID != "phys-101" || phys.Title != "Physics" || phys.Room != "Room 201" {
		t.Fatalf("physics: %+v", phys)
	}
	if phys.TeacherEmail != "ann@school.example" {
		t.Fatalf("organizer: %q", phys.TeacherEmail)
	}
	// 2026-09-07 is in ISO week 37.
	if phys.Recurrence != domain.RecurrenceOddWeeks {
		t.Fatalf("fortnightly rule: %s", phys.Recurrence)
	}
	if phys.End.Sub(phys.Start) != 45*time.Minute {
		t.Fatalf("duration: %v", phys.End.Sub(phys.Start))
	}

	chem := res.Classes[1]
	if chem.TeacherEmail != "office@school.example" || chem.Recurrence != domain.RecurrenceWeekly {
		t.Fatalf("chemistry: %+v", chem)
	}
	if res.Errors[0].Ref != "no-room" {
		t.Fatalf("error ref: %+v", res.Errors[0])
	}
}

func TestParseRejectsUnknownExtension(t *testing.T) {
	if _, err := Parse("timetable.xlsx", strings.NewReader(""), Options{}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("want ErrUnsupportedFormat, got %v", err)
	}
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{"2026-09-07T08:00:00+02:00", "2026-09-07T06:00:00", "2026-09-07 06:00:00", "2026-09-07T06:00", "2026-09-07 06:00"} {
		got, err := ParseTime(s, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		if !got.Equal(time.Date(2026, 9, 7, 6, 0, 0, 0, time.UTC)) {
			t.Fatalf("%s parsed as %v", s, got)
		}
	}
	if _, err := ParseTime("07/09/2026", time.UTC); err == nil {
		t.Fatal("ambiguous layout must be rejected")
	}
}
