// Package importer turns timetable files into class occurrences.
package importer

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/classbell/internal/domain"
)

var (
	ErrUnsupportedFormat = errors.New("only .csv and .ics files are supported")
	ErrMissingColumns    = errors.New("missing columns")
)

// RowError describes one rejected row or event. Row is 1-based and counts
// the header line for CSV; for ICS it is the event position.
type RowError struct {
	Row int    `json:"row"`
	Ref string `json:"ref,omitempty"`
	Err string `json:"error"`
}

func (e RowError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("row %d (%s): %s", e.Row, e.Ref, e.Err)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Err)
}

type Result struct {
	Classes []*domain.ClassOccurrence
	Errors  []RowError
}

func (r *Result) reject(row int, ref string, err error) {
	r.Errors = append(r.Errors, RowError{Row: row, Ref: ref, Err: err.Error()})
}

type Options struct {
	// Location applies to timestamps without an offset.
	Location *time.Location
	// Organizer is used for events without an ORGANIZER.
	Organizer string
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// Parse picks the parser from the file extension.
func Parse(filename string, r io.Reader, opts Options) (*Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r, opts)
	case ".ics", ".ical":
		return ParseICS(r, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
	}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTime accepts RFC 3339 and the common local date-time layouts
// spreadsheets export. Values without an offset are read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
