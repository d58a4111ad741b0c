package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tazhate/classbell/internal/domain"
)

var requiredColumns = []string{"class_title", "room", "teacher_email", "start_datetime", "end_datetime"}

// ParseCSV reads a timetable with a header row. Column order is free and
// recurrence is optional. Bad rows are reported and skipped.
func ParseCSV(r io.Reader, opts Options) (*Result, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumns)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	res := &Result{}
	loc := opts.location()
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.reject(row, "", err)
			continue
		}
		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if isBlank(rec) {
			continue
		}

		start, err := ParseTime(get("start_datetime"), loc)
		if err != nil {
			res.reject(row, get("class_title"), fmt.Errorf("start_datetime: %w", err))
			continue
		}
		end, err := ParseTime(get("end_datetime"), loc)
		if err != nil {
			res.reject(row, get("class_title"), fmt.Errorf("end_datetime: %w", err))
			continue
		}
		recurrence, err := domain.ParseRecurrence(get("recurrence"))
		if err != nil {
			res.reject(row, get("class_title"), err)
			continue
		}

		c, err := domain.NewClassOccurrence(get("id"), get("class_title"), get("room"), get("teacher_email"), start, end, recurrence)
		if err != nil {
			res.reject(row, get("class_title"), err)
			continue
		}
		res.Classes = append(res.Classes, c)
	}
	return res, nil
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
