package validation

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrDateInvalid is returned when a date value matches none of the accepted forms.
var ErrDateInvalid = errors.New("date is not in a recognized form")

// ErrSolInvalid is returned when a sol value is not a non-negative integer.
var ErrSolInvalid = errors.New("sol is not a non-negative integer")

// dateLayouts are the accepted date forms, tried in order: RFC 3339 with a
// numeric UTC offset or Z, then a bare calendar date read as midnight UTC.
var dateLayouts = []string{time.RFC3339, "2006-01-02"}

// ParseDate trims the input and parses it as an RFC 3339 date-time
// ("2026-02-09T21:42:00+01:00", "2026-02-09T20:42:00Z") or a bare calendar
// date ("2026-02-09"). Returns the parsed instant or an error suitable for
// 400 INVALID_DATE responses.
func ParseDate(input string) (time.Time, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return time.Time{}, ErrDateInvalid
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrDateInvalid
}

// ParseSol parses a mission sol value as a base-10 integer >= 0.
// Returns the sol number or an error suitable for 400 INVALID_SOL responses.
func ParseSol(input string) (int64, error) {
	s := strings.TrimSpace(input)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrSolInvalid
	}
	return n, nil
}
