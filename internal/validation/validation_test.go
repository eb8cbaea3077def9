package validation

import (
	"errors"
	"testing"
	"time"
)

func TestParseDate_AcceptedForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{
			"offset form",
			"2026-02-09T21:42:00+01:00",
			time.Date(2026, time.February, 9, 20, 42, 0, 0, time.UTC),
		},
		{
			"z form",
			"2026-02-09T20:42:00Z",
			time.Date(2026, time.February, 9, 20, 42, 0, 0, time.UTC),
		},
		{
			"bare date",
			"2026-02-09",
			time.Date(2026, time.February, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			"negative offset",
			"2026-02-09T15:42:00-05:00",
			time.Date(2026, time.February, 9, 20, 42, 0, 0, time.UTC),
		},
		{
			"trimmed",
			"  2026-02-09  ",
			time.Date(2026, time.February, 9, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDate(tc.input)
			if err != nil {
				t.Fatalf("ParseDate(%q) err = %v", tc.input, err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("ParseDate(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseDate_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"garbage", "next tuesday"},
		{"no offset", "2026-02-09T21:42:00"},
		{"slashed", "09/02/2026"},
		{"unix timestamp", "1770673320"},
		{"time only", "21:42:00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDate(tc.input)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrDateInvalid) {
				t.Errorf("error = %v, want ErrDateInvalid", err)
			}
		})
	}
}

func TestParseSol_Valid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"zero", "0", 0},
		{"typical", "4804", 4804},
		{"trimmed", " 669 ", 669},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSol(tc.input)
			if err != nil {
				t.Fatalf("ParseSol(%q) err = %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("ParseSol(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseSol_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"negative", "-1"},
		{"fractional", "4.5"},
		{"word", "latest"},
		{"trailing junk", "4804x"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSol(tc.input)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrSolInvalid) {
				t.Errorf("error = %v, want ErrSolInvalid", err)
			}
		})
	}
}
