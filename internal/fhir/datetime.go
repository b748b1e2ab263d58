package fhir

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDateTime indicates a value that is not a FHIR date, dateTime
// or instant.
var ErrInvalidDateTime = errors.New("fhir: invalid dateTime")

// naiveZone is the zone assumed for values that carry no offset. Such a
// value could describe a moment anywhere on earth; UTC+14 is the most
// advanced clock, so reading it there yields the earliest instant the
// value could denote. Recorded transaction times then err low and a
// later incremental run re-fetches rather than skips.
var naiveZone = time.FixedZone("UTC+14", 14*60*60)

// ParseDateTime parses a FHIR date, dateTime or instant value.
//
// Partial dates fill with their earliest moment (a bare year becomes
// 1 January, a date becomes midnight). Values without a zone offset are
// interpreted in UTC+14. Leap seconds are clamped to :59, which the Go
// time package cannot represent.
func ParseDateTime(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	switch {
	case s == "":
		return time.Time{}, ErrInvalidDateTime
	case len(s) == 4:
		s += "-01"
		fallthrough
	case len(s) == 7:
		s += "-01"
		fallthrough
	case len(s) == 10:
		t, err := time.ParseInLocation("2006-01-02", s, naiveZone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, value)
		}
		return t, nil
	}

	s = clampLeapSecond(s)
	if t, err := time.Parse("2006-01-02T15:04:05Z07:00", s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, naiveZone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, value)
	}
	return t, nil
}

// clampLeapSecond rewrites a :60 seconds field to :59.
func clampLeapSecond(s string) string {
	if len(s) >= 19 && s[16] == ':' && s[17] == '6' && s[18] == '0' {
		return s[:17] + "59" + s[19:]
	}
	return s
}

// FormatInstant renders a time as the UTC instant form servers expect
// in _since and ge-prefixed search parameters.
func FormatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

// LaterOf returns the later of two times, tolerating zero values.
func LaterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
