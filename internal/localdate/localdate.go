// Package localdate computes calendar-day values in the device's local timezone.
//
// A LocalDate is a "YYYY-MM-DD" string built from a time's own year, month and
// day accessors. Values are never normalised through UTC, so a review logged
// at 23:30 in UTC+3 still counts for that local day.
package localdate

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Layout is the wire and storage format of a LocalDate.
const Layout = "2006-01-02"

// Format returns t as a zero-padded YYYY-MM-DD string in t's own location.
func Format(t time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day())
}

// Today returns the current local date according to clock.
func Today(clock clockwork.Clock) string {
	return Format(clock.Now())
}

// Yesterday returns the local date one calendar day before clock's today.
func Yesterday(clock clockwork.Clock) string {
	now := clock.Now()
	return Format(time.Date(now.Year(), now.Month(), now.Day()-1, 12, 0, 0, 0, now.Location()))
}

// WeekStartMonday returns the Monday on or before t's calendar day.
func WeekStartMonday(t time.Time) string {
	offset := (int(t.Weekday()) + 6) % 7
	monday := time.Date(t.Year(), t.Month(), t.Day()-offset, 12, 0, 0, 0, t.Location())
	return Format(monday)
}

// Parse parses a LocalDate into a UTC midnight time. The result is meant for
// calendar arithmetic only; it carries no wall-clock meaning.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse local date %q: %w", s, err)
	}
	return t, nil
}

// Valid reports whether s is a well-formed LocalDate.
func Valid(s string) bool {
	_, err := time.Parse(Layout, s)
	return err == nil
}

// AddDays shifts a LocalDate by n calendar days.
func AddDays(s string, n int) (string, error) {
	t, err := Parse(s)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(Layout), nil
}

// DaysBetween returns the number of calendar days from one LocalDate to another.
// The result is negative when to is before from.
func DaysBetween(from, to string) (int, error) {
	a, err := Parse(from)
	if err != nil {
		return 0, err
	}
	b, err := Parse(to)
	if err != nil {
		return 0, err
	}
	return int(b.Sub(a).Hours() / 24), nil
}

// WeekStartOf is WeekStartMonday for a LocalDate string.
func WeekStartOf(s string) (string, error) {
	t, err := Parse(s)
	if err != nil {
		return "", err
	}
	return WeekStartMonday(t), nil
}
