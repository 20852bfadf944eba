package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock hour and minute, encoded as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a 24-hour "HH:MM" value. A single-digit hour is accepted.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid reminder %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || len(hh) > 2 {
		return TimeOfDay{}, fmt.Errorf("invalid reminder %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid reminder %q: bad minute", s)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if err := t.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

// Validate checks the hour and minute ranges.
func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("invalid reminder hour %d", t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("invalid reminder minute %d", t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DueDate is a day of a month without a year, encoded as "d/m".
type DueDate struct {
	Day   int
	Month time.Month
}

// ParseDueDate parses a "d/m" value such as "5/11".
func ParseDueDate(s string) (DueDate, error) {
	dd, mm, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return DueDate{}, fmt.Errorf("invalid due date %q: want d/m", s)
	}
	d, err := strconv.Atoi(dd)
	if err != nil {
		return DueDate{}, fmt.Errorf("invalid due date %q: bad day", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return DueDate{}, fmt.Errorf("invalid due date %q: bad month", s)
	}
	due := DueDate{Day: d, Month: time.Month(m)}
	if err := due.Validate(); err != nil {
		return DueDate{}, err
	}
	return due, nil
}

// Validate rejects days that no year can hold (29/2 is allowed).
func (d DueDate) Validate() error {
	if d.Month < time.January || d.Month > time.December {
		return fmt.Errorf("invalid due date month %d", d.Month)
	}
	if d.Day < 1 || d.Day > daysIn(d.Month, 2000) {
		return fmt.Errorf("invalid due date day %d for month %d", d.Day, d.Month)
	}
	return nil
}

func (d DueDate) String() string {
	return fmt.Sprintf("%d/%d", d.Day, int(d.Month))
}

// Resolve returns the first calendar date carrying this day and month that
// is not before the day of now, at midnight in now's location. Dates that
// already passed this year roll over to next year; a day the target month
// cannot hold is clamped to the month's last day.
func (d DueDate) Resolve(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for year := now.Year(); ; year++ {
		day := min(d.Day, daysIn(d.Month, year))
		candidate := time.Date(year, d.Month, day, 0, 0, 0, 0, now.Location())
		if !candidate.Before(today) {
			return candidate
		}
	}
}

func (d DueDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DueDate) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDueDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Repeat is the cadence a user attaches to a reminder.
type Repeat string

const (
	RepeatNone    Repeat = ""
	RepeatDaily   Repeat = "daily"
	RepeatWeekly  Repeat = "weekly"
	RepeatMonthly Repeat = "monthly"
	RepeatYearly  Repeat = "yearly"
)

var repeatLabels = map[string]Repeat{
	"hàng ngày":  RepeatDaily,
	"hàng tuần":  RepeatWeekly,
	"hàng tháng": RepeatMonthly,
	"hàng năm":   RepeatYearly,
}

// ParseRepeat normalizes a cadence. Both the canonical names and the labels
// shown by the mobile client are accepted.
func ParseRepeat(s string) (Repeat, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch Repeat(v) {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
		return Repeat(v), nil
	}
	if r, ok := repeatLabels[v]; ok {
		return r, nil
	}
	return RepeatNone, fmt.Errorf("invalid repeat %q", s)
}

func (r *Repeat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = RepeatNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRepeat(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
