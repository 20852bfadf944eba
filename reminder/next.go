package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"ameno-api/domain"
)

// NextFireInstant returns the first instant at or after now whose wall clock
// reads at, in now's location: today at at:00, or the same time tomorrow
// when today's has already passed.
func NextFireInstant(at domain.TimeOfDay, now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Recurrence describes a repeating reminder. Anchor fixes the weekday, day
// of month and month used by the weekly, monthly and yearly cadences. Zone
// names the user's time zone; a serialized Anchor only keeps its offset.
type Recurrence struct {
	Repeat domain.Repeat    `json:"repeat"`
	At     domain.TimeOfDay `json:"at"`
	Anchor time.Time        `json:"anchor"`
	Zone   string           `json:"zone,omitempty"`
}

// Location resolves Zone, falling back to the anchor's location.
func (r Recurrence) Location() *time.Location {
	if r.Zone != "" {
		if loc, err := time.LoadLocation(r.Zone); err == nil {
			return loc
		}
	}
	return r.Anchor.Location()
}

// Spec renders the recurrence as a standard five-field cron expression.
func (r Recurrence) Spec() (string, error) {
	switch r.Repeat {
	case domain.RepeatDaily:
		return fmt.Sprintf("%d %d * * *", r.At.Minute, r.At.Hour), nil
	case domain.RepeatWeekly:
		return fmt.Sprintf("%d %d * * %d", r.At.Minute, r.At.Hour, int(r.Anchor.Weekday())), nil
	case domain.RepeatMonthly:
		return fmt.Sprintf("%d %d %d * *", r.At.Minute, r.At.Hour, r.Anchor.Day()), nil
	case domain.RepeatYearly:
		return fmt.Sprintf("%d %d %d %d *", r.At.Minute, r.At.Hour, r.Anchor.Day(), int(r.Anchor.Month())), nil
	}
	return "", fmt.Errorf("no schedule for repeat %q", r.Repeat)
}

// NextOccurrence returns the first fire instant of r strictly after after,
// evaluated in after's location. Monthly reminders anchored past the 28th
// skip the months that lack that day.
func NextOccurrence(r Recurrence, after time.Time) (time.Time, error) {
	spec, err := r.Spec()
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, err
	}
	if s, ok := sched.(*cron.SpecSchedule); ok {
		s.Location = after.Location()
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", spec)
	}
	return next, nil
}

// NewRecurrence anchors the cadence of t on its due date when it has one,
// otherwise on the first fire instant after now.
func NewRecurrence(t domain.Task, now time.Time) (Recurrence, bool) {
	if t.Reminder == nil || t.Repeat == domain.RepeatNone {
		return Recurrence{}, false
	}
	anchor := NextFireInstant(*t.Reminder, now)
	if t.DueDate != nil {
		day := t.DueDate.Resolve(now)
		anchor = time.Date(day.Year(), day.Month(), day.Day(), t.Reminder.Hour, t.Reminder.Minute, 0, 0, now.Location())
	}
	return Recurrence{Repeat: t.Repeat, At: *t.Reminder, Anchor: anchor, Zone: now.Location().String()}, true
}

type locationKey struct{}

// WithLocation attaches the user's time zone to ctx.
func WithLocation(ctx context.Context, loc *time.Location) context.Context {
	if loc == nil {
		return ctx
	}
	return context.WithValue(ctx, locationKey{}, loc)
}

// LocationFrom returns the zone set by WithLocation, or time.Local.
func LocationFrom(ctx context.Context) *time.Location {
	if loc, ok := ctx.Value(locationKey{}).(*time.Location); ok {
		return loc
	}
	return time.Local
}
