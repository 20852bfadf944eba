package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"ameno-api/domain"
)

// Mode selects whether a repeat cadence re-arms a reminder after delivery.
type Mode string

const (
	// ModeOneShot arms a single alert per schedule call; the cadence is
	// stored but never re-arms.
	ModeOneShot Mode = "one-shot"
	// ModeCadence re-arms the alert for the next occurrence of its cadence
	// after every delivery.
	ModeCadence Mode = "cadence"
)

// ParseMode accepts one-shot or cadence.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOneShot, ModeCadence:
		return m, nil
	case "":
		return ModeOneShot, nil
	}
	return "", fmt.Errorf("invalid reminder recurrence mode %q", s)
}

const defaultAppName = "Ameno App 🔔"

// Scheduler turns a task's reminder into an alert on a Facility and keeps
// the handle in step with edits.
type Scheduler struct {
	facility Facility
	logger   *log.Logger
	metrics  *Metrics
	appName  string
	mode     Mode
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAppName sets the alert title.
func WithAppName(name string) Option {
	return func(s *Scheduler) {
		if name != "" {
			s.appName = name
		}
	}
}

// WithMode selects the recurrence mode.
func WithMode(m Mode) Option {
	return func(s *Scheduler) { s.mode = m }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a Scheduler backed by facility.
func NewScheduler(facility Facility, logger *log.Logger, opts ...Option) *Scheduler {
	if facility == nil {
		panic("reminder.NewScheduler: facility is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Scheduler{
		facility: facility,
		logger:   logger,
		appName:  defaultAppName,
		mode:     ModeOneShot,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode reports the configured recurrence mode.
func (s *Scheduler) Mode() Mode { return s.mode }

// Body is the alert text for a task title.
func Body(title string) string {
	return "You have a task to do: " + title
}

// Schedule arms one alert for the task's reminder and returns its handle.
// An empty handle means nothing was scheduled; the accompanying error is
// ErrPermissionDenied or a *FacilityError and is informational only.
func (s *Scheduler) Schedule(ctx context.Context, userID string, task domain.Task) (string, error) {
	if task.Reminder == nil || task.Completed || strings.TrimSpace(task.Title) == "" {
		return "", nil
	}
	entry := s.logger.WithFields(log.Fields{"user": userID, "task": task.ID})

	status, err := s.facility.PermissionStatus(ctx, userID)
	if err != nil {
		s.metrics.observe(outcomeFacilityError)
		entry.WithError(err).Error("reminder permission lookup failed")
		return "", &FacilityError{Op: "permission", Err: err}
	}
	if status != PermissionGranted {
		s.metrics.observe(outcomePermissionDenied)
		entry.WithField("permission", status).Info("reminder skipped, permission not granted")
		return "", ErrPermissionDenied
	}

	now := s.now().In(LocationFrom(ctx))
	n := Notification{
		TaskID: task.ID,
		Title:  s.appName,
		Body:   Body(task.Title),
		FireAt: NextFireInstant(*task.Reminder, now),
	}
	if s.mode == ModeCadence {
		if rec, ok := NewRecurrence(task, now); ok {
			first, err := NextOccurrence(rec, now)
			if err != nil {
				entry.WithError(err).Warn("reminder cadence unusable, arming one-shot")
			} else {
				n.FireAt = first
				n.Recurrence = &rec
			}
		}
	}

	handle, err := s.facility.ScheduleOneShot(ctx, userID, n)
	if err == nil && handle == "" {
		err = errors.New("facility returned an empty handle")
	}
	if err != nil {
		s.metrics.observe(outcomeFacilityError)
		entry.WithError(err).Error("reminder schedule failed")
		return "", &FacilityError{Op: "schedule", Err: err}
	}
	s.metrics.observe(outcomeScheduled)
	entry.WithFields(log.Fields{"handle": handle, "fire_at": n.FireAt}).Debug("reminder scheduled")
	return handle, nil
}

// Cancel revokes a handle. An empty handle is a no-op and failures are
// logged, never returned.
func (s *Scheduler) Cancel(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := s.facility.Cancel(ctx, handle); err != nil {
		s.metrics.observe(outcomeCancelFailed)
		s.logger.WithError(err).WithField("handle", handle).Warn("reminder cancel failed")
		return
	}
	s.metrics.observe(outcomeCancelled)
}

// Action is the step needed to bring a task's handle in line with its fields.
type Action int

const (
	// ActionNone leaves the task without a handle.
	ActionNone Action = iota
	// ActionKeep keeps the current handle.
	ActionKeep
	// ActionSchedule arms a new handle.
	ActionSchedule
	// ActionReschedule cancels the current handle, then arms a new one.
	ActionReschedule
	// ActionCancel cancels the current handle and clears it.
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionSchedule:
		return "schedule"
	case ActionReschedule:
		return "reschedule"
	case ActionCancel:
		return "cancel"
	}
	return "none"
}

// Plan decides the transition from prev (nil for a new task) to next.
// A task that holds no handle only gains one when a reminder field changes,
// so reopening a completed task does not re-arm it.
func Plan(prev *domain.Task, next domain.Task) Action {
	held := prev != nil && prev.NotificationID != ""
	if !next.HasLiveReminder() {
		if held {
			return ActionCancel
		}
		return ActionNone
	}
	if prev == nil {
		return ActionSchedule
	}
	changed := ReminderFieldsChanged(*prev, next)
	switch {
	case held && changed:
		return ActionReschedule
	case held:
		return ActionKeep
	case changed:
		return ActionSchedule
	}
	return ActionNone
}

// ReminderFieldsChanged reports whether any field that shapes the alert differs.
func ReminderFieldsChanged(a, b domain.Task) bool {
	if a.Title != b.Title || a.Repeat != b.Repeat {
		return true
	}
	if (a.Reminder == nil) != (b.Reminder == nil) || (a.Reminder != nil && *a.Reminder != *b.Reminder) {
		return true
	}
	if (a.DueDate == nil) != (b.DueDate == nil) || (a.DueDate != nil && *a.DueDate != *b.DueDate) {
		return true
	}
	return false
}

// Sync applies Plan(prev, next), cancelling before scheduling, and returns
// the handle next should carry. The error is informational, as for Schedule.
func (s *Scheduler) Sync(ctx context.Context, userID string, prev *domain.Task, next domain.Task) (string, error) {
	switch Plan(prev, next) {
	case ActionKeep:
		return prev.NotificationID, nil
	case ActionCancel:
		s.Cancel(ctx, prev.NotificationID)
		return "", nil
	case ActionReschedule:
		s.Cancel(ctx, prev.NotificationID)
		return s.Schedule(ctx, userID, next)
	case ActionSchedule:
		return s.Schedule(ctx, userID, next)
	}
	return "", nil
}
