package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"ameno-api/domain"
)

type fakeFacility struct {
	mu         sync.Mutex
	permission Permission
	permErr    error
	scheduleFn func(n Notification) (string, error)
	cancelErr  error
	seq        int
	live       map[string]Notification
	cancelled  []string
}

func newFakeFacility() *fakeFacility {
	return &fakeFacility{permission: PermissionGranted, live: map[string]Notification{}}
}

func (f *fakeFacility) PermissionStatus(context.Context, string) (Permission, error) {
	return f.permission, f.permErr
}

func (f *fakeFacility) RequestPermission(_ context.Context, _ string, p Permission) (Permission, error) {
	f.permission = p
	return p, nil
}

func (f *fakeFacility) ScheduleOneShot(_ context.Context, _ string, n Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleFn != nil {
		return f.scheduleFn(n)
	}
	f.seq++
	h := fmt.Sprintf("h%d", f.seq)
	f.live[h] = n
	return h, nil
}

func (f *fakeFacility) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handle)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	delete(f.live, handle)
	return nil
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestScheduler(f Facility, now time.Time, opts ...Option) (*Scheduler, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	opts = append([]Option{WithClock(fixedClock(now))}, opts...)
	return NewScheduler(f, logger, opts...), hook
}

func at(h, m int) *domain.TimeOfDay { return &domain.TimeOfDay{Hour: h, Minute: m} }

func TestNextFireInstantProperties(t *testing.T) {
	loc := time.FixedZone("ICT", 7*3600)
	base := time.Date(2025, time.March, 10, 0, 0, 0, 0, loc)
	for minute := 0; minute < 24*60; minute += 37 {
		now := base.Add(time.Duration(minute)*time.Minute + 17*time.Second)
		for _, tod := range []domain.TimeOfDay{{Hour: 0, Minute: 0}, {Hour: 9}, {Hour: 12, Minute: 30}, {Hour: 23, Minute: 59}} {
			got := NextFireInstant(tod, now)
			if got.Before(now) {
				t.Fatalf("fire %v before now %v", got, now)
			}
			if got.Sub(now) > 24*time.Hour {
				t.Fatalf("fire %v more than a day after %v", got, now)
			}
			if got.Hour() != tod.Hour || got.Minute() != tod.Minute || got.Second() != 0 {
				t.Fatalf("fire %v does not match %v", got, tod)
			}
			if got.Location() != loc {
				t.Fatalf("expected local calendar, got %v", got.Location())
			}
		}
	}
}

func TestNextFireInstantScenarios(t *testing.T) {
	loc := time.UTC
	nine := domain.TimeOfDay{Hour: 9}
	before := time.Date(2025, 5, 1, 8, 0, 0, 0, loc)
	if got, want := NextFireInstant(nine, before), time.Date(2025, 5, 1, 9, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("08:00 -> %v, want %v", got, want)
	}
	after := time.Date(2025, 5, 1, 9, 1, 0, 0, loc)
	if got, want := NextFireInstant(nine, after), time.Date(2025, 5, 2, 9, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("09:01 -> %v, want %v", got, want)
	}
	exact := time.Date(2025, 5, 1, 9, 0, 0, 0, loc)
	if got, want := NextFireInstant(nine, exact), time.Date(2025, 5, 2, 9, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("09:00 -> %v, want %v", got, want)
	}
	endOfMonth := time.Date(2025, 12, 31, 23, 0, 0, 0, loc)
	if got, want := NextFireInstant(nine, endOfMonth), time.Date(2026, 1, 1, 9, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("year rollover -> %v, want %v", got, want)
	}
}

func TestScheduleSendsTitleInBody(t *testing.T) {
	f := newFakeFacility()
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	s, _ := newTestScheduler(f, now, WithAppName("Ameno"))

	h, err := s.Schedule(context.Background(), "u1", domain.Task{ID: "t1", Title: "Water plants", Reminder: at(9, 0)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	n, ok := f.live[h]
	if !ok {
		t.Fatalf("handle %q not live", h)
	}
	if n.Title != "Ameno" || n.Body != "You have a task to do: Water plants" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if !n.FireAt.Equal(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected fire time: %v", n.FireAt)
	}
	if n.Recurrence != nil {
		t.Fatalf("one-shot mode must not carry a recurrence")
	}
}

func TestScheduleUsesContextLocation(t *testing.T) {
	f := newFakeFacility()
	now := time.Date(2025, 5, 1, 1, 30, 0, 0, time.UTC) // 08:30 in UTC+7
	s, _ := newTestScheduler(f, now)
	loc := time.FixedZone("ICT", 7*3600)

	h, _ := s.Schedule(WithLocation(context.Background(), loc), "u1", domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)})
	want := time.Date(2025, 5, 1, 9, 0, 0, 0, loc)
	if got := f.live[h].FireAt; !got.Equal(want) {
		t.Fatalf("fire at %v, want %v", got, want)
	}
}

func TestSchedulePermissionDenied(t *testing.T) {
	f := newFakeFacility()
	f.permission = PermissionDenied
	s, hook := newTestScheduler(f, time.Now())

	h, err := s.Schedule(context.Background(), "u1", domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)})
	if h != "" {
		t.Fatalf("expected no handle, got %q", h)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if len(f.live) != 0 {
		t.Fatalf("nothing should be scheduled")
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.InfoLevel {
		t.Fatalf("expected info log for skipped reminder")
	}
}

func TestScheduleUndeterminedPermissionIsNotGranted(t *testing.T) {
	f := newFakeFacility()
	f.permission = PermissionUndetermined
	s, _ := newTestScheduler(f, time.Now())
	if _, err := s.Schedule(context.Background(), "u1", domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestScheduleFacilityError(t *testing.T) {
	f := newFakeFacility()
	boom := errors.New("queue down")
	f.scheduleFn = func(Notification) (string, error) { return "", boom }
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s, hook := newTestScheduler(f, time.Now(), WithMetrics(m))

	h, err := s.Schedule(context.Background(), "u1", domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)})
	if h != "" {
		t.Fatalf("expected no handle")
	}
	var ferr *FacilityError
	if !errors.As(err, &ferr) || !errors.Is(err, boom) {
		t.Fatalf("expected FacilityError wrapping boom, got %v", err)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Level != log.ErrorLevel {
		t.Fatalf("expected error log")
	}
	if got := testutil.ToFloat64(m.reminders.WithLabelValues(outcomeFacilityError)); got != 1 {
		t.Fatalf("expected facility_error counter 1, got %v", got)
	}
}

func TestScheduleSkipsWithoutReminderOrTitle(t *testing.T) {
	f := newFakeFacility()
	s, _ := newTestScheduler(f, time.Now())
	for _, task := range []domain.Task{
		{ID: "a", Title: "x"},
		{ID: "b", Title: " ", Reminder: at(9, 0)},
		{ID: "c", Title: "x", Reminder: at(9, 0), Completed: true},
	} {
		if h, err := s.Schedule(context.Background(), "u1", task); h != "" || err != nil {
			t.Fatalf("task %s: expected no-op, got %q %v", task.ID, h, err)
		}
	}
	if f.seq != 0 {
		t.Fatalf("facility should not be called")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFakeFacility()
	s, _ := newTestScheduler(f, time.Now())

	s.Cancel(context.Background(), "")
	if len(f.cancelled) != 0 {
		t.Fatalf("empty handle must not reach the facility")
	}

	h, _ := s.Schedule(context.Background(), "u1", domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)})
	s.Cancel(context.Background(), h)
	s.Cancel(context.Background(), h)
	if len(f.live) != 0 {
		t.Fatalf("expected no live handles")
	}

	f.cancelErr = errors.New("gone")
	s.Cancel(context.Background(), "unknown")
}

func TestPlan(t *testing.T) {
	live := domain.Task{ID: "t", Title: "x", Reminder: at(9, 0), NotificationID: "h1"}
	noHandle := domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)}
	completed := live
	completed.Completed = true
	completed.NotificationID = ""

	retitled := live
	retitled.Title = "y"
	cleared := live
	cleared.Reminder = nil
	moved := live
	moved.Reminder = at(10, 0)
	repeated := live
	repeated.Repeat = domain.RepeatDaily
	due := live
	due.DueDate = &domain.DueDate{Day: 1, Month: time.May}
	done := live
	done.Completed = true
	reopened := completed
	reopened.Completed = false
	important := live
	important.Important = true

	tests := []struct {
		name string
		prev *domain.Task
		next domain.Task
		want Action
	}{
		{name: "create with reminder", next: noHandle, want: ActionSchedule},
		{name: "create without reminder", next: domain.Task{Title: "x"}, want: ActionNone},
		{name: "create completed", next: completed, want: ActionNone},
		{name: "unrelated edit keeps", prev: &live, next: important, want: ActionKeep},
		{name: "title change", prev: &live, next: retitled, want: ActionReschedule},
		{name: "time change", prev: &live, next: moved, want: ActionReschedule},
		{name: "repeat change", prev: &live, next: repeated, want: ActionReschedule},
		{name: "due date change", prev: &live, next: due, want: ActionReschedule},
		{name: "completed", prev: &live, next: done, want: ActionCancel},
		{name: "reminder cleared", prev: &live, next: cleared, want: ActionCancel},
		{name: "reopen stays none", prev: &completed, next: reopened, want: ActionNone},
		{name: "degraded task edited", prev: &noHandle, next: func() domain.Task { t := noHandle; t.Title = "z"; return t }(), want: ActionSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Plan(tt.prev, tt.next); got != tt.want {
				t.Fatalf("Plan = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncKeepsAtMostOneLiveHandle(t *testing.T) {
	f := newFakeFacility()
	s, _ := newTestScheduler(f, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	task := domain.Task{ID: "t", Title: "v0", Reminder: at(9, 0)}
	h, _ := s.Sync(ctx, "u1", nil, task)
	task.NotificationID = h
	for i := 1; i <= 10; i++ {
		next := task
		next.Title = fmt.Sprintf("v%d", i)
		if i%3 == 0 {
			next.Reminder = at(9+i%5, i)
		}
		h, err := s.Sync(ctx, "u1", &task, next)
		if err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		next.NotificationID = h
		task = next
		if len(f.live) != 1 {
			t.Fatalf("after edit %d expected 1 live handle, got %d", i, len(f.live))
		}
	}
	if _, ok := f.live[task.NotificationID]; !ok {
		t.Fatalf("task handle %q is not the live one", task.NotificationID)
	}
}

func TestSyncTitleEditReschedulesSameInstant(t *testing.T) {
	f := newFakeFacility()
	s, _ := newTestScheduler(f, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	prev := domain.Task{ID: "t", Title: "Old", Reminder: at(9, 0)}
	prev.NotificationID, _ = s.Schedule(ctx, "u1", prev)
	before := f.live[prev.NotificationID]

	next := prev
	next.Title = "New"
	h, err := s.Sync(ctx, "u1", &prev, next)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if h == prev.NotificationID {
		t.Fatalf("expected a new handle")
	}
	if _, ok := f.live[prev.NotificationID]; ok {
		t.Fatalf("old handle still live")
	}
	after := f.live[h]
	if !after.FireAt.Equal(before.FireAt) || after.Body != Body("New") {
		t.Fatalf("unexpected rescheduled alert: %+v", after)
	}
}

func TestSyncCompleteThenReopen(t *testing.T) {
	f := newFakeFacility()
	s, _ := newTestScheduler(f, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	task := domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)}
	task.NotificationID, _ = s.Sync(ctx, "u1", nil, task)

	done := task
	done.Completed = true
	h, _ := s.Sync(ctx, "u1", &task, done)
	if h != "" || len(f.live) != 0 {
		t.Fatalf("completion must cancel and clear, handle=%q live=%d", h, len(f.live))
	}
	done.NotificationID = h

	reopened := done
	reopened.Completed = false
	h, _ = s.Sync(ctx, "u1", &done, reopened)
	if h != "" || len(f.live) != 0 {
		t.Fatalf("reopen must stay at none, handle=%q live=%d", h, len(f.live))
	}
}

func TestSyncRescheduleFailureSettlesAtNone(t *testing.T) {
	f := newFakeFacility()
	s, _ := newTestScheduler(f, time.Now())
	ctx := context.Background()

	prev := domain.Task{ID: "t", Title: "x", Reminder: at(9, 0)}
	prev.NotificationID, _ = s.Schedule(ctx, "u1", prev)
	f.permission = PermissionDenied

	next := prev
	next.Reminder = at(10, 0)
	h, err := s.Sync(ctx, "u1", &prev, next)
	if h != "" || !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected none with permission error, got %q %v", h, err)
	}
	if len(f.live) != 0 {
		t.Fatalf("old handle must be cancelled even when rescheduling fails")
	}
}

func TestScheduleCadenceModeCarriesRecurrence(t *testing.T) {
	f := newFakeFacility()
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) // Thursday
	s, _ := newTestScheduler(f, now, WithMode(ModeCadence))

	task := domain.Task{ID: "t", Title: "x", Reminder: at(9, 0), Repeat: domain.RepeatWeekly, DueDate: &domain.DueDate{Day: 5, Month: time.May}}
	h, err := s.Schedule(context.Background(), "u1", task)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	n := f.live[h]
	if n.Recurrence == nil || n.Recurrence.Repeat != domain.RepeatWeekly {
		t.Fatalf("expected weekly recurrence, got %+v", n.Recurrence)
	}
	if want := time.Date(2025, 5, 5, 9, 0, 0, 0, time.UTC); !n.FireAt.Equal(want) {
		t.Fatalf("first weekly fire %v, want %v (the due date's weekday)", n.FireAt, want)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeOneShot {
		t.Fatalf("default mode = %v %v", m, err)
	}
	if m, err := ParseMode("Cadence"); err != nil || m != ModeCadence {
		t.Fatalf("cadence mode = %v %v", m, err)
	}
	if _, err := ParseMode("hourly"); err == nil {
		t.Fatalf("expected error")
	}
}
