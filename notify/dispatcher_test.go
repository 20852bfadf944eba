package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	"ameno-api/domain"
	"ameno-api/reminder"
)

func taskWithReminder(id, title string, h, m int) domain.Task {
	return domain.Task{ID: id, Title: title, Reminder: &domain.TimeOfDay{Hour: h, Minute: m}}
}

func newTestDispatcher(t *testing.T, env *testEnv, mode reminder.Mode) *Dispatcher {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewDispatcher(env.facility, DispatcherConfig{Workers: 2, PollInterval: 10 * time.Millisecond, Mode: mode}, prometheus.NewRegistry(), logger)
}

func subscribe(t *testing.T, env *testEnv, userID string) *DeliverySubscription {
	t.Helper()
	logger, _ := test.NewNullLogger()
	sub, err := SubscribeDeliveries(context.Background(), env.rc, logger, userID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(sub.Close)
	return sub
}

func waitDelivery(t *testing.T, sub *DeliverySubscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestProcessDeliversDueReminder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := subscribe(t, env, "u1")
	d := newTestDispatcher(t, env, reminder.ModeOneShot)

	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{TaskID: "t1", Title: "Ameno", Body: "You have a task to do: x", FireAt: env.now})
	msg := env.queue.lease(t, env.queue.last().id)

	result, err := d.process(ctx, msg)
	if err != nil || result != resultDelivered {
		t.Fatalf("process = %s, %v", result, err)
	}
	got := waitDelivery(t, sub)
	if got.Handle != h || got.TaskID != "t1" || got.Body != "You have a task to do: x" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if env.queue.count() != 0 {
		t.Fatalf("expected message acknowledged")
	}
	if _, ok, _ := env.facility.load(ctx, h); ok {
		t.Fatalf("one-shot record should be gone after delivery")
	}
	if err := env.facility.Cancel(ctx, h); err != nil {
		t.Fatalf("cancel after delivery: %v", err)
	}
}

func TestProcessDropsCancelledReminder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := newTestDispatcher(t, env, reminder.ModeOneShot)

	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{FireAt: env.now})
	msg := env.queue.lease(t, env.queue.last().id)
	if err := env.facility.Cancel(ctx, h); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	result, err := d.process(ctx, msg)
	if err != nil || result != resultDropped {
		t.Fatalf("process = %s, %v", result, err)
	}
	if env.queue.count() != 0 {
		t.Fatalf("expected dropped message deleted")
	}
}

func TestProcessDropsSupersededMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := newTestDispatcher(t, env, reminder.ModeOneShot)

	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{FireAt: env.now})
	rec, _, _ := env.facility.load(ctx, h)
	stale, _ := json.Marshal(envelope{Handle: h, Nonce: "old"})
	_, _ = env.queue.EnqueueMessage(ctx, string(stale), nil)
	msg := env.queue.lease(t, env.queue.last().id)

	result, err := d.process(ctx, msg)
	if err != nil || result != resultDropped {
		t.Fatalf("process = %s, %v", result, err)
	}
	if cur, ok, _ := env.facility.load(ctx, h); !ok || cur.Nonce != rec.Nonce {
		t.Fatalf("current record must be untouched")
	}
}

func TestProcessHopsEarlyMessageKeepingHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := newTestDispatcher(t, env, reminder.ModeOneShot)

	fireAt := env.now.Add(10 * 24 * time.Hour)
	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{FireAt: fireAt})
	first := env.queue.last()
	msg := env.queue.lease(t, first.id)
	env.now = env.now.Add(maxVisibility)

	result, err := d.process(ctx, msg)
	if err != nil || result != resultHopped {
		t.Fatalf("process = %s, %v", result, err)
	}
	if env.queue.count() != 1 {
		t.Fatalf("expected exactly the hop message, got %d", env.queue.count())
	}
	next := env.queue.last()
	if next.id == first.id {
		t.Fatalf("expected a new message")
	}
	if want := int32(fireAt.Sub(env.now) / time.Second); next.visibility != want {
		t.Fatalf("hop visibility %d, want %d", next.visibility, want)
	}
	rec, ok, _ := env.facility.load(ctx, h)
	if !ok || rec.MessageID != next.id {
		t.Fatalf("registry should point at the hop message: %+v", rec)
	}
	if err := env.facility.Cancel(ctx, h); err != nil || env.queue.count() != 0 {
		t.Fatalf("cancel after hop: %v, remaining %d", err, env.queue.count())
	}
}

func TestProcessCadenceRearmsSameHandle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := subscribe(t, env, "u1")
	d := newTestDispatcher(t, env, reminder.ModeCadence)

	rec := reminder.Recurrence{Repeat: domain.RepeatDaily, At: domain.TimeOfDay{Hour: 8}, Anchor: env.now}
	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{TaskID: "t1", FireAt: env.now, Recurrence: &rec})
	msg := env.queue.lease(t, env.queue.last().id)

	result, err := d.process(ctx, msg)
	if err != nil || result != resultRearmed {
		t.Fatalf("process = %s, %v", result, err)
	}
	waitDelivery(t, sub)
	stored, ok, _ := env.facility.load(ctx, h)
	if !ok {
		t.Fatalf("expected handle to stay live")
	}
	if want := env.now.Add(24 * time.Hour); !stored.Notification.FireAt.Equal(want) {
		t.Fatalf("next fire %v, want %v", stored.Notification.FireAt, want)
	}
	if env.queue.count() != 1 || env.queue.last().visibility != 24*3600 {
		t.Fatalf("expected one re-armed message a day out")
	}
}

func TestProcessCadenceRearmAcrossDaylightSaving(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	env := newTestEnv(t)
	ctx := context.Background()
	d := newTestDispatcher(t, env, reminder.ModeCadence)

	rec := reminder.Recurrence{
		Repeat: domain.RepeatDaily,
		At:     domain.TimeOfDay{Hour: 9},
		Anchor: time.Date(2026, time.March, 1, 9, 0, 0, 0, ny),
		Zone:   "America/New_York",
	}
	fireAt := time.Date(2026, time.March, 8, 9, 0, 0, 0, ny)
	env.now = fireAt.Add(5 * time.Second)
	h, err := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{TaskID: "t1", FireAt: fireAt, Recurrence: &rec})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	msg := env.queue.lease(t, env.queue.last().id)

	if result, err := d.process(ctx, msg); err != nil || result != resultRearmed {
		t.Fatalf("process = %s, %v", result, err)
	}
	stored, ok, _ := env.facility.load(ctx, h)
	if !ok {
		t.Fatalf("expected handle to stay live")
	}
	if want := time.Date(2026, time.March, 9, 9, 0, 0, 0, ny); !stored.Notification.FireAt.Equal(want) {
		t.Fatalf("next fire %v, want %v", stored.Notification.FireAt, want)
	}
}

func TestProcessCadenceRearmFailureKeepsMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d := newTestDispatcher(t, env, reminder.ModeCadence)

	rec := reminder.Recurrence{Repeat: domain.RepeatDaily, At: domain.TimeOfDay{Hour: 8}, Anchor: env.now}
	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{TaskID: "t1", FireAt: env.now, Recurrence: &rec})
	first := env.queue.last().id
	msg := env.queue.lease(t, first)

	env.queue.enqueueErr = errBoom
	if result, err := d.process(ctx, msg); err == nil || result != resultFailed {
		t.Fatalf("process = %s, %v", result, err)
	}
	if env.queue.count() != 1 || env.queue.last().id != first {
		t.Fatalf("expected the delivered message to stay queued")
	}
	stored, ok, _ := env.facility.load(ctx, h)
	if !ok {
		t.Fatalf("expected handle to stay live")
	}
	if want := env.now.Add(24 * time.Hour); !stored.Notification.FireAt.Equal(want) {
		t.Fatalf("next fire %v, want %v", stored.Notification.FireAt, want)
	}

	// Once the lease lapses the retry moves the reminder to its next fire time.
	env.queue.enqueueErr = nil
	sub := subscribe(t, env, "u1")
	if result, err := d.process(ctx, env.queue.lease(t, first)); err != nil || result != resultHopped {
		t.Fatalf("retry = %s, %v", result, err)
	}
	select {
	case got := <-sub.C:
		t.Fatalf("unexpected second delivery %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
	if env.queue.count() != 1 || env.queue.last().visibility != 24*3600 {
		t.Fatalf("expected one message a day out, have %d", env.queue.count())
	}
}

func TestDispatcherStartStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := subscribe(t, env, "u2")
	reg := prometheus.NewRegistry()
	logger, _ := test.NewNullLogger()
	d := NewDispatcher(env.facility, DispatcherConfig{Workers: 2, PollInterval: 5 * time.Millisecond}, reg, logger)

	if _, err := env.facility.ScheduleOneShot(ctx, "u2", reminder.Notification{TaskID: "t9", FireAt: env.now}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	d.Start(ctx)
	got := waitDelivery(t, sub)
	d.Stop()
	d.Stop()

	if got.TaskID != "t9" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if n := testutil.ToFloat64(d.results.WithLabelValues(resultDelivered)); n != 1 {
		t.Fatalf("expected one delivered, got %v", n)
	}
}
