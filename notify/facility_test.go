package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ameno-api/reminder"
)

func TestPermissionDefaultsToUndetermined(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.facility.PermissionStatus(ctx, "u1")
	if err != nil {
		t.Fatalf("permission status: %v", err)
	}
	if p != reminder.PermissionUndetermined {
		t.Fatalf("expected undetermined, got %s", p)
	}

	if _, err := env.facility.RequestPermission(ctx, "u1", reminder.PermissionGranted); err != nil {
		t.Fatalf("request permission: %v", err)
	}
	if p, _ := env.facility.PermissionStatus(ctx, "u1"); p != reminder.PermissionGranted {
		t.Fatalf("expected granted, got %s", p)
	}
	if _, err := env.facility.RequestPermission(ctx, "u1", "maybe"); err == nil {
		t.Fatalf("expected invalid decision to fail")
	}
}

func TestScheduleOneShotEnqueuesDelayedMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fireAt := env.now.Add(90 * time.Minute)

	h, err := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{TaskID: "t1", Title: "Ameno", Body: "b", FireAt: fireAt})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if h == "" {
		t.Fatalf("expected handle")
	}
	msg := env.queue.last()
	if msg == nil || msg.visibility != int32(90*60) {
		t.Fatalf("unexpected message: %+v", msg)
	}
	var envl envelope
	if err := json.Unmarshal([]byte(msg.text), &envl); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	rec, ok, err := env.facility.load(ctx, h)
	if err != nil || !ok {
		t.Fatalf("expected registry record, ok=%v err=%v", ok, err)
	}
	if rec.MessageID != msg.id || rec.Nonce != envl.Nonce || envl.Handle != h {
		t.Fatalf("record %+v does not match message %+v / %+v", rec, msg, envl)
	}
	if ttl := env.mr.TTL(registryKey(h)); ttl < 90*time.Minute {
		t.Fatalf("registry ttl too short: %v", ttl)
	}
}

func TestScheduleOneShotCapsVisibility(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.facility.ScheduleOneShot(context.Background(), "u1", reminder.Notification{FireAt: env.now.Add(30 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := env.queue.last().visibility; got != int32(maxVisibility/time.Second) {
		t.Fatalf("expected capped visibility, got %d", got)
	}
}

func TestScheduleOneShotEnqueueFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.queue.enqueueErr = errBoom
	h, err := env.facility.ScheduleOneShot(context.Background(), "u1", reminder.Notification{FireAt: env.now})
	if !errors.Is(err, errBoom) || h != "" {
		t.Fatalf("expected failure, got %q %v", h, err)
	}
	if keys := env.mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no registry keys, got %v", keys)
	}
}

func TestCancelRemovesRecordAndMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{FireAt: env.now.Add(time.Hour)})

	if err := env.facility.Cancel(ctx, h); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if env.queue.count() != 0 {
		t.Fatalf("expected message deleted")
	}
	if _, ok, _ := env.facility.load(ctx, h); ok {
		t.Fatalf("expected record removed")
	}
	if err := env.facility.Cancel(ctx, h); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := env.facility.Cancel(ctx, ""); err != nil {
		t.Fatalf("empty cancel: %v", err)
	}
}

func TestCancelToleratesLeasedMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h, _ := env.facility.ScheduleOneShot(ctx, "u1", reminder.Notification{FireAt: env.now})
	env.queue.lease(t, env.queue.last().id)

	if err := env.facility.Cancel(ctx, h); err != nil {
		t.Fatalf("cancel with stale receipt: %v", err)
	}
	if _, ok, _ := env.facility.load(ctx, h); ok {
		t.Fatalf("expected record removed")
	}
}

func TestInitIgnoresExistingQueue(t *testing.T) {
	env := newTestEnv(t)
	if err := env.facility.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestSchedulerOverQueueFacility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.facility.RequestPermission(ctx, "u1", reminder.PermissionGranted); err != nil {
		t.Fatalf("grant: %v", err)
	}
	s := reminder.NewScheduler(env.facility, nil, reminder.WithClock(func() time.Time { return env.now }))

	h, err := s.Schedule(reminder.WithLocation(ctx, time.UTC), "u1", taskWithReminder("t1", "Stretch", 9, 0))
	if err != nil || h == "" {
		t.Fatalf("schedule: %q %v", h, err)
	}
	if got := env.queue.last().visibility; got != 3600 {
		t.Fatalf("expected one hour delay, got %d", got)
	}
	s.Cancel(ctx, h)
	if env.queue.count() != 0 {
		t.Fatalf("expected cancel to remove the message")
	}
}
