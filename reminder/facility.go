package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Permission is the notification permission a user granted on their device.
type Permission string

const (
	PermissionUndetermined Permission = "undetermined"
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
)

// ParsePermission accepts granted or denied.
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(s); p {
	case PermissionGranted, PermissionDenied:
		return p, nil
	}
	return "", fmt.Errorf("invalid permission %q", s)
}

// Notification is one alert to deliver at FireAt. Recurrence is nil for a
// one-shot alert.
type Notification struct {
	TaskID     string      `json:"taskId"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	FireAt     time.Time   `json:"fireAt"`
	Recurrence *Recurrence `json:"recurrence,omitempty"`
}

// Facility schedules and cancels alerts and tracks notification permission.
type Facility interface {
	PermissionStatus(ctx context.Context, userID string) (Permission, error)
	// RequestPermission records the decision the device reported and returns
	// the resulting status.
	RequestPermission(ctx context.Context, userID string, decision Permission) (Permission, error)
	ScheduleOneShot(ctx context.Context, userID string, n Notification) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// ErrPermissionDenied is reported when scheduling is skipped because the user
// has not granted notification permission.
var ErrPermissionDenied = errors.New("notification permission not granted")

// FacilityError wraps a failure of the underlying notification facility.
type FacilityError struct {
	Op  string
	Err error
}

func (e *FacilityError) Error() string {
	return fmt.Sprintf("notification %s: %v", e.Op, e.Err)
}

func (e *FacilityError) Unwrap() error { return e.Err }
