package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"ameno-api/domain"
	"ameno-api/notify"
	"ameno-api/prefs"
	"ameno-api/reminder"
	"ameno-api/storage"
	"ameno-api/tasks"
)

// TaskService runs the task workflows behind the task routes.
type TaskService interface {
	Create(ctx context.Context, userID string, t domain.Task) (tasks.Result, error)
	Update(ctx context.Context, userID, taskID string, p domain.TaskPatch) (tasks.Result, error)
	SetCompleted(ctx context.Context, userID, taskID string, completed bool) (tasks.Result, error)
	SetImportant(ctx context.Context, userID, taskID string, important bool) (tasks.Result, error)
	MoveToList(ctx context.Context, userID, taskID, listID string) (tasks.Result, error)
	AddSubtask(ctx context.Context, userID, taskID, title string) (tasks.Result, error)
	ToggleSubtask(ctx context.Context, userID, taskID, subtaskID string) (tasks.Result, error)
	RemoveSubtask(ctx context.Context, userID, taskID, subtaskID string) (tasks.Result, error)
	Delete(ctx context.Context, userID, taskID string) error
	Get(ctx context.Context, userID, taskID string) (domain.Task, error)
	List(ctx context.Context, userID, view string) ([]domain.Task, error)
	Search(ctx context.Context, userID, q string) ([]domain.Task, error)
	Counts(ctx context.Context, userID string, views ...string) (map[string]int, error)
	MyDayCandidates(ctx context.Context, userID string) ([]domain.Task, error)
}

// Preferences holds custom lists and the My Day background.
type Preferences interface {
	CustomLists(ctx context.Context, userID string) ([]domain.List, error)
	AddCustomList(ctx context.Context, userID, title, icon, color string) (domain.List, error)
	DeleteCustomList(ctx context.Context, userID, listID string) error
	Background(ctx context.Context, userID string) (prefs.Background, error)
	SetBackground(ctx context.Context, userID, uri string, custom bool) (prefs.Background, error)
	DeleteCustomBackground(ctx context.Context, userID, uri string) (prefs.Background, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	UpsertProfile(ctx context.Context, p domain.Profile) error
	UpdateAvatar(ctx context.Context, userID string, a domain.Avatar) error
}

type PermissionStore interface {
	PermissionStatus(ctx context.Context, userID string) (reminder.Permission, error)
	RequestPermission(ctx context.Context, userID string, decision reminder.Permission) (reminder.Permission, error)
}

// TaskFeed streams list snapshots after every change.
type TaskFeed interface {
	Subscribe(ctx context.Context, userID, view string) (*storage.Subscription, error)
}

// DeliveryFeed streams reminders as they come due.
type DeliveryFeed interface {
	Deliveries(ctx context.Context, userID string) (*notify.DeliverySubscription, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Deps are the collaborators of the HTTP surface. Deduper, Deliveries and
// Registry may be nil.
type Deps struct {
	Tasks       TaskService
	Prefs       Preferences
	Profiles    ProfileStore
	Permissions PermissionStore
	Feed        TaskFeed
	Deliveries  DeliveryFeed
	Auth        Authenticator
	Deduper     Deduper
	Logger      *log.Logger

	// DefaultLocation resolves reminder times for clients that send no
	// X-Timezone header.
	DefaultLocation *time.Location
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// Registry receives the HTTP metrics and is served on GET /metrics.
	Registry *prometheus.Registry
}
