// Package tasks runs the task workflows: every write settles the task's
// reminder first and then persists the record together with its handle.
package tasks

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"ameno-api/domain"
)

// Store is the task record store.
type Store interface {
	CreateTask(ctx context.Context, userID string, t domain.Task) error
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, userID, taskID string, p domain.TaskPatch) error
	DeleteTask(ctx context.Context, userID, taskID string) error
}

// Reminders keeps a task's notification handle in step with its fields.
type Reminders interface {
	Sync(ctx context.Context, userID string, prev *domain.Task, next domain.Task) (string, error)
	Cancel(ctx context.Context, handle string)
}

// Result is a saved task. ReminderErr is set when the reminder could not be
// armed; the save itself still succeeded.
type Result struct {
	Task        domain.Task
	ReminderErr error
}

type Service struct {
	store     Store
	reminders Reminders
	logger    *log.Logger
	ids       *idSource
	now       func() time.Time
}

func NewService(store Store, reminders Reminders, logger *log.Logger) *Service {
	if store == nil || reminders == nil {
		panic("tasks.NewService: store and reminders are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{store: store, reminders: reminders, logger: logger, ids: newIDSource(), now: time.Now}
}

var errEmptyPatch = &domain.ValidationError{Field: "body", Msg: "no fields to update"}

// Create stores a new task, arming its reminder first. A client supplied id
// is kept; otherwise one is generated.
func (s *Service) Create(ctx context.Context, userID string, t domain.Task) (Result, error) {
	t = t.WithDefaults()
	if t.ID == "" {
		t.ID = s.ids.nextID()
	}
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == "" {
			t.Subtasks[i].ID = s.ids.nextID()
		}
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.NotificationID = ""
	if err := t.Validate(); err != nil {
		return Result{}, err
	}

	handle, remErr := s.reminders.Sync(ctx, userID, nil, t)
	t.NotificationID = handle
	if err := s.store.CreateTask(ctx, userID, t); err != nil {
		s.reminders.Cancel(ctx, handle)
		s.logger.WithError(err).WithFields(log.Fields{"user": userID, "task": t.ID}).Error("task create failed")
		return Result{}, &domain.PersistenceError{Op: "create", Err: err}
	}
	return Result{Task: t, ReminderErr: remErr}, nil
}

// Update applies a partial update. Only fields present in p are written,
// plus the notification handle when it changed.
func (s *Service) Update(ctx context.Context, userID, taskID string, p domain.TaskPatch) (Result, error) {
	if p.Empty() {
		return Result{}, errEmptyPatch
	}
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		p.Title = &title
	}
	prev, err := s.load(ctx, userID, taskID)
	if err != nil {
		return Result{}, err
	}

	now := s.now().UTC()
	p.UpdatedAt = &now
	p.NotificationID = domain.Nullable[string]{}
	next := prev.Apply(p)
	if err := next.Validate(); err != nil {
		return Result{}, err
	}

	handle, remErr := s.reminders.Sync(ctx, userID, &prev, next)
	issued := handle != prev.NotificationID
	if issued {
		if handle == "" {
			p.NotificationID = domain.Null[string]()
		} else {
			p.NotificationID = domain.Some(handle)
		}
		next.NotificationID = handle
	}
	if err := s.store.UpdateTask(ctx, userID, taskID, p); err != nil {
		if issued {
			s.reminders.Cancel(ctx, handle)
		}
		s.logger.WithError(err).WithFields(log.Fields{"user": userID, "task": taskID}).Error("task update failed")
		return Result{}, &domain.PersistenceError{Op: "update", Err: err}
	}
	return Result{Task: next, ReminderErr: remErr}, nil
}

func (s *Service) SetCompleted(ctx context.Context, userID, taskID string, completed bool) (Result, error) {
	return s.Update(ctx, userID, taskID, domain.TaskPatch{Completed: &completed})
}

func (s *Service) SetImportant(ctx context.Context, userID, taskID string, important bool) (Result, error) {
	return s.Update(ctx, userID, taskID, domain.TaskPatch{Important: &important})
}

// MoveToList reassigns the task; dragging a task into today uses domain.ListMyDay.
func (s *Service) MoveToList(ctx context.Context, userID, taskID, listID string) (Result, error) {
	return s.Update(ctx, userID, taskID, domain.TaskPatch{ListID: &listID})
}

func (s *Service) AddSubtask(ctx context.Context, userID, taskID, title string) (Result, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Result{}, &domain.ValidationError{Field: "title", Msg: "must not be empty"}
	}
	return s.editSubtasks(ctx, userID, taskID, func(st []domain.Subtask) ([]domain.Subtask, error) {
		return append(st, domain.Subtask{ID: s.ids.nextID(), Title: title}), nil
	})
}

func (s *Service) ToggleSubtask(ctx context.Context, userID, taskID, subtaskID string) (Result, error) {
	return s.editSubtasks(ctx, userID, taskID, func(st []domain.Subtask) ([]domain.Subtask, error) {
		i := slices.IndexFunc(st, func(x domain.Subtask) bool { return x.ID == subtaskID })
		if i < 0 {
			return nil, domain.ErrNotFound
		}
		st[i].Completed = !st[i].Completed
		return st, nil
	})
}

func (s *Service) RemoveSubtask(ctx context.Context, userID, taskID, subtaskID string) (Result, error) {
	return s.editSubtasks(ctx, userID, taskID, func(st []domain.Subtask) ([]domain.Subtask, error) {
		n := len(st)
		st = slices.DeleteFunc(st, func(x domain.Subtask) bool { return x.ID == subtaskID })
		if len(st) == n {
			return nil, domain.ErrNotFound
		}
		return st, nil
	})
}

func (s *Service) editSubtasks(ctx context.Context, userID, taskID string, edit func([]domain.Subtask) ([]domain.Subtask, error)) (Result, error) {
	cur, err := s.load(ctx, userID, taskID)
	if err != nil {
		return Result{}, err
	}
	st, err := edit(slices.Clone(cur.Subtasks))
	if err != nil {
		return Result{}, err
	}
	if st == nil {
		st = []domain.Subtask{}
	}
	return s.Update(ctx, userID, taskID, domain.TaskPatch{Subtasks: domain.Some(st)})
}

// Delete cancels the task's reminder and removes the record.
func (s *Service) Delete(ctx context.Context, userID, taskID string) error {
	cur, err := s.load(ctx, userID, taskID)
	if err != nil {
		return err
	}
	s.reminders.Cancel(ctx, cur.NotificationID)
	if err := s.store.DeleteTask(ctx, userID, taskID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		s.logger.WithError(err).WithFields(log.Fields{"user": userID, "task": taskID}).Error("task delete failed")
		return &domain.PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return s.load(ctx, userID, taskID)
}

// List returns the tasks of a view in display order; an empty view lists all.
func (s *Service) List(ctx context.Context, userID, view string) ([]domain.Task, error) {
	all, err := s.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.Filter(view, all), nil
}

func (s *Service) Search(ctx context.Context, userID, q string) ([]domain.Task, error) {
	all, err := s.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.Search(all, q), nil
}

// Counts returns the number of open tasks in each view.
func (s *Service) Counts(ctx context.Context, userID string, views ...string) (map[string]int, error) {
	all, err := s.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(views))
	for _, v := range views {
		out[v] = domain.CountOpen(v, all)
	}
	return out, nil
}

func (s *Service) MyDayCandidates(ctx context.Context, userID string) ([]domain.Task, error) {
	all, err := s.all(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.MyDayCandidates(all), nil
}

func (s *Service) load(ctx context.Context, userID, taskID string) (domain.Task, error) {
	t, err := s.store.GetTask(ctx, userID, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, &domain.PersistenceError{Op: "load", Err: err}
	}
	return t, nil
}

func (s *Service) all(ctx context.Context, userID string) ([]domain.Task, error) {
	tasks, err := s.store.ListTasks(ctx, userID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list", Err: err}
	}
	return tasks, nil
}
