package domain

import (
	"strconv"
	"strings"
	"time"
)

// Task is a single to-do item owned by one user.
type Task struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Completed      bool       `json:"completed"`
	Important      bool       `json:"important"`
	ListID         string     `json:"listId"`
	DueDate        *DueDate   `json:"dueDate"`
	Reminder       *TimeOfDay `json:"reminder"`
	Repeat         Repeat     `json:"repeat,omitempty"`
	NotificationID string     `json:"notificationId,omitempty"`
	Subtasks       []Subtask  `json:"subtasks"`
	Notes          string     `json:"notes"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Subtask is a checklist step inside a task.
type Subtask struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// WithDefaults fills the fields a freshly created task may omit.
func (t Task) WithDefaults() Task {
	t.Title = strings.TrimSpace(t.Title)
	if t.ListID == "" {
		t.ListID = ListTasks
	}
	if t.Subtasks == nil {
		t.Subtasks = []Subtask{}
	}
	return t
}

// Validate reports the first invalid field of the task.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Msg: "must not be empty"}
	}
	if t.Reminder != nil {
		if err := t.Reminder.Validate(); err != nil {
			return &ValidationError{Field: "reminder", Msg: err.Error()}
		}
	}
	if t.DueDate != nil {
		if err := t.DueDate.Validate(); err != nil {
			return &ValidationError{Field: "dueDate", Msg: err.Error()}
		}
	}
	for i, st := range t.Subtasks {
		if st.ID == "" || strings.TrimSpace(st.Title) == "" {
			return &ValidationError{Field: "subtasks", Msg: "subtask " + strconv.Itoa(i) + " needs an id and a title"}
		}
	}
	return nil
}

// HasLiveReminder reports whether the task should hold a notification handle.
func (t Task) HasLiveReminder() bool {
	return !t.Completed && t.Reminder != nil
}

// Apply returns a copy of t with every field present in p overwritten.
func (t Task) Apply(p TaskPatch) Task {
	out := t
	if p.Title != nil {
		out.Title = strings.TrimSpace(*p.Title)
	}
	if p.Completed != nil {
		out.Completed = *p.Completed
	}
	if p.Important != nil {
		out.Important = *p.Important
	}
	if p.ListID != nil {
		out.ListID = *p.ListID
	}
	if p.DueDate.Set {
		out.DueDate = p.DueDate.Ptr()
	}
	if p.Reminder.Set {
		out.Reminder = p.Reminder.Ptr()
	}
	if p.Repeat.Set {
		out.Repeat = p.Repeat.Value
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if p.Subtasks.Set {
		out.Subtasks = append([]Subtask{}, p.Subtasks.Value...)
	} else {
		out.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	if p.NotificationID.Set {
		out.NotificationID = p.NotificationID.Value
	}
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	return out
}

// TaskPatch is a partial update. Nil pointers and unset Nullable fields are
// absent and never written; a set Nullable without a value clears the field.
type TaskPatch struct {
	Title     *string             `json:"title,omitempty"`
	Completed *bool               `json:"completed,omitempty"`
	Important *bool               `json:"important,omitempty"`
	ListID    *string             `json:"listId,omitempty"`
	DueDate   Nullable[DueDate]   `json:"dueDate,omitzero"`
	Reminder  Nullable[TimeOfDay] `json:"reminder,omitzero"`
	Repeat    Nullable[Repeat]    `json:"repeat,omitzero"`
	Subtasks  Nullable[[]Subtask] `json:"subtasks,omitzero"`
	Notes     *string             `json:"notes,omitempty"`

	NotificationID Nullable[string] `json:"-"`
	UpdatedAt      *time.Time       `json:"-"`
}

// Empty reports whether the patch carries no client-supplied field.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Completed == nil && p.Important == nil && p.ListID == nil &&
		!p.DueDate.Set && !p.Reminder.Set && !p.Repeat.Set && !p.Subtasks.Set && p.Notes == nil
}

// Validate checks the values carried by the patch.
func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return &ValidationError{Field: "title", Msg: "must not be empty"}
	}
	if p.ListID != nil && strings.TrimSpace(*p.ListID) == "" {
		return &ValidationError{Field: "listId", Msg: "must not be empty"}
	}
	return nil
}
