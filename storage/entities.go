package storage

import (
	"time"

	"github.com/bytedance/sonic"

	"ameno-api/domain"
)

// entityKeys carries the table keys without the service-managed Timestamp.
type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	Title          string `json:"Title"`
	Completed      bool   `json:"Completed"`
	Important      bool   `json:"Important"`
	ListID         string `json:"ListID"`
	DueDate        string `json:"DueDate"`
	Reminder       string `json:"Reminder"`
	Repeat         string `json:"Repeat"`
	NotificationID string `json:"NotificationID"`
	Subtasks       string `json:"Subtasks"`
	Notes          string `json:"Notes"`
	CreatedAt      string `json:"CreatedAt"`
	UpdatedAt      string `json:"UpdatedAt"`
}

// taskUpdate is a merge payload; nil fields are left untouched by the table.
// Cleared optional fields are written as empty strings.
type taskUpdate struct {
	entityKeys
	Title          *string `json:"Title,omitempty"`
	Completed      *bool   `json:"Completed,omitempty"`
	Important      *bool   `json:"Important,omitempty"`
	ListID         *string `json:"ListID,omitempty"`
	DueDate        *string `json:"DueDate,omitempty"`
	Reminder       *string `json:"Reminder,omitempty"`
	Repeat         *string `json:"Repeat,omitempty"`
	NotificationID *string `json:"NotificationID,omitempty"`
	Subtasks       *string `json:"Subtasks,omitempty"`
	Notes          *string `json:"Notes,omitempty"`
	UpdatedAt      *string `json:"UpdatedAt,omitempty"`
}

type profileEntity struct {
	entityKeys
	Name        string `json:"Name"`
	Email       string `json:"Email"`
	AvatarKind  string `json:"AvatarKind"`
	AvatarURL   string `json:"AvatarURL"`
	AvatarData  string `json:"AvatarData"`
	AvatarIcon  string `json:"AvatarIcon"`
	AvatarColor string `json:"AvatarColor"`
	CreatedAt   string `json:"CreatedAt"`
}

// avatarUpdate writes every avatar column so a variant switch clears the
// payload of the previous one.
type avatarUpdate struct {
	entityKeys
	AvatarKind  string `json:"AvatarKind"`
	AvatarURL   string `json:"AvatarURL"`
	AvatarData  string `json:"AvatarData"`
	AvatarIcon  string `json:"AvatarIcon"`
	AvatarColor string `json:"AvatarColor"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeSubtasks(st []domain.Subtask) (string, error) {
	if st == nil {
		st = []domain.Subtask{}
	}
	data, err := sonic.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toTaskEntity(userID string, t domain.Task) (taskEntity, error) {
	subtasks, err := encodeSubtasks(t.Subtasks)
	if err != nil {
		return taskEntity{}, err
	}
	ent := taskEntity{
		entityKeys:     entityKeys{PartitionKey: userID, RowKey: t.ID},
		Title:          t.Title,
		Completed:      t.Completed,
		Important:      t.Important,
		ListID:         t.ListID,
		Repeat:         string(t.Repeat),
		NotificationID: t.NotificationID,
		Subtasks:       subtasks,
		Notes:          t.Notes,
		CreatedAt:      formatTime(t.CreatedAt),
		UpdatedAt:      formatTime(t.UpdatedAt),
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.String()
	}
	if t.Reminder != nil {
		ent.Reminder = t.Reminder.String()
	}
	return ent, nil
}

// decodeTask maps a stored row back to a task. Unparseable optional columns
// read as unset rather than failing the whole list.
func decodeTask(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:             ent.RowKey,
		Title:          ent.Title,
		Completed:      ent.Completed,
		Important:      ent.Important,
		ListID:         ent.ListID,
		NotificationID: ent.NotificationID,
		Notes:          ent.Notes,
		CreatedAt:      parseTime(ent.CreatedAt),
		UpdatedAt:      parseTime(ent.UpdatedAt),
		Subtasks:       []domain.Subtask{},
	}
	if ent.DueDate != "" {
		if d, err := domain.ParseDueDate(ent.DueDate); err == nil {
			t.DueDate = &d
		}
	}
	if ent.Reminder != "" {
		if r, err := domain.ParseTimeOfDay(ent.Reminder); err == nil {
			t.Reminder = &r
		}
	}
	if r, err := domain.ParseRepeat(ent.Repeat); err == nil {
		t.Repeat = r
	}
	if ent.Subtasks != "" {
		if err := sonic.Unmarshal([]byte(ent.Subtasks), &t.Subtasks); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}

func toTaskUpdate(userID, taskID string, p domain.TaskPatch) (taskUpdate, error) {
	u := taskUpdate{
		entityKeys: entityKeys{PartitionKey: userID, RowKey: taskID},
		Title:      p.Title,
		Completed:  p.Completed,
		Important:  p.Important,
		ListID:     p.ListID,
		Notes:      p.Notes,
	}
	if p.DueDate.Set {
		u.DueDate = nullableString(p.DueDate)
	}
	if p.Reminder.Set {
		u.Reminder = nullableString(p.Reminder)
	}
	if p.Repeat.Set {
		v := string(p.Repeat.Value)
		u.Repeat = &v
	}
	if p.NotificationID.Set {
		v := p.NotificationID.Value
		u.NotificationID = &v
	}
	if p.Subtasks.Set {
		v, err := encodeSubtasks(p.Subtasks.Value)
		if err != nil {
			return taskUpdate{}, err
		}
		u.Subtasks = &v
	}
	if p.UpdatedAt != nil {
		v := formatTime(*p.UpdatedAt)
		u.UpdatedAt = &v
	}
	return u, nil
}

// nullableString renders a set field: its string form, or "" for null.
func nullableString[T interface{ String() string }](n domain.Nullable[T]) *string {
	v := ""
	if n.Valid {
		v = n.Value.String()
	}
	return &v
}

func toProfileEntity(p domain.Profile) profileEntity {
	ent := profileEntity{
		entityKeys: entityKeys{PartitionKey: p.UserID, RowKey: p.UserID},
		Name:       p.Name,
		Email:      p.Email,
		AvatarKind: string(p.Avatar.Kind),
		AvatarURL:  p.Avatar.URL,
		AvatarData: p.Avatar.Data,
		CreatedAt:  formatTime(p.CreatedAt),
	}
	if p.Avatar.Icon != nil {
		ent.AvatarIcon = p.Avatar.Icon.Name
		ent.AvatarColor = p.Avatar.Icon.Color
	}
	return ent
}

func decodeProfile(data []byte) (domain.Profile, error) {
	var ent profileEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Profile{}, err
	}
	p := domain.Profile{
		UserID:    ent.RowKey,
		Name:      ent.Name,
		Email:     ent.Email,
		CreatedAt: parseTime(ent.CreatedAt),
		Avatar: domain.Avatar{
			Kind: domain.AvatarKind(ent.AvatarKind),
			URL:  ent.AvatarURL,
			Data: ent.AvatarData,
		},
	}
	if p.Avatar.Kind == domain.AvatarIcon {
		p.Avatar.Icon = &domain.IconRef{Name: ent.AvatarIcon, Color: ent.AvatarColor}
	}
	return p, nil
}
