package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"ameno-api/domain"
)

// table is the subset of *aztables.Client used here.
type table interface {
	CreateTable(ctx context.Context, o *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, o *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Storage persists tasks and profiles in Azure Tables. Tasks are partitioned
// by user id; a profile row uses the user id for both keys.
type Storage struct {
	taskTable    table
	profileTable table
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, profilesTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), profileTable: svc.NewClient(profilesTable)}, nil
}

// Init creates the tables when they do not exist yet.
func (s *Storage) Init(ctx context.Context) error {
	for _, t := range []table{s.taskTable, s.profileTable} {
		if _, err := t.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

// CreateTask inserts a new task. An existing id yields domain.ErrConflict.
func (s *Storage) CreateTask(ctx context.Context, userID string, t domain.Task) error {
	ent, err := toTaskEntity(userID, t)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return mapError(err)
}

// GetTask loads one task.
func (s *Storage) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		return domain.Task{}, mapError(err)
	}
	return decodeTask(resp.Value)
}

// ListTasks retrieves all tasks for the provided user.
func (s *Storage) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq " + odataString(userID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// UpdateTask merges the fields present in p into an existing task.
func (s *Storage) UpdateTask(ctx context.Context, userID, taskID string, p domain.TaskPatch) error {
	upd, err := toTaskUpdate(userID, taskID, p)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapError(err)
}

// DeleteTask removes a task. A missing task yields domain.ErrNotFound.
func (s *Storage) DeleteTask(ctx context.Context, userID, taskID string) error {
	_, err := s.taskTable.DeleteEntity(ctx, userID, taskID, nil)
	return mapError(err)
}

// GetProfile loads a user's profile.
func (s *Storage) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	resp, err := s.profileTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		return domain.Profile{}, mapError(err)
	}
	return decodeProfile(resp.Value)
}

// UpsertProfile creates or replaces a user's profile.
func (s *Storage) UpsertProfile(ctx context.Context, p domain.Profile) error {
	payload, err := sonic.Marshal(toProfileEntity(p))
	if err != nil {
		return err
	}
	_, err = s.profileTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return mapError(err)
}

// UpdateAvatar replaces only the avatar columns of an existing profile.
func (s *Storage) UpdateAvatar(ctx context.Context, userID string, a domain.Avatar) error {
	ent := toProfileEntity(domain.Profile{UserID: userID, Avatar: a})
	payload, err := sonic.Marshal(avatarUpdate{
		entityKeys:  ent.entityKeys,
		AvatarKind:  ent.AvatarKind,
		AvatarURL:   ent.AvatarURL,
		AvatarData:  ent.AvatarData,
		AvatarIcon:  ent.AvatarIcon,
		AvatarColor: ent.AvatarColor,
	})
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.profileTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return mapError(err)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return domain.ErrNotFound
		case http.StatusConflict:
			return domain.ErrConflict
		case http.StatusBadRequest:
			if respErr.ErrorCode == "PropertyValueTooLarge" || respErr.ErrorCode == "EntityTooLarge" {
				return &domain.ValidationError{Field: "entity", Msg: "value too large to store"}
			}
		}
	}
	return err
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
