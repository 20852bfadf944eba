package storage

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ameno-api/domain"
)

// Change is published on the user's channel after every successful write.
type Change struct {
	UserID string `json:"userId"`
	TaskID string `json:"taskId"`
	Op     string `json:"op"`
}

const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

func changeChannel(userID string) string { return "tasks:changes:" + userID }

// Feed is a Store that announces writes over Redis pub/sub so any instance
// can push fresh snapshots to its subscribers.
type Feed struct {
	base   Store
	redis  *redis.Client
	logger *log.Logger
}

// NewFeed wraps base. Publishing is best effort: a failed publish is logged
// and never fails the write that caused it.
func NewFeed(base Store, rc *redis.Client, logger *log.Logger) *Feed {
	if base == nil {
		panic("storage.NewFeed: base storage is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Feed{base: base, redis: rc, logger: logger}
}

func (f *Feed) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return f.base.GetTask(ctx, userID, taskID)
}

func (f *Feed) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	return f.base.ListTasks(ctx, userID)
}

func (f *Feed) CreateTask(ctx context.Context, userID string, t domain.Task) error {
	if err := f.base.CreateTask(ctx, userID, t); err != nil {
		return err
	}
	f.publish(ctx, Change{UserID: userID, TaskID: t.ID, Op: opCreate})
	return nil
}

func (f *Feed) UpdateTask(ctx context.Context, userID, taskID string, p domain.TaskPatch) error {
	if err := f.base.UpdateTask(ctx, userID, taskID, p); err != nil {
		return err
	}
	f.publish(ctx, Change{UserID: userID, TaskID: taskID, Op: opUpdate})
	return nil
}

func (f *Feed) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := f.base.DeleteTask(ctx, userID, taskID); err != nil {
		return err
	}
	f.publish(ctx, Change{UserID: userID, TaskID: taskID, Op: opDelete})
	return nil
}

func (f *Feed) publish(ctx context.Context, c Change) {
	data, err := sonic.Marshal(c)
	if err != nil {
		return
	}
	if err := f.redis.Publish(ctx, changeChannel(c.UserID), data).Err(); err != nil {
		f.logger.WithError(err).WithFields(log.Fields{"user": c.UserID, "task": c.TaskID}).Warn("task change publish failed")
	}
}

// Subscription delivers task snapshots of one view until closed. Only the
// latest snapshot is kept when the reader falls behind.
type Subscription struct {
	C <-chan []domain.Task

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe sends the current tasks of view right away and a fresh snapshot
// after every change. An empty view selects all tasks.
func (f *Feed) Subscribe(ctx context.Context, userID, view string) (*Subscription, error) {
	pubsub := f.redis.Subscribe(ctx, changeChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	initial, err := f.snapshot(ctx, userID, view)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan []domain.Task, 1)
	out <- initial
	s := &Subscription{C: out, pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	entry := f.logger.WithFields(log.Fields{"user": userID, "view": view})

	go func() {
		defer close(s.done)
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				tasks, err := f.snapshot(ctx, userID, view)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					entry.WithError(err).Error("task snapshot failed")
					continue
				}
				select {
				case <-out:
				default:
				}
				out <- tasks
			}
		}
	}()
	return s, nil
}

func (f *Feed) snapshot(ctx context.Context, userID, view string) ([]domain.Task, error) {
	tasks, err := f.base.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.Filter(view, tasks), nil
}

// Close stops the subscription and releases the Redis connection.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		<-s.done
	})
}
