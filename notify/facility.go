package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ameno-api/reminder"
)

const (
	// maxVisibility stays under the 7 day visibility limit of the queue.
	maxVisibility = 7*24*time.Hour - time.Minute
	// registryGrace keeps a handle record around after its fire time so a
	// late dispatcher still finds it.
	registryGrace = 24 * time.Hour
	neverExpire   = int32(-1)
)

// errHandleGone means the handle was cancelled while it was being armed.
var errHandleGone = errors.New("reminder handle cancelled")

// Queue is the subset of *azqueue.QueueClient used for delayed alerts.
type Queue interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// NewQueueClient opens the reminder queue with the service retry policy.
func NewQueueClient(connStr, queueName string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
}

// envelope is the queue message body. Nonce ties a message to the current
// registry record so superseded messages are recognised and dropped.
type envelope struct {
	Handle string `json:"handle"`
	Nonce  string `json:"nonce"`
}

// record is the registry entry of a live handle.
type record struct {
	UserID       string                `json:"userId"`
	Nonce        string                `json:"nonce"`
	MessageID    string                `json:"messageId,omitempty"`
	PopReceipt   string                `json:"popReceipt,omitempty"`
	Notification reminder.Notification `json:"notification"`
}

// QueueFacility implements reminder.Facility with delayed queue messages.
// A handle is a stable id whose current message is tracked in Redis, so
// alerts can be moved (hops, recurrence) without the task noticing.
type QueueFacility struct {
	queue  Queue
	redis  *redis.Client
	logger *log.Logger
	now    func() time.Time
}

// NewQueueFacility creates a facility over queue and the Redis registry.
func NewQueueFacility(queue Queue, rc *redis.Client, logger *log.Logger) *QueueFacility {
	if queue == nil || rc == nil {
		panic("notify.NewQueueFacility: queue and redis are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueFacility{queue: queue, redis: rc, logger: logger, now: time.Now}
}

// Init creates the queue when it does not exist yet.
func (f *QueueFacility) Init(ctx context.Context) error {
	return EnsureQueue(ctx, f.queue)
}

// EnsureQueue creates q, tolerating a queue that already exists.
func EnsureQueue(ctx context.Context, q Queue) error {
	_, err := q.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func permissionKey(userID string) string { return "permission:" + userID }

func registryKey(handle string) string { return "reminder:" + handle }

// PermissionStatus returns the stored decision; no decision is undetermined.
func (f *QueueFacility) PermissionStatus(ctx context.Context, userID string) (reminder.Permission, error) {
	v, err := f.redis.Get(ctx, permissionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return reminder.PermissionUndetermined, nil
	}
	if err != nil {
		return "", err
	}
	p, err := reminder.ParsePermission(v)
	if err != nil {
		return reminder.PermissionUndetermined, nil
	}
	return p, nil
}

// RequestPermission stores the device's decision.
func (f *QueueFacility) RequestPermission(ctx context.Context, userID string, decision reminder.Permission) (reminder.Permission, error) {
	if _, err := reminder.ParsePermission(string(decision)); err != nil {
		return "", err
	}
	if err := f.redis.Set(ctx, permissionKey(userID), string(decision), 0).Err(); err != nil {
		return "", err
	}
	return decision, nil
}

// ScheduleOneShot registers a new handle and enqueues its first message.
func (f *QueueFacility) ScheduleOneShot(ctx context.Context, userID string, n reminder.Notification) (string, error) {
	handle := uuid.NewString()
	rec := record{UserID: userID, Notification: n}
	if err := f.arm(ctx, handle, &rec, ""); err != nil {
		return "", err
	}
	return handle, nil
}

// Cancel forgets the handle, then deletes its pending message. The registry
// delete alone makes the cancel effective; a message that survives is
// dropped on dequeue.
func (f *QueueFacility) Cancel(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	rec, ok, err := f.load(ctx, handle)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := f.redis.Del(ctx, registryKey(handle)).Err(); err != nil {
		return err
	}
	if rec.MessageID == "" {
		return nil
	}
	if _, err := f.queue.DeleteMessage(ctx, rec.MessageID, rec.PopReceipt, nil); err != nil && !messageGone(err) {
		return err
	}
	return nil
}

// arm writes the record under a fresh nonce and enqueues a message that
// becomes visible at the fire time, or after the longest allowed delay.
// For an existing handle (prevNonce set) the record must still be present,
// and prevNonce is restored when the enqueue fails.
func (f *QueueFacility) arm(ctx context.Context, handle string, rec *record, prevNonce string) error {
	rec.Nonce = uuid.NewString()
	rec.MessageID, rec.PopReceipt = "", ""
	ok, err := f.save(ctx, handle, rec, prevNonce != "")
	if err != nil {
		return err
	}
	if !ok {
		return errHandleGone
	}

	data, err := sonic.Marshal(envelope{Handle: handle, Nonce: rec.Nonce})
	if err != nil {
		return err
	}
	visibility := int32(f.delay(rec.Notification.FireAt) / time.Second)
	ttl := neverExpire
	resp, err := f.queue.EnqueueMessage(ctx, string(data), &azqueue.EnqueueMessageOptions{
		VisibilityTimeout: &visibility,
		TimeToLive:        &ttl,
	})
	if err != nil {
		if prevNonce == "" {
			_ = f.redis.Del(ctx, registryKey(handle)).Err()
		} else {
			rec.Nonce = prevNonce
			_, _ = f.save(ctx, handle, rec, true)
		}
		return err
	}
	if len(resp.Messages) > 0 && resp.Messages[0] != nil {
		m := resp.Messages[0]
		if m.MessageID != nil {
			rec.MessageID = *m.MessageID
		}
		if m.PopReceipt != nil {
			rec.PopReceipt = *m.PopReceipt
		}
	}
	// A cancel may have removed the record since the first write.
	if ok, err = f.save(ctx, handle, rec, true); err != nil {
		return err
	}
	if !ok {
		return errHandleGone
	}
	return nil
}

func (f *QueueFacility) delay(fireAt time.Time) time.Duration {
	d := fireAt.Sub(f.now())
	if d < 0 {
		return 0
	}
	if d > maxVisibility {
		return maxVisibility
	}
	return d
}

// save writes rec. With existingOnly it only overwrites a present record
// and reports false when there is none.
func (f *QueueFacility) save(ctx context.Context, handle string, rec *record, existingOnly bool) (bool, error) {
	data, err := sonic.Marshal(rec)
	if err != nil {
		return false, err
	}
	ttl := rec.Notification.FireAt.Sub(f.now()) + registryGrace
	if ttl < registryGrace {
		ttl = registryGrace
	}
	args := redis.SetArgs{TTL: ttl}
	if existingOnly {
		args.Mode = "XX"
	}
	err = f.redis.SetArgs(ctx, registryKey(handle), data, args).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *QueueFacility) load(ctx context.Context, handle string) (record, bool, error) {
	data, err := f.redis.Get(ctx, registryKey(handle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var rec record
	if err := sonic.Unmarshal(data, &rec); err != nil {
		f.logger.WithError(err).WithField("handle", handle).Warn("dropping unreadable reminder record")
		_ = f.redis.Del(ctx, registryKey(handle)).Err()
		return record{}, false, nil
	}
	return rec, true, nil
}

func (f *QueueFacility) forget(ctx context.Context, handle string) error {
	return f.redis.Del(ctx, registryKey(handle)).Err()
}

// messageGone reports errors meaning the message was already removed or
// has been leased by a dispatcher since the receipt was issued.
func messageGone(err error) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.StatusCode == 404 || respErr.StatusCode == 400
}
