package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
)

type queuedMessage struct {
	id         string
	receipt    string
	text       string
	visibility int32
}

// fakeQueue keeps messages in memory. Visibility is recorded, not enforced:
// Dequeue hands out every message that is not leased.
type fakeQueue struct {
	mu         sync.Mutex
	seq        int
	messages   []*queuedMessage
	leased     map[string]bool
	deleted    []string
	enqueueErr error
	dequeueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{leased: map[string]bool{}}
}

func (q *fakeQueue) Create(context.Context, *azqueue.CreateOptions) (azqueue.CreateResponse, error) {
	return azqueue.CreateResponse{}, &azcore.ResponseError{ErrorCode: "QueueAlreadyExists", StatusCode: 409}
}

func (q *fakeQueue) EnqueueMessage(_ context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return azqueue.EnqueueMessagesResponse{}, q.enqueueErr
	}
	q.seq++
	m := &queuedMessage{id: "m" + strconv.Itoa(q.seq), receipt: "r" + strconv.Itoa(q.seq), text: content}
	if o != nil && o.VisibilityTimeout != nil {
		m.visibility = *o.VisibilityTimeout
	}
	q.messages = append(q.messages, m)
	id, receipt := m.id, m.receipt
	return azqueue.EnqueueMessagesResponse{Messages: []*azqueue.EnqueuedMessage{{MessageID: &id, PopReceipt: &receipt}}}, nil
}

func (q *fakeQueue) DequeueMessages(_ context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dequeueErr != nil {
		return azqueue.DequeueMessagesResponse{}, q.dequeueErr
	}
	limit := 1
	if o != nil && o.NumberOfMessages != nil {
		limit = int(*o.NumberOfMessages)
	}
	var out []*azqueue.DequeuedMessage
	for _, m := range q.messages {
		if len(out) == limit {
			break
		}
		if q.leased[m.id] {
			continue
		}
		q.leased[m.id] = true
		m.receipt = m.receipt + "-leased"
		out = append(out, q.dequeued(m))
	}
	return azqueue.DequeueMessagesResponse{Messages: out}, nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, id, receipt string, _ *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.id != id {
			continue
		}
		if m.receipt != receipt {
			return azqueue.DeleteMessageResponse{}, &azcore.ResponseError{ErrorCode: "PopReceiptMismatch", StatusCode: 400}
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		q.deleted = append(q.deleted, id)
		return azqueue.DeleteMessageResponse{}, nil
	}
	return azqueue.DeleteMessageResponse{}, &azcore.ResponseError{ErrorCode: "MessageNotFound", StatusCode: 404}
}

func (q *fakeQueue) dequeued(m *queuedMessage) *azqueue.DequeuedMessage {
	id, receipt, text := m.id, m.receipt, m.text
	return &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &receipt, MessageText: &text}
}

// lease dequeues the message with the given id.
func (q *fakeQueue) lease(t *testing.T, id string) *azqueue.DequeuedMessage {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.id == id {
			q.leased[m.id] = true
			m.receipt = m.receipt + "-leased"
			return q.dequeued(m)
		}
	}
	t.Fatalf("message %s not queued", id)
	return nil
}

func (q *fakeQueue) last() *queuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil
	}
	return q.messages[len(q.messages)-1]
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

type testEnv struct {
	mr       *miniredis.Miniredis
	rc       *redis.Client
	queue    *fakeQueue
	facility *QueueFacility
	hook     *test.Hook
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	logger, hook := test.NewNullLogger()
	q := newFakeQueue()
	env := &testEnv{mr: mr, rc: rc, queue: q, hook: hook, now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	env.facility = NewQueueFacility(q, rc, logger)
	env.facility.now = func() time.Time { return env.now }
	return env
}

var errBoom = errors.New("boom")
