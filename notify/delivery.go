package notify

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Delivery is a reminder that came due, published to the user's channel.
type Delivery struct {
	Handle      string    `json:"handle"`
	UserID      string    `json:"userId"`
	TaskID      string    `json:"taskId"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	FireAt      time.Time `json:"fireAt"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

func deliveryChannel(userID string) string { return "reminders:" + userID }

func publishDelivery(ctx context.Context, rc *redis.Client, d Delivery) error {
	data, err := sonic.Marshal(d)
	if err != nil {
		return err
	}
	return rc.Publish(ctx, deliveryChannel(d.UserID), data).Err()
}

// DeliverySubscription streams the deliveries of one user until closed.
type DeliverySubscription struct {
	C <-chan Delivery

	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// SubscribeDeliveries listens on the user's reminder channel.
func SubscribeDeliveries(ctx context.Context, rc *redis.Client, logger *log.Logger, userID string) (*DeliverySubscription, error) {
	pubsub := rc.Subscribe(ctx, deliveryChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Delivery, 8)
	s := &DeliverySubscription{C: out, pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := sonic.Unmarshal([]byte(msg.Payload), &d); err != nil {
					logger.WithError(err).Warn("unable to parse reminder delivery")
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return s, nil
}

// Close stops delivery and releases the Redis subscription.
func (s *DeliverySubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		<-s.done
	})
}

// Deliveries subscribes to the reminders that come due for userID.
func (f *QueueFacility) Deliveries(ctx context.Context, userID string) (*DeliverySubscription, error) {
	return SubscribeDeliveries(ctx, f.redis, f.logger, userID)
}
