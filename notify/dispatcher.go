package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"ameno-api/reminder"
)

// DispatcherConfig tunes the delivery pool.
type DispatcherConfig struct {
	Workers      int
	Buffer       int
	Batch        int32
	PollInterval time.Duration
	Lease        time.Duration
	Timeout      time.Duration
	Mode         reminder.Mode
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.Batch <= 0 || c.Batch > 32 {
		c.Batch = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Mode == "" {
		c.Mode = reminder.ModeOneShot
	}
	return c
}

// earlyTolerance lets a message that surfaces slightly before its fire time
// be delivered instead of hopping again.
const earlyTolerance = 2 * time.Second

const (
	resultDelivered = "delivered"
	resultDropped   = "dropped"
	resultHopped    = "hopped"
	resultRearmed   = "rearmed"
	resultFailed    = "failed"
)

// Dispatcher polls the reminder queue and hands due messages to a pool of
// workers that publish deliveries.
type Dispatcher struct {
	facility *QueueFacility
	cfg      DispatcherConfig
	logger   *log.Logger
	results  *prometheus.CounterVec

	jobs   chan *azqueue.DequeuedMessage
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates a stopped dispatcher. reg may be nil.
func NewDispatcher(f *QueueFacility, cfg DispatcherConfig, reg prometheus.Registerer, logger *log.Logger) *Dispatcher {
	if logger == nil {
		panic("Logger is not initialized")
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ameno",
		Name:      "reminder_dispatch_total",
		Help:      "Reminder queue messages handled by result.",
	}, []string{"result"})
	if reg != nil {
		if err := reg.Register(results); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				results = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	return &Dispatcher{facility: f, cfg: cfg.withDefaults(), logger: logger, results: results}
}

// Start launches the poller and the workers. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.jobs = make(chan *azqueue.DequeuedMessage, d.cfg.Buffer)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Add(1)
	go d.poll(ctx)
	d.logger.Infof("reminder dispatcher started, workers: %d, batch: %d, poll: %v, mode: %s", d.cfg.Workers, d.cfg.Batch, d.cfg.PollInterval, d.cfg.Mode)
}

// Stop halts polling and waits for in-flight messages to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		d.logger.Info("reminder dispatcher stopped")
	})
}

func (d *Dispatcher) poll(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.jobs)

	lease := int32(d.cfg.Lease / time.Second)
	batch := d.cfg.Batch
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		resp, err := d.facility.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
			NumberOfMessages:  &batch,
			VisibilityTimeout: &lease,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.WithError(err).Error("reminder dequeue failed")
			timer.Reset(d.cfg.PollInterval)
			continue
		}
		for _, msg := range resp.Messages {
			if msg == nil {
				continue
			}
			select {
			case d.jobs <- msg:
			case <-ctx.Done():
				return
			}
		}
		if len(resp.Messages) == int(batch) {
			timer.Reset(0)
		} else {
			timer.Reset(d.cfg.PollInterval)
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for msg := range d.jobs {
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
		result, err := d.process(jobCtx, msg)
		cancel()
		d.results.WithLabelValues(result).Inc()
		if err != nil {
			d.logger.WithError(err).WithFields(log.Fields{"worker": id, "message": deref(msg.MessageID)}).Error("reminder dispatch failed")
		}
	}
}

// process handles one dequeued message. Messages left undeleted on error
// become visible again once their lease expires.
func (d *Dispatcher) process(ctx context.Context, msg *azqueue.DequeuedMessage) (string, error) {
	f := d.facility
	var env envelope
	if err := sonic.Unmarshal([]byte(deref(msg.MessageText)), &env); err != nil || env.Handle == "" {
		d.logger.WithField("message", deref(msg.MessageID)).Warn("dropping malformed reminder message")
		return resultDropped, d.ack(ctx, msg)
	}

	rec, ok, err := f.load(ctx, env.Handle)
	if err != nil {
		return resultFailed, err
	}
	if !ok || rec.Nonce != env.Nonce {
		// Cancelled, or superseded by a newer message for the same handle.
		return resultDropped, d.ack(ctx, msg)
	}

	now := f.now()
	if rec.Notification.FireAt.After(now.Add(earlyTolerance)) {
		if err := f.arm(ctx, env.Handle, &rec, env.Nonce); err != nil {
			if errors.Is(err, errHandleGone) {
				return resultDropped, d.ack(ctx, msg)
			}
			return resultFailed, err
		}
		return resultHopped, d.ack(ctx, msg)
	}

	n := rec.Notification
	delivery := Delivery{
		Handle:      env.Handle,
		UserID:      rec.UserID,
		TaskID:      n.TaskID,
		Title:       n.Title,
		Body:        n.Body,
		FireAt:      n.FireAt,
		DeliveredAt: now,
	}
	if err := publishDelivery(ctx, f.redis, delivery); err != nil {
		return resultFailed, err
	}
	entry := d.logger.WithFields(log.Fields{"handle": env.Handle, "user": rec.UserID, "task": n.TaskID})

	if d.cfg.Mode == reminder.ModeCadence && n.Recurrence != nil {
		base := n.FireAt
		if now.After(base) {
			base = now
		}
		next, err := reminder.NextOccurrence(*n.Recurrence, base.In(n.Recurrence.Location()))
		if err == nil {
			rec.Notification.FireAt = next
			if err := f.arm(ctx, env.Handle, &rec, env.Nonce); err != nil && !errors.Is(err, errHandleGone) {
				// Left on the queue: the retry finds the next fire time
				// in the record and hops instead of delivering again.
				entry.WithError(err).Warn("reminder re-arm failed, retrying after lease")
				return resultFailed, err
			}
			entry.WithField("next", next).Debug("reminder delivered and re-armed")
			return resultRearmed, d.ack(ctx, msg)
		}
		entry.WithError(err).Warn("reminder cadence unusable, not re-arming")
	}

	if err := f.forget(ctx, env.Handle); err != nil {
		entry.WithError(err).Warn("reminder record cleanup failed")
	}
	entry.Debug("reminder delivered")
	return resultDelivered, d.ack(ctx, msg)
}

func (d *Dispatcher) ack(ctx context.Context, msg *azqueue.DequeuedMessage) error {
	_, err := d.facility.queue.DeleteMessage(ctx, deref(msg.MessageID), deref(msg.PopReceipt), nil)
	if err != nil && messageGone(err) {
		return nil
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
