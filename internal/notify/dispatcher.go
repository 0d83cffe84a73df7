// Package notify fans reminder delivery events out to push subscribers.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/remindq/internal/domain"
)

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a browser PushSubscription as sent by the client.
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime,omitempty"`
	Keys           Keys   `json:"keys"`
}

// Sender delivers one payload to one subscriber.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) error
}

type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Dispatcher keeps the subscriber list and the events raised while nobody was
// subscribed. Subscriptions live in memory only.
type Dispatcher struct {
	sender  Sender
	limiter *rate.Limiter
	log     *zap.Logger

	// deliver serialises fan-outs so events reach subscribers in the order
	// they were raised.
	deliver sync.Mutex

	mu      sync.Mutex
	subs    []Subscription
	pending []domain.DeliveryEvent
	// flushDone is non-nil while a flush of pending is running and is closed
	// when it ends. New events queue behind it in pending.
	flushDone chan struct{}
}

// New paces sends at perSec; zero or less means unlimited.
func New(sender Sender, perSec int, log *zap.Logger) *Dispatcher {
	limit := rate.Inf
	burst := 1
	if perSec > 0 {
		limit = rate.Limit(perSec)
		burst = perSec
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// Subscribe registers sub and starts flushing every buffered event to all
// subscribers, in the order the events were raised. It does not wait for the
// flush.
func (d *Dispatcher) Subscribe(ctx context.Context, sub Subscription) (Result, error) {
	if sub.Endpoint == "" {
		return Result{}, domain.ErrInvalidSubscription
	}

	d.mu.Lock()
	d.subs = append(d.subs, sub)
	n := len(d.pending)
	start := n > 0 && d.flushDone == nil
	var done chan struct{}
	if start {
		done = make(chan struct{})
		d.flushDone = done
	}
	d.mu.Unlock()

	d.log.Info("subscriber added", zap.String("endpoint", sub.Endpoint), zap.Int("flushing", n))
	if start {
		// The flush outlives the subscribe request.
		go d.flush(context.WithoutCancel(ctx), done)
	}
	return Result{Status: "success", Message: "Subscription Successful"}, nil
}

// flush drains pending batch by batch until it stays empty. Events buffered
// meanwhile go out in a later batch.
func (d *Dispatcher) flush(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		if len(batch) == 0 {
			d.flushDone = nil
			d.mu.Unlock()
			return
		}
		subs := d.snapshot()
		d.mu.Unlock()

		d.deliver.Lock()
		for _, ev := range batch {
			d.fanOut(ctx, subs, ev)
		}
		d.deliver.Unlock()
	}
}

// Wait blocks until no flush is running.
func (d *Dispatcher) Wait() {
	for {
		d.mu.Lock()
		done := d.flushDone
		d.mu.Unlock()
		if done == nil {
			return
		}
		<-done
	}
}

// HandleEvent delivers ev to every subscriber, or buffers it when there are
// none yet or a flush is still running.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev domain.DeliveryEvent) {
	d.mu.Lock()
	if len(d.subs) == 0 || d.flushDone != nil {
		d.pending = append(d.pending, ev)
		n := len(d.pending)
		d.mu.Unlock()
		d.log.Info("event buffered", zap.String("reminder_id", ev.ID), zap.Int("pending", n))
		return
	}
	subs := d.snapshot()
	d.mu.Unlock()

	d.deliver.Lock()
	defer d.deliver.Unlock()
	d.fanOut(ctx, subs, ev)
}

// Run consumes events until the channel is closed. Events still in the
// channel when ctx is cancelled are handled before Run returns, and so is a
// flush already under way.
func (d *Dispatcher) Run(ctx context.Context, events <-chan domain.DeliveryEvent) error {
	for ev := range events {
		d.HandleEvent(context.WithoutCancel(ctx), ev)
	}
	d.Wait()
	return nil
}

func (d *Dispatcher) Subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) snapshot() []Subscription {
	out := make([]Subscription, len(d.subs))
	copy(out, d.subs)
	return out
}

// fanOut sends ev to each subscriber once. Failures are logged and never
// retried.
func (d *Dispatcher) fanOut(ctx context.Context, subs []Subscription, ev domain.DeliveryEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("encode delivery event", zap.String("reminder_id", ev.ID), zap.Error(err))
		return
	}
	var sent int
	for _, sub := range subs {
		if err := d.send(ctx, sub, payload); err != nil {
			d.log.Warn("delivery failed", zap.String("reminder_id", ev.ID), zap.Error(err))
			continue
		}
		sent++
	}
	d.log.Info("event delivered", zap.String("reminder_id", ev.ID), zap.Int("sent", sent), zap.Int("subscribers", len(subs)))
}

func (d *Dispatcher) send(ctx context.Context, sub Subscription, payload []byte) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return &domain.DeliveryError{Endpoint: sub.Endpoint, Err: errors.Wrap(err, "rate limit")}
	}
	if err := d.sender.Send(ctx, sub, payload); err != nil {
		return &domain.DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}
	return nil
}
