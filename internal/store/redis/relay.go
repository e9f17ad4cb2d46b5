package redis

import (
	"context"
	"log"
	"time"

	"trading-riskengine/internal/broker"

	goredis "github.com/go-redis/redis/v8"
)

// DeliverFunc hands an encoded event to the local sessions of a user.
type DeliverFunc func(userID string, data []byte)

type outbound struct {
	userID string
	data   []byte
}

// Relay publishes hub events on pub:user:<id> and delivers every event
// seen on pub:user:* to the local hub, so a user connected to any
// instance receives events raised on any other.
//
// Enqueue never blocks. While Redis is failing the breaker opens and
// Enqueue refuses events, which the hub then delivers locally.
type Relay struct {
	client  *goredis.Client
	queue   chan outbound
	breaker *broker.Breaker
	timeout time.Duration

	publish func(ctx context.Context, channel string, data []byte) error

	// OnPublishError is called for each event that fell back to local
	// delivery after a failed publish.
	OnPublishError func()
}

// NewRelay creates a relay with a publish queue of queueSize events.
func NewRelay(client *goredis.Client, queueSize int, timeout time.Duration) *Relay {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Relay{
		client:  client,
		queue:   make(chan outbound, queueSize),
		breaker: broker.NewBreaker(5, 10*time.Second),
		timeout: timeout,
	}
	r.publish = func(ctx context.Context, channel string, data []byte) error {
		return r.client.Publish(ctx, channel, data).Err()
	}
	return r
}

// Enqueue queues an event for publishing. It reports false when the queue
// is full or Redis is known to be down.
func (r *Relay) Enqueue(userID string, data []byte) bool {
	if r.breaker.CurrentState() == broker.StateOpen {
		return false
	}
	select {
	case r.queue <- outbound{userID: userID, data: data}:
		return true
	default:
		return false
	}
}

// Run publishes queued events and subscribes to every user channel.
// Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, deliver DeliverFunc) {
	go r.publishLoop(ctx, deliver)
	r.subscribeLoop(ctx, deliver)
}

func (r *Relay) publishLoop(ctx context.Context, deliver DeliverFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.queue:
			r.publishOne(ctx, m, deliver)
		}
	}
}

func (r *Relay) publishOne(ctx context.Context, m outbound, deliver DeliverFunc) {
	err := r.breaker.Execute(func() error {
		pctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.publish(pctx, userChannel(m.userID), m.data)
	})
	if err == nil {
		return
	}
	log.Printf("[redis] relay publish for user %s failed, delivering locally: %v", m.userID, err)
	if r.OnPublishError != nil {
		r.OnPublishError()
	}
	deliver(m.userID, m.data)
}

func (r *Relay) subscribeLoop(ctx context.Context, deliver DeliverFunc) {
	pubsub := r.client.PSubscribe(ctx, userPattern)
	defer pubsub.Close()

	log.Printf("[redis] relay subscribed to %s", userPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID, ok := userFromChannel(msg.Channel)
			if !ok {
				continue
			}
			deliver(userID, []byte(msg.Payload))
		}
	}
}
