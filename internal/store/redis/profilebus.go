package redis

import (
	"context"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// ProfileBus tells every instance to reload a user's cached risk profile
// after it changes on one of them.
type ProfileBus struct {
	client  *goredis.Client
	timeout time.Duration
}

// NewProfileBus creates a bus on ProfileChannel.
func NewProfileBus(client *goredis.Client, timeout time.Duration) *ProfileBus {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProfileBus{client: client, timeout: timeout}
}

// Publish announces that userID's profile changed. Failures are logged;
// peers pick the change up on their next full refresh.
func (b *ProfileBus) Publish(ctx context.Context, userID string) {
	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(pctx, ProfileChannel, userID).Err(); err != nil {
		log.Printf("[redis] profile invalidation for user %s failed: %v", userID, err)
	}
}

// Run calls reload for every announced user id. Blocks until ctx is
// cancelled.
func (b *ProfileBus) Run(ctx context.Context, reload func(ctx context.Context, userID string) error) {
	pubsub := b.client.Subscribe(ctx, ProfileChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == "" {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, b.timeout)
			if err := reload(rctx, msg.Payload); err != nil {
				log.Printf("[redis] reload profile for user %s: %v", msg.Payload, err)
			}
			cancel()
		}
	}
}
