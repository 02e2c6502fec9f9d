package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"go-marketchat/internal/logger"
)

// Broker carries deliveries to every instance that may hold a connection of
// the addressed user.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe returns once the subscription is live. handle is called for
	// every delivery until ctx is done.
	Subscribe(ctx context.Context, handle func(Delivery)) error
}

// EventsChannel is the redis channel shared by all instances.
const EventsChannel = "notify:events"

type RedisBroker struct {
	client  *redis.Client
	channel string
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, channel: EventsChannel}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, handle func(Delivery)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the confirmation so nothing published after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	go func() {
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
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					logger.Warn("notify_bad_delivery", "channel", msg.Channel, "err", err)
					continue
				}
				handle(d)
			}
		}
	}()
	return nil
}

// LocalBroker delivers in-process. It is used when no redis is configured and
// only reaches connections held by this instance.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[int]func(Delivery)
	next     int
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{handlers: make(map[int]func(Delivery))}
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(d)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, handle func(Delivery)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = handle
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}
