package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalBrokerUnsubscribesOnCancel(t *testing.T) {
	b := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Delivery, 4)
	if err := b.Subscribe(ctx, func(d Delivery) { got <- d }); err != nil {
		t.Fatal(err)
	}

	b.Publish(context.Background(), Delivery{UserID: 1, Event: Event{Event: EventMarkAllRead}})
	select {
	case d := <-got:
		if d.UserID != 1 {
			t.Fatalf("delivery = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		b.mu.RLock()
		n := len(b.handlers)
		b.mu.RUnlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler still subscribed")
}

// Needs a reachable redis, for example MARKETCHAT_TEST_REDIS=localhost:6379.
func TestRedisBrokerRoundTrip(t *testing.T) {
	addr := os.Getenv("MARKETCHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("MARKETCHAT_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewRedisBroker(client)
	got := make(chan Delivery, 1)
	if err := b.Subscribe(ctx, func(d Delivery) { got <- d }); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, Delivery{UserID: 42, Event: Event{Event: EventUnreadCount, UnreadCount: 7}}); err != nil {
		t.Fatal(err)
	}
	select {
	case d := <-got:
		if d.UserID != 42 || d.Event.UnreadCount != 7 {
			t.Fatalf("delivery = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}
