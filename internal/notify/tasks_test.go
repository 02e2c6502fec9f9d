package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

func TestNewDeliverTask(t *testing.T) {
	task, err := NewDeliverTask(DeliverPayload{UserID: 3, Type: "review", Title: "New review"})
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskDeliver {
		t.Fatalf("type = %s", task.Type())
	}
	var p DeliverPayload
	json.Unmarshal(task.Payload(), &p)
	if p.UserID != 3 || p.Title != "New review" {
		t.Fatalf("payload = %+v", p)
	}

	if _, err := NewDeliverTask(DeliverPayload{Type: "review"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("err = %v", err)
	}
}

func TestHandleDeliverTask(t *testing.T) {
	f := newTestFanout(t)
	ctx := context.Background()
	c := connect(t, f, 3)
	nextEvent(t, c)

	task, _ := NewDeliverTask(DeliverPayload{UserID: 3, Type: "review", Title: "New review", Metadata: json.RawMessage(`{"stars":5}`)})
	if err := f.HandleDeliverTask(ctx, task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ev := nextEvent(t, c); ev.Event != EventNewNotification || ev.UnreadCount != 1 {
		t.Fatalf("event = %+v", ev)
	}

	err := f.HandleDeliverTask(ctx, asynq.NewTask(TaskDeliver, []byte(`not json`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("malformed payload err = %v", err)
	}
	err = f.HandleDeliverTask(ctx, asynq.NewTask(TaskDeliver, []byte(`{"user_id":3}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("invalid payload err = %v", err)
	}
}
