package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"go-marketchat/internal/logger"
)

// TaskDeliver is the task business workflows enqueue to notify a user.
const TaskDeliver = "notification:deliver"

const taskQueue = "notifications"

type DeliverPayload struct {
	UserID   int64           `json:"user_id"`
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func NewDeliverTask(p DeliverPayload) (*asynq.Task, error) {
	if p.UserID <= 0 || p.Type == "" {
		return nil, fmt.Errorf("%w: user_id and type are required", ErrBadRequest)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliver, b, asynq.Queue(taskQueue), asynq.MaxRetry(5)), nil
}

// TaskClient enqueues deliver tasks for a worker to pick up.
type TaskClient struct {
	client *asynq.Client
}

func NewTaskClient(opt asynq.RedisConnOpt) *TaskClient {
	return &TaskClient{client: asynq.NewClient(opt)}
}

// Enqueue returns the task id.
func (c *TaskClient) Enqueue(ctx context.Context, p DeliverPayload) (string, error) {
	t, err := NewDeliverTask(p)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, t)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", TaskDeliver, err)
	}
	return info.ID, nil
}

func (c *TaskClient) Close() error {
	return c.client.Close()
}

// HandleDeliverTask is the asynq handler for TaskDeliver. Malformed payloads
// are not retried.
func (f *Fanout) HandleDeliverTask(ctx context.Context, t *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s: %v: %w", TaskDeliver, err, asynq.SkipRetry)
	}
	_, err := f.Notify(ctx, p.UserID, p.Type, Payload{Title: p.Title, Message: p.Message, Metadata: p.Metadata})
	if errors.Is(err, ErrBadRequest) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// Worker runs the asynq server that consumes notification tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(opt asynq.RedisConnOpt, f *Fanout, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{taskQueue: 3, "default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("notify_task_failed", "type", task.Type(), "err", err)
		}),
		Logger: asynqLogger{},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskDeliver, f.HandleDeliverTask)
	return &Worker{server: srv, mux: mux}
}

func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// asynqLogger routes asynq's own logs through the structured logger.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...interface{}) { logger.Debug("asynq", "msg", fmt.Sprint(args...)) }
func (asynqLogger) Info(args ...interface{})  { logger.Info("asynq", "msg", fmt.Sprint(args...)) }
func (asynqLogger) Warn(args ...interface{})  { logger.Warn("asynq", "msg", fmt.Sprint(args...)) }
func (asynqLogger) Error(args ...interface{}) { logger.Error("asynq", "msg", fmt.Sprint(args...)) }
func (asynqLogger) Fatal(args ...interface{}) {
	logger.Error("asynq_fatal", "msg", fmt.Sprint(args...))
}
