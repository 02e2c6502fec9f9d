// Command notifyctl enqueues a notification the way business workflows do,
// through the notification:deliver task.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"go-marketchat/internal/config"
	"go-marketchat/internal/logger"
	"go-marketchat/internal/notify"
)

func main() {
	var (
		cfgPath  = flag.String("config", "./config.yaml", "path to config file")
		envPath  = flag.String("env", ".env", "path to dotenv file")
		userID   = flag.Int64("user", 0, "recipient user id")
		typ      = flag.String("type", "system", "notification type")
		title    = flag.String("title", "", "title")
		message  = flag.String("message", "", "message body")
		metadata = flag.String("metadata", "", "JSON metadata")
	)
	flag.Parse()
	logger.Init("info")

	if err := config.LoadDotEnv(*envPath); err != nil {
		logger.Error("dotenv_failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFile(*cfgPath)
	if err == nil {
		err = cfg.ApplyEnv(os.LookupEnv)
	}
	if err != nil {
		logger.Error("config_invalid", "err", err)
		os.Exit(1)
	}
	if cfg.Redis.Addr == "" {
		logger.Error("redis_not_configured")
		os.Exit(1)
	}

	p := notify.DeliverPayload{UserID: *userID, Type: *typ, Title: *title, Message: *message}
	if *metadata != "" {
		p.Metadata = json.RawMessage(*metadata)
	}

	client := notify.NewTaskClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := client.Enqueue(ctx, p)
	if err != nil {
		logger.Error("enqueue_failed", "err", err)
		os.Exit(1)
	}
	logger.Info("enqueued", "task", id, "user", p.UserID, "type", p.Type)
}
