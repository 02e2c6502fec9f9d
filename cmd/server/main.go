package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"go-marketchat/internal/chat"
	"go-marketchat/internal/config"
	"go-marketchat/internal/db"
	"go-marketchat/internal/logger"
	"go-marketchat/internal/metrics"
	myMiddleware "go-marketchat/internal/middleware"
	"go-marketchat/internal/notify"
	"go-marketchat/internal/realtime"
	"go-marketchat/internal/user"
)

func main() {
	// 1. Config & Flags
	cfg, err := config.Load(config.ParseFlags(), os.LookupEnv)
	if err != nil {
		logger.Init("info")
		logger.Error("config_invalid", "err", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("db_connect_failed", "driver", cfg.Database.Driver, "err", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		logger.Error("db_migrate_failed", "err", err)
		os.Exit(1)
	}
	logger.Info("db_ready", "driver", cfg.Database.Driver)

	// 3. Connect to Redis, if configured. Without it notifications stay on
	// this instance and no task worker runs.
	var (
		broker notify.Broker = notify.NewLocalBroker()
		worker *notify.Worker
	)
	var redisOpt asynq.RedisClientOpt
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis_connect_failed", "addr", cfg.Redis.Addr, "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		broker = notify.NewRedisBroker(redisClient)
		redisOpt = asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		logger.Info("redis_ready", "addr", cfg.Redis.Addr)
	} else {
		logger.Warn("redis_disabled", "notifications", "local")
	}

	// 4. Users
	userRepo := user.NewRepository(database)
	userService := user.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration())
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Realtime: one registry shared by rooms and user channels
	registry := realtime.NewRegistry()

	chatRepo := chat.NewRepository(database)
	hub := chat.NewHub(registry, chatRepo, chat.RoomConfig{
		InboxSize:     cfg.Chat.RoomQueue,
		RingTimeout:   cfg.Chat.RingTimeout.Duration(),
		AppendTimeout: cfg.Chat.AppendTimeout.Duration(),
		HistoryLimit:  cfg.Chat.HistoryLimit,
		DedupeWindow:  cfg.Chat.DedupeWindow,
	})
	chatHandler := chat.NewHandler(hub, chatRepo, chatRepo, userService, chat.HandlerConfig{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SendQueue:       cfg.Chat.SendQueue,
		SendWait:        cfg.Chat.SendWait.Duration(),
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
		RateRPS:         cfg.Chat.RateRPS,
		RateBurst:       cfg.Chat.RateBurst,
		HistoryLimit:    cfg.Chat.HistoryLimit,
		AttachmentsDir:  cfg.Attachments.Dir,
	})

	fanout := notify.NewFanout(notify.NewRepository(database), broker, registry, cfg.Notify.UserQueue)
	if err := fanout.Start(ctx); err != nil {
		logger.Error("notify_subscribe_failed", "err", err)
		os.Exit(1)
	}
	notifyHandler := notify.NewHandler(fanout, userService, notify.HandlerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendQueue:      cfg.Chat.SendQueue,
		SendWait:       cfg.Chat.SendWait.Duration(),
	})

	if cfg.Redis.Addr != "" {
		worker = notify.NewWorker(redisOpt, fanout, 10)
		if err := worker.Start(); err != nil {
			logger.Error("notify_worker_failed", "err", err)
			os.Exit(1)
		}
	}

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// Websockets authenticate after the upgrade so failures carry a close code.
	r.Get("/ws/chat/{roomID}/", chatHandler.ServeChat)
	r.Get("/ws/updates/{userID}/", notifyHandler.ServeUpdates)

	r.With(myMiddleware.InternalKey(cfg.Auth.InternalKey)).Post("/internal/notify/", notifyHandler.Internal)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/conversations/", chatHandler.ListConversations)
		r.Post("/conversations/", chatHandler.StartConversation)
		r.Get("/conversations/{conversationID}/messages/", chatHandler.ListMessages)
		r.Post("/conversations/{conversationID}/messages/", chatHandler.PostMessage)
		r.Get("/conversations/{conversationID}/call/", chatHandler.CallStatus)

		r.Get("/notifications/", notifyHandler.List)
		r.Get("/notifications/unread_count/", notifyHandler.UnreadCount)
		r.Post("/notifications/mark_all_as_read/", notifyHandler.MarkAllRead)
		r.Post("/notifications/{notificationID}/mark_as_read/", notifyHandler.MarkRead)

		r.Handle("/attachments/*", http.StripPrefix("/attachments/", http.FileServer(http.Dir(cfg.Attachments.Dir))))
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server_starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "err", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rooms_shutdown_incomplete", "active", hub.ActiveRooms(), "err", err)
	}
	fanout.Shutdown()
	if worker != nil {
		worker.Shutdown()
	}
	logger.Info("server_stopped")
}
