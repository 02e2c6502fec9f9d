package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"go-marketchat/internal/logger"
	"go-marketchat/internal/metrics"
	myMiddleware "go-marketchat/internal/middleware"
	"go-marketchat/internal/realtime"
)

const (
	channelKindUpdates = "updates"
	listLimit          = 50
)

type HandlerConfig struct {
	AllowedOrigins []string
	SendQueue      int
	SendWait       time.Duration
}

type Handler struct {
	fanout    *Fanout
	validator myMiddleware.TokenValidator
	upgrader  *websocket.Upgrader
	cfg       HandlerConfig
}

func NewHandler(fanout *Fanout, validator myMiddleware.TokenValidator, cfg HandlerConfig) *Handler {
	return &Handler{
		fanout:    fanout,
		validator: validator,
		upgrader:  realtime.NewUpgrader(cfg.AllowedOrigins),
		cfg:       cfg,
	}
}

// ServeUpdates upgrades /ws/updates/{userID}/. Only the owner of the channel
// may subscribe to it.
func (h *Handler) ServeUpdates(w http.ResponseWriter, r *http.Request) {
	channelUser, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "path", r.URL.Path, "err", err)
		return
	}

	userID, _, err := h.validator.ValidateToken(myMiddleware.TokenFromRequest(r))
	if err != nil {
		logger.LogRequest("updates_auth_failed", r, "channel_user", channelUser)
		realtime.Reject(ws, realtime.CloseAuthFailed, "auth_error")
		return
	}
	if userID != channelUser {
		logger.LogRequest("updates_forbidden", r, "channel_user", channelUser, "user", userID)
		realtime.Reject(ws, realtime.CloseForbidden, "forbidden")
		return
	}

	conn := realtime.NewConn(ws, userID, realtime.UserKey(userID), realtime.Options{
		QueueSize: h.cfg.SendQueue,
		SendWait:  h.cfg.SendWait,
		// Clients never send anything meaningful here.
		MaxMessageBytes: 4096,
		OnEvict: func(c *realtime.Conn) {
			metrics.SlowConsumerEvictions.Inc()
			logger.Warn("slow_consumer_evicted", "conn", c.ID, "channel", c.ChannelKey, "user", c.PrincipalID)
		},
	})
	h.fanout.Connect(conn)
	metrics.Connections.WithLabelValues(channelKindUpdates).Inc()
	logger.LogRequest("updates_connected", r, "user", userID, "conn", conn.ID)

	go conn.WritePump()
	go func() {
		defer func() {
			h.fanout.Disconnect(conn)
			metrics.Connections.WithLabelValues(channelKindUpdates).Dec()
			logger.Info("updates_disconnected", "user", userID, "conn", conn.ID)
		}()
		conn.ReadPump(func([]byte) {})
	}()
}

type listResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	list, err := h.fanout.List(r.Context(), userID, listLimit)
	if err != nil {
		logger.Error("list_notifications_failed", "user", userID, "err", err)
		http.Error(w, "could not load notifications", http.StatusInternalServerError)
		return
	}
	count, err := h.fanout.UnreadCount(r.Context(), userID)
	if err != nil {
		http.Error(w, "could not load notifications", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []Notification{}
	}
	writeJSON(w, http.StatusOK, listResponse{Notifications: list, UnreadCount: count})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "notificationID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid notification id", http.StatusBadRequest)
		return
	}

	switch err := h.fanout.MarkRead(r.Context(), userID, id); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "marked as read"})
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrAlreadyRead):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error("mark_read_failed", "user", userID, "id", id, "err", err)
		http.Error(w, "could not update notification", http.StatusInternalServerError)
	}
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	n, err := h.fanout.MarkAllRead(r.Context(), userID)
	if err != nil {
		logger.Error("mark_all_read_failed", "user", userID, "err", err)
		http.Error(w, "could not update notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	n, err := h.fanout.UnreadCount(r.Context(), userID)
	if err != nil {
		http.Error(w, "could not count notifications", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

// Internal accepts a notification from a trusted collaborator. The route is
// guarded by myMiddleware.InternalKey.
func (h *Handler) Internal(w http.ResponseWriter, r *http.Request) {
	var p DeliverPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.fanout.Notify(r.Context(), p.UserID, p.Type, Payload{Title: p.Title, Message: p.Message, Metadata: p.Metadata})
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Error("internal_notify_failed", "user", p.UserID, "err", err)
		http.Error(w, "could not create notification", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
