package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"go-marketchat/internal/call"
	"go-marketchat/internal/logger"
	"go-marketchat/internal/metrics"
	myMiddleware "go-marketchat/internal/middleware"
	"go-marketchat/internal/realtime"
)

const (
	maxUploadBytes  = 10 << 20
	maxHistoryLimit = 200
	injectTimeout   = 5 * time.Second
	channelKindChat = "chat"
	noCatchUp       = -1
)

type HandlerConfig struct {
	AllowedOrigins  []string
	SendQueue       int
	SendWait        time.Duration
	MaxMessageBytes int64
	RateRPS         float64
	RateBurst       int
	HistoryLimit    int
	AttachmentsDir  string
}

type Handler struct {
	hub       *Hub
	convs     ConversationStore
	history   HistoryStore
	validator myMiddleware.TokenValidator
	upgrader  *websocket.Upgrader
	cfg       HandlerConfig
}

func NewHandler(hub *Hub, convs ConversationStore, history HistoryStore, validator myMiddleware.TokenValidator, cfg HandlerConfig) *Handler {
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Handler{
		hub:       hub,
		convs:     convs,
		history:   history,
		validator: validator,
		upgrader:  realtime.NewUpgrader(cfg.AllowedOrigins),
		cfg:       cfg,
	}
}

// ServeChat upgrades /ws/chat/{roomID}/. The token is checked after the
// upgrade so a failure can be reported with a close code.
func (h *Handler) ServeChat(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "path", r.URL.Path, "err", err)
		return
	}

	userID, _, err := h.validator.ValidateToken(myMiddleware.TokenFromRequest(r))
	if err != nil {
		logger.LogRequest("chat_auth_failed", r, "room", roomID)
		realtime.Reject(ws, realtime.CloseAuthFailed, CodeAuthError)
		return
	}

	conv, err := h.convs.Conversation(r.Context(), roomID)
	if err != nil || !conv.HasParticipant(userID) {
		logger.LogRequest("chat_forbidden", r, "room", roomID, "user", userID)
		realtime.Reject(ws, realtime.CloseForbidden, CodeNotParticipant)
		return
	}

	conn := realtime.NewConn(ws, userID, realtime.RoomKey(conv.ID), realtime.Options{
		QueueSize:       h.cfg.SendQueue,
		SendWait:        h.cfg.SendWait,
		MaxMessageBytes: h.cfg.MaxMessageBytes,
		OnEvict:         evicted,
	})

	room, err := h.hub.Join(*conv, conn, parseAfterSeq(r))
	if err != nil {
		logger.Error("room_join_failed", "room", conv.ID, "err", err)
		realtime.Reject(ws, websocket.CloseInternalServerErr, "room unavailable")
		return
	}

	metrics.Connections.WithLabelValues(channelKindChat).Inc()
	logger.LogRequest("chat_connected", r, "room", conv.ID, "user", userID, "conn", conn.ID)

	go conn.WritePump()
	go h.readLoop(room, conn)
}

func (h *Handler) readLoop(room *Room, conn *realtime.Conn) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.RateRPS), h.cfg.RateBurst)
	defer func() {
		h.hub.Leave(room, conn)
		metrics.Connections.WithLabelValues(channelKindChat).Dec()
		logger.Info("chat_disconnected", "room", room.conv.ID, "conn", conn.ID, "user", conn.PrincipalID)
	}()

	conn.ReadPump(func(raw []byte) {
		h.Route(room, conn, limiter, raw)
	})
}

// Route classifies one raw frame. Protocol errors go back to conn only and
// never close it.
func (h *Handler) Route(room *Room, conn *realtime.Conn, limiter *rate.Limiter, raw []byte) {
	if limiter != nil && !limiter.Allow() {
		metrics.EnvelopeErrors.WithLabelValues(CodeRateLimited).Inc()
		conn.Send(errorFrame(ErrRateLimited))
		return
	}
	env, err := Decode(raw)
	if err != nil {
		metrics.EnvelopeErrors.WithLabelValues(Code(err)).Inc()
		logger.Debug("envelope_dropped", "conn", conn.ID, "err", err)
		conn.Send(errorFrame(err))
		return
	}
	h.hub.Dispatch(room, conn, env)
}

func evicted(c *realtime.Conn) {
	metrics.SlowConsumerEvictions.Inc()
	logger.Warn("slow_consumer_evicted", "conn", c.ID, "channel", c.ChannelKey, "user", c.PrincipalID)
}

func parseAfterSeq(r *http.Request) int64 {
	v := r.URL.Query().Get("after_seq")
	if v == "" {
		return noCatchUp
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return noCatchUp
	}
	return n
}

// ---------------------------------------------
// REST
// ---------------------------------------------

type startConversationRequest struct {
	TargetID int64 `json:"target_id"`
}

type postMessageRequest struct {
	Message       string `json:"message"`
	Content       string `json:"content"`
	AttachmentRef string `json:"attachment_ref"`
	ClientNonce   string `json:"client_nonce"`
}

type postMessageResponse struct {
	Message *Message `json:"message"`
	Warning string   `json:"warning,omitempty"`
}

type callStatusResponse struct {
	Active  bool          `json:"active"`
	Session *call.Session `json:"session,omitempty"`
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	convs, err := h.convs.ConversationsFor(r.Context(), userID)
	if err != nil {
		logger.Error("list_conversations_failed", "user", userID, "err", err)
		http.Error(w, "could not load conversations", http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == 0 {
		http.Error(w, "target_id is required", http.StatusBadRequest)
		return
	}

	conv, err := h.convs.CreateConversation(r.Context(), userID, req.TargetID)
	if err != nil {
		if errors.Is(err, ErrSelfConversation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Error("start_conversation_failed", "user", userID, "target", req.TargetID, "err", err)
		http.Error(w, "could not start conversation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}

	limit := h.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.history.List(r.Context(), conv.ID, parseAfterSeq(r), limit)
	if err != nil {
		logger.Error("list_messages_failed", "room", conv.ID, "err", err)
		http.Error(w, "could not load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessage accepts JSON or a multipart form with an "attachment" file and
// publishes the message through the live room.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	userID, _, _ := myMiddleware.PrincipalFrom(r.Context())

	var (
		req      postMessageRequest
		uploaded string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			http.Error(w, "invalid upload", http.StatusBadRequest)
			return
		}
		req.Message = r.FormValue("message")
		req.Content = r.FormValue("content")
		req.ClientNonce = r.FormValue("client_nonce")

		file, header, err := r.FormFile("attachment")
		if err == nil {
			defer file.Close()
			ref, err := saveAttachment(h.cfg.AttachmentsDir, file, header)
			if errors.Is(err, ErrUnsupportedFile) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err != nil {
				logger.Error("attachment_save_failed", "room", conv.ID, "err", err)
				http.Error(w, "could not store attachment", http.StatusInternalServerError)
				return
			}
			req.AttachmentRef = ref
			uploaded = ref
		} else if !errors.Is(err, http.ErrMissingFile) {
			http.Error(w, "invalid attachment", http.StatusBadRequest)
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Message == "" {
		req.Message = req.Content
	}
	if strings.TrimSpace(req.Message) == "" && req.AttachmentRef == "" {
		http.Error(w, "message or attachment is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), injectTimeout)
	defer cancel()
	msg, err := h.hub.Inject(ctx, *conv, &Message{
		SenderID:      userID,
		Content:       req.Message,
		AttachmentRef: req.AttachmentRef,
		ClientNonce:   req.ClientNonce,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, postMessageResponse{Message: msg})
	case errors.Is(err, ErrPersistenceTimeout) && msg != nil:
		writeJSON(w, http.StatusAccepted, postMessageResponse{Message: msg, Warning: CodePersistenceTimeout})
	default:
		logger.Error("post_message_failed", "room", conv.ID, "err", err)
		if uploaded != "" {
			if err := removeAttachment(h.cfg.AttachmentsDir, uploaded); err != nil {
				logger.Warn("attachment_cleanup_failed", "ref", uploaded, "err", err)
			}
		}
		http.Error(w, "could not send message", http.StatusInternalServerError)
	}
}

// CallStatus reports the in-progress call of a conversation.
func (h *Handler) CallStatus(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.participantConversation(w, r)
	if !ok {
		return
	}
	s, active := h.hub.CallStatus(r.Context(), conv.ID)
	res := callStatusResponse{Active: active}
	if active {
		res.Session = &s
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) participantConversation(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	userID, _, ok := myMiddleware.PrincipalFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return nil, false
	}

	conv, err := h.convs.Conversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return nil, false
		}
		http.Error(w, "could not load conversation", http.StatusInternalServerError)
		return nil, false
	}
	if !conv.HasParticipant(userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return conv, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
