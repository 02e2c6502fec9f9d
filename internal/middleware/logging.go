package myMiddleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"go-marketchat/internal/logger"
)

// RequestLogger logs every request once it completes. Websocket upgrades are
// logged by their handlers instead, since the hijacked writer never reports a
// status.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.LogRequest("http_request", r,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
